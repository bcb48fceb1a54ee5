package realtime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
	"crm-realtime/internal/repositories"
)

// ReadState tracks how far each principal has read in each conversation.
type ReadState struct {
	registry    *Registry
	cursors     repositories.CursorRepository
	ledger      *Ledger
	access      AccessChecker
	broadcaster Broadcaster
	retry       RetryPolicy
	logger      zerolog.Logger
}

// NewReadState constructs a ReadState.
func NewReadState(registry *Registry, cursors repositories.CursorRepository, ledger *Ledger, access AccessChecker, broadcaster Broadcaster, retry RetryPolicy, logger zerolog.Logger) *ReadState {
	return &ReadState{
		registry:    registry,
		cursors:     cursors,
		ledger:      ledger,
		access:      access,
		broadcaster: broadcaster,
		retry:       retry,
		logger:      logger.With().Str("component", "readstate").Logger(),
	}
}

// MarkRead moves the principal's cursor forward to upTo, capped at the
// latest committed sequence. Moving backwards is ignored; the current cursor
// is returned either way.
func (r *ReadState) MarkRead(ctx context.Context, connID string, conversationID int64, upTo int64) (models.ReadCursor, error) {
	p, err := r.registry.Lookup(connID)
	if err != nil {
		return models.ReadCursor{}, err
	}
	return r.markRead(ctx, p, connID, conversationID, upTo)
}

// MarkReadAs is MarkRead for a principal that is not on a socket.
func (r *ReadState) MarkReadAs(ctx context.Context, p models.Principal, conversationID int64, upTo int64) (models.ReadCursor, error) {
	return r.markRead(ctx, p, "", conversationID, upTo)
}

func (r *ReadState) markRead(ctx context.Context, p models.Principal, connID string, conversationID int64, upTo int64) (models.ReadCursor, error) {
	if upTo <= 0 {
		return models.ReadCursor{}, fmt.Errorf("read up to %d: %w", upTo, apperr.ErrValidation)
	}
	if _, err := r.access.CanAccess(ctx, p, conversationID); err != nil {
		return models.ReadCursor{}, err
	}
	latest, err := r.ledger.Latest(ctx, conversationID)
	if err != nil {
		return models.ReadCursor{}, err
	}
	if latest == 0 {
		return r.Cursor(ctx, conversationID, p.ID)
	}
	if upTo > latest {
		upTo = latest
	}

	type advanced struct {
		cursor  models.ReadCursor
		changed bool
	}
	res, err := retryStore(ctx, r.retry, func(int) (advanced, error) {
		cursor, changed, err := r.cursors.Advance(ctx, conversationID, p.ID, upTo)
		return advanced{cursor, changed}, err
	})
	if err != nil {
		return models.ReadCursor{}, fmt.Errorf("mark read %d: %w", conversationID, err)
	}
	if !res.changed {
		return res.cursor, nil
	}

	principal := p
	evt := models.Event{
		Type:           models.EventReadReceipt,
		ConversationID: conversationID,
		Principal:      &principal,
		ReadUpTo:       res.cursor.Sequence,
		Exclude:        connID,
	}
	if err := r.broadcaster.Publish(ctx, evt); err != nil {
		r.logger.Warn().Err(err).Int64("conversation_id", conversationID).Str("principal", p.ID).Msg("read receipt broadcast failed")
	}
	return res.cursor, nil
}

// Cursor returns the principal's cursor, zero when nothing was read yet.
func (r *ReadState) Cursor(ctx context.Context, conversationID int64, principalID string) (models.ReadCursor, error) {
	return retryStore(ctx, r.retry, func(int) (models.ReadCursor, error) {
		return r.cursors.Get(ctx, conversationID, principalID)
	})
}

// UnreadCount is the number of messages after the principal's cursor.
func (r *ReadState) UnreadCount(ctx context.Context, conversationID int64, principalID string) (int64, error) {
	latest, err := r.ledger.Latest(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	cursor, err := r.Cursor(ctx, conversationID, principalID)
	if err != nil {
		return 0, err
	}
	if unread := latest - cursor.Sequence; unread > 0 {
		return unread, nil
	}
	return 0, nil
}
