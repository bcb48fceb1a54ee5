package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/keylock"
	"crm-realtime/internal/models"
	"crm-realtime/internal/observability"
	"crm-realtime/internal/repositories"
)

const maxSearchResults = 500

// Ledger is the ordered, append-only message log of every conversation and
// the only writer of sequence numbers.
type Ledger struct {
	store  repositories.MessageRepository
	locks  *keylock.Locker[int64]
	retry  RetryPolicy
	logger zerolog.Logger
	now    func() time.Time
}

// NewLedger wraps store. Appends to one conversation wait at most
// lockTimeout for their turn.
func NewLedger(store repositories.MessageRepository, lockTimeout time.Duration, retry RetryPolicy, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		locks:  keylock.New[int64](lockTimeout),
		retry:  retry,
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Append stores the draft as the next message of the conversation.
func (l *Ledger) Append(ctx context.Context, conversationID int64, draft models.Draft) (models.Message, error) {
	if err := draft.Body.Validate(); err != nil {
		return models.Message{}, err
	}
	if draft.ReplyTo != "" {
		if err := l.checkReplyTarget(ctx, conversationID, draft.ReplyTo); err != nil {
			return models.Message{}, err
		}
	}

	ctx, span := otel.Tracer("crm-realtime/ledger").Start(ctx, "ledger.append")
	defer span.End()
	span.SetAttributes(attribute.Int64("conversation.id", conversationID))

	waitStart := time.Now()
	unlock, err := l.locks.Lock(ctx, conversationID)
	observability.ObserveLedgerLockWait(time.Since(waitStart))
	if err != nil {
		return models.Message{}, err
	}
	defer unlock()

	msg := models.Message{
		ID:         ulid.Make().String(),
		SenderID:   draft.SenderID,
		SenderRole: draft.SenderRole,
		Body:       draft.Body,
		CreatedAt:  l.now(),
	}
	if draft.ReplyTo != "" {
		msg.ReplyTo = &draft.ReplyTo
	}

	stored, err := retryStore(ctx, l.retry, func(attempt int) (models.Message, error) {
		if attempt > 1 {
			// A commit that failed on the wire may still have landed.
			if existing, err := l.store.Get(ctx, msg.ID); err == nil {
				return existing, nil
			}
			l.logger.Warn().Int64("conversation_id", conversationID).Int("attempt", attempt).Msg("retrying append")
		}
		return l.store.Append(ctx, conversationID, msg)
	})
	if err != nil {
		span.RecordError(err)
		return models.Message{}, fmt.Errorf("append to conversation %d: %w", conversationID, err)
	}

	span.SetAttributes(attribute.Int64("message.sequence", stored.Sequence))
	observability.IncMessagesAppended(string(stored.SenderRole))
	return stored, nil
}

// checkReplyTarget requires the quoted message to exist in the same
// conversation.
func (l *Ledger) checkReplyTarget(ctx context.Context, conversationID int64, messageID string) error {
	target, err := l.Get(ctx, messageID)
	if errors.Is(err, apperr.ErrNotFound) || (err == nil && target.ConversationID != conversationID) {
		return fmt.Errorf("reply target %s is not in conversation %d: %w", messageID, conversationID, apperr.ErrValidation)
	}
	return err
}

// ReadRange returns messages from..to inclusive in sequence order. Tombstones
// are included so ranges stay contiguous.
func (l *Ledger) ReadRange(ctx context.Context, conversationID int64, fromSeq, toSeq int64) ([]models.Message, error) {
	if fromSeq < 1 || toSeq < fromSeq {
		return nil, fmt.Errorf("range %d..%d: %w", fromSeq, toSeq, apperr.ErrValidation)
	}
	msgs, err := retryStore(ctx, l.retry, func(int) ([]models.Message, error) {
		return l.store.ReadRange(ctx, conversationID, fromSeq, toSeq)
	})
	if err != nil {
		return nil, fmt.Errorf("read conversation %d: %w", conversationID, err)
	}
	for i := range msgs {
		if msgs[i].Deleted {
			msgs[i] = msgs[i].Tombstoned()
		}
	}
	return msgs, nil
}

// Get fetches one message by id.
func (l *Ledger) Get(ctx context.Context, messageID string) (models.Message, error) {
	return retryStore(ctx, l.retry, func(int) (models.Message, error) {
		return l.store.Get(ctx, messageID)
	})
}

// Edit replaces a live message's body. Tombstoned messages yield ErrConflict.
func (l *Ledger) Edit(ctx context.Context, messageID string, body models.Body) (models.Message, error) {
	if err := body.Validate(); err != nil {
		return models.Message{}, err
	}
	editedAt := l.now()
	return retryStore(ctx, l.retry, func(int) (models.Message, error) {
		return l.store.Edit(ctx, messageID, body, editedAt)
	})
}

// Tombstone marks a message deleted; its sequence slot stays occupied.
func (l *Ledger) Tombstone(ctx context.Context, messageID string) (models.Message, error) {
	return retryStore(ctx, l.retry, func(int) (models.Message, error) {
		return l.store.Tombstone(ctx, messageID)
	})
}

// Latest returns the last assigned sequence, 0 for an empty conversation.
func (l *Ledger) Latest(ctx context.Context, conversationID int64) (int64, error) {
	return retryStore(ctx, l.retry, func(int) (int64, error) {
		return l.store.Latest(ctx, conversationID)
	})
}

// Search returns live messages matching filter in sequence order. Limit is
// capped at maxSearchResults.
func (l *Ledger) Search(ctx context.Context, conversationID int64, filter models.MessageFilter) ([]models.Message, error) {
	if filter.SenderRole != "" && !filter.SenderRole.Valid() {
		return nil, fmt.Errorf("unknown sender role %q: %w", filter.SenderRole, apperr.ErrValidation)
	}
	if filter.BodyType != "" && !filter.BodyType.Valid() {
		return nil, fmt.Errorf("unknown body type %q: %w", filter.BodyType, apperr.ErrValidation)
	}
	if filter.FromSeq < 0 || filter.ToSeq < 0 || (filter.ToSeq > 0 && filter.ToSeq < filter.FromSeq) {
		return nil, fmt.Errorf("range %d..%d: %w", filter.FromSeq, filter.ToSeq, apperr.ErrValidation)
	}
	if filter.Limit <= 0 || filter.Limit > maxSearchResults {
		filter.Limit = maxSearchResults
	}
	msgs, err := retryStore(ctx, l.retry, func(int) ([]models.Message, error) {
		return l.store.Search(ctx, conversationID, filter)
	})
	if err != nil {
		return nil, fmt.Errorf("search conversation %d: %w", conversationID, err)
	}
	return msgs, nil
}

// Annotate stores classifier output on a message. An empty intent clears it.
func (l *Ledger) Annotate(ctx context.Context, messageID, intent string, confidence float64) error {
	_, err := retryStore(ctx, l.retry, func(int) (struct{}, error) {
		return struct{}{}, l.store.SetIntent(ctx, messageID, intent, confidence)
	})
	if errors.Is(err, apperr.ErrNotFound) {
		l.logger.Warn().Str("message_id", messageID).Msg("annotate: message vanished")
	}
	return err
}
