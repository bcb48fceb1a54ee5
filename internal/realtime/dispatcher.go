package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
)

// Dispatcher accepts messages, commits them to the ledger and fans them out
// to the room. A send succeeds once the append succeeds; delivery is best effort.
type Dispatcher struct {
	registry    *Registry
	ledger      *Ledger
	access      AccessChecker
	broadcaster Broadcaster
	hooks       []Hook
	hookTimeout time.Duration
	logger      zerolog.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(registry *Registry, ledger *Ledger, access AccessChecker, broadcaster Broadcaster, logger zerolog.Logger, hooks ...Hook) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		ledger:      ledger,
		access:      access,
		broadcaster: broadcaster,
		hooks:       hooks,
		hookTimeout: 10 * time.Second,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Send appends body from a joined connection and broadcasts it to every
// member of the room, the sender included.
func (d *Dispatcher) Send(ctx context.Context, connID string, conversationID int64, body models.Body) (models.Message, error) {
	return d.SendReply(ctx, connID, conversationID, "", body)
}

// SendReply is Send quoting an earlier message of the same conversation.
// An empty replyTo quotes nothing.
func (d *Dispatcher) SendReply(ctx context.Context, connID string, conversationID int64, replyTo string, body models.Body) (models.Message, error) {
	p, err := d.registry.Lookup(connID)
	if err != nil {
		return models.Message{}, err
	}
	if !d.registry.IsJoined(connID, conversationID) {
		return models.Message{}, fmt.Errorf("connection %s is not in room %d: %w", connID, conversationID, apperr.ErrForbidden)
	}
	return d.post(ctx, p, conversationID, models.Draft{Body: body, ReplyTo: replyTo})
}

// Post appends on behalf of a principal that is not on a socket, such as a
// bot or an agent using the REST API.
func (d *Dispatcher) Post(ctx context.Context, p models.Principal, conversationID int64, body models.Body) (models.Message, error) {
	return d.post(ctx, p, conversationID, models.Draft{Body: body})
}

// PostReply is Post quoting an earlier message of the same conversation.
func (d *Dispatcher) PostReply(ctx context.Context, p models.Principal, conversationID int64, replyTo string, body models.Body) (models.Message, error) {
	return d.post(ctx, p, conversationID, models.Draft{Body: body, ReplyTo: replyTo})
}

// post fills the sender of draft from p.
func (d *Dispatcher) post(ctx context.Context, p models.Principal, conversationID int64, draft models.Draft) (models.Message, error) {
	ctx, span := otel.Tracer("crm-realtime/dispatcher").Start(ctx, "dispatcher.send")
	defer span.End()
	span.SetAttributes(attribute.Int64("conversation.id", conversationID), attribute.String("sender.role", string(p.Role)))

	conv, err := d.access.CanAccess(ctx, p, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if err := requireOpen(conv); err != nil {
		return models.Message{}, err
	}

	draft.SenderID, draft.SenderRole = p.ID, p.Role
	msg, err := d.ledger.Append(ctx, conversationID, draft)
	if err != nil {
		span.RecordError(err)
		return models.Message{}, err
	}

	d.broadcast(ctx, models.Event{Type: models.EventNewMessage, ConversationID: conversationID, Sequence: msg.Sequence, Message: &msg})
	d.runHooks(models.EventNewMessage, msg)
	return msg, nil
}

// EditAndBroadcast edits a message on behalf of a connection in its room.
func (d *Dispatcher) EditAndBroadcast(ctx context.Context, connID string, messageID string, body models.Body) (models.Message, error) {
	p, err := d.registry.Lookup(connID)
	if err != nil {
		return models.Message{}, err
	}
	return d.edit(ctx, p, messageID, body, func(conversationID int64) error { return d.requireJoined(connID, conversationID) })
}

// EditAs edits a message on behalf of a principal that is not on a socket.
func (d *Dispatcher) EditAs(ctx context.Context, p models.Principal, messageID string, body models.Body) (models.Message, error) {
	return d.edit(ctx, p, messageID, body, nil)
}

// DeleteAndBroadcast tombstones a message on behalf of a connection in its room.
func (d *Dispatcher) DeleteAndBroadcast(ctx context.Context, connID string, messageID string) (models.Message, error) {
	p, err := d.registry.Lookup(connID)
	if err != nil {
		return models.Message{}, err
	}
	return d.delete(ctx, p, messageID, func(conversationID int64) error { return d.requireJoined(connID, conversationID) })
}

// DeleteAs tombstones a message on behalf of a principal that is not on a socket.
func (d *Dispatcher) DeleteAs(ctx context.Context, p models.Principal, messageID string) (models.Message, error) {
	return d.delete(ctx, p, messageID, nil)
}

func (d *Dispatcher) edit(ctx context.Context, p models.Principal, messageID string, body models.Body, gate func(int64) error) (models.Message, error) {
	original, err := d.authorize(ctx, p, messageID, gate)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := d.ledger.Edit(ctx, messageID, body)
	if err != nil {
		return models.Message{}, err
	}
	d.broadcast(ctx, models.Event{Type: models.EventMessageEdited, ConversationID: original.ConversationID, Message: &msg})
	d.runHooks(models.EventMessageEdited, msg)
	return msg, nil
}

func (d *Dispatcher) delete(ctx context.Context, p models.Principal, messageID string, gate func(int64) error) (models.Message, error) {
	original, err := d.authorize(ctx, p, messageID, gate)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := d.ledger.Tombstone(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	d.broadcast(ctx, models.Event{Type: models.EventMessageDeleted, ConversationID: original.ConversationID, Message: &msg})
	d.runHooks(models.EventMessageDeleted, msg)
	return msg, nil
}

// authorize lets the author, agents and the system change a message.
func (d *Dispatcher) authorize(ctx context.Context, p models.Principal, messageID string, gate func(int64) error) (models.Message, error) {
	msg, err := d.ledger.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	conv, err := d.access.CanAccess(ctx, p, msg.ConversationID)
	if err != nil {
		return models.Message{}, err
	}
	if err := requireOpen(conv); err != nil {
		return models.Message{}, err
	}
	if gate != nil {
		if err := gate(msg.ConversationID); err != nil {
			return models.Message{}, err
		}
	}
	if msg.SenderID != p.ID && p.Role != models.RoleAgent && p.Role != models.RoleSystem {
		return models.Message{}, fmt.Errorf("message %s belongs to %s: %w", messageID, msg.SenderID, apperr.ErrForbidden)
	}
	return msg, nil
}

func (d *Dispatcher) requireJoined(connID string, conversationID int64) error {
	if !d.registry.IsJoined(connID, conversationID) {
		return fmt.Errorf("connection %s is not in room %d: %w", connID, conversationID, apperr.ErrForbidden)
	}
	return nil
}

func (d *Dispatcher) broadcast(ctx context.Context, evt models.Event) {
	if err := d.broadcaster.Publish(ctx, evt); err != nil {
		d.logger.Error().Err(err).Str("type", evt.Type).Int64("conversation_id", evt.ConversationID).Int64("sequence", evt.Sequence).Msg("broadcast failed")
	}
}

func (d *Dispatcher) runHooks(eventType string, msg models.Message) {
	for _, h := range d.hooks {
		go func(h Hook) {
			ctx, cancel := context.WithTimeout(context.Background(), d.hookTimeout)
			defer cancel()
			h.AfterCommit(ctx, eventType, msg)
		}(h)
	}
}
