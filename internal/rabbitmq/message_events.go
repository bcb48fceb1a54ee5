package rabbitmq

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"crm-realtime/internal/intent"
	"crm-realtime/internal/models"
	"crm-realtime/internal/observability"
)

// MessageEvent is the domain event published after a ledger write.
type MessageEvent struct {
	SchemaVersion  int         `json:"schema_version"`
	EventType      string      `json:"event_type"`
	OccurredAt     string      `json:"occurred_at"`
	Service        string      `json:"service"`
	MessageID      string      `json:"message_id"`
	ConversationID int64       `json:"conversation_id"`
	Sequence       int64       `json:"sequence"`
	SenderID       string      `json:"sender_id"`
	SenderRole     models.Role `json:"sender_role"`
	Body           models.Body `json:"body"`
	Deleted        bool        `json:"deleted"`
	Intent         *string     `json:"intent,omitempty"`
	Confidence     *float64    `json:"confidence,omitempty"`
}

var routingKeys = map[string]string{
	models.EventNewMessage:     "messages.created",
	models.EventMessageEdited:  "messages.edited",
	models.EventMessageDeleted: "messages.deleted",
	intent.EventClassified:     "messages.classified",
}

// MessageEvents forwards committed message changes to the exchange.
type MessageEvents struct {
	publisher Publisher
	service   string
	logger    zerolog.Logger
}

// NewMessageEvents constructs a MessageEvents hook.
func NewMessageEvents(publisher Publisher, service string, logger zerolog.Logger) *MessageEvents {
	return &MessageEvents{publisher: publisher, service: service, logger: logger.With().Str("component", "message_events").Logger()}
}

// AfterCommit publishes msg under the routing key of eventType.
func (e *MessageEvents) AfterCommit(ctx context.Context, eventType string, msg models.Message) {
	key, ok := routingKeys[eventType]
	if !ok {
		return
	}
	evt := MessageEvent{
		SchemaVersion:  1,
		EventType:      eventType,
		OccurredAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Service:        e.service,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Sequence:       msg.Sequence,
		SenderID:       msg.SenderID,
		SenderRole:     msg.SenderRole,
		Body:           msg.Body,
		Deleted:        msg.Deleted,
		Intent:         msg.Intent,
		Confidence:     msg.IntentConfidence,
	}
	if err := e.publisher.Publish(ctx, key, evt, nil); err != nil {
		observability.IncAMQPPublishError()
		e.logger.Error().Err(err).Str("routing_key", key).Str("message_id", msg.ID).Msg("message event publish failed")
	}
}
