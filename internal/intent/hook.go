package intent

import (
	"context"

	"github.com/rs/zerolog"

	"crm-realtime/internal/models"
)

// EventClassified is reported to the observer once a message is tagged.
const EventClassified = "message_classified"

// Annotator stores a classifier verdict on a message.
type Annotator interface {
	Annotate(ctx context.Context, messageID, intent string, confidence float64) error
}

// Observer is notified after a message was annotated.
type Observer interface {
	AfterCommit(ctx context.Context, eventType string, msg models.Message)
}

// Hook classifies customer text messages after they are committed, and again
// after they are edited.
type Hook struct {
	classifier Classifier
	annotator  Annotator
	observer   Observer
	logger     zerolog.Logger
}

// NewHook constructs a Hook. observer may be nil.
func NewHook(classifier Classifier, annotator Annotator, observer Observer, logger zerolog.Logger) *Hook {
	return &Hook{
		classifier: classifier,
		annotator:  annotator,
		observer:   observer,
		logger:     logger.With().Str("component", "intent").Logger(),
	}
}

func (h *Hook) AfterCommit(ctx context.Context, eventType string, msg models.Message) {
	if eventType != models.EventNewMessage && eventType != models.EventMessageEdited {
		return
	}
	if msg.SenderRole != models.RoleCustomer {
		return
	}
	var (
		res Result
		ok  bool
	)
	if msg.Body.Type == models.BodyText {
		res, ok = h.classifier.Classify(msg.Body.Text)
	}
	if !ok {
		if eventType == models.EventMessageEdited && msg.Intent != nil {
			h.clear(ctx, msg)
		}
		return
	}
	if err := h.annotator.Annotate(ctx, msg.ID, res.Intent, res.Confidence); err != nil {
		h.logger.Error().Err(err).Str("message_id", msg.ID).Msg("annotate failed")
		return
	}
	h.logger.Debug().Str("message_id", msg.ID).Str("intent", res.Intent).Float64("confidence", res.Confidence).Msg("classified")

	if h.observer == nil {
		return
	}
	msg.Intent = &res.Intent
	msg.IntentConfidence = &res.Confidence
	h.observer.AfterCommit(ctx, EventClassified, msg)
}

// clear drops an intent that no longer matches the edited text.
func (h *Hook) clear(ctx context.Context, msg models.Message) {
	if err := h.annotator.Annotate(ctx, msg.ID, "", 0); err != nil {
		h.logger.Error().Err(err).Str("message_id", msg.ID).Msg("clear intent failed")
		return
	}
	h.logger.Debug().Str("message_id", msg.ID).Str("previous", *msg.Intent).Msg("intent cleared")
}
