package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-realtime/internal/models"
)

type annotation struct {
	messageID  string
	intent     string
	confidence float64
}

type fakeAnnotator struct {
	calls []annotation
	err   error
}

func (f *fakeAnnotator) Annotate(ctx context.Context, messageID, intent string, confidence float64) error {
	f.calls = append(f.calls, annotation{messageID, intent, confidence})
	return f.err
}

type fakeObserver struct {
	events []string
	msgs   []models.Message
}

func (f *fakeObserver) AfterCommit(ctx context.Context, eventType string, msg models.Message) {
	f.events = append(f.events, eventType)
	f.msgs = append(f.msgs, msg)
}

func customerText(text string) models.Message {
	return models.Message{
		ID:         "m1",
		SenderRole: models.RoleCustomer,
		Body:       models.Body{Type: models.BodyText, Text: text},
	}
}

func TestHookAnnotatesCustomerText(t *testing.T) {
	ann, obs := &fakeAnnotator{}, &fakeObserver{}
	hook := NewHook(NewKeywordClassifier(nil), ann, obs, zerolog.Nop())

	hook.AfterCommit(context.Background(), models.EventNewMessage, customerText("How much is this?"))

	require.Len(t, ann.calls, 1)
	assert.Equal(t, annotation{"m1", "price_inquiry", 0.85}, ann.calls[0])
	require.Len(t, obs.events, 1)
	assert.Equal(t, EventClassified, obs.events[0])
	require.NotNil(t, obs.msgs[0].Intent)
	assert.Equal(t, "price_inquiry", *obs.msgs[0].Intent)
}

func TestHookSkips(t *testing.T) {
	agentMsg := customerText("price list attached")
	agentMsg.SenderRole = models.RoleAgent
	image := customerText("")
	image.Body = models.Body{Type: models.BodyImage, URL: "https://cdn.example/p.png"}

	cases := []struct {
		name      string
		eventType string
		msg       models.Message
	}{
		{"deletes", models.EventMessageDeleted, customerText("price?")},
		{"edit without prior intent", models.EventMessageEdited, customerText("hello again")},
		{"staff", models.EventNewMessage, agentMsg},
		{"non-text", models.EventNewMessage, image},
		{"no match", models.EventNewMessage, customerText("hello there")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ann, obs := &fakeAnnotator{}, &fakeObserver{}
			NewHook(NewKeywordClassifier(nil), ann, obs, zerolog.Nop()).AfterCommit(context.Background(), tc.eventType, tc.msg)
			assert.Empty(t, ann.calls)
			assert.Empty(t, obs.events)
		})
	}
}

func TestHookDoesNotReportFailedAnnotation(t *testing.T) {
	ann, obs := &fakeAnnotator{err: errors.New("db down")}, &fakeObserver{}
	NewHook(NewKeywordClassifier(nil), ann, obs, zerolog.Nop()).AfterCommit(context.Background(), models.EventNewMessage, customerText("ส่งฟรีไหม"))

	require.Len(t, ann.calls, 1)
	assert.Equal(t, "delivery_inquiry", ann.calls[0].intent)
	assert.Empty(t, obs.events)
}

func TestHookWithoutObserver(t *testing.T) {
	ann := &fakeAnnotator{}
	hook := NewHook(NewKeywordClassifier(nil), ann, nil, zerolog.Nop())
	assert.NotPanics(t, func() {
		hook.AfterCommit(context.Background(), models.EventNewMessage, customerText("I want to buy two"))
	})
	require.Len(t, ann.calls, 1)
	assert.Equal(t, "purchase_intent", ann.calls[0].intent)
}

func TestHookReclassifiesEditedText(t *testing.T) {
	ann, obs := &fakeAnnotator{}, &fakeObserver{}
	hook := NewHook(NewKeywordClassifier(nil), ann, obs, zerolog.Nop())
	edited := customerText("ส่งฟรีไหม")
	previous := "price_inquiry"
	edited.Intent = &previous

	hook.AfterCommit(context.Background(), models.EventMessageEdited, edited)

	require.Len(t, ann.calls, 1)
	assert.Equal(t, "delivery_inquiry", ann.calls[0].intent)
	require.Len(t, obs.msgs, 1)
	assert.Equal(t, "delivery_inquiry", *obs.msgs[0].Intent)
}

func TestHookClearsIntentWhenEditNoLongerMatches(t *testing.T) {
	ann, obs := &fakeAnnotator{}, &fakeObserver{}
	hook := NewHook(NewKeywordClassifier(nil), ann, obs, zerolog.Nop())
	previous := "price_inquiry"

	edited := customerText("never mind, thanks")
	edited.Intent = &previous
	hook.AfterCommit(context.Background(), models.EventMessageEdited, edited)

	toImage := customerText("")
	toImage.Body = models.Body{Type: models.BodyImage, URL: "https://cdn.example/p.png"}
	toImage.Intent = &previous
	hook.AfterCommit(context.Background(), models.EventMessageEdited, toImage)

	assert.Equal(t, []annotation{{"m1", "", 0}, {"m1", "", 0}}, ann.calls)
	assert.Empty(t, obs.events)
}
