package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-realtime/internal/models"
)

func newMessageEvent(msg models.Message) models.Event {
	return models.Event{Type: models.EventNewMessage, ConversationID: msg.ConversationID, Sequence: msg.Sequence, Message: &msg}
}

func TestSequencerHoldsOutOfOrderEvents(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	c.connect(t, "cust", "tok-cust", 1)

	var msgs []models.Message
	for _, s := range []string{"a", "b", "c"} {
		msg, err := c.ledger.Append(ctx, 1, draft(s))
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	c.local.Deliver(newMessageEvent(msgs[2]))
	c.local.Deliver(newMessageEvent(msgs[1]))
	assert.Empty(t, c.sink.sequences("cust"))

	c.local.Deliver(newMessageEvent(msgs[0]))
	assert.Equal(t, []int64{1, 2, 3}, c.sink.sequences("cust"))

	c.local.Deliver(newMessageEvent(msgs[1]))
	assert.Equal(t, []int64{1, 2, 3}, c.sink.sequences("cust"))
}

func TestSequencerFillsGapFromLedger(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	c.connect(t, "cust", "tok-cust", 1)

	var last models.Message
	for _, s := range []string{"a", "b", "c"} {
		msg, err := c.ledger.Append(ctx, 1, draft(s))
		require.NoError(t, err)
		last = msg
	}

	c.local.Deliver(newMessageEvent(last))
	require.Eventually(t, func() bool {
		return len(c.sink.sequences("cust")) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, c.sink.sequences("cust"))

	events := c.sink.ofType("cust", models.EventNewMessage)
	assert.Equal(t, "a", events[0].Message.Body.Text)
}

func TestUnsequencedEventsSkipExcludedConnection(t *testing.T) {
	c := newTestCore(t)
	c.connect(t, "cust", "tok-cust", 1)
	c.connect(t, "agent", "tok-agent", 1)

	typing := true
	c.local.Deliver(models.Event{Type: models.EventTyping, ConversationID: 1, Typing: &typing, Exclude: "cust"})

	assert.Len(t, c.sink.ofType("agent", models.EventTyping), 1)
	assert.Empty(t, c.sink.ofType("cust", models.EventTyping))
}
