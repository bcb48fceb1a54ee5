package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
)

func TestSetTypingRequiresMembership(t *testing.T) {
	c := newTestCore(t)
	c.connect(t, "cust", "tok-cust")

	err := c.presence.SetTyping(context.Background(), "cust", 1, true)
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestSetTypingBroadcastsOnlyChanges(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	c.connect(t, "cust", "tok-cust", 1)
	c.connect(t, "agent", "tok-agent", 1)

	require.NoError(t, c.presence.SetTyping(ctx, "cust", 1, true))
	require.NoError(t, c.presence.SetTyping(ctx, "cust", 1, true))
	require.NoError(t, c.presence.SetTyping(ctx, "cust", 1, false))
	require.NoError(t, c.presence.SetTyping(ctx, "cust", 1, false))

	events := c.sink.ofType("agent", models.EventTyping)
	require.Len(t, events, 2)
	assert.True(t, *events[0].Typing)
	assert.False(t, *events[1].Typing)
	assert.Equal(t, customer.ID, events[0].Principal.ID)
	assert.Empty(t, c.sink.ofType("cust", models.EventTyping))
}

func TestTypingExpires(t *testing.T) {
	c := newTestCore(t)
	c.connect(t, "cust", "tok-cust", 1)
	c.connect(t, "agent", "tok-agent", 1)

	require.NoError(t, c.presence.SetTyping(context.Background(), "cust", 1, true))
	require.Eventually(t, func() bool {
		return len(c.sink.ofType("agent", models.EventTyping)) == 2
	}, time.Second, 10*time.Millisecond)
	assert.False(t, c.presence.IsTyping("cust", 1))
}

func TestLeaveClearsTyping(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	c.connect(t, "cust", "tok-cust", 1)
	c.connect(t, "agent", "tok-agent", 1)

	require.NoError(t, c.presence.SetTyping(ctx, "cust", 1, true))
	require.NoError(t, c.directory.Leave(ctx, "cust", 1))

	assert.False(t, c.presence.IsTyping("cust", 1))
	events := c.sink.ofType("agent", models.EventTyping)
	require.Len(t, events, 2)
	assert.False(t, *events[1].Typing)
}

func TestOnlineTransitionsArePerPrincipal(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	c.connect(t, "agent", "tok-agent", 1)
	c.connect(t, "phone", "tok-cust", 1)
	c.connect(t, "laptop", "tok-cust", 1)

	require.NoError(t, c.presence.SetOnline(ctx, "phone", true))
	require.NoError(t, c.presence.SetOnline(ctx, "laptop", true))
	online, err := c.presence.IsOnline(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, c.presence.SetOnline(ctx, "phone", false))
	online, err = c.presence.IsOnline(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, online)

	c.registry.Unregister(ctx, "laptop")
	online, err = c.presence.IsOnline(ctx, customer.ID)
	require.NoError(t, err)
	assert.False(t, online)

	events := c.sink.ofType("agent", models.EventPresenceChanged)
	require.Len(t, events, 2)
	assert.True(t, *events[0].Online)
	assert.False(t, *events[1].Online)
}
