package realtime

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
)

func TestMarkReadIsMonotonic(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	c.connect(t, "cust", "tok-cust", 1)
	c.connect(t, "agent", "tok-agent", 1)
	for i := 0; i < 5; i++ {
		_, err := c.dispatcher.Post(ctx, bot, 1, text(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	cursor, err := c.reads.MarkRead(ctx, "cust", 1, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cursor.Sequence)

	cursor, err = c.reads.MarkRead(ctx, "cust", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cursor.Sequence)

	receipts := c.sink.ofType("agent", models.EventReadReceipt)
	require.Len(t, receipts, 1)
	assert.Equal(t, int64(5), receipts[0].ReadUpTo)
	assert.Equal(t, customer.ID, receipts[0].Principal.ID)
	assert.Empty(t, c.sink.ofType("cust", models.EventReadReceipt))
}

func TestMarkReadValidation(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	c.connect(t, "cust", "tok-cust", 1)

	_, err := c.reads.MarkRead(ctx, "cust", 1, 0)
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = c.reads.MarkRead(ctx, "cust", 2, 1)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = c.reads.MarkRead(ctx, "nobody", 1, 1)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUnreadCount(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := c.dispatcher.Post(ctx, agent, 1, text(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	unread, err := c.reads.UnreadCount(ctx, 1, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), unread)

	_, err = c.reads.MarkReadAs(ctx, customer, 1, 2)
	require.NoError(t, err)
	unread, err = c.reads.UnreadCount(ctx, 1, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), unread)

	_, err = c.reads.MarkReadAs(ctx, customer, 1, 10)
	require.NoError(t, err)
	unread, err = c.reads.UnreadCount(ctx, 1, customer.ID)
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestMarkReadCapsAtLatestSequence(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	cursor, err := c.reads.MarkReadAs(ctx, agent, 1, 7)
	require.NoError(t, err)
	assert.Zero(t, cursor.Sequence)

	for i := 0; i < 2; i++ {
		_, err := c.dispatcher.Post(ctx, customer, 1, text(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	cursor, err = c.reads.MarkReadAs(ctx, agent, 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursor.Sequence)

	for i := 0; i < 3; i++ {
		_, err := c.dispatcher.Post(ctx, customer, 1, text(fmt.Sprintf("later%d", i)))
		require.NoError(t, err)
	}
	unread, err := c.reads.UnreadCount(ctx, 1, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), unread)
}
