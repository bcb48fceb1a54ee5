package repositories

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
)

func textMessage(id, text string) models.Message {
	return models.Message{ID: id, SenderID: "cust-1", SenderRole: models.RoleCustomer, Body: models.Body{Type: models.BodyText, Text: text}}
}

func TestMemoryMessageRepoConcurrentAppendIsGapFree(t *testing.T) {
	repo := NewMemoryMessageRepo()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Append(ctx, 1, textMessage(fmt.Sprintf("m%d", i), "x"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := repo.ReadRange(ctx, 1, 1, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 50)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Sequence)
	}
	latest, err := repo.Latest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), latest)
}

func TestMemoryMessageRepoTombstoneKeepsSlot(t *testing.T) {
	repo := NewMemoryMessageRepo()
	ctx := context.Background()
	for i, text := range []string{"hi", "how are you", "bye"} {
		_, err := repo.Append(ctx, 42, textMessage(fmt.Sprintf("m%d", i+1), text))
		require.NoError(t, err)
	}

	_, err := repo.Tombstone(ctx, "m2")
	require.NoError(t, err)
	_, err = repo.Edit(ctx, "m2", models.Body{Type: models.BodyText, Text: "edited"}, time.Now())
	require.ErrorIs(t, err, apperr.ErrConflict)

	msgs, err := repo.ReadRange(ctx, 42, 1, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[1].Deleted)
	assert.Empty(t, msgs[1].Body.Text)
	assert.Equal(t, int64(2), msgs[1].Sequence)
}

func TestMemoryMessageRepoReadRangeClamps(t *testing.T) {
	repo := NewMemoryMessageRepo()
	ctx := context.Background()
	_, err := repo.Append(ctx, 3, textMessage("a", "a"))
	require.NoError(t, err)

	msgs, err := repo.ReadRange(ctx, 3, 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	msgs, err = repo.ReadRange(ctx, 3, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryMessageRepoSearchFilters(t *testing.T) {
	repo := NewMemoryMessageRepo()
	ctx := context.Background()
	msgs := []models.Message{
		textMessage("m1", "Is the RED shirt in stock?"),
		{ID: "m2", SenderID: "agent-1", SenderRole: models.RoleAgent, Body: models.Body{Type: models.BodyText, Text: "Red is sold out"}},
		{ID: "m3", SenderID: "cust-1", SenderRole: models.RoleCustomer, Body: models.Body{Type: models.BodyImage, URL: "https://cdn/x.png", FileName: "red-shirt.png"}},
		textMessage("m4", "red again"),
	}
	for _, m := range msgs {
		_, err := repo.Append(ctx, 5, m)
		require.NoError(t, err)
	}
	_, err := repo.Tombstone(ctx, "m4")
	require.NoError(t, err)

	ids := func(filter models.MessageFilter) []string {
		t.Helper()
		got, err := repo.Search(ctx, 5, filter)
		require.NoError(t, err)
		out := []string{}
		for _, m := range got {
			out = append(out, m.ID)
		}
		return out
	}

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(models.MessageFilter{Query: "red"}))
	assert.Equal(t, []string{"m1", "m3"}, ids(models.MessageFilter{SenderRole: models.RoleCustomer}))
	assert.Equal(t, []string{"m3"}, ids(models.MessageFilter{BodyType: models.BodyImage, Query: "SHIRT"}))
	assert.Equal(t, []string{"m2"}, ids(models.MessageFilter{FromSeq: 2, ToSeq: 2}))
	assert.Equal(t, []string{"m1"}, ids(models.MessageFilter{Limit: 1}))
	assert.Empty(t, ids(models.MessageFilter{Query: "again"}))
}

func TestMemoryMessageRepoSetIntentEmptyClears(t *testing.T) {
	repo := NewMemoryMessageRepo()
	ctx := context.Background()
	_, err := repo.Append(ctx, 1, textMessage("m1", "price?"))
	require.NoError(t, err)

	require.NoError(t, repo.SetIntent(ctx, "m1", "pricing", 0.9))
	require.NoError(t, repo.SetIntent(ctx, "m1", "", 0))
	msg, err := repo.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, msg.Intent)
	assert.Nil(t, msg.IntentConfidence)
}

func TestMemoryCursorRepoIsMonotonic(t *testing.T) {
	repo := NewMemoryCursorRepo()
	ctx := context.Background()

	cur, changed, err := repo.Advance(ctx, 42, "agent-1", 3)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(3), cur.Sequence)

	cur, changed, err = repo.Advance(ctx, 42, "agent-1", 2)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(3), cur.Sequence)

	cur, err = repo.Get(ctx, 42, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur.Sequence)
	cur, err = repo.Get(ctx, 42, "agent-2")
	require.NoError(t, err)
	assert.Zero(t, cur.Sequence)
}

func TestMemoryConversationRepoStatus(t *testing.T) {
	repo := NewMemoryConversationRepo()
	ctx := context.Background()

	conv, err := repo.Create(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, conv.Status)

	conv, err = repo.SetStatus(ctx, conv.ID, models.StatusClosed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, conv.Status)

	closed, err := repo.List(ctx, models.StatusClosed)
	require.NoError(t, err)
	assert.Len(t, closed, 1)

	_, err = repo.SetStatus(ctx, 999, models.StatusActive)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}
