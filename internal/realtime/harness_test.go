package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
	"crm-realtime/internal/repositories"
)

var (
	customer      = models.Principal{ID: "cust-1", Role: models.RoleCustomer, Name: "Somchai"}
	otherCustomer = models.Principal{ID: "cust-2", Role: models.RoleCustomer, Name: "Nok"}
	agent         = models.Principal{ID: "agent-1", Role: models.RoleAgent, Name: "Ploy"}
	bot           = models.Principal{ID: "bot-1", Role: models.RoleBot, Name: "Assistant"}
)

type staticValidator map[string]models.Principal

func (v staticValidator) Verify(ctx context.Context, token string) (models.Principal, error) {
	p, ok := v[token]
	if !ok {
		return models.Principal{}, fmt.Errorf("token %q: %w", token, apperr.ErrAuthentication)
	}
	return p, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events map[string][]models.Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(map[string][]models.Event)}
}

func (s *recordingSink) Deliver(connID string, evt models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[connID] = append(s.events[connID], evt)
	return nil
}

func (s *recordingSink) ofType(connID, eventType string) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, evt := range s.events[connID] {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func (s *recordingSink) sequences(connID string) []int64 {
	var out []int64
	for _, evt := range s.ofType(connID, models.EventNewMessage) {
		out = append(out, evt.Sequence)
	}
	return out
}

type hookFunc func(ctx context.Context, eventType string, msg models.Message)

func (f hookFunc) AfterCommit(ctx context.Context, eventType string, msg models.Message) {
	f(ctx, eventType, msg)
}

// outageMembership fails the next removeFailures removals with a transient
// error, as a shared store does while it is unreachable.
type outageMembership struct {
	*MemoryMembership
	mu             sync.Mutex
	removeFailures int
}

func (m *outageMembership) failRemovals(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeFailures = n
}

func (m *outageMembership) Remove(ctx context.Context, conversationID int64, connID string) (bool, error) {
	m.mu.Lock()
	fail := m.removeFailures > 0
	if fail {
		m.removeFailures--
	}
	m.mu.Unlock()
	if fail {
		return false, fmt.Errorf("srem: %w", apperr.ErrTransientStore)
	}
	return m.MemoryMembership.Remove(ctx, conversationID, connID)
}

type testCore struct {
	convs      *repositories.MemoryConversationRepo
	membership *outageMembership
	messages   *repositories.MemoryMessageRepo
	cursors    *repositories.MemoryCursorRepo
	sink       *recordingSink
	registry   *Registry
	ledger     *Ledger
	local      *LocalBroadcaster
	directory  *Directory
	dispatcher *Dispatcher
	reads      *ReadState
	presence   *Presence
}

const (
	testLockTimeout = 100 * time.Millisecond
	testGapTimeout  = 50 * time.Millisecond
	testTypingTTL   = 80 * time.Millisecond
)

func newTestCore(t *testing.T, hooks ...Hook) *testCore {
	t.Helper()
	logger := zerolog.Nop()
	retry := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	c := &testCore{
		convs:      repositories.NewMemoryConversationRepo(),
		messages:   repositories.NewMemoryMessageRepo(),
		cursors:    repositories.NewMemoryCursorRepo(),
		membership: &outageMembership{MemoryMembership: NewMemoryMembership()},
		sink:       newRecordingSink(),
	}
	c.convs.Put(models.Conversation{ID: 1, CustomerID: customer.ID, Status: models.StatusActive})
	c.convs.Put(models.Conversation{ID: 2, CustomerID: otherCustomer.ID, Status: models.StatusActive})

	validator := staticValidator{"tok-cust": customer, "tok-cust2": otherCustomer, "tok-agent": agent, "tok-bot": bot}
	access := NewConversationAccess(c.convs)
	c.registry = NewRegistry(validator, logger)
	c.ledger = NewLedger(c.messages, testLockTimeout, retry, logger)
	c.local = NewLocalBroadcaster(c.registry, c.sink, c.ledger, testGapTimeout, logger)
	c.directory = NewDirectory(c.registry, c.membership, access, c.ledger, c.local, c.local, testLockTimeout, retry, logger)
	c.dispatcher = NewDispatcher(c.registry, c.ledger, access, c.local, logger, hooks...)
	c.reads = NewReadState(c.registry, c.cursors, c.ledger, access, c.local, retry, logger)
	c.presence = NewPresence(c.registry, NewMemoryPresence(), c.local, testTypingTTL, logger)
	return c
}

func (c *testCore) connect(t *testing.T, connID, token string, rooms ...int64) {
	t.Helper()
	_, err := c.registry.Register(context.Background(), connID, token)
	require.NoError(t, err)
	for _, conv := range rooms {
		_, err := c.directory.Join(context.Background(), connID, conv)
		require.NoError(t, err)
	}
}

func text(s string) models.Body {
	return models.Body{Type: models.BodyText, Text: s}
}
