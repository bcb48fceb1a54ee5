package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
)

type typingKey struct {
	connID         string
	conversationID int64
}

type typingState struct {
	principal models.Principal
	timer     *time.Timer
}

// Presence broadcasts typing indicators and online status. Both are
// ephemeral and never persisted to the ledger.
type Presence struct {
	registry    *Registry
	store       PresenceStore
	broadcaster Broadcaster
	typingTTL   time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	typing map[typingKey]*typingState
	online map[string]bool
}

// NewPresence constructs a Presence and hooks it into connection cleanup.
func NewPresence(registry *Registry, store PresenceStore, broadcaster Broadcaster, typingTTL time.Duration, logger zerolog.Logger) *Presence {
	p := &Presence{
		registry:    registry,
		store:       store,
		broadcaster: broadcaster,
		typingTTL:   typingTTL,
		logger:      logger.With().Str("component", "presence").Logger(),
		typing:      make(map[typingKey]*typingState),
		online:      make(map[string]bool),
	}
	registry.OnLeave(p.onLeave)
	registry.OnUnregister(p.onUnregister)
	return p
}

// SetTyping records whether the connection is typing in the room and tells
// the other members when the state changed.
func (p *Presence) SetTyping(ctx context.Context, connID string, conversationID int64, isTyping bool) error {
	principal, err := p.registry.Lookup(connID)
	if err != nil {
		return err
	}
	if !p.registry.IsJoined(connID, conversationID) {
		return fmt.Errorf("connection %s is not in room %d: %w", connID, conversationID, apperr.ErrForbidden)
	}

	key := typingKey{connID: connID, conversationID: conversationID}
	p.mu.Lock()
	state, wasTyping := p.typing[key]
	switch {
	case isTyping && wasTyping:
		state.timer.Reset(p.typingTTL)
		p.mu.Unlock()
		return nil
	case !isTyping && !wasTyping:
		p.mu.Unlock()
		return nil
	case isTyping:
		state = &typingState{principal: principal}
		state.timer = time.AfterFunc(p.typingTTL, func() { p.expire(key, state) })
		p.typing[key] = state
	default:
		state.timer.Stop()
		delete(p.typing, key)
	}
	p.mu.Unlock()

	p.publishTyping(ctx, key, principal, isTyping)
	return nil
}

// IsTyping reports the current typing state of a connection in a room.
func (p *Presence) IsTyping(connID string, conversationID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.typing[typingKey{connID: connID, conversationID: conversationID}]
	return ok
}

// SetOnline updates the connection's presence. The principal's rooms hear
// about it only when the principal as a whole goes online or offline.
func (p *Presence) SetOnline(ctx context.Context, connID string, isOnline bool) error {
	principal, err := p.registry.Lookup(connID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.online[connID] == isOnline {
		p.mu.Unlock()
		return nil
	}
	if isOnline {
		p.online[connID] = true
	} else {
		delete(p.online, connID)
	}
	p.mu.Unlock()

	transition, err := p.track(ctx, principal.ID, isOnline)
	if err != nil {
		return err
	}
	if transition {
		p.publishPresence(ctx, principal, isOnline, p.registry.Joined(connID), connID)
	}
	return nil
}

// IsOnline reports whether any connection of the principal is online.
func (p *Presence) IsOnline(ctx context.Context, principalID string) (bool, error) {
	online, err := p.store.Online(ctx, principalID)
	if err != nil {
		return false, fmt.Errorf("presence of %s: %w", principalID, err)
	}
	return online, nil
}

func (p *Presence) track(ctx context.Context, principalID string, isOnline bool) (bool, error) {
	var (
		transition bool
		err        error
	)
	if isOnline {
		transition, err = p.store.Connect(ctx, principalID)
	} else {
		transition, err = p.store.Disconnect(ctx, principalID)
	}
	if err != nil {
		return false, fmt.Errorf("presence of %s: %w", principalID, err)
	}
	return transition, nil
}

func (p *Presence) expire(key typingKey, state *typingState) {
	p.mu.Lock()
	if p.typing[key] != state {
		p.mu.Unlock()
		return
	}
	delete(p.typing, key)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.publishTyping(ctx, key, state.principal, false)
}

// clearTyping drops the typing state of key and announces the stop.
func (p *Presence) clearTyping(ctx context.Context, key typingKey) {
	p.mu.Lock()
	state, ok := p.typing[key]
	if ok {
		state.timer.Stop()
		delete(p.typing, key)
	}
	p.mu.Unlock()
	if ok {
		p.publishTyping(ctx, key, state.principal, false)
	}
}

func (p *Presence) onLeave(ctx context.Context, connID string, principal models.Principal, conversationID int64) {
	p.clearTyping(ctx, typingKey{connID: connID, conversationID: conversationID})
}

func (p *Presence) onUnregister(ctx context.Context, connID string, principal models.Principal, joined []int64) {
	for _, conversationID := range joined {
		p.clearTyping(ctx, typingKey{connID: connID, conversationID: conversationID})
	}

	p.mu.Lock()
	wasOnline := p.online[connID]
	delete(p.online, connID)
	p.mu.Unlock()
	if !wasOnline {
		return
	}
	offline, err := p.track(ctx, principal.ID, false)
	if err != nil {
		p.logger.Error().Err(err).Str("conn_id", connID).Msg("presence cleanup failed")
		return
	}
	if offline {
		p.publishPresence(ctx, principal, false, joined, connID)
	}
}

func (p *Presence) publishTyping(ctx context.Context, key typingKey, principal models.Principal, isTyping bool) {
	evt := models.Event{
		Type:           models.EventTyping,
		ConversationID: key.conversationID,
		Principal:      &principal,
		Typing:         &isTyping,
		Exclude:        key.connID,
	}
	if err := p.broadcaster.Publish(ctx, evt); err != nil {
		p.logger.Warn().Err(err).Int64("conversation_id", key.conversationID).Msg("typing broadcast failed")
	}
}

func (p *Presence) publishPresence(ctx context.Context, principal models.Principal, isOnline bool, rooms []int64, connID string) {
	for _, conversationID := range rooms {
		evt := models.Event{
			Type:           models.EventPresenceChanged,
			ConversationID: conversationID,
			Principal:      &principal,
			Online:         &isOnline,
			Exclude:        connID,
		}
		if err := p.broadcaster.Publish(ctx, evt); err != nil {
			p.logger.Warn().Err(err).Int64("conversation_id", conversationID).Str("principal", principal.ID).Msg("presence broadcast failed")
		}
	}
}

// MemoryPresence counts connections per principal in process memory.
type MemoryPresence struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryPresence constructs an empty MemoryPresence.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{counts: make(map[string]int)}
}

func (m *MemoryPresence) Connect(ctx context.Context, principalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[principalID]++
	return m.counts[principalID] == 1, nil
}

func (m *MemoryPresence) Disconnect(ctx context.Context, principalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.counts[principalID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(m.counts, principalID)
		return true, nil
	}
	m.counts[principalID] = n - 1
	return false, nil
}

func (m *MemoryPresence) Online(ctx context.Context, principalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[principalID] > 0, nil
}
