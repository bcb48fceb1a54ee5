package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crm-realtime/internal/keylock"
	"crm-realtime/internal/models"
)

// Directory is the room directory: which connections receive real-time
// events for which conversation.
type Directory struct {
	registry    *Registry
	members     MembershipStore
	access      AccessChecker
	ledger      *Ledger
	local       *LocalBroadcaster
	broadcaster Broadcaster
	locks       *keylock.Locker[string]
	retry       RetryPolicy
	logger      zerolog.Logger
}

// NewDirectory wires the directory and subscribes it to connection cleanup.
func NewDirectory(registry *Registry, members MembershipStore, access AccessChecker, ledger *Ledger, local *LocalBroadcaster, broadcaster Broadcaster, lockTimeout time.Duration, retry RetryPolicy, logger zerolog.Logger) *Directory {
	d := &Directory{
		registry:    registry,
		members:     members,
		access:      access,
		ledger:      ledger,
		local:       local,
		broadcaster: broadcaster,
		locks:       keylock.New[string](lockTimeout),
		retry:       retry,
		logger:      logger.With().Str("component", "directory").Logger(),
	}
	registry.OnUnregister(d.cleanup)
	return d
}

// Join adds the connection to the room and returns the latest sequence of
// the conversation; live delivery starts after it. Joining twice is a no-op.
func (d *Directory) Join(ctx context.Context, connID string, conversationID int64) (int64, error) {
	unlock, err := d.locks.Lock(ctx, connID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	p, err := d.registry.Lookup(connID)
	if err != nil {
		return 0, err
	}
	conv, err := d.access.CanAccess(ctx, p, conversationID)
	if err != nil {
		return 0, err
	}
	if err := requireOpen(conv); err != nil {
		return 0, err
	}

	already := d.registry.IsJoined(connID, conversationID)
	if err := d.addMember(ctx, conversationID, connID); err != nil {
		return 0, fmt.Errorf("join %d: %w", conversationID, err)
	}
	if err := d.registry.markJoined(connID, conversationID); err != nil {
		// Disconnected while joining; cleanup already ran without this room.
		d.undoAdd(conversationID, connID)
		return 0, err
	}

	// Read after marking: anything committed later reaches this connection live.
	latest, err := d.ledger.Latest(ctx, conversationID)
	if err != nil {
		if !already {
			d.registry.markLeft(ctx, connID, conversationID)
			d.undoAdd(conversationID, connID)
		}
		return 0, err
	}
	d.local.Prime(conversationID, latest)
	d.logger.Debug().Str("conn_id", connID).Int64("conversation_id", conversationID).Int64("latest", latest).Msg("joined")
	return latest, nil
}

// Leave removes the connection from the room. Leaving a room the connection
// is not in is a no-op. The shared store is updated first: when it fails the
// connection stays a member and Leave can be retried.
func (d *Directory) Leave(ctx context.Context, connID string, conversationID int64) error {
	unlock, err := d.locks.Lock(ctx, connID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := d.removeMember(ctx, conversationID, connID); err != nil {
		return fmt.Errorf("leave %d: %w", conversationID, err)
	}
	d.registry.markLeft(ctx, connID, conversationID)
	return nil
}

// MembersOf returns the current members of the room across all processes
// sharing the membership store.
func (d *Directory) MembersOf(ctx context.Context, conversationID int64) ([]string, error) {
	members, err := d.members.Members(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("members of %d: %w", conversationID, err)
	}
	sort.Strings(members)
	return members, nil
}

// CloseRoom empties the room of a conversation that was closed and tells
// its members. History is not touched.
func (d *Directory) CloseRoom(ctx context.Context, conversationID int64) error {
	evt := models.Event{Type: models.EventConversationClosed, ConversationID: conversationID}
	if err := d.broadcaster.Publish(ctx, evt); err != nil {
		d.logger.Warn().Err(err).Int64("conversation_id", conversationID).Msg("publish close failed")
		d.local.Deliver(evt)
	}
	_, err := retryStore(ctx, d.retry, func(int) (struct{}, error) {
		return struct{}{}, d.members.Clear(ctx, conversationID)
	})
	if err != nil {
		return fmt.Errorf("close room %d: %w", conversationID, err)
	}
	return nil
}

// cleanup drops a closed connection from the shared store. Entries that
// still fail after retries expire with this instance's heartbeat.
func (d *Directory) cleanup(ctx context.Context, connID string, p models.Principal, joined []int64) {
	for _, conversationID := range joined {
		if err := d.removeMember(ctx, conversationID, connID); err != nil {
			d.logger.Error().Err(err).Str("conn_id", connID).Int64("conversation_id", conversationID).Msg("membership cleanup failed")
		}
	}
}

func (d *Directory) undoAdd(conversationID int64, connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.removeMember(ctx, conversationID, connID); err != nil {
		d.logger.Error().Err(err).Str("conn_id", connID).Int64("conversation_id", conversationID).Msg("undo join failed")
	}
}

func (d *Directory) addMember(ctx context.Context, conversationID int64, connID string) error {
	_, err := retryStore(ctx, d.retry, func(int) (bool, error) {
		return d.members.Add(ctx, conversationID, connID)
	})
	return err
}

func (d *Directory) removeMember(ctx context.Context, conversationID int64, connID string) error {
	_, err := retryStore(ctx, d.retry, func(int) (bool, error) {
		return d.members.Remove(ctx, conversationID, connID)
	})
	return err
}

// MemoryMembership is a MembershipStore for single-process deployments.
type MemoryMembership struct {
	mu    sync.RWMutex
	rooms map[int64]map[string]struct{}
}

// NewMemoryMembership constructs an empty MemoryMembership.
func NewMemoryMembership() *MemoryMembership {
	return &MemoryMembership{rooms: make(map[int64]map[string]struct{})}
}

func (m *MemoryMembership) Add(ctx context.Context, conversationID int64, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[conversationID]
	if !ok {
		room = make(map[string]struct{})
		m.rooms[conversationID] = room
	}
	if _, exists := room[connID]; exists {
		return false, nil
	}
	room[connID] = struct{}{}
	return true, nil
}

func (m *MemoryMembership) Remove(ctx context.Context, conversationID int64, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[conversationID]
	if !ok {
		return false, nil
	}
	if _, exists := room[connID]; !exists {
		return false, nil
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(m.rooms, conversationID)
	}
	return true, nil
}

func (m *MemoryMembership) Members(ctx context.Context, conversationID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room := m.rooms[conversationID]
	out := make([]string, 0, len(room))
	for connID := range room {
		out = append(out, connID)
	}
	return out, nil
}

func (m *MemoryMembership) Clear(ctx context.Context, conversationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, conversationID)
	return nil
}
