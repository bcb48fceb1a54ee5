package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
)

// UnregisterFunc runs after a connection is removed from the registry. It
// receives the rooms the connection had joined at that moment.
type UnregisterFunc func(ctx context.Context, connID string, p models.Principal, joined []int64)

// LeaveFunc runs after a connection leaves one room.
type LeaveFunc func(ctx context.Context, connID string, p models.Principal, conversationID int64)

type session struct {
	principal models.Principal
	joined    map[int64]struct{}
}

// Registry owns live connections, their principals and the rooms each one
// joined. It also indexes local room membership for fan-out.
type Registry struct {
	validator Validator
	logger    zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[int64]map[string]struct{}

	onUnregister []UnregisterFunc
	onLeave      []LeaveFunc
}

// NewRegistry constructs an empty Registry.
func NewRegistry(validator Validator, logger zerolog.Logger) *Registry {
	return &Registry{
		validator: validator,
		logger:    logger.With().Str("component", "registry").Logger(),
		sessions:  make(map[string]*session),
		rooms:     make(map[int64]map[string]struct{}),
	}
}

// OnUnregister adds a cleanup callback. Callbacks run in registration order.
func (r *Registry) OnUnregister(fn UnregisterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnregister = append(r.onUnregister, fn)
}

// OnLeave adds a callback for single-room leaves.
func (r *Registry) OnLeave(fn LeaveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLeave = append(r.onLeave, fn)
}

// Register authenticates token and records connID with an empty room set.
func (r *Registry) Register(ctx context.Context, connID, token string) (models.Principal, error) {
	p, err := r.validator.Verify(ctx, token)
	if err != nil {
		return models.Principal{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[connID]; exists {
		return models.Principal{}, fmt.Errorf("connection %s already registered: %w", connID, apperr.ErrConflict)
	}
	r.sessions[connID] = &session{principal: p, joined: make(map[int64]struct{})}
	r.logger.Debug().Str("conn_id", connID).Str("principal", p.ID).Str("role", string(p.Role)).Msg("connection registered")
	return p, nil
}

// Unregister drops connID and runs the cleanup callbacks. Calling it for an
// unknown or already removed connection is a no-op.
func (r *Registry) Unregister(ctx context.Context, connID string) {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, connID)
	joined := make([]int64, 0, len(s.joined))
	for conv := range s.joined {
		joined = append(joined, conv)
		r.dropMemberLocked(conv, connID)
	}
	hooks := append([]UnregisterFunc(nil), r.onUnregister...)
	r.mu.Unlock()

	sort.Slice(joined, func(i, j int) bool { return joined[i] < joined[j] })
	for _, fn := range hooks {
		fn(ctx, connID, s.principal, joined)
	}
	r.logger.Debug().Str("conn_id", connID).Ints64("rooms", joined).Msg("connection unregistered")
}

// Lookup returns the principal behind connID.
func (r *Registry) Lookup(connID string) (models.Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	if !ok {
		return models.Principal{}, fmt.Errorf("connection %s: %w", connID, apperr.ErrNotFound)
	}
	return s.principal, nil
}

// Joined returns the rooms connID has joined, in ascending order.
func (r *Registry) Joined(connID string) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(s.joined))
	for conv := range s.joined {
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsJoined reports whether connID is currently in the room.
func (r *Registry) IsJoined(connID string, conversationID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	if !ok {
		return false
	}
	_, joined := s.joined[conversationID]
	return joined
}

// LocalMembers snapshots the connections of this process in the room.
func (r *Registry) LocalMembers(conversationID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[conversationID]
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// markJoined records the back-reference. It fails with ErrNotFound when the
// connection was unregistered in the meantime, so the caller can undo.
func (r *Registry) markJoined(connID string, conversationID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return fmt.Errorf("connection %s: %w", connID, apperr.ErrNotFound)
	}
	s.joined[conversationID] = struct{}{}
	members, ok := r.rooms[conversationID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[conversationID] = members
	}
	members[connID] = struct{}{}
	return nil
}

// markLeft removes the back-reference and reports whether it existed.
func (r *Registry) markLeft(ctx context.Context, connID string, conversationID int64) bool {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, joined := s.joined[conversationID]; !joined {
		r.mu.Unlock()
		return false
	}
	delete(s.joined, conversationID)
	r.dropMemberLocked(conversationID, connID)
	p := s.principal
	hooks := append([]LeaveFunc(nil), r.onLeave...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(ctx, connID, p, conversationID)
	}
	return true
}

// forgetRoom drops every local back-reference to the room and returns the
// connections that were in it.
func (r *Registry) forgetRoom(conversationID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[conversationID]
	out := make([]string, 0, len(members))
	for connID := range members {
		if s, ok := r.sessions[connID]; ok {
			delete(s.joined, conversationID)
		}
		out = append(out, connID)
	}
	delete(r.rooms, conversationID)
	sort.Strings(out)
	return out
}

func (r *Registry) dropMemberLocked(conversationID int64, connID string) {
	members, ok := r.rooms[conversationID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, conversationID)
	}
}
