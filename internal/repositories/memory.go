package repositories

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"crm-realtime/internal/models"
)

// MemoryConversationRepo keeps conversations in process memory.
type MemoryConversationRepo struct {
	mu     sync.RWMutex
	nextID int64
	convs  map[int64]models.Conversation
}

// NewMemoryConversationRepo constructs an empty MemoryConversationRepo.
func NewMemoryConversationRepo() *MemoryConversationRepo {
	return &MemoryConversationRepo{convs: make(map[int64]models.Conversation)}
}

func (r *MemoryConversationRepo) Create(ctx context.Context, customerID string) (models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	now := time.Now().UTC()
	conv := models.Conversation{ID: r.nextID, CustomerID: customerID, Status: models.StatusActive, CreatedAt: now, UpdatedAt: now}
	r.convs[conv.ID] = conv
	return conv, nil
}

func (r *MemoryConversationRepo) Get(ctx context.Context, conversationID int64) (models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.convs[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (r *MemoryConversationRepo) List(ctx context.Context, status models.ConversationStatus) ([]models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Conversation, 0, len(r.convs))
	for _, conv := range r.convs {
		if status == "" || conv.Status == status {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (r *MemoryConversationRepo) SetStatus(ctx context.Context, conversationID int64, status models.ConversationStatus) (models.Conversation, error) {
	return r.update(conversationID, func(c *models.Conversation) { c.Status = status })
}

func (r *MemoryConversationRepo) Assign(ctx context.Context, conversationID int64, agentID string) (models.Conversation, error) {
	return r.update(conversationID, func(c *models.Conversation) { c.AssignedAgentID = &agentID })
}

// Put stores a conversation as-is; handy for seeding.
func (r *MemoryConversationRepo) Put(conv models.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv.ID > r.nextID {
		r.nextID = conv.ID
	}
	r.convs[conv.ID] = conv
}

func (r *MemoryConversationRepo) update(id int64, fn func(*models.Conversation)) (models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[id]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	fn(&conv)
	conv.UpdatedAt = time.Now().UTC()
	r.convs[id] = conv
	return conv, nil
}

// MemoryMessageRepo is an in-process ledger store with the same semantics as
// MessageRepo. A single mutex makes Append atomic.
type MemoryMessageRepo struct {
	mu     sync.RWMutex
	byConv map[int64][]models.Message
	index  map[string]msgRef
}

type msgRef struct {
	conversationID int64
	pos            int
}

// NewMemoryMessageRepo constructs an empty MemoryMessageRepo.
func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{byConv: make(map[int64][]models.Message), index: make(map[string]msgRef)}
}

func (r *MemoryMessageRepo) Append(ctx context.Context, conversationID int64, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.byConv[conversationID]
	msg.ConversationID = conversationID
	msg.Sequence = int64(len(log)) + 1
	r.byConv[conversationID] = append(log, msg)
	r.index[msg.ID] = msgRef{conversationID: conversationID, pos: len(log)}
	return msg, nil
}

func (r *MemoryMessageRepo) ReadRange(ctx context.Context, conversationID int64, fromSeq, toSeq int64) ([]models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	log := r.byConv[conversationID]
	if fromSeq < 1 {
		fromSeq = 1
	}
	if toSeq > int64(len(log)) {
		toSeq = int64(len(log))
	}
	if fromSeq > toSeq {
		return []models.Message{}, nil
	}
	out := make([]models.Message, toSeq-fromSeq+1)
	copy(out, log[fromSeq-1:toSeq])
	return out, nil
}

func (r *MemoryMessageRepo) Get(ctx context.Context, messageID string) (models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.index[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return r.byConv[ref.conversationID][ref.pos], nil
}

func (r *MemoryMessageRepo) Edit(ctx context.Context, messageID string, body models.Body, editedAt time.Time) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.lookup(messageID)
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	if msg.Deleted {
		return models.Message{}, ErrMessageDeleted
	}
	msg.Body = body
	msg.Edited = true
	msg.EditedAt = &editedAt
	return *msg, nil
}

func (r *MemoryMessageRepo) Tombstone(ctx context.Context, messageID string) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.lookup(messageID)
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	*msg = msg.Tombstoned()
	return *msg, nil
}

func (r *MemoryMessageRepo) Latest(ctx context.Context, conversationID int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.byConv[conversationID])), nil
}

func (r *MemoryMessageRepo) SetIntent(ctx context.Context, messageID string, intent string, confidence float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.lookup(messageID)
	if !ok {
		return ErrMessageNotFound
	}
	if intent == "" {
		msg.Intent, msg.IntentConfidence = nil, nil
		return nil
	}
	msg.Intent = &intent
	msg.IntentConfidence = &confidence
	return nil
}

func (r *MemoryMessageRepo) Search(ctx context.Context, conversationID int64, filter models.MessageFilter) ([]models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	query := strings.ToLower(filter.Query)
	out := []models.Message{}
	for _, msg := range r.byConv[conversationID] {
		switch {
		case msg.Deleted,
			filter.FromSeq > 0 && msg.Sequence < filter.FromSeq,
			filter.ToSeq > 0 && msg.Sequence > filter.ToSeq,
			filter.SenderRole != "" && msg.SenderRole != filter.SenderRole,
			filter.BodyType != "" && msg.Body.Type != filter.BodyType:
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(msg.Body.Text), query) &&
			!strings.Contains(strings.ToLower(msg.Body.FileName), query) {
			continue
		}
		out = append(out, msg)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryMessageRepo) lookup(messageID string) (*models.Message, bool) {
	ref, ok := r.index[messageID]
	if !ok {
		return nil, false
	}
	return &r.byConv[ref.conversationID][ref.pos], true
}

// MemoryCursorRepo keeps read cursors in process memory.
type MemoryCursorRepo struct {
	mu      sync.Mutex
	cursors map[cursorKey]models.ReadCursor
}

type cursorKey struct {
	conversationID int64
	principalID    string
}

// NewMemoryCursorRepo constructs an empty MemoryCursorRepo.
func NewMemoryCursorRepo() *MemoryCursorRepo {
	return &MemoryCursorRepo{cursors: make(map[cursorKey]models.ReadCursor)}
}

func (r *MemoryCursorRepo) Advance(ctx context.Context, conversationID int64, principalID string, seq int64) (models.ReadCursor, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := cursorKey{conversationID, principalID}
	cur, ok := r.cursors[key]
	if ok && cur.Sequence >= seq {
		return cur, false, nil
	}
	cur = models.ReadCursor{ConversationID: conversationID, PrincipalID: principalID, Sequence: seq, UpdatedAt: time.Now().UTC()}
	r.cursors[key] = cur
	return cur, true, nil
}

func (r *MemoryCursorRepo) Get(ctx context.Context, conversationID int64, principalID string) (models.ReadCursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.cursors[cursorKey{conversationID, principalID}]
	if !ok {
		return models.ReadCursor{ConversationID: conversationID, PrincipalID: principalID}, nil
	}
	return cur, nil
}

var (
	_ ConversationRepository = (*MemoryConversationRepo)(nil)
	_ ConversationRepository = (*ConversationRepo)(nil)
	_ MessageRepository      = (*MemoryMessageRepo)(nil)
	_ MessageRepository      = (*MessageRepo)(nil)
	_ CursorRepository       = (*MemoryCursorRepo)(nil)
	_ CursorRepository       = (*CursorRepo)(nil)
)
