package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"crm-realtime/internal/models"
)

// ConversationRepository abstracts conversation persistence and access checks.
type ConversationRepository interface {
	Create(ctx context.Context, customerID string) (models.Conversation, error)
	Get(ctx context.Context, conversationID int64) (models.Conversation, error)
	List(ctx context.Context, status models.ConversationStatus) ([]models.Conversation, error)
	SetStatus(ctx context.Context, conversationID int64, status models.ConversationStatus) (models.Conversation, error)
	Assign(ctx context.Context, conversationID int64, agentID string) (models.Conversation, error)
}

const conversationColumns = `id, customer_id, status, assigned_agent_id, created_at, updated_at`

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// Create opens a new active conversation for the customer.
func (r *ConversationRepo) Create(ctx context.Context, customerID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.QueryRowxContext(ctx, `INSERT INTO conversations (customer_id, status) VALUES ($1, $2) RETURNING `+conversationColumns,
		customerID, models.StatusActive).StructScan(&conv)
	return conv, storeErr("create conversation", err)
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, storeErr("get conversation", err)
}

// List returns conversations, newest activity first. An empty status lists all.
func (r *ConversationRepo) List(ctx context.Context, status models.ConversationStatus) ([]models.Conversation, error) {
	var convs []models.Conversation
	var err error
	if status == "" {
		err = r.db.SelectContext(ctx, &convs, `SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC`)
	} else {
		err = r.db.SelectContext(ctx, &convs, `SELECT `+conversationColumns+` FROM conversations WHERE status=$1 ORDER BY updated_at DESC`, status)
	}
	return convs, storeErr("list conversations", err)
}

// SetStatus moves a conversation to a new status.
func (r *ConversationRepo) SetStatus(ctx context.Context, conversationID int64, status models.ConversationStatus) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.QueryRowxContext(ctx, `UPDATE conversations SET status=$2, updated_at=NOW() WHERE id=$1 RETURNING `+conversationColumns,
		conversationID, status).StructScan(&conv)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, storeErr("set conversation status", err)
}

// Assign records the agent responsible for a conversation.
func (r *ConversationRepo) Assign(ctx context.Context, conversationID int64, agentID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.QueryRowxContext(ctx, `UPDATE conversations SET assigned_agent_id=$2, updated_at=NOW() WHERE id=$1 RETURNING `+conversationColumns,
		conversationID, agentID).StructScan(&conv)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, storeErr("assign conversation", err)
}
