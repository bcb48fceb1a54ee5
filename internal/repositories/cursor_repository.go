package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"crm-realtime/internal/models"
)

// CursorRepository persists read cursors. Advance never moves a cursor backwards.
type CursorRepository interface {
	Advance(ctx context.Context, conversationID int64, principalID string, seq int64) (models.ReadCursor, bool, error)
	Get(ctx context.Context, conversationID int64, principalID string) (models.ReadCursor, error)
}

// CursorRepo is a sqlx implementation of CursorRepository.
type CursorRepo struct {
	db *sqlx.DB
}

// NewCursorRepo constructs a CursorRepo.
func NewCursorRepo(db *sqlx.DB) *CursorRepo {
	return &CursorRepo{db: db}
}

// Advance moves the cursor to seq when seq is ahead of the stored value and
// reports whether anything changed.
func (r *CursorRepo) Advance(ctx context.Context, conversationID int64, principalID string, seq int64) (models.ReadCursor, bool, error) {
	var cursor models.ReadCursor
	err := r.db.QueryRowxContext(ctx, `INSERT INTO read_cursors (conversation_id, principal_id, last_sequence, updated_at) VALUES ($1, $2, $3, NOW())
        ON CONFLICT (conversation_id, principal_id) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
        WHERE read_cursors.last_sequence < EXCLUDED.last_sequence
        RETURNING conversation_id, principal_id, last_sequence, updated_at`, conversationID, principalID, seq).StructScan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := r.Get(ctx, conversationID, principalID)
		return current, false, getErr
	}
	if err != nil {
		return models.ReadCursor{}, false, storeErr("advance cursor", err)
	}
	return cursor, true, nil
}

// Get returns the stored cursor, or a zero cursor when none exists yet.
func (r *CursorRepo) Get(ctx context.Context, conversationID int64, principalID string) (models.ReadCursor, error) {
	var cursor models.ReadCursor
	err := r.db.GetContext(ctx, &cursor, `SELECT conversation_id, principal_id, last_sequence, updated_at FROM read_cursors
        WHERE conversation_id=$1 AND principal_id=$2`, conversationID, principalID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReadCursor{ConversationID: conversationID, PrincipalID: principalID}, nil
	}
	return cursor, storeErr("get cursor", err)
}
