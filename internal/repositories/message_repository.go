package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"crm-realtime/internal/models"
)

// MessageRepository is the durable side of the message ledger. Append must
// assign sequence numbers atomically even when several processes share the store.
type MessageRepository interface {
	Append(ctx context.Context, conversationID int64, msg models.Message) (models.Message, error)
	ReadRange(ctx context.Context, conversationID int64, fromSeq, toSeq int64) ([]models.Message, error)
	Get(ctx context.Context, messageID string) (models.Message, error)
	Edit(ctx context.Context, messageID string, body models.Body, editedAt time.Time) (models.Message, error)
	Tombstone(ctx context.Context, messageID string) (models.Message, error)
	Latest(ctx context.Context, conversationID int64) (int64, error)
	SetIntent(ctx context.Context, messageID string, intent string, confidence float64) error
	Search(ctx context.Context, conversationID int64, filter models.MessageFilter) ([]models.Message, error)
}

const messageColumns = `id, conversation_id, sender_id, sender_role, body_type, body_text, body_url, body_file_name, body_product_id,
        sequence, created_at, edited_at, edited, deleted, intent, intent_confidence, reply_to`

type messageRow struct {
	ID               string          `db:"id"`
	ConversationID   int64           `db:"conversation_id"`
	SenderID         string          `db:"sender_id"`
	SenderRole       models.Role     `db:"sender_role"`
	BodyType         models.BodyType `db:"body_type"`
	BodyText         string          `db:"body_text"`
	BodyURL          string          `db:"body_url"`
	BodyFileName     string          `db:"body_file_name"`
	BodyProductID    string          `db:"body_product_id"`
	Sequence         int64           `db:"sequence"`
	CreatedAt        time.Time       `db:"created_at"`
	EditedAt         *time.Time      `db:"edited_at"`
	Edited           bool            `db:"edited"`
	Deleted          bool            `db:"deleted"`
	Intent           *string         `db:"intent"`
	IntentConfidence *float64        `db:"intent_confidence"`
	ReplyTo          *string         `db:"reply_to"`
}

func (r messageRow) model() models.Message {
	return models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		SenderRole:     r.SenderRole,
		Body: models.Body{
			Type:      r.BodyType,
			Text:      r.BodyText,
			URL:       r.BodyURL,
			FileName:  r.BodyFileName,
			ProductID: r.BodyProductID,
		},
		Sequence:         r.Sequence,
		CreatedAt:        r.CreatedAt,
		EditedAt:         r.EditedAt,
		Edited:           r.Edited,
		Deleted:          r.Deleted,
		Intent:           r.Intent,
		IntentConfidence: r.IntentConfidence,
		ReplyTo:          r.ReplyTo,
	}
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Append bumps the conversation counter and inserts the message in one
// transaction. The counter row lock serializes concurrent writers; a failed
// insert rolls the counter back so no sequence is skipped.
func (r *MessageRepo) Append(ctx context.Context, conversationID int64, msg models.Message) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, storeErr("begin append", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowxContext(ctx, `INSERT INTO conversation_sequences (conversation_id, last_sequence) VALUES ($1, 1)
        ON CONFLICT (conversation_id) DO UPDATE SET last_sequence = conversation_sequences.last_sequence + 1
        RETURNING last_sequence`, conversationID).Scan(&seq)
	if err != nil {
		return models.Message{}, storeErr("next sequence", err)
	}

	var row messageRow
	err = tx.QueryRowxContext(ctx, `INSERT INTO messages (id, conversation_id, sender_id, sender_role, body_type, body_text, body_url, body_file_name, body_product_id, sequence, created_at, reply_to)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING `+messageColumns,
		msg.ID, conversationID, msg.SenderID, msg.SenderRole, msg.Body.Type, msg.Body.Text, msg.Body.URL, msg.Body.FileName, msg.Body.ProductID, seq, msg.CreatedAt, msg.ReplyTo).
		StructScan(&row)
	if err != nil {
		return models.Message{}, storeErr("insert message", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, storeErr("commit append", err)
	}
	return row.model(), nil
}

// ReadRange returns messages with from <= sequence <= to in sequence order,
// tombstones included.
func (r *MessageRepo) ReadRange(ctx context.Context, conversationID int64, fromSeq, toSeq int64) ([]models.Message, error) {
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND sequence BETWEEN $2 AND $3
        ORDER BY sequence ASC`, conversationID, fromSeq, toSeq)
	if err != nil {
		return nil, storeErr("read range", err)
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.model())
	}
	return msgs, nil
}

// Get retrieves a single message.
func (r *MessageRepo) Get(ctx context.Context, messageID string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, storeErr("get message", err)
	}
	return row.model(), nil
}

// Edit replaces the body of a live message.
func (r *MessageRepo) Edit(ctx context.Context, messageID string, body models.Body, editedAt time.Time) (models.Message, error) {
	var row messageRow
	err := r.db.QueryRowxContext(ctx, `UPDATE messages SET body_type=$2, body_text=$3, body_url=$4, body_file_name=$5, body_product_id=$6, edited=TRUE, edited_at=$7
        WHERE id=$1 AND deleted=FALSE RETURNING `+messageColumns,
		messageID, body.Type, body.Text, body.URL, body.FileName, body.ProductID, editedAt).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, messageID); getErr != nil {
			return models.Message{}, getErr
		}
		return models.Message{}, ErrMessageDeleted
	}
	if err != nil {
		return models.Message{}, storeErr("edit message", err)
	}
	return row.model(), nil
}

// Tombstone marks a message deleted and drops its content. The row stays so
// the sequence slot remains occupied.
func (r *MessageRepo) Tombstone(ctx context.Context, messageID string) (models.Message, error) {
	var row messageRow
	err := r.db.QueryRowxContext(ctx, `UPDATE messages SET deleted=TRUE, body_text='', body_url='', body_file_name='', body_product_id=''
        WHERE id=$1 RETURNING `+messageColumns, messageID).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, storeErr("tombstone message", err)
	}
	return row.model(), nil
}

// Latest returns the highest sequence assigned in the conversation, 0 if none.
func (r *MessageRepo) Latest(ctx context.Context, conversationID int64) (int64, error) {
	var seq int64
	err := r.db.GetContext(ctx, &seq, `SELECT last_sequence FROM conversation_sequences WHERE conversation_id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, storeErr("latest sequence", err)
}

// SetIntent stores the classifier output for a message. An empty intent
// clears it.
func (r *MessageRepo) SetIntent(ctx context.Context, messageID string, intent string, confidence float64) error {
	var intentArg, confidenceArg any
	if intent != "" {
		intentArg, confidenceArg = intent, confidence
	}
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET intent=$2, intent_confidence=$3 WHERE id=$1`, messageID, intentArg, confidenceArg)
	if err != nil {
		return storeErr("set intent", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return storeErr("set intent", err)
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search returns live messages of a conversation matching filter, in
// sequence order. Query matches text and file names case-insensitively.
func (r *MessageRepo) Search(ctx context.Context, conversationID int64, filter models.MessageFilter) ([]models.Message, error) {
	conds := []string{"conversation_id=$1", "deleted=FALSE"}
	args := []any{conversationID}
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.FromSeq > 0 {
		add("sequence >= ?", filter.FromSeq)
	}
	if filter.ToSeq > 0 {
		add("sequence <= ?", filter.ToSeq)
	}
	if filter.SenderRole != "" {
		add("sender_role = ?", filter.SenderRole)
	}
	if filter.BodyType != "" {
		add("body_type = ?", filter.BodyType)
	}
	if filter.Query != "" {
		add("(body_text ILIKE ? OR body_file_name ILIKE ?)", "%"+likeEscaper.Replace(filter.Query)+"%")
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY sequence ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("search messages", err)
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.model())
	}
	return msgs, nil
}
