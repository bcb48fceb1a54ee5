package models

import (
	"fmt"
	"strings"
	"time"

	"crm-realtime/internal/apperr"
)

// BodyType is the kind of content a message carries.
type BodyType string

const (
	BodyText    BodyType = "text"
	BodyImage   BodyType = "image"
	BodyFile    BodyType = "file"
	BodyProduct BodyType = "product"
)

// Valid reports whether t is one of the known body types.
func (t BodyType) Valid() bool {
	switch t {
	case BodyText, BodyImage, BodyFile, BodyProduct:
		return true
	}
	return false
}

// Body is the typed payload of a message.
type Body struct {
	Type      BodyType `json:"type"`
	Text      string   `json:"text,omitempty"`
	URL       string   `json:"url,omitempty"`
	FileName  string   `json:"file_name,omitempty"`
	ProductID string   `json:"product_id,omitempty"`
}

const maxTextLength = 4000

// Validate checks that the fields required by the body type are present.
func (b Body) Validate() error {
	switch b.Type {
	case BodyText:
		if strings.TrimSpace(b.Text) == "" {
			return fmt.Errorf("text body is empty: %w", apperr.ErrValidation)
		}
	case BodyImage, BodyFile:
		if b.URL == "" {
			return fmt.Errorf("%s body needs a url: %w", b.Type, apperr.ErrValidation)
		}
	case BodyProduct:
		if b.ProductID == "" {
			return fmt.Errorf("product body needs a product id: %w", apperr.ErrValidation)
		}
	default:
		return fmt.Errorf("unknown body type %q: %w", b.Type, apperr.ErrValidation)
	}
	if len(b.Text) > maxTextLength {
		return fmt.Errorf("text longer than %d: %w", maxTextLength, apperr.ErrValidation)
	}
	return nil
}

// Message is one entry of a conversation ledger. Sequence is assigned once
// at append time and never changes; deleted messages keep their slot.
type Message struct {
	ID               string     `db:"id" json:"id"`
	ConversationID   int64      `db:"conversation_id" json:"conversation_id"`
	SenderID         string     `db:"sender_id" json:"sender_id"`
	SenderRole       Role       `db:"sender_role" json:"sender_role"`
	Body             Body       `db:"-" json:"body"`
	Sequence         int64      `db:"sequence" json:"sequence"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	EditedAt         *time.Time `db:"edited_at" json:"edited_at,omitempty"`
	Edited           bool       `db:"edited" json:"edited"`
	Deleted          bool       `db:"deleted" json:"deleted"`
	Intent           *string    `db:"intent" json:"intent,omitempty"`
	IntentConfidence *float64   `db:"intent_confidence" json:"intent_confidence,omitempty"`
	ReplyTo          *string    `db:"reply_to" json:"reply_to,omitempty"`
}

// Draft is what a sender supplies; the ledger fills in the rest. ReplyTo,
// when set, names an earlier message of the same conversation being quoted.
type Draft struct {
	SenderID   string
	SenderRole Role
	Body       Body
	ReplyTo    string
}

// MessageFilter narrows a transcript query. Zero fields match everything.
// Tombstoned messages never match.
type MessageFilter struct {
	FromSeq    int64
	ToSeq      int64
	SenderRole Role
	BodyType   BodyType
	Query      string
	Limit      int
}

// Tombstoned returns the copy of m exposed after deletion: the slot and
// metadata survive, the content does not.
func (m Message) Tombstoned() Message {
	m.Deleted = true
	m.Body = Body{Type: m.Body.Type}
	return m
}
