package models

import "time"

// ConversationStatus is managed outside the realtime core and gates joins.
type ConversationStatus string

const (
	StatusActive  ConversationStatus = "active"
	StatusPending ConversationStatus = "pending"
	StatusClosed  ConversationStatus = "closed"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	return s == StatusActive || s == StatusPending || s == StatusClosed
}

// Conversation is a persistent thread between a customer and staff.
type Conversation struct {
	ID              int64              `db:"id" json:"id"`
	CustomerID      string             `db:"customer_id" json:"customer_id"`
	Status          ConversationStatus `db:"status" json:"status"`
	AssignedAgentID *string            `db:"assigned_agent_id" json:"assigned_agent_id,omitempty"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updated_at"`
}

// ReadCursor is the last sequence a principal acknowledged in a conversation.
type ReadCursor struct {
	ConversationID int64     `db:"conversation_id" json:"conversation_id"`
	PrincipalID    string    `db:"principal_id" json:"principal_id"`
	Sequence       int64     `db:"last_sequence" json:"last_sequence"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
