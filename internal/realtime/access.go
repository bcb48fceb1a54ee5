package realtime

import (
	"context"
	"fmt"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
	"crm-realtime/internal/repositories"
)

// ConversationAccess checks access against the conversation store: customers
// see only their own conversations, staff roles see all of them.
type ConversationAccess struct {
	conversations repositories.ConversationRepository
}

// NewConversationAccess constructs a ConversationAccess.
func NewConversationAccess(conversations repositories.ConversationRepository) *ConversationAccess {
	return &ConversationAccess{conversations: conversations}
}

func (a *ConversationAccess) CanAccess(ctx context.Context, p models.Principal, conversationID int64) (models.Conversation, error) {
	conv, err := a.conversations.Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if p.Role.Staff() {
		return conv, nil
	}
	if p.Role == models.RoleCustomer && conv.CustomerID == p.ID {
		return conv, nil
	}
	return models.Conversation{}, fmt.Errorf("conversation %d: %w", conversationID, apperr.ErrForbidden)
}

// requireOpen rejects writes and joins on closed conversations.
func requireOpen(conv models.Conversation) error {
	if conv.Status == models.StatusClosed {
		return fmt.Errorf("conversation %d is closed: %w", conv.ID, apperr.ErrForbidden)
	}
	return nil
}
