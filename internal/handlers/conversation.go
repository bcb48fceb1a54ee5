package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
	"crm-realtime/internal/repositories"
	"crm-realtime/internal/telemetry"
)

type accessChecker interface {
	CanAccess(ctx context.Context, p models.Principal, conversationID int64) (models.Conversation, error)
}

type rooms interface {
	MembersOf(ctx context.Context, conversationID int64) ([]string, error)
	CloseRoom(ctx context.Context, conversationID int64) error
}

type sessions interface {
	Lookup(connID string) (models.Principal, error)
}

type presenceChecker interface {
	IsOnline(ctx context.Context, principalID string) (bool, error)
}

// ConversationHandler manages conversation endpoints.
type ConversationHandler struct {
	conversations repositories.ConversationRepository
	access        accessChecker
	rooms         rooms
	sessions      sessions
	presence      presenceChecker
	audit         *telemetry.AuditEmitter
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(conversations repositories.ConversationRepository, access accessChecker, rooms rooms, sessions sessions, presence presenceChecker, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		access:        access,
		rooms:         rooms,
		sessions:      sessions,
		presence:      presence,
		audit:         audit,
	}
}

// ListConversations returns conversations visible to the caller, optionally by status.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	status := models.ConversationStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		writeError(c, fmt.Errorf("unknown status %q: %w", status, apperr.ErrValidation))
		return
	}

	convs, err := h.conversations.List(c.Request.Context(), status)
	if err != nil {
		writeError(c, err)
		return
	}

	p := principal(c)
	visible := make([]models.Conversation, 0, len(convs))
	for _, conv := range convs {
		if p.Role.Staff() || conv.CustomerID == p.ID {
			visible = append(visible, conv)
		}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": visible})
}

// CreateConversation opens a conversation. Customers open their own; staff
// name the customer.
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req struct {
		CustomerID string `json:"customer_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid"})
			return
		}
	}

	p := principal(c)
	customerID := req.CustomerID
	switch {
	case p.Role == models.RoleCustomer:
		customerID = p.ID
	case customerID == "":
		writeError(c, fmt.Errorf("customer_id is required: %w", apperr.ErrValidation))
		return
	}

	conv, err := h.conversations.Create(c.Request.Context(), customerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// GetConversation returns one conversation.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	id, ok := conversationIDParam(c)
	if !ok {
		return
	}
	conv, err := h.access.CanAccess(c.Request.Context(), principal(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// CloseConversation closes a conversation and empties its room.
func (h *ConversationHandler) CloseConversation(c *gin.Context) {
	id, ok := conversationIDParam(c)
	if !ok {
		return
	}
	conv, err := h.conversations.SetStatus(c.Request.Context(), id, models.StatusClosed)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.rooms.CloseRoom(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	h.audit.Emit(c.Request.Context(), "INFO", "conversation_closed", fmt.Sprintf("conversation %d closed", id), requestIDFromContext(c), principalIDFromContext(c), id)
	c.JSON(http.StatusOK, conv)
}

// ReopenConversation makes a closed conversation joinable again. History
// and read cursors are kept.
func (h *ConversationHandler) ReopenConversation(c *gin.Context) {
	id, ok := conversationIDParam(c)
	if !ok {
		return
	}
	conv, err := h.conversations.SetStatus(c.Request.Context(), id, models.StatusActive)
	if err != nil {
		writeError(c, err)
		return
	}
	h.audit.Emit(c.Request.Context(), "INFO", "conversation_reopened", fmt.Sprintf("conversation %d reopened", id), requestIDFromContext(c), principalIDFromContext(c), id)
	c.JSON(http.StatusOK, conv)
}

// AssignConversation hands a conversation to an agent, the caller by default.
func (h *ConversationHandler) AssignConversation(c *gin.Context) {
	id, ok := conversationIDParam(c)
	if !ok {
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid"})
			return
		}
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = principal(c).ID
	}

	conv, err := h.conversations.Assign(c.Request.Context(), id, agentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

type memberResponse struct {
	ConnID      string      `json:"conn_id"`
	PrincipalID string      `json:"principal_id,omitempty"`
	Role        models.Role `json:"role,omitempty"`
	Name        string      `json:"name,omitempty"`
	Online      bool        `json:"online"`
}

// ListMembers returns the live connections in the conversation's room.
func (h *ConversationHandler) ListMembers(c *gin.Context) {
	id, ok := conversationIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.access.CanAccess(ctx, principal(c), id); err != nil {
		writeError(c, err)
		return
	}

	connIDs, err := h.rooms.MembersOf(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}

	members := make([]memberResponse, 0, len(connIDs))
	for _, connID := range connIDs {
		member := memberResponse{ConnID: connID, Online: true}
		p, err := h.sessions.Lookup(connID)
		switch {
		case err == nil:
			member.PrincipalID, member.Role, member.Name = p.ID, p.Role, p.Name
			if online, err := h.presence.IsOnline(ctx, p.ID); err == nil {
				member.Online = online
			}
		case !errors.Is(err, apperr.ErrNotFound):
			writeError(c, err)
			return
		}
		members = append(members, member)
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}
