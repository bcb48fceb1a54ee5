package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
	"crm-realtime/internal/telemetry"
)

const maxTranscriptPage = 500

type transcript interface {
	ReadRange(ctx context.Context, conversationID int64, fromSeq, toSeq int64) ([]models.Message, error)
	Latest(ctx context.Context, conversationID int64) (int64, error)
	Get(ctx context.Context, messageID string) (models.Message, error)
	Search(ctx context.Context, conversationID int64, filter models.MessageFilter) ([]models.Message, error)
}

type messaging interface {
	Post(ctx context.Context, p models.Principal, conversationID int64, body models.Body) (models.Message, error)
	PostReply(ctx context.Context, p models.Principal, conversationID int64, replyTo string, body models.Body) (models.Message, error)
	EditAs(ctx context.Context, p models.Principal, messageID string, body models.Body) (models.Message, error)
	DeleteAs(ctx context.Context, p models.Principal, messageID string) (models.Message, error)
}

type readTracker interface {
	MarkReadAs(ctx context.Context, p models.Principal, conversationID int64, upTo int64) (models.ReadCursor, error)
	UnreadCount(ctx context.Context, conversationID int64, principalID string) (int64, error)
	Cursor(ctx context.Context, conversationID int64, principalID string) (models.ReadCursor, error)
}

// MessageHandler manages transcript, posting and read-state endpoints.
type MessageHandler struct {
	access     accessChecker
	transcript transcript
	messaging  messaging
	reads      readTracker
	audit      *telemetry.AuditEmitter
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(access accessChecker, transcript transcript, messaging messaging, reads readTracker, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{access: access, transcript: transcript, messaging: messaging, reads: reads, audit: audit}
}

// GetMessages returns the transcript between from and to inclusive. Both
// default to the whole conversation, capped at one page. With any of
// sender_role, type or q set only matching live messages are returned.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	id, ok := conversationIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.access.CanAccess(ctx, principal(c), id); err != nil {
		writeError(c, err)
		return
	}

	from, err := int64Query(c, "from", 1)
	if err != nil {
		writeError(c, err)
		return
	}
	to, err := int64Query(c, "to", 0)
	if err != nil {
		writeError(c, err)
		return
	}

	latest, err := h.transcript.Latest(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if to == 0 || to > latest {
		to = latest
	}
	filter := models.MessageFilter{
		SenderRole: models.Role(c.Query("sender_role")),
		BodyType:   models.BodyType(c.Query("type")),
		Query:      c.Query("q"),
	}
	if filter != (models.MessageFilter{}) {
		h.searchMessages(c, id, from, to, latest, filter)
		return
	}

	if to-from+1 > maxTranscriptPage {
		to = from + maxTranscriptPage - 1
	}
	if latest == 0 || from > to {
		c.JSON(http.StatusOK, gin.H{"messages": []models.Message{}, "latest_sequence": latest})
		return
	}

	msgs, err := h.transcript.ReadRange(ctx, id, from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "latest_sequence": latest})
}

func (h *MessageHandler) searchMessages(c *gin.Context, id, from, to, latest int64, filter models.MessageFilter) {
	if latest == 0 || from > to {
		c.JSON(http.StatusOK, gin.H{"messages": []models.Message{}, "latest_sequence": latest})
		return
	}
	filter.FromSeq, filter.ToSeq, filter.Limit = from, to, maxTranscriptPage
	msgs, err := h.transcript.Search(c.Request.Context(), id, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "latest_sequence": latest})
}

type postMessageRequest struct {
	models.Body
	ReplyTo string `json:"reply_to"`
}

// PostMessage appends a message as the caller and broadcasts it. reply_to
// optionally quotes an earlier message of the conversation.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	id, ok := conversationIDParam(c)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid"})
		return
	}

	var (
		msg models.Message
		err error
	)
	if req.ReplyTo != "" {
		msg, err = h.messaging.PostReply(c.Request.Context(), principal(c), id, req.ReplyTo, req.Body)
	} else {
		msg, err = h.messaging.Post(c.Request.Context(), principal(c), id, req.Body)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// EditMessage replaces a message body.
func (h *MessageHandler) EditMessage(c *gin.Context) {
	id, ok := conversationIDParam(c)
	if !ok {
		return
	}
	var body models.Body
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid"})
		return
	}
	messageID := c.Param("message_id")
	if err := h.requireInConversation(c.Request.Context(), id, messageID); err != nil {
		writeError(c, err)
		return
	}

	msg, err := h.messaging.EditAs(c.Request.Context(), principal(c), messageID, body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage tombstones a message.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	id, ok := conversationIDParam(c)
	if !ok {
		return
	}
	messageID := c.Param("message_id")
	if err := h.requireInConversation(c.Request.Context(), id, messageID); err != nil {
		writeError(c, err)
		return
	}
	msg, err := h.messaging.DeleteAs(c.Request.Context(), principal(c), messageID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.audit.Emit(c.Request.Context(), "INFO", "message_deleted", fmt.Sprintf("message %s deleted", messageID), requestIDFromContext(c), principalIDFromContext(c), id)
	c.JSON(http.StatusOK, msg)
}

// GetUnread returns the caller's unread count and cursor.
func (h *MessageHandler) GetUnread(c *gin.Context) {
	id, ok := conversationIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	p := principal(c)
	if _, err := h.access.CanAccess(ctx, p, id); err != nil {
		writeError(c, err)
		return
	}

	unread, err := h.reads.UnreadCount(ctx, id, p.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	cursor, err := h.reads.Cursor(ctx, id, p.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": unread, "last_read_sequence": cursor.Sequence})
}

// MarkRead advances the caller's read cursor.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	id, ok := conversationIDParam(c)
	if !ok {
		return
	}
	var req struct {
		UpTo int64 `json:"up_to" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid"})
		return
	}

	cursor, err := h.reads.MarkReadAs(c.Request.Context(), principal(c), id, req.UpTo)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cursor)
}

// requireInConversation hides messages of other conversations behind the
// same not-found answer as missing ones.
func (h *MessageHandler) requireInConversation(ctx context.Context, conversationID int64, messageID string) error {
	msg, err := h.transcript.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.ConversationID != conversationID {
		return fmt.Errorf("message %s in conversation %d: %w", messageID, conversationID, apperr.ErrNotFound)
	}
	return nil
}

func int64Query(c *gin.Context, key string, fallback int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", key, apperr.ErrValidation)
	}
	return v, nil
}
