package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
	"crm-realtime/internal/observability"
	"crm-realtime/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 16 << 10
	frameTimeout   = 15 * time.Second
	maxBackfillLen = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Inbound frame types.
const (
	frameJoin     = "join"
	frameLeave    = "leave"
	frameSend     = "send"
	frameEdit     = "edit"
	frameDelete   = "delete"
	frameMarkRead = "mark_read"
	frameTyping   = "typing"
	frameBackfill = "backfill"
)

type inboundFrame struct {
	Type           string      `json:"type"`
	RequestID      string      `json:"request_id,omitempty"`
	ConversationID int64       `json:"conversation_id"`
	MessageID      string      `json:"message_id,omitempty"`
	ReplyTo        string      `json:"reply_to,omitempty"`
	Body           models.Body `json:"body"`
	UpTo           int64       `json:"up_to,omitempty"`
	Typing         bool        `json:"typing,omitempty"`
	From           int64       `json:"from,omitempty"`
	To             int64       `json:"to,omitempty"`
}

// ConversationHandler serves the realtime socket at GET /ws.
type ConversationHandler struct {
	hub        *Hub
	registry   *realtime.Registry
	directory  *realtime.Directory
	dispatcher *realtime.Dispatcher
	reads      *realtime.ReadState
	presence   *realtime.Presence
	ledger     *realtime.Ledger
	logger     zerolog.Logger
}

// NewConversationHandler constructs a ConversationHandler.
func NewConversationHandler(hub *Hub, registry *realtime.Registry, directory *realtime.Directory, dispatcher *realtime.Dispatcher, reads *realtime.ReadState, presence *realtime.Presence, ledger *realtime.Ledger, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		hub:        hub,
		registry:   registry,
		directory:  directory,
		dispatcher: dispatcher,
		reads:      reads,
		presence:   presence,
		ledger:     ledger,
		logger:     logger.With().Str("component", "ws").Logger(),
	}
}

// Handle authenticates, upgrades the connection and starts its pumps.
func (h *ConversationHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("crm-realtime/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
	}

	connID := newConnID()
	principal, err := h.registry.Register(ctx, connID, token)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.registry.Unregister(context.Background(), connID)
		return
	}

	meta := observability.RequestMetaFrom(c.Request)
	info := ConnInfo{
		ConnID:      connID,
		PrincipalID: principal.ID,
		Role:        principal.Role,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	cl := newClient(info, conn, h.hub.buffer)
	h.hub.add(cl)

	observability.IncWSActive(wsKind)
	publishLifecycle(info, "ws_connect", "")
	h.logger.Info().Str("conn_id", connID).Str("principal", principal.ID).Str("role", string(principal.Role)).Msg("connected")

	if err := h.presence.SetOnline(context.Background(), connID, true); err != nil {
		h.logger.Warn().Err(err).Str("conn_id", connID).Msg("presence update failed")
	}

	go h.writePump(cl)
	go h.readPump(cl)
}

func (h *ConversationHandler) readPump(cl *client) {
	connID := cl.info.ConnID
	var closeReason string
	defer func() {
		h.hub.remove(connID, closeReason)
		h.registry.Unregister(context.Background(), connID)
		observability.DecWSActive(wsKind)
		publishLifecycle(cl.info, "ws_disconnect", closeReason)
		h.logger.Info().Str("conn_id", connID).Str("reason", closeReason).Msg("disconnected")
	}()

	cl.conn.SetReadLimit(maxFrameSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishLifecycle(cl.info, "ws_error", closeReason)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.reply(connID, errorEvent("", 0, fmt.Errorf("malformed frame: %w", apperr.ErrValidation)))
			continue
		}
		observability.IncWSEvent(wsKind, frame.Type)

		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		if reply := h.handleFrame(ctx, connID, frame); reply != nil {
			h.reply(connID, *reply)
		}
		cancel()
	}
}

func (h *ConversationHandler) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()

	for {
		select {
		case payload := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debug().Err(err).Str("conn_id", cl.info.ConnID).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.done:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, cl.reason))
			return
		}
	}
}

// handleFrame executes one inbound frame and returns the direct reply, if any.
func (h *ConversationHandler) handleFrame(ctx context.Context, connID string, frame inboundFrame) *models.Event {
	var (
		reply *models.Event
		err   error
	)
	switch frame.Type {
	case frameJoin:
		var latest int64
		latest, err = h.directory.Join(ctx, connID, frame.ConversationID)
		reply = &models.Event{Type: models.EventJoined, ConversationID: frame.ConversationID, LatestSequence: latest}
	case frameLeave:
		err = h.directory.Leave(ctx, connID, frame.ConversationID)
		reply = &models.Event{Type: models.EventLeft, ConversationID: frame.ConversationID}
	case frameSend:
		_, err = h.dispatcher.SendReply(ctx, connID, frame.ConversationID, frame.ReplyTo, frame.Body)
	case frameEdit:
		_, err = h.dispatcher.EditAndBroadcast(ctx, connID, frame.MessageID, frame.Body)
	case frameDelete:
		_, err = h.dispatcher.DeleteAndBroadcast(ctx, connID, frame.MessageID)
	case frameMarkRead:
		var cursor models.ReadCursor
		cursor, err = h.reads.MarkRead(ctx, connID, frame.ConversationID, frame.UpTo)
		reply = &models.Event{Type: models.EventReadReceipt, ConversationID: frame.ConversationID, ReadUpTo: cursor.Sequence}
	case frameTyping:
		err = h.presence.SetTyping(ctx, connID, frame.ConversationID, frame.Typing)
	case frameBackfill:
		reply, err = h.backfill(ctx, connID, frame)
	default:
		err = fmt.Errorf("unknown frame type %q: %w", frame.Type, apperr.ErrValidation)
	}

	if err != nil {
		evt := errorEvent(frame.RequestID, frame.ConversationID, err)
		if !errors.Is(err, apperr.ErrValidation) && !errors.Is(err, apperr.ErrForbidden) {
			h.logger.Warn().Err(err).Str("conn_id", connID).Str("frame", frame.Type).Msg("frame failed")
		}
		return &evt
	}
	if reply != nil {
		reply.RequestID = frame.RequestID
	}
	return reply
}

func (h *ConversationHandler) backfill(ctx context.Context, connID string, frame inboundFrame) (*models.Event, error) {
	if !h.registry.IsJoined(connID, frame.ConversationID) {
		return nil, fmt.Errorf("backfill of room %d without joining: %w", frame.ConversationID, apperr.ErrForbidden)
	}
	to := frame.To
	if to == 0 {
		latest, err := h.ledger.Latest(ctx, frame.ConversationID)
		if err != nil {
			return nil, err
		}
		to = latest
		if to < frame.From {
			return &models.Event{Type: models.EventBackfill, ConversationID: frame.ConversationID, Messages: []models.Message{}}, nil
		}
	}
	if to-frame.From+1 > maxBackfillLen {
		to = frame.From + maxBackfillLen - 1
	}
	msgs, err := h.ledger.ReadRange(ctx, frame.ConversationID, frame.From, to)
	if err != nil {
		return nil, err
	}
	return &models.Event{Type: models.EventBackfill, ConversationID: frame.ConversationID, Messages: msgs}, nil
}

func (h *ConversationHandler) reply(connID string, evt models.Event) {
	if err := h.hub.Deliver(connID, evt); err != nil {
		h.logger.Debug().Err(err).Str("conn_id", connID).Str("type", evt.Type).Msg("reply dropped")
	}
}

func errorEvent(requestID string, conversationID int64, err error) models.Event {
	return models.Event{
		Type:           models.EventError,
		ConversationID: conversationID,
		RequestID:      requestID,
		Error:          err.Error(),
		Code:           apperr.Code(err),
	}
}
