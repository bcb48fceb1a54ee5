package ws

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
)

const (
	wsKind        = "conversation"
	wsRoutingKey  = "ws_events.conversations"
	defaultBuffer = 64
)

// client is one live socket. Frames queue on send and are written by a
// single writer goroutine, so each connection sees events in queue order.
type client struct {
	info      ConnInfo
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func newClient(info ConnInfo, conn *websocket.Conn, buffer int) *client {
	return &client{info: info, conn: conn, send: make(chan []byte, buffer), done: make(chan struct{})}
}

func (c *client) close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// Hub maintains the live websocket connections of this process.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	buffer  int
	logger  zerolog.Logger
}

// NewHub creates an empty hub whose connections queue up to buffer frames.
func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		clients: make(map[string]*client),
		buffer:  buffer,
		logger:  logger.With().Str("component", "ws_hub").Logger(),
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.info.ConnID] = c
}

func (h *Hub) remove(connID, reason string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	delete(h.clients, connID)
	h.mu.Unlock()
	if ok {
		c.close(reason)
	}
}

// Deliver queues evt for connID without blocking. A connection whose queue
// is full is dropped as a slow consumer.
func (h *Hub) Deliver(connID string, evt models.Event) error {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s: %w", connID, apperr.ErrNotFound)
	}

	evt.Exclude = ""
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", evt.Type, err)
	}

	select {
	case <-c.done:
		return fmt.Errorf("connection %s closing: %w", connID, apperr.ErrNotFound)
	case c.send <- payload:
		return nil
	default:
		h.logger.Warn().Str("conn_id", connID).Str("principal", c.info.PrincipalID).Msg("send buffer full, dropping connection")
		publishLifecycle(c.info, "ws_error", "slow consumer")
		h.remove(connID, "slow consumer")
		return fmt.Errorf("connection %s is too slow", connID)
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every connection, used on shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.close(reason)
	}
}
