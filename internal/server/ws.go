// Package server is the admin HTTP API. Lock state changes are streamed to
// clients connected on /api/ws.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mackeh/sitelock/internal/control"
	"github.com/mackeh/sitelock/internal/logging"
)

// EventType identifies the kind of WebSocket event.
type EventType string

const (
	EventStatus   EventType = "status"
	EventLocked   EventType = "maintenance_locked"
	EventUnlocked EventType = "maintenance_unlocked"
	EventFailed   EventType = "maintenance_failed"
)

// WSEvent is a single message sent to WebSocket clients.
type WSEvent struct {
	Type      EventType `json:"type"`
	Timestamp string    `json:"timestamp"`
	Data      any       `json:"data"`
}

// Hub manages WebSocket connections and broadcasts events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *zap.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// API keys gate the endpoint; browsers on other origins are fine.
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logging.OrNop(logger),
	}
}

// Observe broadcasts a lock operation. It makes the hub a control.Observer.
func (h *Hub) Observe(_ context.Context, ev control.Event) {
	typ := EventFailed
	if ev.Success {
		typ = EventLocked
		if ev.Operation == control.OpUnlock {
			typ = EventUnlocked
		}
	}
	h.Broadcast(WSEvent{
		Type:      typ,
		Timestamp: ev.Time.Format(time.RFC3339),
		Data: map[string]any{
			"operation": ev.Operation,
			"backend":   ev.Backend,
			"actor":     ev.Actor,
			"message":   ev.Message,
		},
	})
}

// Broadcast sends an event to all connected clients.
func (h *Hub) Broadcast(evt WSEvent) {
	if evt.Timestamp == "" {
		evt.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, drop message
		}
	}
}

// ClientCount returns the number of active connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

// ServeWS handles the /api/ws endpoint.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.register(c)

	h.sendOne(c, WSEvent{
		Type:      EventStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      map[string]any{"message": "connected", "clients": h.ClientCount()},
	})

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) sendOne(c *wsClient, evt WSEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
