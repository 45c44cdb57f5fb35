// Package realtime pushes order lifecycle notifications to WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	broadcastBuffer = 256
	writeTimeout    = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	// orderID limits delivery to one order; empty receives everything.
	orderID string
}

// Hub manages WebSocket clients and broadcasts messages to them.
type Hub struct {
	log        *zap.Logger
	upgrader   websocket.Upgrader
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	mu         sync.Mutex
}

// NewHub constructs a Hub. Call Run before serving connections.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, broadcastBuffer),
	}
}

// Broadcast queues msg for every interested client. It never blocks; when the queue is
// full the message is dropped.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("realtime broadcast dropped", zap.Int("buffer", broadcastBuffer))
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run processes register/unregister/broadcast events until ctx ends, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg []byte) {
	var envelope struct {
		OrderID string `json:"order_id"`
	}
	_ = json.Unmarshal(msg, &envelope)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.orderID != "" && c.orderID != envelope.OrderID {
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debug("realtime client dropped", zap.Error(err))
			c.conn.Close()
			delete(h.clients, c)
		}
	}
}

// ServeHTTP upgrades the request and keeps the client registered until it disconnects.
// An order_id query parameter narrows the feed to one order.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, orderID: r.URL.Query().Get("order_id")}
	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	// Inbound frames are ignored; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- c:
	case <-r.Context().Done():
	}
}
