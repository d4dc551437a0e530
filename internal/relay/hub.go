package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flagdeck/flagdeck-relay/internal/logger"
	"github.com/flagdeck/flagdeck-relay/internal/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS middleware handles origin policy
		return true
	},
}

// streamMessage is the envelope sent to stream clients.
type streamMessage struct {
	Type    string `json:"type"` // "version", "hello"
	Version int64  `json:"version"`
}

// client is one connected stream subscriber.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected stream clients and fans configuration version
// updates out to them. SDK clients use the version signal to refetch
// the flag document instead of polling the relay.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	mu  sync.RWMutex
	log *slog.Logger
}

// NewHub creates a stream hub. Run must be started for clients to be
// served.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		log:        logger.WithComponent("stream"),
	}
}

// Run drives the hub until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.StreamConnections.Inc()
			h.log.Info("stream client connected", "client", c.id, "total_clients", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				metrics.StreamConnections.Dec()
				h.log.Info("stream client disconnected", "client", c.id, "total_clients", len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
					metrics.StreamMessagesSent.Inc()
				default:
					// Client's send buffer is full, drop the connection
					close(c.send)
					delete(h.clients, c)
					metrics.StreamConnections.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// NotifyVersion broadcasts a configuration version change to every
// connected client. It satisfies the poller's listener signature.
func (h *Hub) NotifyVersion(version int64) {
	data, err := json.Marshal(streamMessage{Type: "version", Version: version})
	if err != nil {
		h.log.Error("marshaling version message failed", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("broadcast buffer full, dropping version update", "version", version)
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump drains client messages so pongs are processed. Clients are
// not expected to send anything meaningful.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("stream unexpected close", "client", c.id, "error", err)
			}
			return
		}
	}
}

// writePump forwards hub messages to the connection and keeps it alive
// with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Stream upgrades the request to a websocket and registers the client.
// GET /stream
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	h.hub.register <- c

	// Tell the client which version it is starting from
	if hello, err := json.Marshal(streamMessage{Type: "hello", Version: h.version()}); err == nil {
		c.send <- hello
	}

	go c.writePump()
	go c.readPump()
}
