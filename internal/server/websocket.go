package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-ai/internal/loop"
	"github.com/sentinelops/sentinel-ai/internal/metrics"
)

const (
	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second

	// pingPeriod is how often the server pings idle clients.
	pingPeriod = 30 * time.Second

	// clientBuffer is the per-client send queue. Slow clients that fall
	// this far behind are disconnected.
	clientBuffer = 64
)

// defaultOrigins are the development origins allowed when no explicit
// allow list is configured.
var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

// newUpgrader builds a WebSocket upgrader that checks the Origin header
// against the allowed list. An empty list falls back to localhost
// development origins, "*" allows everything. Requests without an Origin
// header (non-browser clients) are always allowed.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := allowedOrigins
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		},
	}
}

// wsClient is one connected stream consumer.
type wsClient struct {
	conn *websocket.Conn
	send chan loop.StepEvent
}

// Hub fans investigation step events out to connected WebSocket clients.
type Hub struct {
	log        *zap.Logger
	register   chan *wsClient
	unregister chan *wsClient
	events     chan loop.StepEvent

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates a hub. Run must be called to start dispatching.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:        log,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan loop.StepEvent, 256),
		clients:    make(map[*wsClient]struct{}),
	}
}

// Broadcast queues a step event for all connected clients. Events are
// dropped when the hub is congested rather than stalling investigations.
func (h *Hub) Broadcast(ev loop.StepEvent) {
	select {
	case h.events <- ev:
	default:
	}
}

// Run dispatches events until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			metrics.WebSocketConnections.Inc()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				close(c.send)
				delete(h.clients, c)
				metrics.WebSocketConnections.Dec()
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					// Slow consumer, skip this event for it.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// handleStream upgrades the connection and streams investigation step
// events until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	upgrader := newUpgrader(s.config.Server.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan loop.StepEvent, clientBuffer),
	}
	s.hub.register <- c

	go c.writePump()
	c.readPump(s.hub)
}

// writePump pushes queued events and keepalive pings to the client.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
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

// readPump drains client frames so control messages are processed, and
// unregisters on disconnect.
func (c *wsClient) readPump(hub *Hub) {
	defer func() {
		hub.unregister <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
