package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/cart-stock-service/internal/obs"
)

// HubOptions tunes per-connection behavior.
type HubOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// CheckOrigin overrides the upgrader origin policy. Nil accepts any
	// origin; CORS is enforced on the REST routes only.
	CheckOrigin func(r *http.Request) bool
}

// Hub tracks connected websocket clients and writes every event to all of
// them.
type Hub struct {
	opts     HubOptions
	upgrader websocket.Upgrader
	metrics  *obs.Metrics

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// NewHub returns a Hub ready to serve upgrades.
func NewHub(opts HubOptions, m *obs.Metrics) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 16
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		metrics: m,
		clients: make(map[*client]struct{}),
	}
}

// Name implements Sink.
func (h *Hub) Name() string { return "websocket" }

// Deliver implements Sink by broadcasting the encoded frame. A client whose
// send buffer is full is disconnected rather than allowed to stall others.
func (h *Hub) Deliver(_ context.Context, ev Event) error {
	frame, err := ev.Encode()
	if err != nil {
		return err
	}
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		obs.Logger.Warn("client_too_slow", "client_id", c.id, "event", ev.Name, "sequence", ev.Sequence)
		h.unregister(c)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and blocks until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		obs.Logger.Warn("ws_upgrade_failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, h.opts.SendBuffer)}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.opts.WriteTimeout))
		_ = conn.Close()
		return
	}
	obs.Logger.Info("client_connected", "client_id", c.id, "remote_addr", r.RemoteAddr, "clients", h.ClientCount())

	go h.writePump(c)
	h.readPump(c)

	h.unregister(c)
	obs.Logger.Info("client_disconnected", "client_id", c.id, "clients", h.ClientCount())
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.WSClients.Inc()
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.WSClients.Dec()
	}
	h.mu.Unlock()
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump discards inbound messages; no client-to-server events exist.
// It returns when the peer goes away or stops answering pings.
func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(4096)
	pongWait := h.opts.PingInterval + h.opts.WriteTimeout
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				obs.Logger.Debug("ws_read_error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.unregister(c)
	}
}
