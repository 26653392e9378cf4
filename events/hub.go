package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/logger"
)

// WebSocket timeouts, following the gorilla chat example
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Message is the wire envelope sent to WebSocket clients
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// HubOptions configures a Hub
type HubOptions struct {
	AllowedOrigins          []string // prefix match; empty Origin is always allowed
	SlowClientWarnPerSecond float64
	Logger                  *zap.SugaredLogger
}

// Hub broadcasts events to connected WebSocket clients. It never blocks an
// emitter: a client whose send buffer is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	upgrader websocket.Upgrader
	origins  []string
	log      *zap.SugaredLogger

	dropped  atomic.Uint64
	warnSlow *rate.Limiter
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	id        string
	closeOnce sync.Once
}

// NewHub creates a hub with no clients
func NewHub(opts HubOptions) *Hub {
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}
	perSecond := opts.SlowClientWarnPerSecond
	if perSecond <= 0 {
		perSecond = 1
	}

	h := &Hub{
		clients:  make(map[*client]struct{}),
		origins:  opts.AllowedOrigins,
		log:      log.Named("hub"),
		warnSlow: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	return OriginAllowed(r.Header.Get("Origin"), h.origins)
}

// OriginAllowed accepts an empty origin (CLI clients, tests) and origins
// that start with one of the allowed prefixes, so any port matches.
func OriginAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and streams events until the client goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("WebSocket upgrade failed",
			logger.FieldAddress, r.RemoteAddr,
			logger.FieldError, err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   uuid.NewString(),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debugw("Client connected", logger.FieldClientID, c.id, logger.FieldCount, n)
}

// unregister closes the client's send channel under the write lock, so
// Emit (which sends under the read lock) never sees a closed channel.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
	if ok {
		h.log.Debugw("Client disconnected", logger.FieldClientID, c.id)
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many client deliveries were skipped because a buffer was full
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Emit broadcasts the event to every client
func (h *Hub) Emit(_ context.Context, name string, payload any) error {
	data, err := json.Marshal(Message{Type: name, Payload: payload})
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s event", name)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			total := h.dropped.Add(1)
			if h.warnSlow.Allow() {
				h.log.Warnw("Client too slow, dropping events",
					logger.FieldClientID, c.id,
					"dropped_total", total)
			}
		}
	}
	return nil
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*client]struct{})
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump discards inbound messages; it exists to process pongs and
// notice when the peer disconnects.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.log.Warnw("WebSocket read error", logger.FieldClientID, c.id, logger.FieldError, err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.log.Debugw("Event write error", logger.FieldClientID, c.id, logger.FieldError, err)
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
