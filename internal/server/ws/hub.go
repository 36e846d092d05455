// Package ws pushes live order updates to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/orderwatch/internal/cache/redis"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware in front of the hub.
	CheckOrigin: func(*http.Request) bool { return true },
}

// EventSource yields live order events. orderID zero follows every order.
type EventSource interface {
	Follow(ctx context.Context, orderID int64) (<-chan redis.OrderEvent, error)
}

// Hub fans order events from an EventSource out to connected clients. A
// client receives every order until it subscribes to specific order ids.
type Hub struct {
	source    EventSource
	logger    *slog.Logger
	startedAt time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a Hub over source.
func NewHub(source EventSource, logger *slog.Logger) *Hub {
	return &Hub{
		source:    source,
		logger:    logger.With(slog.String("component", "ws_hub")),
		startedAt: time.Now().UTC(),
		clients:   make(map[*client]struct{}),
	}
}

// Run broadcasts followed events until ctx is done or the source closes.
// Clients are disconnected when it returns.
func (h *Hub) Run(ctx context.Context) error {
	defer h.dropAll()

	events, err := h.source.Follow(ctx, 0)
	if err != nil {
		return fmt.Errorf("ws: follow order events: %w", err)
	}
	h.logger.InfoContext(ctx, "following order events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				h.logger.Warn("order event source closed")
				return nil
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev redis.OrderEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(ev.OrderID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping order event for slow client", slog.Int64("order_id", ev.OrderID))
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Info("client connected", slog.Int("total_clients", len(h.clients)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Info("client disconnected", slog.Int("total_clients", len(h.clients)))
}

func (h *Hub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client. Connections
// arriving after Run has returned are closed immediately.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		orders: make(map[int64]bool),
	}
	if hello, err := json.Marshal(map[string]any{
		"type":           "hello",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}); err == nil {
		c.send <- hello
	}
	if !h.add(c) {
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// client is one websocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	orders map[int64]bool // empty means every order
}

// subscribeMsg changes which orders a client receives:
// {"subscribe":[42]} or {"unsubscribe":[42]}.
type subscribeMsg struct {
	Subscribe   []int64 `json:"subscribe"`
	Unsubscribe []int64 `json:"unsubscribe"`
}

func (c *client) wants(orderID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orders) == 0 || c.orders[orderID]
}

func (c *client) apply(msg subscribeMsg) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range msg.Subscribe {
		c.orders[id] = true
	}
	for _, id := range msg.Unsubscribe {
		delete(c.orders, id)
	}
	ids := make([]int64, 0, len(c.orders))
	for id := range c.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// queue hands v to the write pump without blocking. send is only closed
// under the hub lock, so holding it for the send is safe.
func (c *client) queue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			c.queue(map[string]any{"type": "error", "error": "invalid message"})
			continue
		}
		c.queue(map[string]any{"type": "subscribed", "order_ids": c.apply(msg)})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
