package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/orderwatch/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// handshakeTimeout bounds the websocket upgrade.
	handshakeTimeout = 15 * time.Second
)

// Outbound frame types.
const (
	frameStartAPI         = "start_api"
	framePlaceOrder       = "place_order"
	frameReqOpenOrders    = "req_open_orders"
	frameReqAllOpenOrders = "req_all_open_orders"
)

// Inbound frame types.
const (
	frameNextValidID = "next_valid_id"
	frameOpenOrder   = "open_order"
	frameOrderStatus = "order_status"
	frameError       = "error"
)

// WSConfig configures the websocket transport.
type WSConfig struct {
	// Path is the gateway endpoint path, e.g. "/v1/api".
	Path string
	// TLS selects wss:// instead of ws://.
	TLS bool
}

// outboundFrame is a request sent to the gateway.
type outboundFrame struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	ClientID int       `json:"client_id,omitempty"`
	OrderID  int64     `json:"order_id,omitempty"`
	Contract *Contract `json:"contract,omitempty"`
	Order    *Order    `json:"order,omitempty"`
}

// inboundFrame is the union of all notifications the gateway pushes.
type inboundFrame struct {
	Type       string           `json:"type"`
	OrderID    int64            `json:"order_id"`
	ReqID      int64            `json:"req_id"`
	Contract   Contract         `json:"contract"`
	Order      Order            `json:"order"`
	OrderState BrokerOrderState `json:"order_state"`
	Args       []any            `json:"args"`
}

// WSTransport is a Transport speaking JSON frames over a websocket.
type WSTransport struct {
	cfg WSConfig

	mu     sync.Mutex // guards conn writes and closed
	conn   *websocket.Conn
	closed bool

	// done is closed when Disconnect is called.
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSTransport creates a transport; call Connect before Run.
func NewWSTransport(cfg WSConfig) *WSTransport {
	if cfg.Path == "" {
		cfg.Path = "/v1/api"
	}
	return &WSTransport{
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Endpoint builds the websocket URL for host and port.
func (w *WSTransport) Endpoint(host string, port int, clientID int) string {
	scheme := "ws"
	if w.cfg.TLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     w.cfg.Path,
		RawQuery: url.Values{"client_id": []string{strconv.Itoa(clientID)}}.Encode(),
	}
	return u.String()
}

// Connect dials the gateway and sends the API start frame.
func (w *WSTransport) Connect(ctx context.Context, host string, port int, clientID int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("gateway/ws: %w", domain.ErrSessionClosed)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.Endpoint(host, port, clientID), nil)
	if err != nil {
		return fmt.Errorf("gateway/ws: connect: %w", err)
	}
	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := w.writeLocked(outboundFrame{Type: frameStartAPI, ClientID: clientID}); err != nil {
		_ = w.conn.Close()
		w.conn = nil
		return fmt.Errorf("gateway/ws: start api: %w", err)
	}
	return nil
}

// Run reads frames and dispatches them to h until the connection closes.
// A close initiated by Disconnect returns nil. ConnectionClosed is always
// delivered to h before Run returns.
func (w *WSTransport) Run(ctx context.Context, h EventHandler) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("gateway/ws: not connected")
	}
	defer h.ConnectionClosed()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.readLoop(conn, h)
	})
	g.Go(func() error {
		return w.pingLoop(gctx, conn)
	})
	g.Go(func() error {
		// Unblock the reader when the caller or a sibling gives up.
		select {
		case <-gctx.Done():
		case <-w.done:
		}
		_ = conn.Close()
		return nil
	})

	err := g.Wait()
	select {
	case <-w.done:
		return nil
	default:
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Disconnect sends a close frame and closes the connection. Safe to call
// more than once and before Connect.
func (w *WSTransport) Disconnect() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.closeOnce.Do(func() { close(w.done) })

	if w.conn != nil {
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		return w.conn.Close()
	}
	return nil
}

// PlaceOrder sends a place-order request.
func (w *WSTransport) PlaceOrder(orderID int64, contract Contract, order Order) error {
	return w.send(outboundFrame{
		Type:     framePlaceOrder,
		OrderID:  orderID,
		Contract: &contract,
		Order:    &order,
	})
}

// RequestOpenOrders asks for open orders placed by this client id.
func (w *WSTransport) RequestOpenOrders() error {
	return w.send(outboundFrame{Type: frameReqOpenOrders})
}

// RequestAllOpenOrders asks for open orders placed by any client id.
func (w *WSTransport) RequestAllOpenOrders() error {
	return w.send(outboundFrame{Type: frameReqAllOpenOrders})
}

func (w *WSTransport) send(f outboundFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil || w.closed {
		return fmt.Errorf("gateway/ws: %s: %w", f.Type, domain.ErrWSDisconnect)
	}
	if err := w.writeLocked(f); err != nil {
		return fmt.Errorf("gateway/ws: %s: %w", f.Type, err)
	}
	return nil
}

// writeLocked sends a JSON frame. Caller must hold w.mu.
func (w *WSTransport) writeLocked(f outboundFrame) error {
	f.ID = uuid.NewString()
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches inbound frames until the connection fails.
func (w *WSTransport) readLoop(conn *websocket.Conn, h EventHandler) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return nil
			default:
			}
			return fmt.Errorf("gateway/ws: read: %w", err)
		}
		dispatch(message, h)
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (w *WSTransport) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-ticker.C:
			w.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			w.mu.Unlock()
			if err != nil {
				return fmt.Errorf("gateway/ws: ping: %w", err)
			}
		}
	}
}

// dispatch decodes one frame and routes it to the handler. Frames that do
// not parse are dropped.
func dispatch(raw []byte, h EventHandler) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var f inboundFrame
	if err := dec.Decode(&f); err != nil {
		return
	}

	switch f.Type {
	case frameNextValidID:
		h.NextValidID(f.OrderID)
	case frameOpenOrder:
		h.OpenOrder(f.OrderID, f.Contract, f.Order, f.OrderState)
	case frameOrderStatus:
		var u StatusUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			return
		}
		h.OrderStatus(u)
	case frameError:
		h.Error(f.ReqID, f.Args...)
	}
}

// Compile-time interface check.
var _ Transport = (*WSTransport)(nil)
