// Package session owns one connection to the trading gateway. It keeps an
// in-memory table of merged order states, persists every merge to the
// durable store and lets callers block until an order changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/orderwatch/internal/builder"
	"github.com/alanyoungcy/orderwatch/internal/domain"
	"github.com/alanyoungcy/orderwatch/internal/metrics"
	"github.com/alanyoungcy/orderwatch/internal/platform/gateway"
)

const (
	// storeTimeout bounds each durable store call made on the update path.
	storeTimeout = 5 * time.Second

	// publishTimeout bounds one PublishOrderState call on the publish worker.
	publishTimeout = 5 * time.Second

	// publishQueueSize is how many merged states may wait for the publish
	// worker before new ones are dropped.
	publishQueueSize = 1024

	// DefaultDisconnectTimeout bounds the reader join in DisconnectAndWait.
	DefaultDisconnectTimeout = 2 * time.Second
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingReady
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Publisher receives every merged order state. Publish failures are logged
// and never affect the merge.
type Publisher interface {
	PublishOrderState(ctx context.Context, sessionID string, state domain.OrderState) error
}

// Publishers fans a state out to several publishers. Every publisher is
// called even when an earlier one fails.
type Publishers []Publisher

func (ps Publishers) PublishOrderState(ctx context.Context, sessionID string, state domain.OrderState) error {
	var errs []error
	for _, p := range ps {
		if err := p.PublishOrderState(ctx, sessionID, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Client is a single-use gateway session. Once disconnected it cannot be
// reconnected; construct a new Client instead.
type Client struct {
	transport gateway.Transport
	store     domain.OrderStateStore
	publisher Publisher
	logger    *slog.Logger
	sessionID string

	mu       sync.Mutex
	state    State
	orders   map[int64]domain.OrderState
	sequence uint64
	// changed is closed and replaced on every mutation. Waiters grab it under
	// mu after checking their order, so no update can slip between the check
	// and the wait.
	changed   chan struct{}
	nextID    int64
	hasNextID bool
	lost      bool

	ready     chan struct{}
	readyOnce sync.Once

	runDone   chan struct{}
	cancelRun context.CancelFunc
	closeOnce sync.Once

	// Merged states reach the publisher through pubQueue so slow publishers
	// never hold up the reader. The worker starts on the first state.
	pubMu      sync.Mutex
	pubQueue   chan domain.OrderState
	pubDone    chan struct{}
	pubStarted bool
	pubClosed  bool
}

// New creates a Client over transport. store may be nil, in which case
// state lives in memory only.
func New(transport gateway.Transport, store domain.OrderStateStore, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		transport: transport,
		store:     store,
		sessionID: id,
		logger: logger.With(
			slog.String("component", "session"),
			slog.String("session_id", id),
		),
		orders:  make(map[int64]domain.OrderState),
		changed: make(chan struct{}),
		ready:   make(chan struct{}),
	}
}

// WithPublisher attaches a publisher that receives every merged state, in
// merge order, on a background worker. DisconnectAndWait drains it.
func (c *Client) WithPublisher(p Publisher) *Client {
	c.publisher = p
	c.pubQueue = make(chan domain.OrderState, publishQueueSize)
	c.pubDone = make(chan struct{})
	return c
}

// SessionID identifies this client instance in logs and published events.
func (c *Client) SessionID() string {
	return c.sessionID
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Alive reports whether the reader is still attached to a live connection.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady && !c.lost
}

// NextValidID returns the next order id that SubmitOrder will allocate.
func (c *Client) NextValidID() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextID, c.hasNextID
}

// ConnectAndWait opens the session, starts the background reader and blocks
// until the gateway grants the first order id or timeout elapses. On
// timeout the connection is torn down. A failed dial returns without
// starting the reader.
func (c *Client) ConnectAndWait(ctx context.Context, host string, port int, clientID int, timeout time.Duration) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("session: connect: %w", domain.ErrSessionClosed)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "connecting",
		slog.String("host", host),
		slog.Int("port", port),
		slog.Int("client_id", clientID),
	)

	if err := c.transport.Connect(ctx, host, port, clientID); err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.logger.ErrorContext(ctx, "connect failed", slog.String("error", err.Error()))
		return fmt.Errorf("session: %w: %w", domain.ErrConnectFailed, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.state = StateAwaitingReady
	c.cancelRun = cancel
	c.runDone = make(chan struct{})
	runDone := c.runDone
	c.mu.Unlock()

	go func() {
		defer close(runDone)
		if err := c.transport.Run(runCtx, handler{c}); err != nil {
			c.logger.Warn("reader stopped", slog.String("error", err.Error()))
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.ready:
		return nil
	case <-timer.C:
		c.logger.ErrorContext(ctx, "next valid id timeout", slog.Duration("timeout", timeout))
		c.DisconnectAndWait(DefaultDisconnectTimeout)
		return fmt.Errorf("session: %w after %s", domain.ErrReadyTimeout, timeout)
	case <-runDone:
		c.DisconnectAndWait(DefaultDisconnectTimeout)
		return fmt.Errorf("session: %w: connection closed before ready", domain.ErrConnectFailed)
	case <-ctx.Done():
		c.DisconnectAndWait(DefaultDisconnectTimeout)
		return fmt.Errorf("session: connect: %w", ctx.Err())
	}
}

// DisconnectAndWait closes the connection and joins the reader, waiting at
// most timeout. It is safe to call repeatedly and on a client that never
// connected.
func (c *Client) DisconnectAndWait(timeout time.Duration) {
	c.closeOnce.Do(func() {
		defer c.stopPublishing(timeout)

		c.mu.Lock()
		c.state = StateClosed
		cancel := c.cancelRun
		runDone := c.runDone
		c.mu.Unlock()

		if err := c.transport.Disconnect(); err != nil {
			c.logger.Warn("disconnect failed", slog.String("error", err.Error()))
		}
		if cancel != nil {
			cancel()
		}
		if runDone == nil {
			return
		}

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-runDone:
		case <-timer.C:
			c.logger.Warn("reader did not stop in time", slog.Duration("timeout", timeout))
		}
	})
}

// SubmitOrder allocates the next order id locally, records SUBMITTING so
// watchers see the order immediately, and sends it to the gateway. A
// transport failure is recorded as ERROR on the order and returned.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (int64, error) {
	c.mu.Lock()
	if c.state != StateReady || !c.hasNextID {
		c.mu.Unlock()
		return 0, fmt.Errorf("session: submit: %w", domain.ErrNotReady)
	}
	orderID := c.nextID
	c.nextID++
	c.mu.Unlock()

	contract := builder.BuildContract(req)
	order := builder.BuildOrder(req)

	c.recordUpdate(orderID, domain.OrderState{
		Status:     domain.StatusSubmitting,
		Symbol:     domain.String(req.Symbol),
		Action:     domain.String(string(req.Action)),
		OrderType:  domain.String(string(req.OrderType)),
		Quantity:   domain.Float64(req.Quantity),
		LimitPrice: req.LimitPrice,
		TIF:        domain.String(string(req.TIF)),
		Transmit:   domain.Bool(req.Transmit),
		OrderRef:   domain.String(req.EffectiveOrderRef()),
		Filled:     domain.Float64(0),
	})

	if err := c.transport.PlaceOrder(orderID, contract, order); err != nil {
		c.recordUpdate(orderID, domain.OrderState{
			Status:    domain.StatusError,
			LastError: domain.String(err.Error()),
		})
		metrics.OrderSubmits.WithLabelValues("error").Inc()
		c.logger.ErrorContext(ctx, "order submit failed",
			slog.Int64("order_id", orderID),
			slog.String("error", err.Error()),
		)
		return orderID, fmt.Errorf("session: order %d: %w: %w", orderID, domain.ErrSubmitFailed, err)
	}
	// A status the gateway already reported outranks the local SUBMITTED.
	c.recordUpdateIf(orderID, domain.OrderState{Status: domain.StatusSubmitted}, func(base domain.OrderState) bool {
		return base.Status == domain.StatusSubmitting
	})
	metrics.OrderSubmits.WithLabelValues("ok").Inc()

	c.logger.InfoContext(ctx, "order submitted",
		slog.Int64("order_id", orderID),
		slog.String("symbol", req.Symbol),
		slog.String("action", string(req.Action)),
		slog.Bool("transmit", req.Transmit),
	)
	return orderID, nil
}

// GetOrderState returns the in-memory state for orderID, falling back to the
// durable store for orders this process has not seen. Returns
// domain.ErrNotFound when neither knows the order.
func (c *Client) GetOrderState(ctx context.Context, orderID int64) (domain.OrderState, error) {
	c.mu.Lock()
	st, ok := c.orders[orderID]
	c.mu.Unlock()
	if ok {
		return st.Clone(), nil
	}
	if c.store == nil {
		return domain.OrderState{}, domain.ErrNotFound
	}
	persisted, err := c.store.Get(ctx, orderID)
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("session: get order %d: %w", orderID, err)
	}
	persisted.Seq = 0
	return persisted, nil
}

// WaitForOrderUpdate blocks until the in-memory state of orderID has a
// sequence greater than lastSeq, returning it, or until timeout elapses or
// ctx is done, returning false. Any number of goroutines may wait at once.
func (c *Client) WaitForOrderUpdate(ctx context.Context, orderID int64, lastSeq uint64, timeout time.Duration) (domain.OrderState, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		st, ok := c.orders[orderID]
		if ok && st.Seq > lastSeq {
			c.mu.Unlock()
			return st.Clone(), true
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return domain.OrderState{}, false
		case <-ctx.Done():
			return domain.OrderState{}, false
		}
	}
}

// RequestOpenOrders asks the gateway to re-deliver every order it knows for
// this session, so local state catches up after a fresh connection.
func (c *Client) RequestOpenOrders() error {
	if err := c.transport.RequestOpenOrders(); err != nil {
		return fmt.Errorf("session: request open orders: %w", err)
	}
	if err := c.transport.RequestAllOpenOrders(); err != nil {
		return fmt.Errorf("session: request all open orders: %w", err)
	}
	return nil
}

// recordUpdate is the single merge-and-notify path. It seeds from the
// durable store when this process has no copy, merges partial, stamps the
// timestamp and global sequence, persists, and wakes every waiter.
func (c *Client) recordUpdate(orderID int64, partial domain.OrderState) domain.OrderState {
	st, _ := c.recordUpdateIf(orderID, partial, nil)
	return st
}

// recordUpdateIf merges partial only when apply accepts the current state.
// A nil apply always merges.
func (c *Client) recordUpdateIf(orderID int64, partial domain.OrderState, apply func(domain.OrderState) bool) (domain.OrderState, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	c.mu.Lock()
	base, ok := c.orders[orderID]
	if !ok {
		base = domain.OrderState{OrderID: orderID, Status: domain.StatusUnknown}
		if c.store != nil {
			persisted, err := c.store.Get(ctx, orderID)
			switch {
			case err == nil:
				base = persisted
			case !errors.Is(err, domain.ErrNotFound):
				c.logger.Warn("seed from store failed",
					slog.Int64("order_id", orderID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if apply != nil && !apply(base) {
		out := base.Clone()
		c.mu.Unlock()
		return out, false
	}

	partial.OrderID = orderID
	partial.LastUpdate = domain.NowISO()
	state := base.Merge(partial)
	c.sequence++
	state.Seq = c.sequence
	c.orders[orderID] = state

	if c.store != nil {
		if err := c.store.Upsert(ctx, state); err != nil {
			metrics.StoreErrors.Inc()
			c.logger.Error("persist order state failed",
				slog.Int64("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
	}

	close(c.changed)
	c.changed = make(chan struct{})
	out := state.Clone()
	c.mu.Unlock()

	metrics.OrderUpdates.Inc()

	c.enqueuePublish(out)
	return out, true
}

// enqueuePublish hands st to the publish worker without blocking.
func (c *Client) enqueuePublish(st domain.OrderState) {
	if c.publisher == nil {
		return
	}
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.pubClosed {
		c.logger.Warn("publish after disconnect dropped", slog.Int64("order_id", st.OrderID))
		return
	}
	if !c.pubStarted {
		c.pubStarted = true
		go c.publishLoop()
	}
	select {
	case c.pubQueue <- st:
	default:
		c.logger.Warn("publish queue full, order state dropped", slog.Int64("order_id", st.OrderID))
	}
}

func (c *Client) publishLoop() {
	defer close(c.pubDone)
	for st := range c.pubQueue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := c.publisher.PublishOrderState(ctx, c.sessionID, st)
		cancel()
		if err != nil {
			c.logger.Warn("publish order state failed",
				slog.Int64("order_id", st.OrderID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// stopPublishing closes the publish queue and waits at most timeout for the
// worker to deliver what is queued.
func (c *Client) stopPublishing(timeout time.Duration) {
	c.pubMu.Lock()
	if c.publisher == nil || c.pubClosed {
		c.pubMu.Unlock()
		return
	}
	c.pubClosed = true
	close(c.pubQueue)
	started := c.pubStarted
	c.pubMu.Unlock()
	if !started {
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.pubDone:
	case <-timer.C:
		c.logger.Warn("publisher did not drain in time", slog.Duration("timeout", timeout))
	}
}

// onNextValidID records the gateway's order id grant and marks the session
// ready on the first one. A grant never moves the local counter backwards.
func (c *Client) onNextValidID(orderID int64) {
	c.mu.Lock()
	if !c.hasNextID || orderID > c.nextID {
		c.nextID = orderID
	}
	c.hasNextID = true
	if c.state == StateAwaitingReady {
		c.state = StateReady
	}
	c.mu.Unlock()

	c.logger.Info("next valid id", slog.Int64("order_id", orderID))
	c.readyOnce.Do(func() { close(c.ready) })
}

// onConnectionClosed flags the session as lost and wakes waiters so they can
// notice.
func (c *Client) onConnectionClosed() {
	c.mu.Lock()
	wasOpen := c.state != StateClosed
	c.lost = true
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	if wasOpen {
		c.logger.Warn("connection closed by gateway")
	}
}
