package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderwatch/internal/domain"
	"github.com/alanyoungcy/orderwatch/internal/platform/gateway"
	"github.com/alanyoungcy/orderwatch/internal/store/sqlite"
)

// scriptedTransport plays gateway notifications on its reader goroutine.
type scriptedTransport struct {
	grant      int64
	connectErr error
	placeErr   error
	// onPlace and onResync return notifications to deliver in response.
	onPlace  func(id int64) []func(gateway.EventHandler)
	onResync func() []func(gateway.EventHandler)
	// dropAfterResync ends the reader as if the gateway hung up.
	dropAfterResync bool

	events   chan func(gateway.EventHandler)
	drop     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	dropOnce sync.Once

	mu          sync.Mutex
	placed      []gateway.Order
	disconnects int
}

func (t *scriptedTransport) Connect(context.Context, string, int, int) error {
	return t.connectErr
}

func (t *scriptedTransport) Run(ctx context.Context, h gateway.EventHandler) error {
	defer h.ConnectionClosed()
	if t.grant > 0 {
		h.NextValidID(t.grant)
	}
	for {
		select {
		case fn := <-t.events:
			fn(h)
		case <-t.drop:
			return errors.New("connection reset by peer")
		case <-t.stop:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *scriptedTransport) Disconnect() error {
	t.mu.Lock()
	t.disconnects++
	t.mu.Unlock()
	t.stopOnce.Do(func() { close(t.stop) })
	return nil
}

func (t *scriptedTransport) PlaceOrder(id int64, _ gateway.Contract, o gateway.Order) error {
	if t.placeErr != nil {
		return t.placeErr
	}
	t.mu.Lock()
	t.placed = append(t.placed, o)
	t.mu.Unlock()
	if t.onPlace != nil {
		for _, fn := range t.onPlace(id) {
			t.events <- fn
		}
	}
	return nil
}

func (t *scriptedTransport) RequestOpenOrders() error {
	if t.onResync != nil {
		for _, fn := range t.onResync() {
			t.events <- fn
		}
	}
	if t.dropAfterResync {
		t.events <- func(gateway.EventHandler) {
			t.dropOnce.Do(func() { close(t.drop) })
		}
	}
	return nil
}

func (t *scriptedTransport) RequestAllOpenOrders() error { return nil }

type harness struct {
	svc        *LifecycleService
	store      *sqlite.Store
	transports []*scriptedTransport
	factory    atomic.Int32
	opened     atomic.Int32
	configure  func(*scriptedTransport)
	mu         sync.Mutex
}

func newHarness(t *testing.T, configure func(*scriptedTransport)) *harness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "orders.db"), logger)
	require.NoError(t, err)

	h := &harness{store: store, configure: configure}
	h.svc = NewLifecycleService(
		Endpoint{Host: "127.0.0.1", Port: 7497, ClientID: 7},
		func() gateway.Transport {
			h.factory.Add(1)
			tr := &scriptedTransport{
				grant:  100,
				events: make(chan func(gateway.EventHandler), 32),
				drop:   make(chan struct{}),
				stop:   make(chan struct{}),
			}
			if h.configure != nil {
				h.configure(tr)
			}
			h.mu.Lock()
			h.transports = append(h.transports, tr)
			h.mu.Unlock()
			return tr
		},
		func(context.Context) (domain.OrderStateStore, error) {
			h.opened.Add(1)
			return store, nil
		},
		logger,
	).WithDisconnectTimeout(time.Second)
	t.Cleanup(func() { _ = h.svc.Close() })
	return h
}

func (h *harness) transport(i int) *scriptedTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[i]
}

func jsonOrder(s string) OrderInput {
	return OrderInput{JSON: []byte(s)}
}

const (
	marketBuyAAPL = `{"symbol":"AAPL","action":"BUY","quantity":3,"order_type":"MKT"}`
	limitSellMSFT = `{"symbol":"msft","action":"SELL","quantity":2,"order_type":"LMT","limit_price":450.25,"tif":"GTC","transmit":true}`
)

func statusUpdate(id int64, status string, filled float64) func(gateway.EventHandler) {
	return func(h gateway.EventHandler) {
		h.OrderStatus(gateway.StatusUpdate{OrderID: id, Status: status, Filled: filled, AvgFillPrice: 101.5})
	}
}

func TestValidate_MarketOrder(t *testing.T) {
	h := newHarness(t, nil)

	out := h.svc.Validate(context.Background(), ValidateIn{Order: jsonOrder(marketBuyAAPL)})
	require.True(t, out.Valid)
	require.NotNil(t, out.OrderRequest)
	assert.Equal(t, "AAPL", out.OrderRequest.Symbol)
	assert.Equal(t, domain.ActionBuy, out.OrderRequest.Action)
	assert.Equal(t, "STK", out.OrderRequest.SecType)
	assert.Equal(t, "SMART", out.OrderRequest.Exchange)
	assert.Equal(t, "USD", out.OrderRequest.Currency)
	assert.Equal(t, domain.TIFDay, out.OrderRequest.TIF)
	assert.False(t, out.OrderRequest.Transmit)
	assert.Nil(t, out.EffectiveOrderRef)
	assert.Zero(t, h.factory.Load())
}

func TestValidate_LimitWithoutPrice(t *testing.T) {
	h := newHarness(t, nil)

	out := h.svc.Validate(context.Background(), ValidateIn{
		Order: jsonOrder(`{"symbol":"AAPL","action":"BUY","quantity":1,"order_type":"LMT"}`),
	})
	require.False(t, out.Valid)
	require.NotEmpty(t, out.Errors)

	var named bool
	for _, fe := range out.Errors {
		for _, loc := range fe.Loc {
			if loc == "limit_price" {
				named = true
			}
		}
	}
	assert.True(t, named, "a field error must name limit_price: %v", out.Errors)
}

func TestValidate_TransmitOverride(t *testing.T) {
	h := newHarness(t, nil)

	out := h.svc.Validate(context.Background(), ValidateIn{Order: jsonOrder(marketBuyAAPL), Transmit: true})
	require.True(t, out.Valid)
	assert.True(t, out.OrderRequest.Transmit)
}

func TestValidate_MissingPayload(t *testing.T) {
	h := newHarness(t, nil)

	out := h.svc.Validate(context.Background(), ValidateIn{})
	require.False(t, out.Valid)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "runtime", out.Errors[0].Type)
}

func TestPlace_DryRunTouchesNothing(t *testing.T) {
	h := newHarness(t, nil)

	out := h.svc.Place(context.Background(), PlaceIn{Order: jsonOrder(marketBuyAAPL), DryRun: true})
	assert.True(t, out.DryRun)
	assert.False(t, out.Submitted)
	require.NotNil(t, out.Contract)
	assert.Equal(t, "AAPL", out.Contract.Symbol)
	assert.Equal(t, "STK", out.Contract.SecType)
	assert.Equal(t, "SMART", out.Contract.Exchange)
	assert.Equal(t, "USD", out.Contract.Currency)
	require.NotNil(t, out.OrderPayload)
	assert.Equal(t, "BUY", out.OrderPayload.Action)
	assert.Equal(t, 3.0, out.OrderPayload.Quantity)
	assert.Equal(t, "MKT", out.OrderPayload.OrderType)
	assert.Nil(t, out.OrderPayload.LimitPrice)
	require.NotNil(t, out.OrderRequest)

	assert.Zero(t, h.factory.Load(), "dry run must not create a transport")
	assert.Zero(t, h.opened.Load(), "dry run must not open the store")
}

func TestPlace_LimitOrderSubmitted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	out := h.svc.Place(ctx, PlaceIn{Order: jsonOrder(limitSellMSFT)})
	require.True(t, out.Submitted, "error: %v", out.Error)
	require.NotNil(t, out.OrderID)
	assert.Equal(t, int64(100), *out.OrderID)
	require.NotNil(t, out.State)
	assert.Equal(t, domain.StatusSubmitted, out.State.Status)
	require.NotNil(t, out.OrderPayload)
	require.NotNil(t, out.OrderPayload.LimitPrice)
	assert.Equal(t, 450.25, *out.OrderPayload.LimitPrice)
	assert.Equal(t, "GTC", out.OrderPayload.TIF)
	assert.True(t, out.OrderPayload.Transmit)
	assert.Equal(t, "MSFT", out.Contract.Symbol)

	tr := h.transport(0)
	tr.mu.Lock()
	require.Len(t, tr.placed, 1)
	assert.Equal(t, "SELL", tr.placed[0].Action)
	assert.Equal(t, 450.25, tr.placed[0].LmtPrice)
	assert.Equal(t, 1, tr.disconnects)
	tr.mu.Unlock()

	persisted, err := h.store.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, persisted.Status)
	require.NotNil(t, persisted.LimitPrice)
	assert.Equal(t, 450.25, *persisted.LimitPrice)
}

func TestPlace_ValidationFailureSkipsNetwork(t *testing.T) {
	h := newHarness(t, nil)

	out := h.svc.Place(context.Background(), PlaceIn{
		Order: jsonOrder(`{"symbol":"AAPL","action":"BUY","quantity":0,"order_type":"MKT"}`),
	})
	assert.False(t, out.Submitted)
	assert.NotEmpty(t, out.Errors)
	assert.Nil(t, out.Error)
	assert.Zero(t, h.factory.Load())
}

func TestPlace_ConnectFailure(t *testing.T) {
	h := newHarness(t, func(tr *scriptedTransport) { tr.connectErr = errors.New("refused") })

	out := h.svc.Place(context.Background(), PlaceIn{Order: jsonOrder(marketBuyAAPL)})
	assert.False(t, out.Submitted)
	require.NotNil(t, out.Error)
	assert.Contains(t, *out.Error, domain.ErrConnectFailed.Error())
	assert.Contains(t, *out.Error, "refused")
	assert.Nil(t, out.Errors)
}

func TestPlace_SubmitFailure(t *testing.T) {
	h := newHarness(t, func(tr *scriptedTransport) { tr.placeErr = errors.New("socket closed") })

	out := h.svc.Place(context.Background(), PlaceIn{Order: jsonOrder(marketBuyAAPL)})
	assert.False(t, out.Submitted)
	require.NotNil(t, out.Error)
	assert.Contains(t, *out.Error, "order submission failed")
	assert.NotContains(t, *out.Error, domain.ErrConnectFailed.Error())

	persisted, err := h.store.Get(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, persisted.Status)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	out := h.svc.Health(context.Background(), HealthIn{Timeout: time.Second})
	assert.True(t, out.Connected)
	require.NotNil(t, out.NextValidID)
	assert.Equal(t, int64(100), *out.NextValidID)
	assert.Nil(t, out.Error)
	assert.Zero(t, h.opened.Load(), "health does not need the store")
}

func TestHealth_ReadyTimeout(t *testing.T) {
	h := newHarness(t, func(tr *scriptedTransport) { tr.grant = 0 })

	out := h.svc.Health(context.Background(), HealthIn{Timeout: 50 * time.Millisecond})
	assert.False(t, out.Connected)
	assert.Nil(t, out.NextValidID)
	require.NotNil(t, out.Error)
	assert.Contains(t, *out.Error, domain.ErrReadyTimeout.Error())
	assert.NotContains(t, *out.Error, domain.ErrConnectFailed.Error())
}

func TestPlace_ReadyTimeoutIsReported(t *testing.T) {
	h := newHarness(t, func(tr *scriptedTransport) { tr.grant = 0 })

	out := h.svc.Place(context.Background(), PlaceIn{Order: jsonOrder(marketBuyAAPL), Timeout: 50 * time.Millisecond})
	assert.False(t, out.Submitted)
	require.NotNil(t, out.Error)
	assert.Contains(t, *out.Error, domain.ErrReadyTimeout.Error())
}

func TestWatch_TerminalSnapshotSkipsConnect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, domain.OrderState{OrderID: 55, Status: "Filled", Filled: domain.Float64(3)}))

	var seen []WatchEvent
	out := h.svc.Watch(ctx, WatchIn{OrderID: 55}, func(ev WatchEvent) { seen = append(seen, ev) })

	assert.True(t, out.Terminal)
	assert.Nil(t, out.Error)
	require.NotNil(t, out.Status)
	assert.Equal(t, domain.StatusFilled, *out.Status)
	require.Len(t, out.Updates, 1)
	assert.Equal(t, "order_update", out.Updates[0].Event)
	assert.Equal(t, seen, out.Updates)
	assert.Zero(t, h.factory.Load(), "terminal snapshot must not connect")
}

func TestWatch_FollowsToTerminal(t *testing.T) {
	h := newHarness(t, func(tr *scriptedTransport) {
		tr.onResync = func() []func(gateway.EventHandler) {
			return []func(gateway.EventHandler){
				func(h gateway.EventHandler) {
					h.OpenOrder(77,
						gateway.Contract{Symbol: "AAPL", SecType: "STK"},
						gateway.Order{Action: "BUY", TotalQuantity: 3, OrderType: "MKT"},
						gateway.BrokerOrderState{Status: "Submitted"},
					)
				},
				statusUpdate(77, "Submitted", 1),
				statusUpdate(77, "Filled", 3),
			}
		}
	})

	var mu sync.Mutex
	var seen int
	out := h.svc.Watch(context.Background(), WatchIn{
		OrderID:      77,
		PollInterval: 50 * time.Millisecond,
		MaxWait:      5 * time.Second,
	}, func(WatchEvent) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	require.Nil(t, out.Error)
	assert.True(t, out.Terminal)
	require.NotNil(t, out.Status)
	assert.Equal(t, domain.StatusFilled, *out.Status)
	require.NotEmpty(t, out.Updates)
	last := out.Updates[len(out.Updates)-1].State
	assert.Equal(t, domain.StatusFilled, last.Status)
	require.NotNil(t, last.Symbol)
	assert.Equal(t, "AAPL", *last.Symbol)
	assert.Equal(t, len(out.Updates), seen)

	tr := h.transport(0)
	tr.mu.Lock()
	assert.Equal(t, 1, tr.disconnects)
	tr.mu.Unlock()
}

func TestWatch_SuppressesDuplicateSignatures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, domain.OrderState{OrderID: 60, Status: "Submitted"}))

	out := h.svc.Watch(ctx, WatchIn{
		OrderID:      60,
		PollInterval: 20 * time.Millisecond,
		MaxWait:      200 * time.Millisecond,
	}, nil)

	require.NotNil(t, out.Error)
	assert.Equal(t, WatchMaxWaitExceeded, *out.Error)
	assert.False(t, out.Terminal)
	assert.Len(t, out.Updates, 1, "an unchanged state is emitted once")
	require.NotNil(t, out.Status)
	assert.Equal(t, domain.StatusSubmitted, *out.Status)
}

func TestWatch_Interrupted(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	out := h.svc.Watch(ctx, WatchIn{OrderID: 61, PollInterval: 20 * time.Millisecond}, nil)

	require.NotNil(t, out.Error)
	assert.Equal(t, WatchInterrupted, *out.Error)
	assert.False(t, out.Terminal)

	tr := h.transport(0)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, 1, tr.disconnects)
}

func TestWatch_ConnectionLost(t *testing.T) {
	h := newHarness(t, func(tr *scriptedTransport) { tr.dropAfterResync = true })

	out := h.svc.Watch(context.Background(), WatchIn{
		OrderID:      62,
		PollInterval: 20 * time.Millisecond,
		MaxWait:      5 * time.Second,
	}, nil)

	require.NotNil(t, out.Error)
	assert.Equal(t, WatchConnectionLost, *out.Error)
}

func TestWatch_ConnectFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(t, func(tr *scriptedTransport) { tr.connectErr = errors.New("refused") })
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, domain.OrderState{OrderID: 63, Status: "Submitted"}))

	out := h.svc.Watch(ctx, WatchIn{OrderID: 63}, nil)

	require.NotNil(t, out.Error)
	assert.Contains(t, *out.Error, domain.ErrConnectFailed.Error())
	assert.Len(t, out.Updates, 1)
	require.NotNil(t, out.Status)
	assert.Equal(t, domain.StatusSubmitted, *out.Status)
}
