// Package service hosts the lifecycle orchestrator: health, validate, place,
// watch and the one-shot trade flow. Every operation returns a structured
// result instead of an error, and every connection it opens is closed before
// it returns.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/orderwatch/internal/builder"
	"github.com/alanyoungcy/orderwatch/internal/domain"
	"github.com/alanyoungcy/orderwatch/internal/metrics"
	"github.com/alanyoungcy/orderwatch/internal/platform/gateway"
	"github.com/alanyoungcy/orderwatch/internal/session"
)

// Endpoint locates the gateway.
type Endpoint struct {
	Host     string
	Port     int
	ClientID int
}

// TransportFactory returns a fresh transport for each session.
type TransportFactory func() gateway.Transport

// StoreOpener opens the durable order store. It is called at most once, on
// the first operation that needs the store.
type StoreOpener func(ctx context.Context) (domain.OrderStateStore, error)

// LifecycleService drives order operations against the gateway.
type LifecycleService struct {
	endpoint          Endpoint
	newTransport      TransportFactory
	openStore         StoreOpener
	publishers        session.Publishers
	disconnectTimeout time.Duration
	logger            *slog.Logger

	storeMu sync.Mutex
	store   domain.OrderStateStore
}

// NewLifecycleService creates a LifecycleService.
func NewLifecycleService(
	endpoint Endpoint,
	newTransport TransportFactory,
	openStore StoreOpener,
	logger *slog.Logger,
) *LifecycleService {
	return &LifecycleService{
		endpoint:          endpoint,
		newTransport:      newTransport,
		openStore:         openStore,
		disconnectTimeout: session.DefaultDisconnectTimeout,
		logger:            logger.With(slog.String("component", "lifecycle")),
	}
}

// WithPublisher makes every session publish merged order states to p, in
// addition to any publisher attached earlier.
func (s *LifecycleService) WithPublisher(p session.Publisher) *LifecycleService {
	s.publishers = append(s.publishers, p)
	return s
}

// WithDisconnectTimeout overrides how long teardown waits for the reader.
func (s *LifecycleService) WithDisconnectTimeout(d time.Duration) *LifecycleService {
	if d > 0 {
		s.disconnectTimeout = d
	}
	return s
}

// Close releases the durable store if it was opened.
func (s *LifecycleService) Close() error {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}

// Orders returns the durable order store, opening it on first use.
func (s *LifecycleService) Orders(ctx context.Context) (domain.OrderStateStore, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	if s.store != nil {
		return s.store, nil
	}
	st, err := s.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: open store: %w", err)
	}
	s.store = st
	return st, nil
}

func (s *LifecycleService) newClient(store domain.OrderStateStore) *session.Client {
	c := session.New(s.newTransport(), store, s.logger)
	switch len(s.publishers) {
	case 0:
	case 1:
		c.WithPublisher(s.publishers[0])
	default:
		c.WithPublisher(s.publishers)
	}
	return c
}

// connect opens a session. The returned error names the cause: a dial
// failure wraps domain.ErrConnectFailed, a missed handshake
// domain.ErrReadyTimeout.
func (s *LifecycleService) connect(ctx context.Context, c *session.Client, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	err := c.ConnectAndWait(ctx, s.endpoint.Host, s.endpoint.Port, s.endpoint.ClientID, timeout)
	if err != nil {
		s.logger.ErrorContext(ctx, "gateway connect failed",
			slog.String("host", s.endpoint.Host),
			slog.Int("port", s.endpoint.Port),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// Health connects, reports the granted order id and disconnects.
func (s *LifecycleService) Health(ctx context.Context, in HealthIn) HealthOut {
	client := s.newClient(nil)
	if err := s.connect(ctx, client, in.Timeout); err != nil {
		return HealthOut{Error: strPtr(err.Error())}
	}
	defer client.DisconnectAndWait(s.disconnectTimeout)

	id, ok := client.NextValidID()
	out := HealthOut{Connected: true}
	if ok {
		out.NextValidID = &id
	}
	return out
}

// Validate normalizes the order without touching the network or the store.
func (s *LifecycleService) Validate(_ context.Context, in ValidateIn) ValidateOut {
	req, err := coerceOrder(in.Order, in.Transmit)
	if err != nil {
		return ValidateOut{Errors: domain.AsValidationErrors(err)}
	}
	return ValidateOut{
		Valid:             true,
		OrderRequest:      &req,
		EffectiveOrderRef: strPtr(req.EffectiveOrderRef()),
	}
}

// Place validates and submits an order. A dry run returns the wire payload
// without any network or store access.
func (s *LifecycleService) Place(ctx context.Context, in PlaceIn) PlaceOut {
	req, err := coerceOrder(in.Order, in.Transmit)
	if err != nil {
		return PlaceOut{Errors: domain.AsValidationErrors(err)}
	}

	contract := builder.NewContractPayload(builder.BuildContract(req))
	order := builder.NewOrderPayload(builder.BuildOrder(req))

	if in.DryRun {
		return PlaceOut{
			DryRun:            true,
			Contract:          &contract,
			OrderPayload:      &order,
			OrderRequest:      &req,
			EffectiveOrderRef: strPtr(req.EffectiveOrderRef()),
		}
	}

	store, err := s.Orders(ctx)
	if err != nil {
		return PlaceOut{Error: strPtr(err.Error())}
	}

	client := s.newClient(store)
	if err := s.connect(ctx, client, in.Timeout); err != nil {
		return PlaceOut{Error: strPtr(err.Error())}
	}
	defer client.DisconnectAndWait(s.disconnectTimeout)

	orderID, err := client.SubmitOrder(ctx, req)
	if err != nil {
		out := PlaceOut{
			Error:        strPtr(err.Error()),
			Contract:     &contract,
			OrderPayload: &order,
		}
		if orderID > 0 {
			out.OrderID = &orderID
		}
		return out
	}

	out := PlaceOut{
		Submitted:    true,
		OrderID:      &orderID,
		Contract:     &contract,
		OrderPayload: &order,
	}
	if st, err := client.GetOrderState(ctx, orderID); err == nil {
		out.State = &st
	}
	return out
}

// Watch emits order updates through onUpdate (which may be nil) until the
// order reaches a terminal status, MaxWait elapses, ctx is cancelled or the
// connection drops. The durably known state is emitted first; when it is
// already terminal Watch returns without connecting.
func (s *LifecycleService) Watch(ctx context.Context, in WatchIn, onUpdate func(WatchEvent)) WatchOut {
	pollInterval := in.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	out := WatchOut{OrderID: in.OrderID, Updates: []WatchEvent{}}
	start := time.Now()

	var (
		lastSig domain.Signature
		emitted bool
		current *domain.OrderState
	)
	emit := func(st domain.OrderState) {
		ev := WatchEvent{Event: "order_update", OrderID: in.OrderID, State: st}
		out.Updates = append(out.Updates, ev)
		metrics.WatchEvents.Inc()
		if onUpdate != nil {
			onUpdate(ev)
		}
	}
	finish := func(reason string) WatchOut {
		if current != nil {
			out.Status = strPtr(current.Status)
		}
		if reason != "" {
			out.Error = strPtr(reason)
		}
		return out
	}

	store, err := s.Orders(ctx)
	if err != nil {
		return finish(err.Error())
	}

	persisted, err := store.Get(ctx, in.OrderID)
	switch {
	case err == nil:
		current = &persisted
		lastSig, emitted = persisted.Signature(), true
		emit(persisted)
		if persisted.IsTerminal() {
			out.Terminal = true
			return finish("")
		}
	case !errors.Is(err, domain.ErrNotFound):
		s.logger.WarnContext(ctx, "read persisted order failed",
			slog.Int64("order_id", in.OrderID),
			slog.String("error", err.Error()),
		)
	}

	if ctx.Err() != nil {
		return finish(WatchInterrupted)
	}

	client := s.newClient(store)
	if err := s.connect(ctx, client, in.Timeout); err != nil {
		if ctx.Err() != nil {
			return finish(WatchInterrupted)
		}
		return finish(err.Error())
	}
	defer client.DisconnectAndWait(s.disconnectTimeout)

	if err := client.RequestOpenOrders(); err != nil {
		s.logger.WarnContext(ctx, "open orders resync failed", slog.String("error", err.Error()))
	}

	var lastSeq uint64
	for {
		live, ok := client.WaitForOrderUpdate(ctx, in.OrderID, lastSeq, pollInterval)
		if ctx.Err() != nil {
			return finish(WatchInterrupted)
		}
		if ok {
			lastSeq = live.Seq
		}

		// Prefer the durable copy: another process sharing the store may
		// have written a newer merge.
		var state *domain.OrderState
		if st, err := store.Get(ctx, in.OrderID); err == nil {
			state = &st
		} else if ok {
			state = &live
		}

		if state != nil {
			current = state
			if sig := state.Signature(); !emitted || sig != lastSig {
				lastSig, emitted = sig, true
				emit(*state)
			}
			if state.IsTerminal() {
				out.Terminal = true
				return finish("")
			}
		}

		if in.MaxWait > 0 && time.Since(start) >= in.MaxWait {
			return finish(WatchMaxWaitExceeded)
		}
		if !client.Alive() {
			return finish(WatchConnectionLost)
		}
	}
}

// coerceOrder validates input and applies the transmit override.
func coerceOrder(in OrderInput, transmit bool) (domain.OrderRequest, error) {
	var (
		req domain.OrderRequest
		err error
	)
	switch {
	case in.Request != nil:
		req, err = domain.NewOrderRequest(*in.Request)
	case len(in.JSON) > 0:
		req, err = domain.ParseOrderRequest(in.JSON)
	default:
		return domain.OrderRequest{}, errors.New("order payload is required")
	}
	if err != nil {
		return domain.OrderRequest{}, err
	}
	if transmit {
		req = req.WithTransmit(true)
	}
	return req, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
