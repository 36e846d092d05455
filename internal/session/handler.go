package session

import (
	"log/slog"

	"github.com/alanyoungcy/orderwatch/internal/domain"
	"github.com/alanyoungcy/orderwatch/internal/metrics"
	"github.com/alanyoungcy/orderwatch/internal/platform/gateway"
)

// handler adapts gateway notifications onto a Client. It is kept separate so
// the callback surface does not leak into the Client's public API.
type handler struct {
	c *Client
}

func (h handler) NextValidID(orderID int64) {
	metrics.GatewayCallbacks.WithLabelValues("next_valid_id").Inc()
	h.c.onNextValidID(orderID)
}

func (h handler) OpenOrder(orderID int64, contract gateway.Contract, order gateway.Order, state gateway.BrokerOrderState) {
	metrics.GatewayCallbacks.WithLabelValues("open_order").Inc()

	status := state.Status
	if status == "" {
		status = domain.StatusOpen
	}
	partial := domain.OrderState{
		Status:    status,
		Symbol:    domain.String(contract.Symbol),
		Action:    domain.String(order.Action),
		OrderType: domain.String(order.OrderType),
		Quantity:  domain.Float64(order.TotalQuantity),
		TIF:       domain.String(order.TIF),
		Transmit:  domain.Bool(order.Transmit),
		OrderRef:  domain.String(order.OrderRef),
	}
	if order.OrderType == string(domain.OrderKindLimit) {
		partial.LimitPrice = domain.Float64(order.LmtPrice)
	}
	if order.PermID != 0 {
		partial.PermID = domain.Int64(order.PermID)
	}
	h.c.recordUpdate(orderID, partial)
}

func (h handler) OrderStatus(u gateway.StatusUpdate) {
	metrics.GatewayCallbacks.WithLabelValues("order_status").Inc()

	partial := domain.OrderState{
		Status:        u.Status,
		Filled:        domain.Float64(u.Filled),
		Remaining:     domain.Float64(u.Remaining),
		AvgFillPrice:  domain.Float64(u.AvgFillPrice),
		LastFillPrice: domain.Float64(u.LastFillPrice),
	}
	if u.PermID != 0 {
		partial.PermID = domain.Int64(u.PermID)
	}
	h.c.recordUpdate(u.OrderID, partial)
}

// Error logs every gateway error. Errors tied to a positive request id are
// order errors and are recorded on that order without changing its status.
func (h handler) Error(reqID int64, args ...any) {
	metrics.GatewayCallbacks.WithLabelValues("error").Inc()

	d := gateway.ParseErrorArgs(args)
	attrs := []any{
		slog.Int64("req_id", reqID),
		slog.Int("error_code", d.Code),
		slog.String("error", d.Message),
	}
	if d.AdvancedReject != "" {
		attrs = append(attrs, slog.String("advanced_reject", d.AdvancedReject))
	}
	h.c.logger.Warn("gateway error", attrs...)

	if reqID <= 0 {
		return
	}
	h.c.recordUpdate(reqID, domain.OrderState{
		LastErrorCode: domain.Int(d.Code),
		LastError:     domain.String(d.Message),
	})
}

func (h handler) ConnectionClosed() {
	metrics.GatewayCallbacks.WithLabelValues("connection_closed").Inc()
	h.c.onConnectionClosed()
}

var _ gateway.EventHandler = handler{}
