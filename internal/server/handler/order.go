package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/orderwatch/internal/domain"
)

// OrderReader is the read side of the durable order store.
type OrderReader interface {
	Get(ctx context.Context, orderID int64) (domain.OrderState, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.OrderState, error)
}

// OrderHandler serves stored order states.
type OrderHandler struct {
	orders OrderReader
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler over orders.
func NewOrderHandler(orders OrderReader, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logger.With(slog.String("handler", "orders")),
	}
}

type listOrdersResponse struct {
	Orders []domain.OrderState `json:"orders"`
	Count  int                 `json:"count"`
}

// ListOrders returns stored orders by order id. status filters on the
// normalized status; terminal=true|false filters on terminal state. Filters
// apply within the requested page.
// GET /api/orders?status=FILLED&terminal=true&limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q, err := parseOrderQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orders, err := h.orders.List(r.Context(), q.page)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list orders failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	out := make([]domain.OrderState, 0, len(orders))
	for _, st := range orders {
		if q.matches(st) {
			out = append(out, st)
		}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: out, Count: len(out)})
}

// GetOrder returns one stored order.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "order id must be a positive integer")
		return
	}

	st, err := h.orders.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get order failed",
			slog.Int64("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
