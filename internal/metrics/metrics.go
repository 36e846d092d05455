// Package metrics holds the Prometheus collectors for the session client and
// the watch loop.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GatewayCallbacks counts inbound gateway notifications by kind.
	GatewayCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderwatch_gateway_callbacks_total",
		Help: "Gateway notifications received, by kind.",
	}, []string{"kind"})

	// OrderUpdates counts merges applied to the order table.
	OrderUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderwatch_order_updates_total",
		Help: "Order state merges applied by the session client.",
	})

	// OrderSubmits counts submit attempts by result.
	OrderSubmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderwatch_order_submits_total",
		Help: "Order submissions by result (ok, error).",
	}, []string{"result"})

	// StoreErrors counts durable store failures on the update path.
	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderwatch_store_errors_total",
		Help: "Durable store writes that failed during a merge.",
	})

	// WatchEvents counts order_update events emitted by watch loops.
	WatchEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderwatch_watch_events_total",
		Help: "order_update events emitted by watch loops.",
	})
)

// Serve exposes /metrics on addr until ctx is done. It returns immediately
// when addr is empty.
func Serve(ctx context.Context, addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped",
				slog.String("addr", addr),
				slog.String("error", err.Error()),
			)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
