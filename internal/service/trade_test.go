package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderwatch/internal/domain"
	"github.com/alanyoungcy/orderwatch/internal/platform/gateway"
)

func TestExecuteTrade_Invalid(t *testing.T) {
	h := newHarness(t, nil)

	out := h.svc.ExecuteTrade(context.Background(), TradeIn{
		Order: jsonOrder(`{"symbol":"AAPL","action":"HOLD","quantity":1,"order_type":"MKT"}`),
	}, nil)
	assert.False(t, out.OK)
	assert.NotEmpty(t, out.Errors)
	assert.Zero(t, h.factory.Load())
}

func TestExecuteTrade_DryRun(t *testing.T) {
	h := newHarness(t, nil)

	out := h.svc.ExecuteTrade(context.Background(), TradeIn{
		Order:  jsonOrder(marketBuyAAPL),
		DryRun: true,
	}, nil)
	assert.True(t, out.OK)
	assert.True(t, out.DryRun)
	assert.False(t, out.Submitted)
	require.NotNil(t, out.OrderPayload)
	assert.Equal(t, "MKT", out.OrderPayload.OrderType)
	assert.Zero(t, h.factory.Load())
}

func TestExecuteTrade_NoWait(t *testing.T) {
	h := newHarness(t, nil)

	out := h.svc.ExecuteTrade(context.Background(), TradeIn{Order: jsonOrder(marketBuyAAPL)}, nil)
	require.True(t, out.OK, "error: %v", out.Error)
	assert.True(t, out.Submitted)
	require.NotNil(t, out.OrderID)
	assert.Equal(t, int64(100), *out.OrderID)
	require.NotNil(t, out.Terminal)
	assert.False(t, *out.Terminal)
	require.NotNil(t, out.Status)
	assert.Equal(t, domain.StatusSubmitted, *out.Status)
	assert.Empty(t, out.Updates)
}

func TestExecuteTrade_WaitsForFill(t *testing.T) {
	h := newHarness(t, func(tr *scriptedTransport) {
		tr.onPlace = func(id int64) []func(gateway.EventHandler) {
			return []func(gateway.EventHandler){statusUpdate(id, "Filled", 3)}
		}
	})

	var updates int
	out := h.svc.ExecuteTrade(context.Background(), TradeIn{
		Order:           jsonOrder(marketBuyAAPL),
		WaitForTerminal: true,
		PollInterval:    20 * time.Millisecond,
		MaxWait:         5 * time.Second,
	}, func(WatchEvent) { updates++ })

	require.True(t, out.OK, "error: %v", out.Error)
	require.NotNil(t, out.Terminal)
	assert.True(t, *out.Terminal)
	require.NotNil(t, out.Status)
	assert.Equal(t, domain.StatusFilled, *out.Status)
	require.NotNil(t, out.State)
	assert.Equal(t, domain.StatusFilled, out.State.Status)
	assert.Equal(t, len(out.Updates), updates)
	assert.NotEmpty(t, out.Updates)
}

func TestExecuteTrade_WatchStopsOnMaxWait(t *testing.T) {
	h := newHarness(t, nil)

	out := h.svc.ExecuteTrade(context.Background(), TradeIn{
		Order:           jsonOrder(marketBuyAAPL),
		WaitForTerminal: true,
		PollInterval:    20 * time.Millisecond,
		MaxWait:         100 * time.Millisecond,
	}, nil)

	assert.False(t, out.OK)
	assert.True(t, out.Submitted)
	require.NotNil(t, out.Error)
	assert.Equal(t, WatchMaxWaitExceeded, *out.Error)
	require.NotNil(t, out.Terminal)
	assert.False(t, *out.Terminal)
	assert.Equal(t, int32(2), h.factory.Load(), "place and watch use separate connections")
}

func TestExecuteTrade_ConnectFailure(t *testing.T) {
	h := newHarness(t, func(tr *scriptedTransport) { tr.connectErr = errors.New("refused") })

	out := h.svc.ExecuteTrade(context.Background(), TradeIn{Order: jsonOrder(marketBuyAAPL)}, nil)
	assert.False(t, out.OK)
	assert.False(t, out.Submitted)
	require.NotNil(t, out.Error)
	assert.Contains(t, *out.Error, domain.ErrConnectFailed.Error())
}
