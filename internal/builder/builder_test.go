package builder

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderwatch/internal/domain"
)

func parse(t *testing.T, raw string) domain.OrderRequest {
	t.Helper()
	req, err := domain.ParseOrderRequest([]byte(raw))
	require.NoError(t, err)
	return req
}

func TestBuildContract(t *testing.T) {
	c := BuildContract(parse(t, `{"symbol":"aapl","action":"BUY","quantity":3,"order_type":"MKT","primary_exch":"NASDAQ"}`))
	assert.Equal(t, "AAPL", c.Symbol)
	assert.Equal(t, "STK", c.SecType)
	assert.Equal(t, "SMART", c.Exchange)
	assert.Equal(t, "USD", c.Currency)
	assert.Equal(t, "NASDAQ", c.PrimaryExchange)
}

func TestBuildOrder_Market(t *testing.T) {
	o := BuildOrder(parse(t, `{"symbol":"AAPL","action":"BUY","quantity":3,"order_type":"MKT","client_tag":"bot"}`))
	assert.Equal(t, "BUY", o.Action)
	assert.Equal(t, 3.0, o.TotalQuantity)
	assert.Equal(t, "MKT", o.OrderType)
	assert.Equal(t, "DAY", o.TIF)
	assert.Zero(t, o.LmtPrice)
	assert.False(t, o.Transmit)
	assert.Equal(t, "bot", o.OrderRef)
}

func TestBuildOrder_Limit(t *testing.T) {
	o := BuildOrder(parse(t, `{"symbol":"MSFT","action":"SELL","quantity":2,"order_type":"LMT","limit_price":450.25,"tif":"GTC","transmit":true}`))
	assert.Equal(t, 450.25, o.LmtPrice)
	assert.Equal(t, "GTC", o.TIF)
	assert.True(t, o.Transmit)
}

func TestPayloads_JSONShape(t *testing.T) {
	mkt := parse(t, `{"symbol":"AAPL","action":"BUY","quantity":3,"order_type":"MKT"}`)
	raw, err := json.Marshal(NewOrderPayload(BuildOrder(mkt)))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.NotContains(t, m, "limit_price")
	assert.Nil(t, m["order_ref"])

	lmt := parse(t, `{"symbol":"MSFT","action":"SELL","quantity":2,"order_type":"LMT","limit_price":450.25}`)
	p := NewOrderPayload(BuildOrder(lmt))
	require.NotNil(t, p.LimitPrice)
	assert.Equal(t, 450.25, *p.LimitPrice)

	cp := NewContractPayload(BuildContract(mkt))
	assert.Nil(t, cp.PrimaryExch)
	assert.Equal(t, "AAPL", cp.Symbol)
}
