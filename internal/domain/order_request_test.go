package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func locs(errs ValidationErrors) []string {
	var out []string
	for _, fe := range errs {
		if len(fe.Loc) > 0 {
			out = append(out, fe.Loc[0])
		}
	}
	return out
}

func TestParseOrderRequest_Defaults(t *testing.T) {
	req, err := ParseOrderRequest([]byte(`{"symbol":" aapl ","action":"buy","quantity":3,"order_type":"mkt"}`))
	require.NoError(t, err)

	assert.Equal(t, ActionBuy, req.Action)
	assert.Equal(t, "AAPL", req.Symbol)
	assert.Equal(t, SecTypeStock, req.SecType)
	assert.Equal(t, "SMART", req.Exchange)
	assert.Equal(t, "USD", req.Currency)
	assert.Equal(t, OrderKindMarket, req.OrderType)
	assert.Equal(t, TIFDay, req.TIF)
	assert.Nil(t, req.LimitPrice)
	assert.False(t, req.Transmit)
	assert.Empty(t, req.EffectiveOrderRef())
}

func TestParseOrderRequest_Limit(t *testing.T) {
	req, err := ParseOrderRequest([]byte(`{
		"symbol":"MSFT","action":"SELL","quantity":2,"order_type":"LMT",
		"limit_price":450.25,"tif":"gtc","primary_exch":" nasdaq ","transmit":true
	}`))
	require.NoError(t, err)

	require.NotNil(t, req.LimitPrice)
	assert.Equal(t, 450.25, *req.LimitPrice)
	assert.Equal(t, TIFGTC, req.TIF)
	require.NotNil(t, req.PrimaryExch)
	assert.Equal(t, "nasdaq", *req.PrimaryExch)
	assert.True(t, req.Transmit)
}

func TestParseOrderRequest_RoundsLimitPrice(t *testing.T) {
	req, err := ParseOrderRequest([]byte(`{"symbol":"X","action":"BUY","quantity":1,"order_type":"LMT","limit_price":1.123456789123}`))
	require.NoError(t, err)
	require.NotNil(t, req.LimitPrice)
	assert.Equal(t, 1.12345679, *req.LimitPrice)
}

func TestParseOrderRequest_LimitPriceRules(t *testing.T) {
	_, err := ParseOrderRequest([]byte(`{"symbol":"X","action":"BUY","quantity":1,"order_type":"LMT"}`))
	require.Error(t, err)
	assert.Contains(t, locs(AsValidationErrors(err)), "limit_price")

	_, err = ParseOrderRequest([]byte(`{"symbol":"X","action":"BUY","quantity":1,"order_type":"MKT","limit_price":10}`))
	require.Error(t, err)
	assert.Contains(t, locs(AsValidationErrors(err)), "limit_price")
}

func TestParseOrderRequest_CollectsAllProblems(t *testing.T) {
	_, err := ParseOrderRequest([]byte(`{"symbol":"","action":"HOLD","quantity":0,"order_type":"STP","tif":"IOC","sec_type":"OPT"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidOrder))

	got := locs(AsValidationErrors(err))
	for _, field := range []string{"symbol", "action", "quantity", "order_type", "tif", "sec_type"} {
		assert.Contains(t, got, field)
	}
}

func TestParseOrderRequest_MissingFields(t *testing.T) {
	_, err := ParseOrderRequest([]byte(`{}`))
	require.Error(t, err)

	errs := AsValidationErrors(err)
	got := locs(errs)
	for _, field := range []string{"symbol", "action", "quantity", "order_type"} {
		assert.Contains(t, got, field)
	}
	for _, fe := range errs {
		assert.Equal(t, "missing", fe.Type)
	}
}

func TestParseOrderRequest_RejectsUnknownFieldsAndBadJSON(t *testing.T) {
	_, err := ParseOrderRequest([]byte(`{"symbol":"X","action":"BUY","quantity":1,"order_type":"MKT","venue":"dark"}`))
	require.Error(t, err)
	assert.Equal(t, "json_invalid", AsValidationErrors(err)[0].Type)

	_, err = ParseOrderRequest([]byte(`{"symbol":`))
	require.Error(t, err)
	assert.Equal(t, "json_invalid", AsValidationErrors(err)[0].Type)
}

func TestParseOrderRequest_OrderRef(t *testing.T) {
	req, err := ParseOrderRequest([]byte(`{"symbol":"X","action":"BUY","quantity":1,"order_type":"MKT","client_tag":"bot-7"}`))
	require.NoError(t, err)
	assert.Equal(t, "bot-7", req.EffectiveOrderRef())

	req, err = ParseOrderRequest([]byte(`{"symbol":"X","action":"BUY","quantity":1,"order_type":"MKT","client_tag":"a","order_ref":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "a", req.EffectiveOrderRef())

	req, err = ParseOrderRequest([]byte(`{"symbol":"X","action":"BUY","quantity":1,"order_type":"MKT","order_ref":"   "}`))
	require.NoError(t, err)
	assert.Nil(t, req.OrderRef)

	_, err = ParseOrderRequest([]byte(`{"symbol":"X","action":"BUY","quantity":1,"order_type":"MKT","client_tag":"a","order_ref":"b"}`))
	require.Error(t, err)
	assert.Contains(t, locs(AsValidationErrors(err)), "order_ref")
}

func TestNewOrderRequest(t *testing.T) {
	req, err := NewOrderRequest(OrderRequest{
		Action:     "sell",
		Symbol:     "ibm",
		Quantity:   5,
		OrderType:  "lmt",
		LimitPrice: Float64(99.5),
	})
	require.NoError(t, err)
	assert.Equal(t, ActionSell, req.Action)
	assert.Equal(t, "IBM", req.Symbol)
	assert.Equal(t, "SMART", req.Exchange)
	assert.Equal(t, TIFDay, req.TIF)

	_, err = NewOrderRequest(OrderRequest{Action: ActionBuy, Symbol: "IBM", OrderType: OrderKindMarket})
	require.Error(t, err)
	assert.Contains(t, locs(AsValidationErrors(err)), "quantity")
}

func TestWithTransmit(t *testing.T) {
	req, err := ParseOrderRequest([]byte(`{"symbol":"X","action":"BUY","quantity":1,"order_type":"MKT"}`))
	require.NoError(t, err)

	sent := req.WithTransmit(true)
	assert.True(t, sent.Transmit)
	assert.False(t, req.Transmit, "original is unchanged")
}

func TestAsValidationErrors_Runtime(t *testing.T) {
	errs := AsValidationErrors(errors.New("boom"))
	require.Len(t, errs, 1)
	assert.Equal(t, "runtime", errs[0].Type)
	assert.Equal(t, "boom", errs[0].Msg)
	assert.Contains(t, ValidationErrors{{Type: "missing", Loc: []string{"symbol"}, Msg: "field required"}}.Error(), "symbol: field required")
}
