// Package builder turns a validated order request into gateway wire structs
// and into the JSON payloads shown for dry runs.
package builder

import (
	"github.com/alanyoungcy/orderwatch/internal/domain"
	"github.com/alanyoungcy/orderwatch/internal/platform/gateway"
)

// BuildContract returns the gateway contract for req.
func BuildContract(req domain.OrderRequest) gateway.Contract {
	c := gateway.Contract{
		Symbol:   req.Symbol,
		SecType:  req.SecType,
		Exchange: req.Exchange,
		Currency: req.Currency,
	}
	if req.PrimaryExch != nil {
		c.PrimaryExchange = *req.PrimaryExch
	}
	return c
}

// BuildOrder returns the gateway order ticket for req. The limit price is
// only set for limit orders.
func BuildOrder(req domain.OrderRequest) gateway.Order {
	o := gateway.Order{
		Action:        string(req.Action),
		TotalQuantity: req.Quantity,
		OrderType:     string(req.OrderType),
		TIF:           string(req.TIF),
		Transmit:      req.Transmit,
		OrderRef:      req.EffectiveOrderRef(),
	}
	if req.OrderType == domain.OrderKindLimit && req.LimitPrice != nil {
		o.LmtPrice = *req.LimitPrice
	}
	return o
}

// ContractPayload is the display form of a contract.
type ContractPayload struct {
	Symbol      string  `json:"symbol"`
	SecType     string  `json:"sec_type"`
	Exchange    string  `json:"exchange"`
	Currency    string  `json:"currency"`
	PrimaryExch *string `json:"primary_exch"`
}

// OrderPayload is the display form of an order ticket. LimitPrice is only
// present for limit orders.
type OrderPayload struct {
	Action     string   `json:"action"`
	Quantity   float64  `json:"quantity"`
	OrderType  string   `json:"order_type"`
	TIF        string   `json:"tif"`
	Transmit   bool     `json:"transmit"`
	OrderRef   *string  `json:"order_ref"`
	LimitPrice *float64 `json:"limit_price,omitempty"`
}

// NewContractPayload converts a wire contract to its display form.
func NewContractPayload(c gateway.Contract) ContractPayload {
	return ContractPayload{
		Symbol:      c.Symbol,
		SecType:     c.SecType,
		Exchange:    c.Exchange,
		Currency:    c.Currency,
		PrimaryExch: domain.String(c.PrimaryExchange),
	}
}

// NewOrderPayload converts a wire order to its display form.
func NewOrderPayload(o gateway.Order) OrderPayload {
	p := OrderPayload{
		Action:    o.Action,
		Quantity:  o.TotalQuantity,
		OrderType: o.OrderType,
		TIF:       o.TIF,
		Transmit:  o.Transmit,
		OrderRef:  domain.String(o.OrderRef),
	}
	if o.OrderType == string(domain.OrderKindLimit) {
		p.LimitPrice = domain.Float64(o.LmtPrice)
	}
	return p
}
