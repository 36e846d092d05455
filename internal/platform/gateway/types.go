// Package gateway defines the boundary with the trading gateway: the wire
// structs exchanged with it, the Transport that carries them and the
// EventHandler that receives its asynchronous notifications.
package gateway

import "context"

// Contract identifies the instrument an order trades.
type Contract struct {
	Symbol          string `json:"symbol"`
	SecType         string `json:"sec_type"`
	Exchange        string `json:"exchange"`
	Currency        string `json:"currency"`
	PrimaryExchange string `json:"primary_exchange,omitempty"`
}

// Order is the gateway order ticket.
type Order struct {
	Action        string  `json:"action"`
	TotalQuantity float64 `json:"total_quantity"`
	OrderType     string  `json:"order_type"`
	LmtPrice      float64 `json:"lmt_price,omitempty"`
	TIF           string  `json:"tif"`
	Transmit      bool    `json:"transmit"`
	OrderRef      string  `json:"order_ref,omitempty"`
	PermID        int64   `json:"perm_id,omitempty"`
}

// BrokerOrderState is the broker-side state attached to an open-order
// snapshot.
type BrokerOrderState struct {
	Status string `json:"status"`
}

// StatusUpdate is one order-status notification. Fields the adapter does not
// use (parent id, client id, why held, market cap price) are carried only so
// the struct mirrors the wire message.
type StatusUpdate struct {
	OrderID       int64   `json:"order_id"`
	Status        string  `json:"status"`
	Filled        float64 `json:"filled"`
	Remaining     float64 `json:"remaining"`
	AvgFillPrice  float64 `json:"avg_fill_price"`
	PermID        int64   `json:"perm_id"`
	ParentID      int64   `json:"parent_id"`
	LastFillPrice float64 `json:"last_fill_price"`
	ClientID      int     `json:"client_id"`
	WhyHeld       string  `json:"why_held"`
	MktCapPrice   float64 `json:"mkt_cap_price"`
}

// EventHandler receives gateway notifications. All methods are invoked
// synchronously on the transport's reader goroutine.
type EventHandler interface {
	NextValidID(orderID int64)
	OpenOrder(orderID int64, contract Contract, order Order, state BrokerOrderState)
	OrderStatus(update StatusUpdate)
	// Error carries the positional error payload. Its shape differs between
	// gateway versions; see ParseErrorArgs.
	Error(reqID int64, args ...any)
	ConnectionClosed()
}

// Transport owns one connection to the gateway.
type Transport interface {
	Connect(ctx context.Context, host string, port int, clientID int) error
	// Run reads from the connection and dispatches to h until the
	// connection closes or ctx is cancelled.
	Run(ctx context.Context, h EventHandler) error
	Disconnect() error
	PlaceOrder(orderID int64, contract Contract, order Order) error
	RequestOpenOrders() error
	RequestAllOpenOrders() error
}
