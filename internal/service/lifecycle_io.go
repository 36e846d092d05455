package service

import (
	"time"

	"github.com/alanyoungcy/orderwatch/internal/builder"
	"github.com/alanyoungcy/orderwatch/internal/domain"
)

const (
	// DefaultReadyTimeout bounds the wait for the gateway's order id grant.
	DefaultReadyTimeout = 5 * time.Second
	// DefaultPollInterval bounds each wait for an order update in Watch.
	DefaultPollInterval = time.Second
)

// Watch stop reasons reported in WatchOut.Error.
const (
	WatchMaxWaitExceeded = "max_wait_exceeded"
	WatchInterrupted     = "interrupted"
	WatchConnectionLost  = "connection_lost"
)

// OrderInput carries an order either as raw JSON or as a struct built in
// code. Request takes precedence when both are set.
type OrderInput struct {
	JSON    []byte
	Request *domain.OrderRequest
}

// HealthIn configures Health.
type HealthIn struct {
	Timeout time.Duration
}

// HealthOut reports gateway reachability.
type HealthOut struct {
	Connected   bool    `json:"connected"`
	NextValidID *int64  `json:"next_valid_id"`
	Error       *string `json:"error"`
}

// ValidateIn configures Validate. Transmit forces transmit=true.
type ValidateIn struct {
	Order    OrderInput
	Transmit bool
}

// ValidateOut is the normalized request or the list of problems.
type ValidateOut struct {
	Valid             bool                    `json:"valid"`
	OrderRequest      *domain.OrderRequest    `json:"order_request"`
	EffectiveOrderRef *string                 `json:"effective_order_ref"`
	Errors            domain.ValidationErrors `json:"errors"`
}

// PlaceIn configures Place.
type PlaceIn struct {
	Order    OrderInput
	Transmit bool
	DryRun   bool
	Timeout  time.Duration
}

// PlaceOut reports a submission, a dry run, or why neither happened.
// Errors holds validation problems; Error holds connection or submit
// failures.
type PlaceOut struct {
	Submitted         bool                     `json:"submitted"`
	DryRun            bool                     `json:"dry_run"`
	OrderID           *int64                   `json:"order_id"`
	State             *domain.OrderState       `json:"state"`
	Contract          *builder.ContractPayload `json:"contract"`
	OrderPayload      *builder.OrderPayload    `json:"order_payload"`
	OrderRequest      *domain.OrderRequest     `json:"order_request"`
	EffectiveOrderRef *string                  `json:"effective_order_ref"`
	Errors            domain.ValidationErrors  `json:"errors"`
	Error             *string                  `json:"error"`
}

// WatchIn configures Watch. A zero MaxWait waits indefinitely.
type WatchIn struct {
	OrderID      int64
	PollInterval time.Duration
	Timeout      time.Duration
	MaxWait      time.Duration
}

// WatchEvent is one emitted order update.
type WatchEvent struct {
	Event   string            `json:"event"`
	OrderID int64             `json:"order_id"`
	State   domain.OrderState `json:"state"`
}

// WatchOut reports how a watch ended.
type WatchOut struct {
	OrderID  int64        `json:"order_id"`
	Terminal bool         `json:"terminal"`
	Status   *string      `json:"status"`
	Updates  []WatchEvent `json:"updates"`
	Error    *string      `json:"error"`
}

// TradeIn configures ExecuteTrade.
type TradeIn struct {
	Order           OrderInput
	Transmit        bool
	DryRun          bool
	WaitForTerminal bool
	Timeout         time.Duration
	PollInterval    time.Duration
	MaxWait         time.Duration
}

// TradeOut is the single result of validate, place and optional watch.
type TradeOut struct {
	OK                bool                     `json:"ok"`
	Submitted         bool                     `json:"submitted"`
	DryRun            bool                     `json:"dry_run"`
	OrderID           *int64                   `json:"order_id"`
	Status            *string                  `json:"status"`
	Terminal          *bool                    `json:"terminal"`
	State             *domain.OrderState       `json:"state"`
	Updates           []WatchEvent             `json:"updates"`
	Contract          *builder.ContractPayload `json:"contract"`
	OrderPayload      *builder.OrderPayload    `json:"order_payload"`
	OrderRequest      *domain.OrderRequest     `json:"order_request"`
	EffectiveOrderRef *string                  `json:"effective_order_ref"`
	Errors            domain.ValidationErrors  `json:"errors"`
	Error             *string                  `json:"error"`
}
