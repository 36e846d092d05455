package domain

import (
	"strings"
	"time"
)

// Well-known order statuses. Gateway statuses are free text; these are the
// normalized values this adapter writes itself or checks for.
const (
	StatusUnknown      = "UNKNOWN"
	StatusSubmitting   = "SUBMITTING"
	StatusSubmitted    = "SUBMITTED"
	StatusOpen         = "OPEN"
	StatusError        = "ERROR"
	StatusFilled       = "FILLED"
	StatusCancelled    = "CANCELLED"
	StatusAPICancelled = "API CANCELLED"
	StatusInactive     = "INACTIVE"
)

var terminalStatuses = map[string]struct{}{
	StatusFilled:       {},
	StatusCancelled:    {},
	StatusAPICancelled: {},
	"APICANCELLED":     {},
	StatusInactive:     {},
}

// NormalizeStatus trims and upper-cases a gateway status. Empty input maps
// to UNKNOWN. Normalizing a normalized status is a no-op.
func NormalizeStatus(status string) string {
	s := strings.ToUpper(strings.TrimSpace(status))
	if s == "" {
		return StatusUnknown
	}
	return s
}

// IsTerminalStatus reports whether no further lifecycle progress is expected.
func IsTerminalStatus(status string) bool {
	_, ok := terminalStatuses[NormalizeStatus(status)]
	return ok
}

// NowISO returns the current UTC time in the format stored in LastUpdate.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// OrderState is the merged, last-known view of one order. Optional fields are
// pointers: nil means "not known" in a stored state and "unchanged" in a
// partial update passed to Merge.
type OrderState struct {
	OrderID       int64    `json:"order_id"`
	Status        string   `json:"status"`
	Filled        *float64 `json:"filled,omitempty"`
	Remaining     *float64 `json:"remaining,omitempty"`
	AvgFillPrice  *float64 `json:"avg_fill_price,omitempty"`
	LastFillPrice *float64 `json:"last_fill_price,omitempty"`
	PermID        *int64   `json:"perm_id,omitempty"`
	LastErrorCode *int     `json:"last_error_code,omitempty"`
	LastError     *string  `json:"last_error,omitempty"`

	Symbol     *string  `json:"symbol,omitempty"`
	Action     *string  `json:"action,omitempty"`
	OrderType  *string  `json:"order_type,omitempty"`
	Quantity   *float64 `json:"quantity,omitempty"`
	LimitPrice *float64 `json:"limit_price,omitempty"`
	TIF        *string  `json:"tif,omitempty"`
	Transmit   *bool    `json:"transmit,omitempty"`
	OrderRef   *string  `json:"order_ref,omitempty"`

	LastUpdate string `json:"last_update"`

	// Seq orders mutations within one process. It is never persisted and a
	// new process starts over from zero.
	Seq uint64 `json:"-"`
}

// Merge applies partial on top of s and returns the result. Fields that are
// nil (or empty strings for Status and LastUpdate) in partial leave the
// existing value untouched; present fields overwrite. The status of the
// result is always normalized. Neither s nor partial is modified.
func (s OrderState) Merge(partial OrderState) OrderState {
	out := s
	if partial.OrderID > 0 {
		out.OrderID = partial.OrderID
	}
	if partial.Status != "" {
		out.Status = partial.Status
	}
	mergeFloat(&out.Filled, partial.Filled)
	mergeFloat(&out.Remaining, partial.Remaining)
	mergeFloat(&out.AvgFillPrice, partial.AvgFillPrice)
	mergeFloat(&out.LastFillPrice, partial.LastFillPrice)
	mergeFloat(&out.Quantity, partial.Quantity)
	mergeFloat(&out.LimitPrice, partial.LimitPrice)
	if partial.PermID != nil {
		v := *partial.PermID
		out.PermID = &v
	}
	if partial.LastErrorCode != nil {
		v := *partial.LastErrorCode
		out.LastErrorCode = &v
	}
	if partial.Transmit != nil {
		v := *partial.Transmit
		out.Transmit = &v
	}
	mergeString(&out.LastError, partial.LastError)
	mergeString(&out.Symbol, partial.Symbol)
	mergeString(&out.Action, partial.Action)
	mergeString(&out.OrderType, partial.OrderType)
	mergeString(&out.TIF, partial.TIF)
	mergeString(&out.OrderRef, partial.OrderRef)
	if partial.LastUpdate != "" {
		out.LastUpdate = partial.LastUpdate
	}
	out.Status = NormalizeStatus(out.Status)
	return out
}

// Clone returns a deep copy so callers can hand states across goroutines.
func (s OrderState) Clone() OrderState {
	return OrderState{Seq: s.Seq}.Merge(s)
}

// IsTerminal reports whether the state's status is terminal.
func (s OrderState) IsTerminal() bool {
	return IsTerminalStatus(s.Status)
}

// Signature is the change signature used to suppress duplicate watch
// emissions. It is comparable with ==.
type Signature struct {
	LastUpdate      string
	Status          string
	Filled          float64
	HasFilled       bool
	AvgFillPrice    float64
	HasAvgFillPrice bool
}

// Signature returns the (last_update, status, filled, avg_fill_price) tuple.
func (s OrderState) Signature() Signature {
	sig := Signature{LastUpdate: s.LastUpdate, Status: s.Status}
	if s.Filled != nil {
		sig.Filled, sig.HasFilled = *s.Filled, true
	}
	if s.AvgFillPrice != nil {
		sig.AvgFillPrice, sig.HasAvgFillPrice = *s.AvgFillPrice, true
	}
	return sig
}

// Float64 returns a pointer to v, for building partial updates.
func Float64(v float64) *float64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// String returns a pointer to v, or nil when v is empty.
func String(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func mergeFloat(dst **float64, src *float64) {
	if src == nil {
		return
	}
	v := *src
	*dst = &v
}

func mergeString(dst **string, src *string) {
	if src == nil {
		return
	}
	v := *src
	*dst = &v
}
