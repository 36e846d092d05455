package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderAction is the side of an equity order.
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// OrderKind is the gateway order type.
type OrderKind string

const (
	OrderKindMarket OrderKind = "MKT"
	OrderKindLimit  OrderKind = "LMT"
)

// TimeInForce controls how long a working order stays live.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
)

// SecTypeStock is the only security type this adapter submits.
const SecTypeStock = "STK"

// limitPricePlaces guards against accidental huge decimals in manual input.
const limitPricePlaces = 8

// OrderRequest is a validated request for a basic stock order. Construct it
// with ParseOrderRequest or NewOrderRequest; the zero value is not valid.
type OrderRequest struct {
	Action      OrderAction `json:"action"`
	Symbol      string      `json:"symbol"`
	SecType     string      `json:"sec_type"`
	Exchange    string      `json:"exchange"`
	Currency    string      `json:"currency"`
	Quantity    float64     `json:"quantity"`
	OrderType   OrderKind   `json:"order_type"`
	TIF         TimeInForce `json:"tif"`
	LimitPrice  *float64    `json:"limit_price"`
	PrimaryExch *string     `json:"primary_exch"`
	Transmit    bool        `json:"transmit"`
	ClientTag   *string     `json:"client_tag"`
	OrderRef    *string     `json:"order_ref"`
}

// EffectiveOrderRef returns the order reference sent to the gateway: the
// explicit order_ref when present, the client tag otherwise.
func (r OrderRequest) EffectiveOrderRef() string {
	if r.OrderRef != nil {
		return *r.OrderRef
	}
	if r.ClientTag != nil {
		return *r.ClientTag
	}
	return ""
}

// WithTransmit returns a copy of r with the transmit flag set.
func (r OrderRequest) WithTransmit(transmit bool) OrderRequest {
	r.Transmit = transmit
	return r
}

// FieldError is one field-level validation problem.
type FieldError struct {
	Type string   `json:"type"`
	Loc  []string `json:"loc,omitempty"`
	Msg  string   `json:"msg"`
}

// ValidationErrors is the full list of problems found in an order request.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		if len(fe.Loc) > 0 {
			parts = append(parts, strings.Join(fe.Loc, ".")+": "+fe.Msg)
		} else {
			parts = append(parts, fe.Msg)
		}
	}
	return fmt.Sprintf("%d validation error(s): %s", len(v), strings.Join(parts, "; "))
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidOrder).
func (v ValidationErrors) Unwrap() error {
	return ErrInvalidOrder
}

// rawOrderRequest mirrors the JSON input before normalization. Pointers
// distinguish absent fields from zero values.
type rawOrderRequest struct {
	Action      *string  `json:"action"`
	Symbol      *string  `json:"symbol"`
	SecType     *string  `json:"sec_type"`
	Exchange    *string  `json:"exchange"`
	Currency    *string  `json:"currency"`
	Quantity    *float64 `json:"quantity"`
	OrderType   *string  `json:"order_type"`
	TIF         *string  `json:"tif"`
	LimitPrice  *float64 `json:"limit_price"`
	PrimaryExch *string  `json:"primary_exch"`
	Transmit    *bool    `json:"transmit"`
	ClientTag   *string  `json:"client_tag"`
	OrderRef    *string  `json:"order_ref"`
}

// ParseOrderRequest decodes and validates a JSON order request. Unknown
// fields are rejected. The returned error is a ValidationErrors value.
func ParseOrderRequest(data []byte) (OrderRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw rawOrderRequest
	if err := dec.Decode(&raw); err != nil {
		return OrderRequest{}, ValidationErrors{{Type: "json_invalid", Msg: err.Error()}}
	}
	return raw.validate()
}

// NewOrderRequest validates a request built in code. String fields are
// normalized the same way as JSON input.
func NewOrderRequest(r OrderRequest) (OrderRequest, error) {
	raw := rawOrderRequest{
		Action:      strPtr(string(r.Action)),
		Symbol:      strPtr(r.Symbol),
		SecType:     optStr(r.SecType),
		Exchange:    optStr(r.Exchange),
		Currency:    optStr(r.Currency),
		Quantity:    &r.Quantity,
		OrderType:   strPtr(string(r.OrderType)),
		TIF:         optStr(string(r.TIF)),
		LimitPrice:  r.LimitPrice,
		PrimaryExch: r.PrimaryExch,
		Transmit:    &r.Transmit,
		ClientTag:   r.ClientTag,
		OrderRef:    r.OrderRef,
	}
	return raw.validate()
}

func (raw rawOrderRequest) validate() (OrderRequest, error) {
	var errs ValidationErrors
	add := func(typ, field, msg string) {
		fe := FieldError{Type: typ, Msg: msg}
		if field != "" {
			fe.Loc = []string{field}
		}
		errs = append(errs, fe)
	}

	req := OrderRequest{
		SecType:  SecTypeStock,
		Exchange: "SMART",
		Currency: "USD",
		TIF:      TIFDay,
	}

	switch action := upper(raw.Action); action {
	case "":
		add("missing", "action", "field required")
	case string(ActionBuy), string(ActionSell):
		req.Action = OrderAction(action)
	default:
		add("literal_error", "action", "input should be 'BUY' or 'SELL'")
	}

	req.Symbol = upper(raw.Symbol)
	if raw.Symbol == nil {
		add("missing", "symbol", "field required")
	} else if req.Symbol == "" {
		add("string_too_short", "symbol", "string should have at least 1 character")
	}

	if raw.SecType != nil {
		if st := upper(raw.SecType); st != SecTypeStock {
			add("literal_error", "sec_type", "input should be 'STK'")
		}
	}
	if raw.Exchange != nil {
		req.Exchange = upper(raw.Exchange)
	}
	if raw.Currency != nil {
		req.Currency = upper(raw.Currency)
	}

	switch {
	case raw.Quantity == nil:
		add("missing", "quantity", "field required")
	case *raw.Quantity <= 0:
		add("greater_than", "quantity", "input should be greater than 0")
	default:
		req.Quantity = *raw.Quantity
	}

	switch ot := upper(raw.OrderType); ot {
	case "":
		add("missing", "order_type", "field required")
	case string(OrderKindMarket), string(OrderKindLimit):
		req.OrderType = OrderKind(ot)
	default:
		add("literal_error", "order_type", "input should be 'MKT' or 'LMT'")
	}

	if raw.TIF != nil {
		switch tif := upper(raw.TIF); tif {
		case string(TIFDay), string(TIFGTC):
			req.TIF = TimeInForce(tif)
		default:
			add("literal_error", "tif", "input should be 'DAY' or 'GTC'")
		}
	}

	if raw.LimitPrice != nil {
		if *raw.LimitPrice <= 0 {
			add("greater_than", "limit_price", "input should be greater than 0")
		} else {
			p := decimal.NewFromFloat(*raw.LimitPrice).Round(limitPricePlaces).InexactFloat64()
			req.LimitPrice = &p
		}
	}

	req.PrimaryExch = cleanOptional(raw.PrimaryExch)
	req.ClientTag = cleanOptional(raw.ClientTag)
	req.OrderRef = cleanOptional(raw.OrderRef)
	if raw.Transmit != nil {
		req.Transmit = *raw.Transmit
	}

	if req.OrderType == OrderKindLimit && raw.LimitPrice == nil {
		add("value_error", "limit_price", "limit_price is required when order_type=LMT")
	}
	if req.OrderType == OrderKindMarket && raw.LimitPrice != nil {
		add("value_error", "limit_price", "limit_price must be omitted when order_type=MKT")
	}
	if req.ClientTag != nil && req.OrderRef != nil && *req.ClientTag != *req.OrderRef {
		add("value_error", "order_ref", "client_tag and order_ref must match when both are provided")
	}

	if len(errs) > 0 {
		return OrderRequest{}, errs
	}
	return req, nil
}

// AsValidationErrors extracts the field-level list from err. Errors that are
// not validation problems are reported as a single runtime entry.
func AsValidationErrors(err error) ValidationErrors {
	var ve ValidationErrors
	if errors.As(err, &ve) {
		return ve
	}
	return ValidationErrors{{Type: "runtime", Msg: err.Error()}}
}

func upper(s *string) string {
	if s == nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(*s))
}

func cleanOptional(s *string) *string {
	if s == nil {
		return nil
	}
	cleaned := strings.TrimSpace(*s)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

func strPtr(s string) *string { return &s }

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
