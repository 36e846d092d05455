package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/alanyoungcy/orderwatch/internal/domain"
)

const (
	// DefaultStream is the stream every merged order state is appended to.
	DefaultStream = "orderwatch:order_updates"
	// channelPrefix is followed by the order id for per-order pub/sub.
	channelPrefix = "orderwatch:orders:"
)

// OrderEvent is the payload published for each merged order state.
type OrderEvent struct {
	Event     string            `json:"event"`
	SessionID string            `json:"session_id"`
	OrderID   int64             `json:"order_id"`
	State     domain.OrderState `json:"state"`
	StreamID  string            `json:"stream_id,omitempty"`
}

// OrderChannel returns the pub/sub channel for one order.
func OrderChannel(orderID int64) string {
	return channelPrefix + strconv.FormatInt(orderID, 10)
}

// AllOrdersPattern matches every per-order channel.
func AllOrdersPattern() string {
	return channelPrefix + "*"
}

// OrderEvents publishes merged order states to a SignalBus and reads them
// back.
type OrderEvents struct {
	bus    domain.SignalBus
	stream string
}

// NewOrderEvents creates an OrderEvents on bus. An empty stream selects
// DefaultStream.
func NewOrderEvents(bus domain.SignalBus, stream string) *OrderEvents {
	if stream == "" {
		stream = DefaultStream
	}
	return &OrderEvents{bus: bus, stream: stream}
}

// PublishOrderState appends the state to the update stream and publishes it
// on the order's channel.
func (e *OrderEvents) PublishOrderState(ctx context.Context, sessionID string, state domain.OrderState) error {
	payload, err := json.Marshal(OrderEvent{
		Event:     "order_update",
		SessionID: sessionID,
		OrderID:   state.OrderID,
		State:     state,
	})
	if err != nil {
		return fmt.Errorf("redis: marshal order event: %w", err)
	}
	if err := e.bus.StreamAppend(ctx, e.stream, payload); err != nil {
		return err
	}
	return e.bus.Publish(ctx, OrderChannel(state.OrderID), payload)
}

// historyPageSize is how many stream entries OrderHistory reads per call.
const historyPageSize = 500

// History returns up to count events recorded after lastID.
func (e *OrderEvents) History(ctx context.Context, lastID string, count int) ([]OrderEvent, error) {
	out, _, _, err := e.readPage(ctx, lastID, count)
	return out, err
}

// OrderHistory returns up to count events for orderID recorded after lastID,
// reading the stream page by page until enough match or the stream ends.
// orderID zero matches every order; count <= 0 reads to the end.
func (e *OrderEvents) OrderHistory(ctx context.Context, orderID int64, lastID string, count int) ([]OrderEvent, error) {
	if orderID <= 0 {
		return e.History(ctx, lastID, count)
	}
	if count <= 0 {
		count = math.MaxInt
	}
	var out []OrderEvent
	for len(out) < count {
		page, next, read, err := e.readPage(ctx, lastID, historyPageSize)
		if err != nil {
			return nil, err
		}
		for _, ev := range page {
			if ev.OrderID == orderID {
				out = append(out, ev)
				if len(out) == count {
					break
				}
			}
		}
		if read < historyPageSize {
			break
		}
		lastID = next
	}
	return out, nil
}

// readPage decodes up to count stream entries after lastID. It also returns
// the id of the last entry read and how many entries were read, counting
// ones that failed to decode.
func (e *OrderEvents) readPage(ctx context.Context, lastID string, count int) ([]OrderEvent, string, int, error) {
	if lastID == "" {
		lastID = "0"
	}
	msgs, err := e.bus.StreamRead(ctx, e.stream, lastID, count)
	if err != nil {
		return nil, "", 0, err
	}
	out := make([]OrderEvent, 0, len(msgs))
	next := lastID
	for _, m := range msgs {
		next = m.ID
		var ev OrderEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			continue
		}
		ev.StreamID = m.ID
		out = append(out, ev)
	}
	return out, next, len(msgs), nil
}

// Follow streams live events for orderID, or for every order when orderID is
// zero, until ctx is done.
func (e *OrderEvents) Follow(ctx context.Context, orderID int64) (<-chan OrderEvent, error) {
	channel := AllOrdersPattern()
	if orderID > 0 {
		channel = OrderChannel(orderID)
	}
	raw, err := e.bus.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}

	out := make(chan OrderEvent, 64)
	go func() {
		defer close(out)
		for payload := range raw {
			var ev OrderEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
