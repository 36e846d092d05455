// Package notify sends operator alerts when an order reaches a final or
// failed state. Alerts fan out to every configured sender (Telegram,
// Discord) and can be filtered by event name.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/orderwatch/internal/domain"
)

// Alert event names.
const (
	EventOrderFilled    = "order_filled"
	EventOrderCancelled = "order_cancelled"
	EventOrderInactive  = "order_inactive"
	EventOrderError     = "order_error"
)

// Sender delivers one alert over a single channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier turns merged order states into alerts. It implements the session
// publisher contract so it can sit next to the Redis event bus.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger

	mu   sync.Mutex
	sent map[int64]string // order id -> last alerted event
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
		sent:    make(map[int64]string),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// PublishOrderState alerts once per order and event when state is terminal
// or ERROR. Other states are ignored.
func (n *Notifier) PublishOrderState(ctx context.Context, sessionID string, state domain.OrderState) error {
	event := eventFor(state)
	if event == "" {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}

	n.mu.Lock()
	if n.sent[state.OrderID] == event {
		n.mu.Unlock()
		return nil
	}
	n.sent[state.OrderID] = event
	n.mu.Unlock()

	return n.dispatch(ctx, title(event, state), message(sessionID, state))
}

func eventFor(st domain.OrderState) string {
	switch domain.NormalizeStatus(st.Status) {
	case domain.StatusFilled:
		return EventOrderFilled
	case domain.StatusCancelled, domain.StatusAPICancelled, "APICANCELLED":
		return EventOrderCancelled
	case domain.StatusInactive:
		return EventOrderInactive
	case domain.StatusError:
		return EventOrderError
	}
	return ""
}

func title(event string, st domain.OrderState) string {
	return fmt.Sprintf("%s #%d", strings.ReplaceAll(event, "_", " "), st.OrderID)
}

func message(sessionID string, st domain.OrderState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s", st.Status)
	if st.Action != nil && st.Symbol != nil {
		fmt.Fprintf(&b, "\norder: %s", *st.Action)
		if st.Quantity != nil {
			fmt.Fprintf(&b, " %g", *st.Quantity)
		}
		fmt.Fprintf(&b, " %s", *st.Symbol)
	}
	if st.Filled != nil {
		fmt.Fprintf(&b, "\nfilled: %g", *st.Filled)
	}
	if st.AvgFillPrice != nil && *st.AvgFillPrice > 0 {
		fmt.Fprintf(&b, " @ %g", *st.AvgFillPrice)
	}
	if st.LastError != nil {
		fmt.Fprintf(&b, "\nerror: %s", *st.LastError)
	}
	fmt.Fprintf(&b, "\nsession: %s", sessionID)
	return b.String()
}

// dispatch sends to every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
