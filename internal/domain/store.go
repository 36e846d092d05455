package domain

import "context"

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// OrderStateStore persists the last-known merged state of each order, keyed
// by order id. It is the source of truth across process restarts.
type OrderStateStore interface {
	// Upsert merges partial into the stored record for partial.OrderID and
	// writes it back in a single transaction. The stored timestamp is taken
	// from partial when set and stamped with the current time otherwise.
	Upsert(ctx context.Context, partial OrderState) error
	// Get returns the stored record or ErrNotFound.
	Get(ctx context.Context, orderID int64) (OrderState, error)
	// List returns stored records ordered by order id.
	List(ctx context.Context, opts ListOpts) ([]OrderState, error)
	Close() error
}
