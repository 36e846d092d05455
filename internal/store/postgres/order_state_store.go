package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/orderwatch/internal/domain"
)

// OrderStateStore implements domain.OrderStateStore using PostgreSQL.
type OrderStateStore struct {
	pool *pgxpool.Pool
}

// NewOrderStateStore creates a new OrderStateStore backed by the given pool.
func NewOrderStateStore(pool *pgxpool.Pool) *OrderStateStore {
	return &OrderStateStore{pool: pool}
}

// Upsert merges partial into the stored record. The transaction takes an
// advisory lock on the order id so concurrent writers of the same order,
// including the very first insert, are serialized.
func (s *OrderStateStore) Upsert(ctx context.Context, partial domain.OrderState) error {
	if partial.OrderID <= 0 {
		return fmt.Errorf("postgres: upsert order state: %w", domain.ErrMissingOrderID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin upsert order %d: %w", partial.OrderID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", partial.OrderID); err != nil {
		return fmt.Errorf("postgres: lock order %d: %w", partial.OrderID, err)
	}

	base := domain.OrderState{OrderID: partial.OrderID}
	var raw []byte
	err = tx.QueryRow(ctx,
		"SELECT raw_state FROM order_states WHERE order_id = $1", partial.OrderID,
	).Scan(&raw)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &base); err != nil {
			return fmt.Errorf("postgres: decode order %d: %w", partial.OrderID, err)
		}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return fmt.Errorf("postgres: read order %d: %w", partial.OrderID, err)
	}

	merged := base.Merge(partial)
	merged.Seq = 0
	if partial.LastUpdate == "" {
		merged.LastUpdate = domain.NowISO()
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("postgres: encode order %d: %w", partial.OrderID, err)
	}

	const upsert = `
		INSERT INTO order_states (
			order_id, status, filled, remaining, avg_fill_price, last_fill_price,
			perm_id, last_error_code, last_error, symbol, action, order_type,
			quantity, limit_price, tif, transmit, order_ref, last_update, raw_state
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19
		)
		ON CONFLICT (order_id) DO UPDATE SET
			status = EXCLUDED.status,
			filled = EXCLUDED.filled,
			remaining = EXCLUDED.remaining,
			avg_fill_price = EXCLUDED.avg_fill_price,
			last_fill_price = EXCLUDED.last_fill_price,
			perm_id = EXCLUDED.perm_id,
			last_error_code = EXCLUDED.last_error_code,
			last_error = EXCLUDED.last_error,
			symbol = EXCLUDED.symbol,
			action = EXCLUDED.action,
			order_type = EXCLUDED.order_type,
			quantity = EXCLUDED.quantity,
			limit_price = EXCLUDED.limit_price,
			tif = EXCLUDED.tif,
			transmit = EXCLUDED.transmit,
			order_ref = EXCLUDED.order_ref,
			last_update = EXCLUDED.last_update,
			raw_state = EXCLUDED.raw_state`

	_, err = tx.Exec(ctx, upsert,
		merged.OrderID, merged.Status, merged.Filled, merged.Remaining,
		merged.AvgFillPrice, merged.LastFillPrice,
		merged.PermID, merged.LastErrorCode, merged.LastError,
		merged.Symbol, merged.Action, merged.OrderType,
		merged.Quantity, merged.LimitPrice, merged.TIF, merged.Transmit,
		merged.OrderRef, merged.LastUpdate, encoded,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert order %d: %w", partial.OrderID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit order %d: %w", partial.OrderID, err)
	}
	return nil
}

// Get returns the stored record for orderID.
func (s *OrderStateStore) Get(ctx context.Context, orderID int64) (domain.OrderState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		"SELECT raw_state FROM order_states WHERE order_id = $1", orderID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OrderState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("postgres: get order %d: %w", orderID, err)
	}

	var st domain.OrderState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.OrderState{}, fmt.Errorf("postgres: decode order %d: %w", orderID, err)
	}
	return st, nil
}

// List returns stored records ordered by order id.
func (s *OrderStateStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.OrderState, error) {
	query := "SELECT raw_state FROM order_states ORDER BY order_id"
	var args []any
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list order states: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderState
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan order state: %w", err)
		}
		var st domain.OrderState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("postgres: decode order state: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list order states: %w", err)
	}
	return out, nil
}

// Close is a no-op; the pool is owned by Client.
func (s *OrderStateStore) Close() error {
	return nil
}

var _ domain.OrderStateStore = (*OrderStateStore)(nil)
