// Package sqlite implements domain.OrderStateStore on a local SQLite file
// through gorm.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/alanyoungcy/orderwatch/internal/domain"
)

// orderStateRow is the persisted form of an order state. The typed columns
// exist for ad-hoc queries; raw_state holds the full record and is what Get
// decodes.
type orderStateRow struct {
	OrderID       int64    `gorm:"column:order_id;primaryKey;autoIncrement:false"`
	Status        string   `gorm:"column:status;type:text;not null"`
	Filled        *float64 `gorm:"column:filled"`
	Remaining     *float64 `gorm:"column:remaining"`
	AvgFillPrice  *float64 `gorm:"column:avg_fill_price"`
	LastFillPrice *float64 `gorm:"column:last_fill_price"`
	PermID        *int64   `gorm:"column:perm_id"`
	LastErrorCode *int     `gorm:"column:last_error_code"`
	LastError     *string  `gorm:"column:last_error"`
	Symbol        *string  `gorm:"column:symbol"`
	Action        *string  `gorm:"column:action"`
	OrderType     *string  `gorm:"column:order_type"`
	Quantity      *float64 `gorm:"column:quantity"`
	LimitPrice    *float64 `gorm:"column:limit_price"`
	TIF           *string  `gorm:"column:tif"`
	Transmit      *bool    `gorm:"column:transmit"`
	OrderRef      *string  `gorm:"column:order_ref"`
	LastUpdate    string   `gorm:"column:last_update;type:text;not null"`
	RawState      string   `gorm:"column:raw_state;type:text;not null"`
}

func (orderStateRow) TableName() string { return "order_states" }

func newRow(st domain.OrderState) (orderStateRow, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return orderStateRow{}, fmt.Errorf("marshal raw state: %w", err)
	}
	return orderStateRow{
		OrderID:       st.OrderID,
		Status:        st.Status,
		Filled:        st.Filled,
		Remaining:     st.Remaining,
		AvgFillPrice:  st.AvgFillPrice,
		LastFillPrice: st.LastFillPrice,
		PermID:        st.PermID,
		LastErrorCode: st.LastErrorCode,
		LastError:     st.LastError,
		Symbol:        st.Symbol,
		Action:        st.Action,
		OrderType:     st.OrderType,
		Quantity:      st.Quantity,
		LimitPrice:    st.LimitPrice,
		TIF:           st.TIF,
		Transmit:      st.Transmit,
		OrderRef:      st.OrderRef,
		LastUpdate:    st.LastUpdate,
		RawState:      string(raw),
	}, nil
}

func (r orderStateRow) state() (domain.OrderState, error) {
	var st domain.OrderState
	if err := json.Unmarshal([]byte(r.RawState), &st); err != nil {
		return domain.OrderState{}, fmt.Errorf("decode raw state for order %d: %w", r.OrderID, err)
	}
	return st, nil
}

// Store implements domain.OrderStateStore.
type Store struct {
	db   *gorm.DB
	path string
}

// Open creates the parent directory of path if needed, opens the database
// and creates the order_states table.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir %s: %w", dir, err)
		}
	}

	// Upsert reads then writes; an immediate transaction takes the write lock
	// up front so busy_timeout covers writers in other processes.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(slogWriter{logger.With(slog.String("component", "sqlite"))}, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite: pool: %w", err)
	}
	// One writer at a time; sqlite serializes writes anyway.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&orderStateRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Upsert merges partial into the stored record in one transaction.
func (s *Store) Upsert(ctx context.Context, partial domain.OrderState) error {
	if partial.OrderID <= 0 {
		return fmt.Errorf("sqlite: upsert: %w", domain.ErrMissingOrderID)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		base := domain.OrderState{OrderID: partial.OrderID}

		var existing orderStateRow
		err := tx.Where("order_id = ?", partial.OrderID).Take(&existing).Error
		switch {
		case err == nil:
			if base, err = existing.state(); err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		merged := base.Merge(partial)
		merged.Seq = 0
		if partial.LastUpdate == "" {
			merged.LastUpdate = domain.NowISO()
		}

		row, err := newRow(merged)
		if err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			UpdateAll: true,
		}).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("sqlite: upsert order %d: %w", partial.OrderID, err)
	}
	return nil
}

// Get returns the stored record for orderID.
func (s *Store) Get(ctx context.Context, orderID int64) (domain.OrderState, error) {
	var row orderStateRow
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.OrderState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("sqlite: get order %d: %w", orderID, err)
	}
	st, err := row.state()
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("sqlite: %w", err)
	}
	return st, nil
}

// List returns stored records ordered by order id.
func (s *Store) List(ctx context.Context, opts domain.ListOpts) ([]domain.OrderState, error) {
	q := s.db.WithContext(ctx).Order("order_id")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var rows []orderStateRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list orders: %w", err)
	}
	out := make([]domain.OrderState, 0, len(rows))
	for _, r := range rows {
		st, err := r.state()
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	return sqlDB.Close()
}

// slogWriter routes gorm's logger output into slog.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Warn(fmt.Sprintf(format, args...))
}

var _ domain.OrderStateStore = (*Store)(nil)
