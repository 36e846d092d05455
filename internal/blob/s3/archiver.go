package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/orderwatch/internal/domain"
)

// archivePageSize is how many order states are read from the store per page.
const archivePageSize = 500

// OrderLister is the read side of the order store the archiver needs.
type OrderLister interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.OrderState, error)
}

// ArchiveOpts selects what gets archived.
type ArchiveOpts struct {
	// TerminalOnly skips orders that may still change.
	TerminalOnly bool
	// Prefix is the key prefix; "archive" when empty.
	Prefix string
}

// ArchiveResult describes one archive upload.
type ArchiveResult struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// Archiver exports stored order states to object storage as JSONL.
// Archived records are not removed from the store.
type Archiver struct {
	writer domain.BlobWriter
	orders OrderLister
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, orders OrderLister, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		orders: orders,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveOrders reads every stored order state, serializes the selected ones
// to JSONL and uploads the file under <prefix>/orders/YYYY-MM/<stamp>.jsonl.
// Nothing is uploaded when no order is selected.
func (a *Archiver) ArchiveOrders(ctx context.Context, now time.Time, opts ArchiveOpts) (ArchiveResult, error) {
	var selected []domain.OrderState
	for offset := 0; ; offset += archivePageSize {
		page, err := a.orders.List(ctx, domain.ListOpts{Limit: archivePageSize, Offset: offset})
		if err != nil {
			return ArchiveResult{}, fmt.Errorf("s3blob: archive orders query: %w", err)
		}
		for _, st := range page {
			if opts.TerminalOnly && !st.IsTerminal() {
				continue
			}
			selected = append(selected, st)
		}
		if len(page) < archivePageSize {
			break
		}
	}

	path := archivePath(opts.Prefix, now)
	if len(selected) == 0 {
		a.logger.InfoContext(ctx, "nothing to archive")
		return ArchiveResult{Path: path}, nil
	}

	buf, err := marshalJSONL(selected)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("s3blob: archive orders marshal: %w", err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return ArchiveResult{}, fmt.Errorf("s3blob: archive orders upload: %w", err)
	}

	a.logger.InfoContext(ctx, "orders archived",
		slog.String("path", path),
		slog.Int("count", len(selected)),
	)
	return ArchiveResult{Path: path, Count: len(selected)}, nil
}

// archivePath builds the object key for an archive taken at now, e.g.
//
//	archive/orders/2025-01/20250114T093000Z.jsonl
func archivePath(prefix string, now time.Time) string {
	if prefix == "" {
		prefix = "archive"
	}
	now = now.UTC()
	return fmt.Sprintf("%s/orders/%s/%s.jsonl", prefix, now.Format("2006-01"), now.Format("20060102T150405Z"))
}

// marshalJSONL encodes each record as one compact JSON line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
