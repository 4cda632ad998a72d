package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

var (
	// ErrSummaryNotFound is returned when no summary exists for a run id.
	ErrSummaryNotFound = errors.New("run summary not found")
)

// CatalogStore persists enriched items into the catalog graph.
type CatalogStore interface {
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Upsert writes one item and its category edge. Idempotent per (store, source id).
	Upsert(ctx context.Context, item *domain.EnrichedItem) error
}

// RunStore keeps terminal run summaries.
type RunStore interface {
	// SaveSummary inserts or replaces the summary for a run.
	SaveSummary(ctx context.Context, summary domain.RunSummary) error

	// GetSummary returns ErrSummaryNotFound for unknown runs.
	GetSummary(ctx context.Context, runID string) (domain.RunSummary, error)

	// ListSummaries returns the newest summaries for a store first.
	ListSummaries(ctx context.Context, storeID string, limit int) ([]domain.RunSummary, error)

	// DeleteSummariesBefore removes summaries that ended before t.
	DeleteSummariesBefore(ctx context.Context, t time.Time) (int64, error)
}

// BlobStore stores product images and returns their public URL.
type BlobStore interface {
	PutImage(ctx context.Context, key, contentType string, body io.Reader) (string, error)
}
