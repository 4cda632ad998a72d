package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/catalogsync/internal/core/domain"
	"github.com/vietddude/catalogsync/internal/infra/storage"
)

type MemoryStorage struct {
	items     map[string]*domain.EnrichedItem
	summaries map[string]domain.RunSummary
	blobs     map[string][]byte
	mu        sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		items:     make(map[string]*domain.EnrichedItem),
		summaries: make(map[string]domain.RunSummary),
		blobs:     make(map[string][]byte),
	}
}

// -----------------------------------------------------------------------------
// Catalog Repository
// -----------------------------------------------------------------------------

type CatalogRepo struct {
	store *MemoryStorage
}

func NewCatalogRepo(store *MemoryStorage) *CatalogRepo {
	return &CatalogRepo{store: store}
}

func (r *CatalogRepo) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *CatalogRepo) Upsert(ctx context.Context, item *domain.EnrichedItem) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *item
	cp.Tags = slices.Clone(item.Tags)
	cp.ImageURLs = slices.Clone(item.ImageURLs)
	cp.Embedding = slices.Clone(item.Embedding)
	cp.Provenance = slices.Clone(item.Provenance)
	r.store.items[itemKey(item.StoreID, item.SourceID)] = &cp
	return nil
}

// Get returns a stored item, nil if absent.
func (r *CatalogRepo) Get(storeID, sourceID string) *domain.EnrichedItem {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.items[itemKey(storeID, sourceID)]
}

// Count returns the number of items stored for a store.
func (r *CatalogRepo) Count(storeID string) int {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for _, it := range r.store.items {
		if it.StoreID == storeID {
			n++
		}
	}
	return n
}

func itemKey(storeID, sourceID string) string {
	return storeID + "/" + sourceID
}

// -----------------------------------------------------------------------------
// Run Repository
// -----------------------------------------------------------------------------

type RunRepo struct {
	store *MemoryStorage
}

func NewRunRepo(store *MemoryStorage) *RunRepo {
	return &RunRepo{store: store}
}

func (r *RunRepo) SaveSummary(ctx context.Context, s domain.RunSummary) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s.Errors = slices.Clone(s.Errors)
	r.store.summaries[s.RunID] = s
	return nil
}

func (r *RunRepo) GetSummary(ctx context.Context, runID string) (domain.RunSummary, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	s, ok := r.store.summaries[runID]
	if !ok {
		return domain.RunSummary{}, fmt.Errorf("%w: %s", storage.ErrSummaryNotFound, runID)
	}
	return s, nil
}

func (r *RunRepo) ListSummaries(ctx context.Context, storeID string, limit int) ([]domain.RunSummary, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []domain.RunSummary
	for _, s := range r.store.summaries {
		if s.StoreID == storeID {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b domain.RunSummary) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RunRepo) DeleteSummariesBefore(ctx context.Context, t time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for id, s := range r.store.summaries {
		if s.EndedAt.Before(t) {
			delete(r.store.summaries, id)
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Blob Repository
// -----------------------------------------------------------------------------

type BlobRepo struct {
	store   *MemoryStorage
	baseURL string
}

func NewBlobRepo(store *MemoryStorage, baseURL string) *BlobRepo {
	return &BlobRepo{store: store, baseURL: baseURL}
}

func (r *BlobRepo) PutImage(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return "", fmt.Errorf("failed to read image body: %w", err)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.blobs[key] = buf.Bytes()
	return r.baseURL + "/" + key, nil
}
