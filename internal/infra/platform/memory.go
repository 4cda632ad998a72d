package platform

import (
	"context"
	"iter"
	"slices"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

// MemoryAdapter serves a fixed item list. FailAfter, when non-negative,
// makes the listing fail with Err after that many items.
type MemoryAdapter struct {
	platform  domain.Platform
	items     []domain.SourceItem
	Err       error
	FailAfter int
}

// NewMemoryAdapter creates an adapter over items.
func NewMemoryAdapter(p domain.Platform, items []domain.SourceItem) *MemoryAdapter {
	return &MemoryAdapter{platform: p, items: slices.Clone(items), FailAfter: -1}
}

func (m *MemoryAdapter) Platform() domain.Platform { return m.platform }

func (m *MemoryAdapter) ListItems(ctx context.Context) iter.Seq2[domain.SourceItem, error] {
	return func(yield func(domain.SourceItem, error) bool) {
		for i, item := range m.items {
			if m.Err != nil && i == m.FailAfter {
				yield(domain.SourceItem{}, m.Err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(domain.SourceItem{}, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
		if m.Err != nil && m.FailAfter >= len(m.items) {
			yield(domain.SourceItem{}, m.Err)
		}
	}
}
