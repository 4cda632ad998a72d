// Package platform lists catalog items from merchant commerce platforms.
package platform

import (
	"context"
	"iter"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

// Adapter defines the platform-level listing boundary.
// Listing is lazy; implementations page internally and yield a non-nil error
// as the final element when the platform cannot be read.
type Adapter interface {
	// Platform returns the platform identifier
	Platform() domain.Platform

	// ListItems yields every item in the store's catalog
	ListItems(ctx context.Context) iter.Seq2[domain.SourceItem, error]
}

// Collect drains a listing. Any error aborts collection and is returned
// together with the items read so far.
func Collect(ctx context.Context, a Adapter) ([]domain.SourceItem, error) {
	var items []domain.SourceItem
	for item, err := range a.ListItems(ctx) {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}
