// Package ai talks to the enrichment model provider.
package ai

import (
	"context"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

// Product is the normalized view of an item sent to the provider.
type Product struct {
	Title       string
	Description string
	Vendor      string
	Tags        []string
	Category    string
}

// Classification is the result of mapping a product onto the category taxonomy.
type Classification struct {
	Category   string
	Confidence float64
	Usage      domain.Usage
}

// Description is a generated product title and body.
type Description struct {
	Title   string
	Text    string
	Sources []string // grounding URLs cited by the provider
	Usage   domain.Usage
}

// Embedding is a vector for semantic search.
type Embedding struct {
	Vector []float64
	Usage  domain.Usage
}

// Client defines the enrichment provider boundary. Errors are *domain.Fault
// with SourceProvider so callers can tell rate limits from bad requests.
type Client interface {
	Classify(ctx context.Context, text string, categories []string) (Classification, error)
	Describe(ctx context.Context, product Product) (Description, error)
	Embed(ctx context.Context, text string) (Embedding, error)
}
