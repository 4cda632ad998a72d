package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Platform identifies a commerce platform.
type Platform string

const (
	PlatformShopify     Platform = "shopify"
	PlatformWooCommerce Platform = "woocommerce"
	PlatformGeneric     Platform = "generic"
)

// SourceItem is a platform-native product record as returned by an adapter.
type SourceItem struct {
	ID        string          `json:"id"`
	Platform  Platform        `json:"platform"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Usage holds token counts reported by one AI call.
type Usage struct {
	Provider          string `json:"provider"`
	Model             string `json:"model"`
	InputTokens       int64  `json:"input_tokens"`
	CachedInputTokens int64  `json:"cached_input_tokens"`
	OutputTokens      int64  `json:"output_tokens"`
}

// GenerationKind names the enrichment call that produced a field.
type GenerationKind string

const (
	GenerationClassify GenerationKind = "classify"
	GenerationDescribe GenerationKind = "describe"
	GenerationEmbed    GenerationKind = "embed"
)

// Generation records provenance for one AI call.
type Generation struct {
	Kind    GenerationKind  `json:"kind"`
	Usage   Usage           `json:"usage"`
	CostUSD decimal.Decimal `json:"cost_usd"`
	Sources []string        `json:"sources,omitempty"`
}

// EnrichedItem is a SourceItem after normalization and AI enrichment.
type EnrichedItem struct {
	StoreID     string           `json:"store_id"`
	SourceID    string           `json:"source_id"`
	Platform    Platform         `json:"platform"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Vendor      string           `json:"vendor,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	ImageURLs   []string         `json:"image_urls,omitempty"`
	Category    string           `json:"category,omitempty"`
	Embedding   []float64        `json:"embedding,omitempty"`
	Provenance  []Generation     `json:"provenance,omitempty"`
	SyncedAt    time.Time        `json:"synced_at"`
}

// GroundingSources returns the union of sources across the item's generations.
func (e *EnrichedItem) GroundingSources() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, g := range e.Provenance {
		for _, s := range g.Sources {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
