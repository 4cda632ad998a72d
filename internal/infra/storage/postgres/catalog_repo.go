package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

// CatalogRepo implements storage.CatalogStore over the products/categories graph.
type CatalogRepo struct {
	db *DB
}

// NewCatalogRepo creates a new PostgreSQL catalog repository.
func NewCatalogRepo(db *DB) *CatalogRepo {
	return &CatalogRepo{db: db}
}

// Ping checks the underlying connection.
func (r *CatalogRepo) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

const upsertProductQuery = `
	INSERT INTO products (store_id, source_id, platform, title, description, vendor, price,
		tags, image_urls, embedding, sources, provenance, synced_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (store_id, source_id) DO UPDATE SET
		platform = EXCLUDED.platform,
		title = EXCLUDED.title,
		description = EXCLUDED.description,
		vendor = EXCLUDED.vendor,
		price = EXCLUDED.price,
		tags = EXCLUDED.tags,
		image_urls = EXCLUDED.image_urls,
		embedding = EXCLUDED.embedding,
		sources = EXCLUDED.sources,
		provenance = EXCLUDED.provenance,
		synced_at = EXCLUDED.synced_at,
		updated_at = NOW()
	RETURNING id
`

const upsertCategoryQuery = `
	INSERT INTO categories (store_id, name)
	VALUES ($1, $2)
	ON CONFLICT (store_id, name) DO UPDATE SET name = EXCLUDED.name
	RETURNING id
`

// Upsert writes the product node and replaces its category edge in one transaction.
func (r *CatalogRepo) Upsert(ctx context.Context, item *domain.EnrichedItem) error {
	provenance := item.Provenance
	if provenance == nil {
		provenance = []domain.Generation{}
	}
	provenanceJSON, err := json.Marshal(provenance)
	if err != nil {
		return domain.NewFault(domain.SourceStore, domain.KindInvalid,
			fmt.Errorf("failed to marshal provenance: %w", err))
	}

	var price decimal.NullDecimal
	if item.Price != nil {
		price = decimal.NewNullDecimal(*item.Price)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()

	var productID int64
	err = tx.QueryRowxContext(ctx, upsertProductQuery,
		item.StoreID,
		item.SourceID,
		string(item.Platform),
		item.Title,
		item.Description,
		item.Vendor,
		price,
		pq.Array(orEmpty(item.Tags)),
		pq.Array(orEmpty(item.ImageURLs)),
		pq.Array(item.Embedding),
		pq.Array(orEmpty(item.GroundingSources())),
		provenanceJSON,
		item.SyncedAt,
	).Scan(&productID)
	if err != nil {
		return classify("failed to upsert product", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM product_categories WHERE product_id = $1`, productID); err != nil {
		return classify("failed to clear category edges", err)
	}

	if item.Category != "" {
		var categoryID int64
		if err := tx.QueryRowxContext(ctx, upsertCategoryQuery, item.StoreID, item.Category).
			Scan(&categoryID); err != nil {
			return classify("failed to upsert category", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO product_categories (product_id, category_id) VALUES ($1, $2)`,
			productID, categoryID); err != nil {
			return classify("failed to link category", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("failed to commit product", err)
	}
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
