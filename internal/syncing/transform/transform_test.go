package transform

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func src(p domain.Platform, payload string) domain.SourceItem {
	return domain.SourceItem{ID: "p-1", Platform: p, Payload: json.RawMessage(payload)}
}

func TestNormalize_Shopify(t *testing.T) {
	item, err := Normalize("store-1", src(domain.PlatformShopify, `{
		"id": 1,
		"title": "  Ceramic   Mug ",
		"body_html": "<p>Holds <strong>350ml</strong>.</p><p>Dishwasher safe &amp; microwave safe.</p>",
		"vendor": "Acme",
		"product_type": "Kitchen",
		"tags": "mug, kitchen, Mug, ",
		"images": [{"src": "https://cdn.example.com/1.jpg"}, {"src": ""}],
		"variants": [{"price": "24.00"}, {"price": "19.99"}]
	}`), now)
	require.NoError(t, err)

	assert.Equal(t, "store-1", item.StoreID)
	assert.Equal(t, "p-1", item.SourceID)
	assert.Equal(t, "Ceramic Mug", item.Title)
	assert.Equal(t, "Holds 350ml. Dishwasher safe & microwave safe.", item.Description)
	assert.Equal(t, "Acme", item.Vendor)
	assert.Equal(t, "Kitchen", item.Category)
	assert.Equal(t, []string{"mug", "kitchen"}, item.Tags)
	assert.Equal(t, []string{"https://cdn.example.com/1.jpg"}, item.ImageURLs)
	require.NotNil(t, item.Price)
	assert.Equal(t, "19.99", item.Price.String())
	assert.Equal(t, now, item.SyncedAt)
}

func TestNormalize_WooCommerce(t *testing.T) {
	item, err := Normalize("s", src(domain.PlatformWooCommerce, `{
		"id": 7,
		"name": "Wool Hat",
		"description": "",
		"short_description": "<div>Warm.</div>",
		"price": "",
		"regular_price": "30",
		"categories": [{"name": "Apparel"}, {"name": "Winter"}],
		"tags": [{"name": "wool"}],
		"images": [{"src": "https://img/hat.png"}]
	}`), now)
	require.NoError(t, err)

	assert.Equal(t, "Wool Hat", item.Title)
	assert.Equal(t, "Warm.", item.Description)
	assert.Equal(t, "Apparel", item.Category)
	assert.Equal(t, []string{"wool"}, item.Tags)
	require.NotNil(t, item.Price)
	assert.Equal(t, "30", item.Price.String())
}

func TestNormalize_Generic(t *testing.T) {
	item, err := Normalize("s", src(domain.PlatformGeneric, `{
		"id": "x",
		"name": "Desk Lamp",
		"brand": "Lumo",
		"price": 45.5,
		"image_url": "https://img/lamp.png"
	}`), now)
	require.NoError(t, err)

	assert.Equal(t, "Desk Lamp", item.Title)
	assert.Equal(t, "Lumo", item.Vendor)
	assert.Equal(t, []string{"https://img/lamp.png"}, item.ImageURLs)
	require.NotNil(t, item.Price)
	assert.Equal(t, "45.5", item.Price.String())
}

func TestNormalize_Errors(t *testing.T) {
	_, err := Normalize("s", src(domain.PlatformGeneric, `{"id":"x","title":"   "}`), now)
	assert.ErrorIs(t, err, ErrMissingTitle)

	_, err = Normalize("s", src(domain.PlatformShopify, `not json`), now)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Normalize("s", src(domain.PlatformGeneric, `{"title":"a","price":"abc"}`), now)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Normalize("s", domain.SourceItem{Platform: domain.PlatformGeneric, Payload: json.RawMessage(`{"title":"a"}`)}, now)
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain   text", "plain text"},
		{"<ul><li>One</li><li>Two</li></ul>", "One Two"},
		{"a<br>b", "a b"},
		{"<p>x</p><script>alert(1)</script><style>p{}</style>y", "x y"},
		{"Fish &amp; Chips", "Fish & Chips"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripHTML(tt.in), tt.in)
	}
}
