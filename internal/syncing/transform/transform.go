// Package transform normalizes platform-native payloads into catalog items.
package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

var (
	// ErrInvalidPayload is returned when a payload cannot be decoded.
	ErrInvalidPayload = errors.New("invalid item payload")

	// ErrMissingID is returned for a listed record that carried no id.
	ErrMissingID = errors.New("item has no id")
	// ErrMissingTitle is returned when a payload has no usable title.
	ErrMissingTitle = errors.New("item has no title")
)

// Normalize maps a SourceItem onto an EnrichedItem without AI fields.
func Normalize(storeID string, src domain.SourceItem, now time.Time) (*domain.EnrichedItem, error) {
	var (
		item *domain.EnrichedItem
		err  error
	)
	if src.ID == "" {
		return nil, ErrMissingID
	}
	switch src.Platform {
	case domain.PlatformShopify:
		item, err = fromShopify(src.Payload)
	case domain.PlatformWooCommerce:
		item, err = fromWooCommerce(src.Payload)
	default:
		item, err = fromGeneric(src.Payload)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, src.ID, err)
	}

	item.Title = collapseSpace(item.Title)
	if item.Title == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingTitle, src.ID)
	}
	item.StoreID = storeID
	item.SourceID = src.ID
	item.Platform = src.Platform
	item.Tags = cleanTags(item.Tags)
	item.SyncedAt = now
	return item, nil
}

type shopifyProduct struct {
	Title       string `json:"title"`
	BodyHTML    string `json:"body_html"`
	Vendor      string `json:"vendor"`
	ProductType string `json:"product_type"`
	Tags        string `json:"tags"`
	Images      []struct {
		Src string `json:"src"`
	} `json:"images"`
	Variants []struct {
		Price flexDecimal `json:"price"`
	} `json:"variants"`
}

func fromShopify(payload json.RawMessage) (*domain.EnrichedItem, error) {
	var p shopifyProduct
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	item := &domain.EnrichedItem{
		Title:       p.Title,
		Description: StripHTML(p.BodyHTML),
		Vendor:      strings.TrimSpace(p.Vendor),
		Category:    strings.TrimSpace(p.ProductType),
		Tags:        strings.Split(p.Tags, ","),
	}
	for _, img := range p.Images {
		if img.Src != "" {
			item.ImageURLs = append(item.ImageURLs, img.Src)
		}
	}
	// lowest variant price
	for _, v := range p.Variants {
		if v.Price.Valid && (item.Price == nil || v.Price.Decimal.LessThan(*item.Price)) {
			d := v.Price.Decimal
			item.Price = &d
		}
	}
	return item, nil
}

type wooNamed struct {
	Name string `json:"name"`
}

type wooProduct struct {
	Name             string      `json:"name"`
	Description      string      `json:"description"`
	ShortDescription string      `json:"short_description"`
	Price            flexDecimal `json:"price"`
	RegularPrice     flexDecimal `json:"regular_price"`
	Categories       []wooNamed  `json:"categories"`
	Tags             []wooNamed  `json:"tags"`
	Brands           []wooNamed  `json:"brands"`
	Images           []struct {
		Src string `json:"src"`
	} `json:"images"`
}

func fromWooCommerce(payload json.RawMessage) (*domain.EnrichedItem, error) {
	var p wooProduct
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	desc := StripHTML(p.Description)
	if desc == "" {
		desc = StripHTML(p.ShortDescription)
	}
	item := &domain.EnrichedItem{
		Title:       p.Name,
		Description: desc,
	}
	if len(p.Categories) > 0 {
		item.Category = strings.TrimSpace(p.Categories[0].Name)
	}
	if len(p.Brands) > 0 {
		item.Vendor = strings.TrimSpace(p.Brands[0].Name)
	}
	for _, t := range p.Tags {
		item.Tags = append(item.Tags, t.Name)
	}
	for _, img := range p.Images {
		if img.Src != "" {
			item.ImageURLs = append(item.ImageURLs, img.Src)
		}
	}
	switch {
	case p.Price.Valid:
		item.Price = &p.Price.Decimal
	case p.RegularPrice.Valid:
		item.Price = &p.RegularPrice.Decimal
	}
	return item, nil
}

type genericProduct struct {
	Title       string      `json:"title"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Vendor      string      `json:"vendor"`
	Brand       string      `json:"brand"`
	Category    string      `json:"category"`
	Price       flexDecimal `json:"price"`
	Tags        []string    `json:"tags"`
	Images      []string    `json:"images"`
	ImageURL    string      `json:"image_url"`
}

func fromGeneric(payload json.RawMessage) (*domain.EnrichedItem, error) {
	var p genericProduct
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	item := &domain.EnrichedItem{
		Title:       firstNonEmpty(p.Title, p.Name),
		Description: StripHTML(p.Description),
		Vendor:      strings.TrimSpace(firstNonEmpty(p.Vendor, p.Brand)),
		Category:    strings.TrimSpace(p.Category),
		Tags:        p.Tags,
	}
	for _, img := range p.Images {
		if img != "" {
			item.ImageURLs = append(item.ImageURLs, img)
		}
	}
	if len(item.ImageURLs) == 0 && p.ImageURL != "" {
		item.ImageURLs = []string{p.ImageURL}
	}
	if p.Price.Valid {
		item.Price = &p.Price.Decimal
	}
	return item, nil
}

// flexDecimal decodes prices sent either as JSON numbers or strings.
type flexDecimal struct {
	decimal.NullDecimal
}

func (f *flexDecimal) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if strings.TrimSpace(s) == "" {
		return nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("price %q: %w", s, err)
	}
	f.NullDecimal = decimal.NewNullDecimal(d)
	return nil
}

func cleanTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		t = collapseSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
