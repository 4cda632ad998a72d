package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/vietddude/catalogsync/internal/core/domain"
	"github.com/vietddude/catalogsync/internal/core/retry"
)

// Config describes how to reach one store's platform API.
type Config struct {
	Platform          domain.Platform
	BaseURL           string
	Token             string
	PageSize          int
	RequestsPerSecond float64 // 0 = unlimited
	Timeout           time.Duration
}

type endpoint struct {
	path       string
	limitParam string
}

var endpoints = map[domain.Platform]endpoint{
	domain.PlatformShopify:     {path: "/admin/api/2024-10/products.json", limitParam: "limit"},
	domain.PlatformWooCommerce: {path: "/wp-json/wc/v3/products", limitParam: "per_page"},
	domain.PlatformGeneric:     {path: "/products", limitParam: "limit"},
}

// RESTAdapter pages through a platform's product listing over HTTP JSON.
type RESTAdapter struct {
	cfg        Config
	ep         endpoint
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	log        *slog.Logger
	now        func() time.Time
}

// Option configures a RESTAdapter.
type Option func(*RESTAdapter)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *RESTAdapter) { a.httpClient = c }
}

// WithRetryPolicy sets the policy applied to each page request.
func WithRetryPolicy(p retry.Policy) Option {
	return func(a *RESTAdapter) { a.policy = p }
}

// NewRESTAdapter creates a REST adapter for cfg.
func NewRESTAdapter(cfg Config, opts ...Option) (*RESTAdapter, error) {
	ep, ok := endpoints[cfg.Platform]
	if !ok {
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required for %s adapter", cfg.Platform)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	a := &RESTAdapter{
		cfg:        cfg,
		ep:         ep,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		policy:     retry.RateLimitAware(retry.DefaultPolicy()),
		log:        slog.Default().With("component", "platform", "platform", string(cfg.Platform)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *RESTAdapter) Platform() domain.Platform { return a.cfg.Platform }

// ListItems pages until a short page is returned.
func (a *RESTAdapter) ListItems(ctx context.Context) iter.Seq2[domain.SourceItem, error] {
	return func(yield func(domain.SourceItem, error) bool) {
		for page := 1; ; page++ {
			records, err := retry.Do(ctx, a.policy, func(ctx context.Context) ([]json.RawMessage, error) {
				return a.fetchPage(ctx, page)
			}, retry.WithObserver(retry.ObserverFunc(func(err error, attempt int, delay time.Duration) {
				a.log.Warn("Page fetch failed, retrying", "page", page, "attempt", attempt, "delay", delay, "error", err)
			})))
			if err != nil {
				yield(domain.SourceItem{}, err)
				return
			}

			fetchedAt := a.now()
			for i, raw := range records {
				// A bad record is passed on with an empty id so it fails as one item
				id, err := recordID(raw)
				if err != nil {
					a.log.Warn("Listed record has no usable id", "page", page, "position", i, "error", err)
				}
				item := domain.SourceItem{
					ID:        id,
					Platform:  a.cfg.Platform,
					Payload:   raw,
					FetchedAt: fetchedAt,
				}
				if !yield(item, nil) {
					return
				}
			}

			if len(records) < a.cfg.PageSize {
				return
			}
		}
	}
}

func (a *RESTAdapter) fetchPage(ctx context.Context, page int) ([]json.RawMessage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u, err := url.Parse(strings.TrimRight(a.cfg.BaseURL, "/") + a.ep.path)
	if err != nil {
		return nil, domain.NewFault(domain.SourceAdapter, domain.KindInvalid, fmt.Errorf("parse url: %w", err))
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set(a.ep.limitParam, strconv.Itoa(a.cfg.PageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, domain.NewFault(domain.SourceAdapter, domain.KindInvalid, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if a.cfg.Token != "" {
		if a.cfg.Platform == domain.PlatformShopify {
			req.Header.Set("X-Shopify-Access-Token", a.cfg.Token)
		} else {
			req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
		}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewFault(domain.SourceAdapter, domain.KindUnreachable, fmt.Errorf("list products: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewFault(domain.SourceAdapter, domain.KindUnreachable, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, domain.StatusFault(domain.SourceAdapter, resp.StatusCode, truncate(string(body), 256))
	}

	records, err := decodeRecords(body)
	if err != nil {
		return nil, domain.NewFault(domain.SourceAdapter, domain.KindInvalid, fmt.Errorf("parse response: %w", err))
	}
	return records, nil
}

// decodeRecords accepts a bare array or an envelope keyed by products, items or data.
func decodeRecords(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var out []json.RawMessage
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	for _, key := range []string{"products", "items", "data"} {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		var out []json.RawMessage
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("no product list in response")
}

func recordID(raw json.RawMessage) (string, error) {
	var rec struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("decode record: %w", err)
	}
	if len(rec.ID) == 0 || string(rec.ID) == "null" {
		return "", fmt.Errorf("record without id")
	}
	var s string
	if err := json.Unmarshal(rec.ID, &s); err == nil {
		return s, nil
	}
	return string(rec.ID), nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
