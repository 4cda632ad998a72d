package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/vietddude/catalogsync/internal/core/budget"
	"github.com/vietddude/catalogsync/internal/core/domain"
	"github.com/vietddude/catalogsync/internal/core/retry"
	"github.com/vietddude/catalogsync/internal/infra/ai"
	"github.com/vietddude/catalogsync/internal/syncing/metrics"
	"github.com/vietddude/catalogsync/internal/syncing/transform"
)

const maxImageBytes = 20 << 20

// processItem runs transform, enrich and persist for one item. A non-nil
// result is an item fault; the run continues.
func (o *Orchestrator) processItem(
	ctx context.Context,
	run *domain.SyncRun,
	ledger *budget.Ledger,
	src domain.SourceItem,
	index int,
	opts Options,
	log *slog.Logger,
) (itemErr *domain.ItemError) {
	stage := domain.StageTransform
	fail := func(err error) *domain.ItemError {
		log.Warn("Item failed", "item_id", src.ID, "index", index, "stage", stage, "error", err)
		return &domain.ItemError{ItemID: src.ID, Index: index, Stage: stage, Message: err.Error()}
	}
	defer func() {
		if r := recover(); r != nil {
			itemErr = fail(fmt.Errorf("panic: %v", r))
		}
	}()

	start := time.Now()
	item, err := transform.Normalize(run.StoreID(), src, o.now())
	observeStage(stage, start)
	if err != nil {
		return fail(err)
	}

	stage = domain.StageEnrich
	start = time.Now()
	err = o.enrich(ctx, run, ledger, item, opts, log)
	observeStage(stage, start)
	if err != nil {
		return fail(err)
	}

	stage = domain.StagePersist
	start = time.Now()
	err = o.persist(ctx, item, opts, log)
	observeStage(stage, start)
	if err != nil {
		return fail(err)
	}
	return nil
}

func observeStage(stage domain.Stage, start time.Time) {
	metrics.StageLatency.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

// call runs one network call through the backoff executor. Rate limits are always retried.
func call[T any](ctx context.Context, o *Orchestrator, stage domain.Stage, op string, log *slog.Logger, fn func(context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, retry.RateLimitAware(o.cfg.Retry), fn,
		retry.WithObserver(o.retryObserver(stage, op, log)))
}

func (o *Orchestrator) enrich(
	ctx context.Context,
	run *domain.SyncRun,
	ledger *budget.Ledger,
	item *domain.EnrichedItem,
	opts Options,
	log *slog.Logger,
) error {
	if opts.ClassifyProducts {
		res, err := call(ctx, o, domain.StageEnrich, "classify", log, func(ctx context.Context) (ai.Classification, error) {
			return o.deps.AI.Classify(ctx, classifyText(item), o.cfg.Categories)
		})
		if err != nil {
			return fmt.Errorf("classify: %w", err)
		}
		item.Category = res.Category
		o.account(run, ledger, item, domain.GenerationClassify, res.Usage, nil, log)
	}

	if opts.DescribeProducts {
		res, err := call(ctx, o, domain.StageEnrich, "describe", log, func(ctx context.Context) (ai.Description, error) {
			return o.deps.AI.Describe(ctx, ai.Product{
				Title:       item.Title,
				Description: item.Description,
				Vendor:      item.Vendor,
				Tags:        item.Tags,
				Category:    item.Category,
			})
		})
		if err != nil {
			return fmt.Errorf("describe: %w", err)
		}
		item.Description = res.Text
		o.account(run, ledger, item, domain.GenerationDescribe, res.Usage, res.Sources, log)
	}

	if opts.GenerateEmbeddings {
		res, err := call(ctx, o, domain.StageEnrich, "embed", log, func(ctx context.Context) (ai.Embedding, error) {
			return o.deps.AI.Embed(ctx, embedText(item))
		})
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		item.Embedding = res.Vector
		o.account(run, ledger, item, domain.GenerationEmbed, res.Usage, nil, log)
	}
	return nil
}

// account prices one AI call, adds it to the run total and records provenance.
func (o *Orchestrator) account(
	run *domain.SyncRun,
	ledger *budget.Ledger,
	item *domain.EnrichedItem,
	kind domain.GenerationKind,
	usage domain.Usage,
	sources []string,
	log *slog.Logger,
) {
	cost := ledger.Record(usage)
	if err := run.AddCost(cost); err != nil {
		log.Error("Failed to add cost to run", "error", err)
	}
	item.Provenance = append(item.Provenance, domain.Generation{
		Kind:    kind,
		Usage:   usage,
		CostUSD: cost,
		Sources: sources,
	})

	metrics.AICostUSD.WithLabelValues(usage.Provider, usage.Model).Add(cost.InexactFloat64())
	metrics.AITokens.WithLabelValues(usage.Provider, usage.Model, "input").Add(float64(usage.InputTokens))
	metrics.AITokens.WithLabelValues(usage.Provider, usage.Model, "cached_input").Add(float64(usage.CachedInputTokens))
	metrics.AITokens.WithLabelValues(usage.Provider, usage.Model, "output").Add(float64(usage.OutputTokens))
}

func (o *Orchestrator) persist(ctx context.Context, item *domain.EnrichedItem, opts Options, log *slog.Logger) error {
	if opts.UploadImages && len(item.ImageURLs) > 0 {
		uploaded := make([]string, 0, len(item.ImageURLs))
		for i, src := range item.ImageURLs {
			u, err := call(ctx, o, domain.StagePersist, "upload_image", log, func(ctx context.Context) (string, error) {
				return o.uploadImage(ctx, item, i, src)
			})
			if err != nil {
				return fmt.Errorf("upload image %d: %w", i, err)
			}
			uploaded = append(uploaded, u)
		}
		item.ImageURLs = uploaded
	}

	_, err := call(ctx, o, domain.StagePersist, "upsert", log, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.deps.Catalog.Upsert(ctx, item)
	})
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// uploadImage copies a source image into the blob store.
func (o *Orchestrator) uploadImage(ctx context.Context, item *domain.EnrichedItem, i int, src string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", domain.NewFault(domain.SourceBlob, domain.KindInvalid, fmt.Errorf("image url: %w", err))
	}
	resp, err := o.deps.HTTPClient.Do(req)
	if err != nil {
		return "", domain.NewFault(domain.SourceBlob, domain.KindUnreachable, fmt.Errorf("fetch image: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", domain.StatusFault(domain.SourceBlob, resp.StatusCode, "fetch image "+src)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", domain.NewFault(domain.SourceBlob, domain.KindUnreachable, fmt.Errorf("read image: %w", err))
	}
	if len(data) > maxImageBytes {
		return "", domain.NewFault(domain.SourceBlob, domain.KindInvalid, fmt.Errorf("image exceeds %d bytes", maxImageBytes))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	key := fmt.Sprintf("%s/%s/%d%s", item.StoreID, item.SourceID, i, imageExt(src, contentType))
	return o.deps.Blobs.PutImage(ctx, key, contentType, bytes.NewReader(data))
}

func imageExt(src, contentType string) string {
	if u, err := url.Parse(src); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

func classifyText(item *domain.EnrichedItem) string {
	var b strings.Builder
	b.WriteString(item.Title)
	if item.Vendor != "" {
		b.WriteString("\nVendor: " + item.Vendor)
	}
	if item.Category != "" {
		b.WriteString("\nSource category: " + item.Category)
	}
	if len(item.Tags) > 0 {
		b.WriteString("\nTags: " + strings.Join(item.Tags, ", "))
	}
	if item.Description != "" {
		b.WriteString("\n\n" + item.Description)
	}
	return b.String()
}

func embedText(item *domain.EnrichedItem) string {
	if item.Description == "" {
		return item.Title
	}
	return item.Title + "\n\n" + item.Description
}
