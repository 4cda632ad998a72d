// Package control wires configuration into a running catalogsync service.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/catalogsync/internal/core/budget"
	"github.com/vietddude/catalogsync/internal/core/config"
	"github.com/vietddude/catalogsync/internal/core/retry"
	"github.com/vietddude/catalogsync/internal/core/worker"
	"github.com/vietddude/catalogsync/internal/infra/ai"
	"github.com/vietddude/catalogsync/internal/infra/platform"
	redisclient "github.com/vietddude/catalogsync/internal/infra/redis"
	"github.com/vietddude/catalogsync/internal/infra/storage"
	"github.com/vietddude/catalogsync/internal/infra/storage/memory"
	"github.com/vietddude/catalogsync/internal/infra/storage/postgres"
	"github.com/vietddude/catalogsync/internal/infra/storage/s3"
	"github.com/vietddude/catalogsync/internal/syncing/api"
	"github.com/vietddude/catalogsync/internal/syncing/pipeline"
)

// App owns every long-lived component of the service.
type App struct {
	cfg         *config.AppConfig
	orch        *pipeline.Orchestrator
	apiServer   *api.Server
	pruner      *worker.Pruner
	catalog     storage.CatalogStore
	runs        storage.RunStore
	db          *postgres.DB
	redisClient *redisclient.Client
	log         *slog.Logger
}

// Option overrides a collaborator, mainly for tests.
type Option func(*overrides)

type overrides struct {
	aiClient ai.Client
	adapters map[string]platform.Adapter
}

// WithAIClient replaces the configured AI provider client.
func WithAIClient(c ai.Client) Option {
	return func(o *overrides) { o.aiClient = c }
}

// WithAdapter replaces the platform adapter of one store.
func WithAdapter(storeID string, a platform.Adapter) Option {
	return func(o *overrides) {
		if o.adapters == nil {
			o.adapters = make(map[string]platform.Adapter)
		}
		o.adapters[storeID] = a
	}
}

// NewApp creates an App with all dependencies initialized.
func NewApp(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	var ov overrides
	for _, opt := range opts {
		opt(&ov)
	}

	app := &App{cfg: cfg, log: slog.Default().With("component", "control")}
	policy := cfg.Sync.RetryPolicy()

	// 1. Storage
	var blobs storage.BlobStore
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		app.db = db
		app.catalog = postgres.NewCatalogRepo(db)
		app.runs = postgres.NewRunRepo(db)
		app.log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		app.catalog = memory.NewCatalogRepo(store)
		app.runs = memory.NewRunRepo(store)
		app.log.Info("Using memory storage")
	}

	if cfg.Blob.Enabled() {
		bs, err := s3.New(ctx, cfg.Blob)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to init blob store: %w", err)
		}
		blobs = bs
		app.log.Info("Image upload enabled", "bucket", cfg.Blob.Bucket)
	}

	// 2. Redis progress fan-out and store locks
	var (
		broadcaster pipeline.Broadcaster
		locker      pipeline.Locker
	)
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			app.log.Warn("Failed to connect to Redis, progress broadcast disabled", "error", err)
		} else {
			app.redisClient = client
			broadcaster = redisclient.NewProgressBroadcaster(client, 24*time.Hour)
			locker = redisclient.NewStoreLock(client)
		}
	}

	// 3. AI provider
	aiClient := ov.aiClient
	if aiClient == nil {
		aiClient = ai.NewOpenAIClient(ai.Config{
			Provider:          cfg.AI.Provider,
			BaseURL:           cfg.AI.BaseURL,
			APIKey:            cfg.AI.APIKey,
			ChatModel:         cfg.AI.ChatModel,
			EmbeddingModel:    cfg.AI.EmbeddingModel,
			RequestsPerSecond: cfg.AI.RequestsPerSecond,
			Timeout:           cfg.AI.Timeout,
			WebSearch:         cfg.AI.WebSearch,
		})
	}

	// 4. Platform adapters, one per store
	adapters := make(map[string]platform.Adapter, len(cfg.Stores))
	for _, st := range cfg.Stores {
		if a, ok := ov.adapters[st.ID]; ok {
			adapters[st.ID] = a
			continue
		}
		a, err := platform.NewRESTAdapter(platform.Config{
			Platform:          st.Platform,
			BaseURL:           st.BaseURL,
			Token:             st.Token,
			PageSize:          st.PageSize,
			RequestsPerSecond: st.RequestsPerSecond,
		}, platform.WithRetryPolicy(retry.RateLimitAware(policy)))
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("store %s: %w", st.ID, err)
		}
		adapters[st.ID] = a
	}
	for id, a := range ov.adapters {
		adapters[id] = a
	}

	// 5. Orchestrator
	orch, err := pipeline.New(pipeline.Config{
		Limits: pipeline.Limits{
			Concurrency:    cfg.Sync.Concurrency,
			BatchSize:      cfg.Sync.BatchSize,
			MaxConcurrency: cfg.Sync.MaxConcurrency,
			MaxBatchSize:   cfg.Sync.MaxBatchSize,
		},
		Retry:      policy,
		Categories: cfg.AI.Categories,
		LockTTL:    cfg.Sync.LockTTL,
	}, pipeline.Deps{
		Adapters:    adapters,
		AI:          aiClient,
		Catalog:     app.catalog,
		Runs:        app.runs,
		Blobs:       blobs,
		Broadcaster: broadcaster,
		Locker:      locker,
		Accountant:  budget.NewAccountant(cfg.PricingTable()),
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to init orchestrator: %w", err)
	}
	app.orch = orch

	// 6. Health and HTTP API
	checks := []api.Check{{Name: "catalog", Critical: true, Probe: app.catalog.Ping}}
	if app.redisClient != nil {
		checks = append(checks, api.Check{Name: "redis", Probe: app.redisClient.Ping})
	}
	monitor := api.NewMonitor(orch.ActiveRuns, checks...)
	app.apiServer = api.NewServer(orch, app.runs, monitor, cfg.Server.Port)

	// 7. Retention
	app.pruner = worker.NewPruner(cfg.Sync.RunRetention,
		worker.PruneTarget{Name: "runs", Prune: orch.Prune},
		worker.PruneTarget{Name: "summaries", Prune: app.runs.DeleteSummariesBefore},
	)

	return app, nil
}

// Orchestrator returns the sync orchestrator.
func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orch }

// Runs returns the run summary store.
func (a *App) Runs() storage.RunStore { return a.runs }

// API returns the HTTP API server.
func (a *App) API() *api.Server { return a.apiServer }

// Serve runs the API server, pruner and metrics collector until ctx is done,
// then drains active runs within shutdownTimeout.
func (a *App) Serve(ctx context.Context, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.db != nil {
		a.db.StartMetricsCollector(gctx)
	}

	g.Go(func() error {
		if err := a.apiServer.Start(); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.pruner.Start(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("Stopping catalogsync...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := a.apiServer.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
		if err := a.orch.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	a.log.Info("catalogsync started", "port", a.cfg.Server.Port, "stores", len(a.cfg.Stores))
	err := g.Wait()
	a.Close()
	return err
}

// Close releases connections. It does not wait for active runs.
func (a *App) Close() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
		a.redisClient = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
		a.db = nil
	}
}
