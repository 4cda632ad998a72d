// Package pipeline runs catalog syncs: list, transform, enrich, persist.
//
// The Orchestrator is the only component that performs external I/O. It fans
// out per-item work through the worker pool, wraps every network call in the
// backoff executor and feeds every AI call to a per-run cost ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/catalogsync/internal/core/budget"
	"github.com/vietddude/catalogsync/internal/core/domain"
	"github.com/vietddude/catalogsync/internal/core/retry"
	"github.com/vietddude/catalogsync/internal/infra/ai"
	"github.com/vietddude/catalogsync/internal/infra/platform"
	"github.com/vietddude/catalogsync/internal/infra/storage"
	"github.com/vietddude/catalogsync/internal/syncing/metrics"
)

// ErrShuttingDown is returned by StartSync once Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator shutting down")

// Locker guarantees a single active run per store across processes.
type Locker interface {
	Acquire(ctx context.Context, storeID, runID string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, storeID, runID string, ttl time.Duration) error
	Release(ctx context.Context, storeID, runID string) error
}

// Config holds orchestrator settings.
type Config struct {
	Limits     Limits
	Retry      retry.Policy
	Categories []string
	LockTTL    time.Duration
}

// Deps are the collaborators used by the orchestrator. Runs, Blobs,
// Broadcaster and Locker are optional.
type Deps struct {
	Adapters    map[string]platform.Adapter // keyed by store id
	AI          ai.Client
	Catalog     storage.CatalogStore
	Runs        storage.RunStore
	Blobs       storage.BlobStore
	Broadcaster Broadcaster
	Locker      Locker
	Accountant  *budget.Accountant
	HTTPClient  *http.Client // image downloads
}

type activeRun struct {
	run       *domain.SyncRun
	cancel    context.CancelCauseFunc
	cancelled bool // guarded by Orchestrator.mu
	settled   bool // guarded by Orchestrator.mu; no further Cancel is acknowledged
	done      chan struct{}
}

// Orchestrator coordinates sync runs.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	// workCtx outlives Cancel so in-flight writes finish; Shutdown cancels it
	// only when its own deadline expires.
	workCtx    context.Context
	workCancel context.CancelFunc

	mu      sync.Mutex
	runs    map[string]*activeRun
	byStore map[string]string
	closed  bool
	wg      sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Catalog == nil {
		return nil, errors.New("catalog store is required")
	}
	if deps.AI == nil {
		return nil, errors.New("ai client is required")
	}
	if deps.Accountant == nil {
		deps.Accountant = budget.NewAccountant(budget.DefaultPricing())
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = NopBroadcaster{}
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}

	workCtx, workCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		log:        slog.Default().With("component", "pipeline"),
		now:        time.Now,
		workCtx:    workCtx,
		workCancel: workCancel,
		runs:       make(map[string]*activeRun),
		byStore:    make(map[string]string),
	}, nil
}

// StartSync starts a run in the background and returns its id.
//
// A store with an active run yields ErrRunActive and no run is created.
// Invalid options and unknown stores create a run that is immediately
// failed; its id is returned alongside the error.
func (o *Orchestrator) StartSync(ctx context.Context, storeID string, opts Options) (string, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrShuttingDown
	}
	if active, ok := o.byStore[storeID]; ok {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: store %s run %s", domain.ErrRunActive, storeID, active)
	}
	o.mu.Unlock()

	runID := uuid.NewString()
	run := domain.NewSyncRun(runID, storeID, o.now())
	log := o.log.With("run_id", runID, "store_id", storeID)

	resolved, err := o.cfg.Limits.resolve(opts)
	switch {
	case err != nil:
	case resolved.UploadImages && o.deps.Blobs == nil:
		err = fmt.Errorf("%w: image upload requires a blob store", domain.ErrInvalidOptions)
	case o.deps.Adapters[storeID] == nil:
		err = fmt.Errorf("%w: %s", domain.ErrStoreUnknown, storeID)
	}
	if err != nil {
		o.failEarly(ctx, run, err, log)
		return runID, err
	}

	if o.deps.Locker != nil {
		ok, lockErr := o.deps.Locker.Acquire(ctx, storeID, runID, o.cfg.LockTTL)
		switch {
		case lockErr != nil:
			log.Warn("Store lock unavailable, relying on local guard", "error", lockErr)
		case !ok:
			return "", fmt.Errorf("%w: store %s locked by another instance", domain.ErrRunActive, storeID)
		}
	}

	claimCtx, cancel := context.WithCancelCause(context.Background())
	ar := &activeRun{run: run, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if _, ok := o.byStore[storeID]; ok || o.closed {
		o.mu.Unlock()
		cancel(nil)
		o.releaseLock(storeID, runID, log)
		if o.closed {
			return "", ErrShuttingDown
		}
		return "", fmt.Errorf("%w: store %s", domain.ErrRunActive, storeID)
	}
	o.runs[runID] = ar
	o.byStore[storeID] = runID
	o.wg.Add(1)
	o.mu.Unlock()

	metrics.RunsStarted.WithLabelValues(storeID).Inc()
	metrics.ActiveRuns.Inc()
	log.Info("Sync run started",
		"concurrency", resolved.Concurrency,
		"batch_size", resolved.BatchSize,
		"classify", resolved.ClassifyProducts,
		"describe", resolved.DescribeProducts,
		"embed", resolved.GenerateEmbeddings,
		"upload_images", resolved.UploadImages,
	)

	go func() {
		defer o.wg.Done()
		defer close(ar.done)
		o.execute(claimCtx, ar, o.deps.Adapters[storeID], resolved, log)
	}()

	return runID, nil
}

// SyncNow runs a sync to completion and returns its summary. If ctx ends
// first the run is cancelled and its terminal summary is still returned.
func (o *Orchestrator) SyncNow(ctx context.Context, storeID string, opts Options) (domain.RunSummary, error) {
	runID, err := o.StartSync(ctx, storeID, opts)
	if err != nil {
		if runID != "" {
			if s, getErr := o.summary(ctx, runID); getErr == nil {
				return s, err
			}
		}
		return domain.RunSummary{}, err
	}

	o.mu.Lock()
	ar := o.runs[runID]
	o.mu.Unlock()

	select {
	case <-ar.done:
	case <-ctx.Done():
		_ = o.Cancel(runID)
		<-ar.done
	}
	return ar.run.Summary(), nil
}

// GetStatus returns the latest committed counters of a run.
func (o *Orchestrator) GetStatus(ctx context.Context, runID string) (domain.RunStatus, error) {
	o.mu.Lock()
	ar, ok := o.runs[runID]
	o.mu.Unlock()
	if ok {
		return ar.run.Snapshot(), nil
	}

	s, err := o.summary(ctx, runID)
	if err != nil {
		return domain.RunStatus{}, err
	}
	return s.ToStatus(), nil
}

func (o *Orchestrator) summary(ctx context.Context, runID string) (domain.RunSummary, error) {
	o.mu.Lock()
	ar, ok := o.runs[runID]
	o.mu.Unlock()
	if ok {
		return ar.run.Summary(), nil
	}
	if o.deps.Runs == nil {
		return domain.RunSummary{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	s, err := o.deps.Runs.GetSummary(ctx, runID)
	if errors.Is(err, storage.ErrSummaryNotFound) {
		return domain.RunSummary{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return domain.RunSummary{}, fmt.Errorf("failed to load run summary: %w", err)
	}
	return s, nil
}

// Cancel asks a run to stop claiming items. In-flight items finish normally.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	ar, ok := o.runs[runID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if ar.settled || ar.run.State().IsTerminal() {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrRunTerminal, runID)
	}
	ar.cancelled = true
	o.mu.Unlock()

	ar.cancel(domain.ErrRunCancelled)
	o.log.Info("Sync run cancel requested", "run_id", runID)
	return nil
}

// Runs lists runs held in memory, newest first.
func (o *Orchestrator) Runs() []domain.RunStatus {
	o.mu.Lock()
	out := make([]domain.RunStatus, 0, len(o.runs))
	for _, ar := range o.runs {
		out = append(out, ar.run.Snapshot())
	}
	o.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.RunStatus) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return out
}

// ActiveRuns reports how many runs have not settled yet.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byStore)
}

// Prune evicts terminal runs that ended before the threshold from memory.
// Their summaries remain available through the run store.
func (o *Orchestrator) Prune(_ context.Context, before time.Time) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var n int64
	for id, ar := range o.runs {
		if !ar.run.State().IsTerminal() {
			continue
		}
		if ended := ar.run.EndedAt(); !ended.IsZero() && ended.Before(before) {
			delete(o.runs, id)
			n++
		}
	}
	return n, nil
}

// Shutdown stops accepting runs, cancels active ones and waits for them to
// settle. If ctx expires first, in-flight work is interrupted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	active := make([]*activeRun, 0, len(o.byStore))
	for _, id := range o.byStore {
		active = append(active, o.runs[id])
	}
	for _, ar := range active {
		ar.cancelled = true
	}
	o.mu.Unlock()

	for _, ar := range active {
		ar.cancel(domain.ErrRunCancelled)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.workCancel()
		return nil
	case <-ctx.Done():
		o.workCancel()
		<-done
		return ctx.Err()
	}
}

// failEarly records a run that could not be dispatched.
func (o *Orchestrator) failEarly(ctx context.Context, run *domain.SyncRun, err error, log *slog.Logger) {
	if finishErr := run.Finish(domain.RunFailed, err, o.now()); finishErr != nil {
		log.Error("Failed to finish run", "error", finishErr)
	}

	o.mu.Lock()
	o.runs[run.ID()] = &activeRun{run: run, cancel: func(error) {}, settled: true, done: closedChan()}
	o.mu.Unlock()

	metrics.RunsFinished.WithLabelValues(run.StoreID(), string(domain.RunFailed)).Inc()
	log.Warn("Sync run rejected", "error", err)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if pubErr := o.deps.Broadcaster.Publish(pubCtx, run.ID(), run.Progress()); pubErr != nil {
		metrics.ProgressPublishErrors.Inc()
		log.Warn("Progress publish failed", "error", pubErr)
	}
	o.saveSummary(context.WithoutCancel(ctx), run, log)
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
