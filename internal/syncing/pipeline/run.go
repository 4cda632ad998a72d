package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/catalogsync/internal/core/budget"
	"github.com/vietddude/catalogsync/internal/core/domain"
	"github.com/vietddude/catalogsync/internal/core/retry"
	"github.com/vietddude/catalogsync/internal/core/worker"
	"github.com/vietddude/catalogsync/internal/infra/platform"
	"github.com/vietddude/catalogsync/internal/syncing/metrics"
)

// execute drives one run from pending to a terminal state.
// claimCtx gates item claims and setup I/O; item work runs on o.workCtx.
func (o *Orchestrator) execute(claimCtx context.Context, ar *activeRun, adapter platform.Adapter, opts Options, log *slog.Logger) {
	run := ar.run
	defer ar.cancel(nil)
	defer o.release(run, log)

	pump := newProgressPump(run.ID(), o.deps.Broadcaster, log)
	defer pump.close()

	stopRefresh := o.keepLock(run.StoreID(), run.ID(), log)
	defer stopRefresh()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		claimCtx, cancel = context.WithTimeout(claimCtx, opts.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("Sync run panicked", "panic", r)
			o.settle(ar)
			o.finish(run, pump, domain.RunFailed, fmt.Errorf("internal fault: %v", r), log)
		}
	}()

	// Setup: persistence must answer, then the adapter must list without error.
	if err := retry.Exec(claimCtx, o.cfg.Retry, o.deps.Catalog.Ping,
		retry.WithObserver(o.retryObserver(domain.StagePersist, "ping", log))); err != nil {
		o.abort(claimCtx, ar, pump, fmt.Errorf("%w: %w", domain.ErrPersistenceUnavailable, err), log)
		return
	}

	items, err := platform.Collect(claimCtx, adapter)
	if err != nil {
		o.abort(claimCtx, ar, pump, fmt.Errorf("%w: %w", domain.ErrAdapterUnreachable, err), log)
		return
	}

	if err := run.MarkQueued(len(items)); err != nil {
		log.Error("Failed to queue run", "error", err)
		return
	}
	pump.offer(run.Progress())
	log.Info("Items listed", "total", len(items))

	if len(items) == 0 {
		if o.settle(ar) {
			o.finish(run, pump, domain.RunCancelled, context.Cause(claimCtx), log)
			return
		}
		o.finish(run, pump, domain.RunCompleted, nil, log)
		return
	}

	ledger := budget.NewLedger(o.deps.Accountant, log)
	storeID := run.StoreID()

	results := worker.RunBatched(claimCtx, items, opts.BatchSize, opts.Concurrency,
		func(_ context.Context, item domain.SourceItem, index int) (struct{}, error) {
			run.MarkRunning()

			var (
				p   domain.Progress
				err error
			)
			if itemErr := o.processItem(o.workCtx, run, ledger, item, index, opts, log); itemErr != nil {
				p, err = run.RecordFailure(*itemErr)
				metrics.ItemsProcessed.WithLabelValues(storeID, "error").Inc()
			} else {
				p, err = run.RecordSuccess()
				metrics.ItemsProcessed.WithLabelValues(storeID, "success").Inc()
			}
			if err != nil {
				return struct{}{}, err
			}

			if opts.Observer != nil {
				opts.Observer.OnProgress(run.ID(), p)
			}
			pump.offer(p)
			return struct{}{}, nil
		})

	unclaimed := 0
	for _, r := range results {
		switch {
		case !r.Claimed():
			unclaimed++
		case r.Err != nil:
			log.Error("Item slot failed outside the item pipeline", "index", r.Index, "error", r.Err)
		}
	}
	if unclaimed > 0 {
		metrics.ItemsProcessed.WithLabelValues(storeID, "cancelled").Add(float64(unclaimed))
		if err := run.RecordCancelled(unclaimed); err != nil {
			log.Error("Failed to record cancelled items", "error", err)
		}
	}

	for _, line := range ledger.Lines() {
		log.Debug("AI usage",
			"provider", line.Provider,
			"model", line.Model,
			"calls", line.Calls,
			"input_tokens", line.InputTokens,
			"cached_input_tokens", line.CachedInputTokens,
			"output_tokens", line.OutputTokens,
			"cost_usd", line.CostUSD.String(),
			"unpriced", line.Unpriced,
		)
	}

	if o.settle(ar) || unclaimed > 0 {
		o.finish(run, pump, domain.RunCancelled, context.Cause(claimCtx), log)
		return
	}
	o.finish(run, pump, domain.RunCompleted, nil, log)
}

// abort ends a run whose setup failed. A stopped claim context means the
// run was cancelled or hit its deadline, not that a collaborator failed.
func (o *Orchestrator) abort(claimCtx context.Context, ar *activeRun, pump *progressPump, err error, log *slog.Logger) {
	if o.settle(ar) || claimCtx.Err() != nil {
		o.finish(ar.run, pump, domain.RunCancelled, context.Cause(claimCtx), log)
		return
	}
	log.Error("Sync run failed", "error", err)
	o.finish(ar.run, pump, domain.RunFailed, err, log)
}

// settle closes the run to Cancel and reports whether a cancel was
// acknowledged before that point.
func (o *Orchestrator) settle(ar *activeRun) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	ar.settled = true
	return ar.cancelled
}

// finish moves the run to its terminal state and hands the final frame to
// the pump, which flushes it on close.
func (o *Orchestrator) finish(run *domain.SyncRun, pump *progressPump, state domain.RunState, runErr error, log *slog.Logger) {
	if err := run.Finish(state, runErr, o.now()); err != nil {
		log.Error("Failed to finish run", "status", state, "error", err)
		return
	}
	pump.offer(run.Progress())

	s := run.Summary()
	metrics.RunsFinished.WithLabelValues(s.StoreID, string(state)).Inc()
	log.Info("Sync run finished",
		"status", state,
		"processed", s.ProcessedCount,
		"total", s.Total,
		"errors", s.ErrorCount,
		"cancelled", s.CancelledCount,
		"cost_usd", s.CostUSD.StringFixed(6),
		"duration", s.EndedAt.Sub(s.StartedAt),
	)
	o.saveSummary(o.workCtx, run, log)
}

func (o *Orchestrator) saveSummary(ctx context.Context, run *domain.SyncRun, log *slog.Logger) {
	if o.deps.Runs == nil {
		return
	}
	s := run.Summary()
	err := retry.Exec(ctx, o.cfg.Retry, func(ctx context.Context) error {
		return o.deps.Runs.SaveSummary(ctx, s)
	}, retry.WithObserver(o.retryObserver(domain.StagePersist, "save_summary", log)))
	if err != nil {
		log.Error("Failed to persist run summary", "error", err)
	}
}

// release frees the store for the next run.
func (o *Orchestrator) release(run *domain.SyncRun, log *slog.Logger) {
	o.mu.Lock()
	if o.byStore[run.StoreID()] == run.ID() {
		delete(o.byStore, run.StoreID())
	}
	o.mu.Unlock()

	metrics.ActiveRuns.Dec()
	o.releaseLock(run.StoreID(), run.ID(), log)
}

func (o *Orchestrator) releaseLock(storeID, runID string, log *slog.Logger) {
	if o.deps.Locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Locker.Release(ctx, storeID, runID); err != nil {
		log.Warn("Failed to release store lock", "error", err)
	}
}

// keepLock refreshes the store lock until the returned stop func is called.
func (o *Orchestrator) keepLock(storeID, runID string, log *slog.Logger) func() {
	if o.deps.Locker == nil {
		return func() {}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(o.cfg.LockTTL/3, time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := o.deps.Locker.Refresh(ctx, storeID, runID, o.cfg.LockTTL); err != nil {
					log.Warn("Failed to refresh store lock", "error", err)
				}
				cancel()
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

func (o *Orchestrator) retryObserver(stage domain.Stage, op string, log *slog.Logger) retry.Observer {
	return retry.ObserverFunc(func(err error, attempt int, delay time.Duration) {
		kind := domain.KindOf(err).String()
		if retry.IsRateLimited(err) {
			kind = domain.KindRateLimited.String()
		}
		metrics.RetriesTotal.WithLabelValues(string(stage), kind).Inc()
		log.Warn("Retrying call",
			"stage", stage,
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	})
}
