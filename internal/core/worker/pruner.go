package worker

import (
	"context"
	"log/slog"
	"time"
)

// PruneFunc deletes records that ended before the threshold and reports how many went.
type PruneFunc func(ctx context.Context, before time.Time) (int64, error)

// PruneTarget is one retention-managed collection.
type PruneTarget struct {
	Name  string
	Prune PruneFunc
}

// Pruner deletes old data based on retention policy.
type Pruner struct {
	retention time.Duration
	targets   []PruneTarget
	log       *slog.Logger
	now       func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, targets ...PruneTarget) *Pruner {
	return &Pruner{
		retention: retention,
		targets:   targets,
		log:       slog.Default().With("component", "pruner"),
		now:       time.Now,
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// 10% of the retention period, between 1 minute and 1 hour
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.PruneOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs every target once. Failures are logged and do not stop other targets.
func (p *Pruner) PruneOnce(ctx context.Context) {
	threshold := p.now().Add(-p.retention)

	for _, t := range p.targets {
		n, err := t.Prune(ctx, threshold)
		if err != nil {
			p.log.Error("Prune failed", "target", t.Name, "error", err)
			continue
		}
		if n > 0 {
			p.log.Info("Pruned expired records", "target", t.Name, "count", n, "before", threshold)
		}
	}
}
