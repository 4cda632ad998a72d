package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/catalogsync/internal/core/domain"
	"github.com/vietddude/catalogsync/internal/syncing/metrics"
)

// Broadcaster publishes run progress to external subscribers. Delivery is best effort.
type Broadcaster interface {
	Publish(ctx context.Context, runID string, p domain.Progress) error
}

// NopBroadcaster drops every update.
type NopBroadcaster struct{}

func (NopBroadcaster) Publish(context.Context, string, domain.Progress) error { return nil }

// progressPump forwards progress to a Broadcaster without ever blocking workers.
// Pending updates coalesce; only the most advanced value is published.
type progressPump struct {
	runID string
	b     Broadcaster
	log   *slog.Logger

	mu      sync.Mutex
	latest  domain.Progress
	pending bool

	signal chan struct{}
	done   chan struct{}
}

func newProgressPump(runID string, b Broadcaster, log *slog.Logger) *progressPump {
	p := &progressPump{
		runID:  runID,
		b:      b,
		log:    log,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// offer records v and wakes the publisher. A terminal frame is final.
func (p *progressPump) offer(v domain.Progress) {
	p.mu.Lock()
	if p.latest.State.IsTerminal() || (v.Processed < p.latest.Processed && !v.State.IsTerminal()) {
		// a later update already overtook this one
		p.mu.Unlock()
		return
	}
	p.latest = v
	p.pending = true
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// close flushes the last pending value and stops the publisher.
func (p *progressPump) close() {
	close(p.signal)
	<-p.done
}

func (p *progressPump) loop() {
	defer close(p.done)
	for range p.signal {
		p.flush()
	}
	p.flush()
}

func (p *progressPump) flush() {
	p.mu.Lock()
	if !p.pending {
		p.mu.Unlock()
		return
	}
	v := p.latest
	p.pending = false
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.b.Publish(ctx, p.runID, v); err != nil {
		metrics.ProgressPublishErrors.Inc()
		p.log.Warn("Progress publish failed", "error", err)
	}
}
