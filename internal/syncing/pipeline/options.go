package pipeline

import (
	"fmt"
	"time"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

// ProgressObserver is notified after every item is committed to the run.
// Calls come from worker goroutines and are not ordered by index.
type ProgressObserver interface {
	OnProgress(runID string, p domain.Progress)
}

// ProgressFunc adapts a function to ProgressObserver.
type ProgressFunc func(runID string, p domain.Progress)

func (f ProgressFunc) OnProgress(runID string, p domain.Progress) { f(runID, p) }

// Options are the per-run toggles recognized by StartSync.
type Options struct {
	GenerateEmbeddings bool
	ClassifyProducts   bool
	DescribeProducts   bool
	UploadImages       bool

	// Zero means the configured default.
	Concurrency int
	BatchSize   int

	// Timeout stops claiming new items once elapsed. Zero means no deadline.
	Timeout time.Duration

	Observer ProgressObserver
}

// Limits holds the configured defaults and ceilings for Options.
type Limits struct {
	Concurrency    int
	BatchSize      int
	MaxConcurrency int
	MaxBatchSize   int
}

// DefaultLimits mirrors the worker pool defaults.
func DefaultLimits() Limits {
	return Limits{Concurrency: 5, BatchSize: 10, MaxConcurrency: 20, MaxBatchSize: 100}
}

// resolve validates opts and fills defaults. Values above the ceilings are clamped.
func (l Limits) resolve(opts Options) (Options, error) {
	if opts.Concurrency < 0 {
		return opts, fmt.Errorf("%w: concurrency must not be negative, got %d", domain.ErrInvalidOptions, opts.Concurrency)
	}
	if opts.BatchSize < 0 {
		return opts, fmt.Errorf("%w: batch size must not be negative, got %d", domain.ErrInvalidOptions, opts.BatchSize)
	}
	if opts.Timeout < 0 {
		return opts, fmt.Errorf("%w: timeout must not be negative, got %s", domain.ErrInvalidOptions, opts.Timeout)
	}

	if opts.Concurrency == 0 {
		opts.Concurrency = l.Concurrency
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = l.BatchSize
	}
	if l.MaxConcurrency > 0 {
		opts.Concurrency = min(opts.Concurrency, l.MaxConcurrency)
	}
	if l.MaxBatchSize > 0 {
		opts.BatchSize = min(opts.BatchSize, l.MaxBatchSize)
	}
	opts.Concurrency = max(opts.Concurrency, 1)
	opts.BatchSize = max(opts.BatchSize, 1)
	return opts, nil
}
