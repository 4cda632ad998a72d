// Package retry runs fallible operations with exponential backoff.
//
// This package contains:
//   - Policy: attempt budget, delay curve and retry predicate
//   - Do: the executor loop
//   - RateLimitAware: predicate composition that always retries rate limits
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

// Policy defines retry behavior for one call site.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// ShouldRetry decides whether a failed attempt is retried. Nil retries everything.
	ShouldRetry func(err error, attempt int) bool
}

// DefaultPolicy returns 3 attempts, 1s initial delay doubling up to 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		ShouldRetry:  Transient,
	}
}

// Delay returns the wait before retry n (1-based): InitialDelay * Multiplier^(n-1), clamped.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Observer is notified before each wait.
type Observer interface {
	OnRetry(err error, attempt int, delay time.Duration)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(err error, attempt int, delay time.Duration)

func (f ObserverFunc) OnRetry(err error, attempt int, delay time.Duration) {
	f(err, attempt, delay)
}

type options struct {
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a single Do call.
type Option func(*options)

// WithObserver attaches a retry observer.
func WithObserver(o Observer) Option {
	return func(opts *options) {
		opts.observer = o
	}
}

// Do runs op until it succeeds, the policy gives up, or ctx is done.
// The error of the final attempt is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error), opts ...Option) (T, error) {
	o := options{sleep: sleepCtx}
	for _, opt := range opts {
		opt(&o)
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var zero T
	delay := p.InitialDelay
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if attempt >= maxAttempts {
			return zero, err
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(err, attempt) {
			return zero, err
		}

		if o.observer != nil {
			o.observer.OnRetry(err, attempt, delay)
		}
		if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
			return zero, fmt.Errorf("retry aborted after attempt %d: %w (last error: %w)", attempt, sleepErr, err)
		}

		next := float64(delay) * p.Multiplier
		if p.MaxDelay > 0 && next > float64(p.MaxDelay) {
			next = float64(p.MaxDelay)
		}
		delay = time.Duration(next)
	}
}

// Exec is Do for operations without a result.
func Exec(ctx context.Context, p Policy, op func(context.Context) error, opts ...Option) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// Transient retries everything except invalid requests and caller cancellation.
func Transient(err error, _ int) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return domain.KindOf(err) != domain.KindInvalid
}

// RateLimitAware returns p with a predicate that always retries rate-limit errors
// and defers to p.ShouldRetry for everything else.
func RateLimitAware(p Policy) Policy {
	inner := p.ShouldRetry
	p.ShouldRetry = func(err error, attempt int) bool {
		if IsRateLimited(err) {
			return true
		}
		if inner == nil {
			return true
		}
		return inner(err, attempt)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
