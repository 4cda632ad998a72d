package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

// recordSleeps replaces the real sleep with one that records requested delays.
func recordSleeps(delays *[]time.Duration) Option {
	return func(o *options) {
		o.sleep = func(ctx context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return ctx.Err()
		}
	}
}

func TestDo_AlwaysFailingAttemptsExactlyMax(t *testing.T) {
	boom := errors.New("boom")

	for _, k := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("max=%d", k), func(t *testing.T) {
			calls := 0
			var delays []time.Duration
			p := Policy{MaxAttempts: k, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}

			_, err := Do(context.Background(), p, func(context.Context) (int, error) {
				calls++
				return 0, boom
			}, recordSleeps(&delays))

			assert.Same(t, boom, err, "final error must be returned unchanged")
			assert.Equal(t, k, calls)
			assert.Len(t, delays, k-1)
		})
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var delays []time.Duration

	got, err := Do(context.Background(), DefaultPolicy(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	}, recordSleeps(&delays))

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestDo_DelaySequenceClamped(t *testing.T) {
	p := Policy{MaxAttempts: 9, InitialDelay: 1000 * time.Millisecond, MaxDelay: 30000 * time.Millisecond, Multiplier: 2}
	var delays []time.Duration

	_, _ = Do(context.Background(), p, func(context.Context) (int, error) {
		return 0, errors.New("fail")
	}, recordSleeps(&delays))

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	assert.Equal(t, want, delays)

	for i, d := range want {
		assert.Equal(t, d, p.Delay(i+1), "Delay(%d)", i+1)
	}
}

func TestDo_PredicateStopsImmediately(t *testing.T) {
	invalid := domain.StatusFault(domain.SourceProvider, 400, "bad request")
	calls := 0
	var delays []time.Duration

	_, err := Do(context.Background(), DefaultPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, invalid
	}, recordSleeps(&delays))

	assert.Same(t, invalid, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
}

func TestDo_ObserverSeesEachRetry(t *testing.T) {
	type seen struct {
		attempt int
		delay   time.Duration
	}
	var got []seen
	obs := ObserverFunc(func(err error, attempt int, delay time.Duration) {
		got = append(got, seen{attempt, delay})
	})
	var delays []time.Duration

	_, _ = Do(context.Background(), DefaultPolicy(), func(context.Context) (int, error) {
		return 0, errors.New("fail")
	}, WithObserver(obs), recordSleeps(&delays))

	assert.Equal(t, []seen{{1, time.Second}, {2, 2 * time.Second}}, got)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("boom")
	p := Policy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}

	calls := 0
	_, err := Do(ctx, p, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRateLimitAware_OverridesPredicate(t *testing.T) {
	never := Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2,
		ShouldRetry:  func(error, int) bool { return false },
	}
	p := RateLimitAware(never)

	limited := domain.StatusFault(domain.SourceProvider, 429, "slow down")
	calls := 0
	var delays []time.Duration
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, limited
	}, recordSleeps(&delays))

	assert.Same(t, limited, err)
	assert.Equal(t, 3, calls, "rate limits retry up to the attempt budget")

	calls = 0
	other := errors.New("unexpected EOF")
	_, err = Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, other
	}, recordSleeps(&delays))
	assert.Same(t, other, err)
	assert.Equal(t, 1, calls, "non rate-limit errors follow the caller's predicate")
}

func TestExec(t *testing.T) {
	calls := 0
	var delays []time.Duration
	err := Exec(context.Background(), DefaultPolicy(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("temporary")
		}
		return nil
	}, recordSleeps(&delays))

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{domain.StatusFault(domain.SourceProvider, 429, "quota"), true},
		{domain.NewFault(domain.SourceAdapter, domain.KindRateLimited, errors.New("x")), true},
		{fmt.Errorf("describe: %w", domain.StatusFault(domain.SourceProvider, 429, "")), true},
		{domain.StatusFault(domain.SourceProvider, 500, "rate limit in text but typed"), false},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("project rate limit exceeded"), true},
		{errors.New("Request was throttled"), true},
		{errors.New("connection reset by peer"), false},
		{errors.New("500 Internal Server Error"), false},
		{nil, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expect, IsRateLimited(tt.err), "IsRateLimited(%v)", tt.err)
	}
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(errors.New("timeout"), 1))
	assert.True(t, Transient(domain.StatusFault(domain.SourceStore, 503, "down"), 1))
	assert.False(t, Transient(domain.StatusFault(domain.SourceStore, 422, "bad"), 1))
	assert.False(t, Transient(context.Canceled, 1))
}
