package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPruner_PruneOnce(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var gotA, gotB time.Time

	p := NewPruner(24*time.Hour,
		PruneTarget{Name: "a", Prune: func(ctx context.Context, before time.Time) (int64, error) {
			gotA = before
			return 0, errors.New("db down")
		}},
		PruneTarget{Name: "b", Prune: func(ctx context.Context, before time.Time) (int64, error) {
			gotB = before
			return 3, nil
		}},
	)
	p.now = func() time.Time { return fixed }

	p.PruneOnce(context.Background())

	want := fixed.Add(-24 * time.Hour)
	assert.Equal(t, want, gotA)
	assert.Equal(t, want, gotB, "a failing target must not stop the others")
}

func TestPruner_DisabledReturnsImmediately(t *testing.T) {
	called := false
	p := NewPruner(0, PruneTarget{Name: "a", Prune: func(context.Context, time.Time) (int64, error) {
		called = true
		return 0, nil
	}})

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return with retention disabled")
	}
	assert.False(t, called)
}
