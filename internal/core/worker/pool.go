package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrNotClaimed marks result slots whose item was never handed to a worker
// because the claim context stopped first.
var ErrNotClaimed = errors.New("item not claimed")

// Result is one slot of a batch result.
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// Claimed reports whether a worker picked up the item.
func (r Result[R]) Claimed() bool {
	return !errors.Is(r.Err, ErrNotClaimed)
}

// ProcessFunc handles one item. index is the item's position in the full input.
type ProcessFunc[T, R any] func(ctx context.Context, item T, index int) (R, error)

// Run processes items with at most concurrency workers sharing one cursor.
//
// ctx gates claims only: once it is done no further index is claimed and the
// remaining slots get ErrNotClaimed. Items already claimed run to completion.
// The returned slice has exactly len(items) entries in input order.
func Run[T, R any](ctx context.Context, items []T, concurrency int, fn ProcessFunc[T, R]) []Result[R] {
	return runOffset(ctx, items, 0, concurrency, fn)
}

// RunBatched splits items into chunks of batchSize and runs each chunk with Run,
// one chunk after another.
func RunBatched[T, R any](ctx context.Context, items []T, batchSize, concurrency int, fn ProcessFunc[T, R]) []Result[R] {
	if batchSize < 1 {
		batchSize = len(items)
	}

	results := make([]Result[R], 0, len(items))
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		results = append(results, runOffset(ctx, items[start:end], start, concurrency, fn)...)
	}
	return results
}

func runOffset[T, R any](ctx context.Context, items []T, offset, concurrency int, fn ProcessFunc[T, R]) []Result[R] {
	results := make([]Result[R], len(items))
	claimed := make([]bool, len(items))
	if len(items) == 0 {
		return results
	}

	workers := max(1, min(concurrency, len(items)))

	var cursor atomic.Int64
	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}
				i := int(cursor.Add(1) - 1)
				if i >= len(items) {
					return nil
				}
				claimed[i] = true
				value, err := safeCall(ctx, fn, items[i], offset+i)
				results[i] = Result[R]{Index: offset + i, Value: value, Err: err}
			}
		})
	}
	_ = g.Wait()

	for i := range results {
		if !claimed[i] {
			results[i] = Result[R]{
				Index: offset + i,
				Err:   fmt.Errorf("%w: %w", ErrNotClaimed, context.Cause(ctx)),
			}
		}
	}
	return results
}

func safeCall[T, R any](ctx context.Context, fn ProcessFunc[T, R], item T, index int) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic on item %d: %v", index, r)
		}
	}()
	return fn(ctx, item, index)
}
