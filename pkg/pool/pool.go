// Package pool provides a bounded fan-out limiter for outbound work: any
// number of tasks may be submitted, but at most a configured number run
// concurrently. Excess submissions queue until a slot frees.
package pool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultWidth is the concurrency used when no explicit width is given.
const DefaultWidth = 10

// Pool is a counting limiter of fixed width. A Pool is safe for
// concurrent use and may be shared by any number of submitters.
type Pool struct {
	width int
	sem   *semaphore.Weighted
}

// New creates a pool running at most width tasks concurrently. A width
// below 1 falls back to the number of CPUs.
func New(width int) *Pool {
	if width < 1 {
		width = runtime.NumCPU()
	}
	return &Pool{
		width: width,
		sem:   semaphore.NewWeighted(int64(width)),
	}
}

// Width returns the pool's concurrency limit.
func (p *Pool) Width() int {
	return p.width
}

// Run executes fn while holding a pool slot, blocking until one frees or
// the context is canceled.
func (p *Pool) Run(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Gather runs every task through the pool concurrently and collects the
// results positionally: results[i] is the result of tasks[i] regardless
// of completion order. The first task error cancels the remaining tasks
// and is returned.
func Gather[T any](ctx context.Context, p *Pool, tasks []func(context.Context) (T, error)) ([]T, error) {
	results := make([]T, len(tasks))
	group, ctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		group.Go(func() error {
			return p.Run(ctx, func(ctx context.Context) error {
				result, err := task(ctx)
				if err != nil {
					return err
				}
				results[i] = result
				return nil
			})
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
