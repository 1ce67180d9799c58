// Package dispatch drives many sandbox jobs at once, bounding how many
// run concurrently and how fast new runtimes are spawned.
package dispatch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/michaelbrown/compilebox/internal/sandbox"
)

// Runner is the part of sandbox.Sandbox the dispatcher needs.
type Runner interface {
	Run(ctx context.Context, job *sandbox.Job) (*sandbox.Outcome, error)
}

// Result pairs a job with what became of it.
type Result struct {
	Job     *sandbox.Job
	Outcome *sandbox.Outcome
	Err     error
}

// Dispatcher admits jobs to a Runner.
type Dispatcher struct {
	runner  Runner
	slots   *semaphore.Weighted
	limiter *rate.Limiter
}

// New creates a Dispatcher allowing maxConcurrent jobs in flight. A
// positive spawnRate additionally limits job starts per second.
func New(runner Runner, maxConcurrent int, spawnRate float64, burst int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	limit := rate.Inf
	if spawnRate > 0 {
		limit = rate.Limit(spawnRate)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Dispatcher{
		runner:  runner,
		slots:   semaphore.NewWeighted(int64(maxConcurrent)),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Run waits for a free slot and the spawn limiter, then runs job. Once
// admitted, the job runs to completion even if ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, job *sandbox.Job) (*sandbox.Outcome, error) {
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for a job slot: %w", err)
	}
	defer d.slots.Release(1)

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for spawn rate limit: %w", err)
	}
	return d.runner.Run(context.WithoutCancel(ctx), job)
}

// RunAll runs every job and returns their results in input order. One
// job's failure does not stop the others.
func (d *Dispatcher) RunAll(ctx context.Context, jobs []*sandbox.Job) []Result {
	results := make([]Result, len(jobs))
	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			out, err := d.Run(ctx, job)
			results[i] = Result{Job: job, Outcome: out, Err: err}
			return nil
		})
	}
	g.Wait()
	return results
}
