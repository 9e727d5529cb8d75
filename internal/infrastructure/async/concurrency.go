package async

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stratlab/internal/domain"
)

// WorkerPool bounds how many independent evaluations run at once. It holds
// no task queue: callers hand it a batch through Map and block until every
// item has finished, which gives each generation or validation pass a hard
// barrier.
type WorkerPool struct {
	workers int
	metrics poolCounters
}

type poolCounters struct {
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	cancelled atomic.Int64
	busyNanos atomic.Int64
}

// PoolMetrics is a snapshot of pool activity
type PoolMetrics struct {
	Workers        int           `json:"workers"`
	CompletedTasks int64         `json:"completed_tasks"`
	FailedTasks    int64         `json:"failed_tasks"`
	PanickedTasks  int64         `json:"panicked_tasks"`
	CancelledTasks int64         `json:"cancelled_tasks"`
	BusyTime       time.Duration `json:"busy_time"`
}

// NewWorkerPool creates a pool; workers <= 0 selects GOMAXPROCS
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &WorkerPool{workers: workers}
}

// Workers returns the concurrency bound
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// GetMetrics returns worker pool metrics
func (wp *WorkerPool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		Workers:        wp.workers,
		CompletedTasks: wp.metrics.completed.Load(),
		FailedTasks:    wp.metrics.failed.Load(),
		PanickedTasks:  wp.metrics.panicked.Load(),
		CancelledTasks: wp.metrics.cancelled.Load(),
		BusyTime:       time.Duration(wp.metrics.busyNanos.Load()),
	}
}

// Result pairs a task's value with its error
type Result[R any] struct {
	Value R
	Err   error
}

type taskKey struct{}

// InTask reports whether ctx belongs to a task already running on a pool
func InTask(ctx context.Context) bool {
	return ctx.Value(taskKey{}) != nil
}

// Map runs fn over items on the pool and returns results in item order, so
// completion order never shows through. A panicking task becomes a
// SimulationError for that item only. Items not started before ctx is done
// report ctx's error. Called from inside another pool task, Map runs its
// items one at a time so nesting never multiplies the concurrency bound.
func Map[T, R any](ctx context.Context, wp *WorkerPool, items []T, fn func(ctx context.Context, index int, item T) (R, error)) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}

	workers := wp.workers
	if InTask(ctx) {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i := range items {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(items); j++ {
				results[j].Err = ctx.Err()
				wp.metrics.cancelled.Add(1)
			}
			wg.Wait()
			return results
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = run(ctx, wp, i, items[i], fn)
		}(i)
	}

	wg.Wait()
	return results
}

func run[T, R any](ctx context.Context, wp *WorkerPool, index int, item T, fn func(context.Context, int, T) (R, error)) (res Result[R]) {
	start := time.Now()
	defer func() {
		wp.metrics.busyNanos.Add(int64(time.Since(start)))
		if r := recover(); r != nil {
			wp.metrics.panicked.Add(1)
			wp.metrics.failed.Add(1)
			log.Error().Int("task", index).Interface("panic", r).Msg("worker task panicked")
			res = Result[R]{Err: domain.NewSimulationError("task %d panicked: %v", index, r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		wp.metrics.cancelled.Add(1)
		return Result[R]{Err: err}
	}

	v, err := fn(context.WithValue(ctx, taskKey{}, wp), index, item)
	if err != nil {
		wp.metrics.failed.Add(1)
		return Result[R]{Value: v, Err: fmt.Errorf("task %d: %w", index, err)}
	}
	wp.metrics.completed.Add(1)
	return Result[R]{Value: v}
}
