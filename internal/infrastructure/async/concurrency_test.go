package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stratlab/internal/domain"
)

func TestMapPreservesOrder(t *testing.T) {
	wp := NewWorkerPool(4)
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	results := Map(context.Background(), wp, items, func(_ context.Context, _ int, v int) (int, error) {
		// later items finish first
		time.Sleep(time.Duration(50-v) * 100 * time.Microsecond)
		return v * v, nil
	})

	require.Len(t, results, 50)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, i*i, r.Value)
	}
	assert.Equal(t, int64(50), wp.GetMetrics().CompletedTasks)
}

func TestMapBoundsConcurrency(t *testing.T) {
	wp := NewWorkerPool(3)
	var active, peak atomic.Int32

	Map(context.Background(), wp, make([]struct{}, 30), func(context.Context, int, struct{}) (struct{}, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		return struct{}{}, nil
	})

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestNestedMapStaysWithinOuterBound(t *testing.T) {
	outer, inner := NewWorkerPool(3), NewWorkerPool(4)
	var active, peak atomic.Int32

	results := Map(context.Background(), outer, make([]struct{}, 6), func(ctx context.Context, _ int, _ struct{}) (int, error) {
		assert.True(t, InTask(ctx))
		sub := Map(ctx, inner, make([]struct{}, 8), func(context.Context, int, struct{}) (struct{}, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(200 * time.Microsecond)
			active.Add(-1)
			return struct{}{}, nil
		})
		return len(sub), nil
	})

	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, 8, r.Value)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int64(48), inner.GetMetrics().CompletedTasks)
	assert.False(t, InTask(context.Background()))
}

func TestMapIsolatesFailures(t *testing.T) {
	wp := NewWorkerPool(2)
	boom := errors.New("boom")

	results := Map(context.Background(), wp, []int{0, 1, 2, 3}, func(_ context.Context, _ int, v int) (int, error) {
		switch v {
		case 1:
			return 0, boom
		case 2:
			panic("bad individual")
		}
		return v, nil
	})

	assert.NoError(t, results[0].Err)
	assert.True(t, errors.Is(results[1].Err, boom))
	assert.True(t, errors.Is(results[2].Err, domain.ErrSimulation))
	assert.NoError(t, results[3].Err)
	assert.Equal(t, 3, results[3].Value)

	m := wp.GetMetrics()
	assert.Equal(t, int64(2), m.FailedTasks)
	assert.Equal(t, int64(1), m.PanickedTasks)
}

func TestMapCancelled(t *testing.T) {
	wp := NewWorkerPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := Map(ctx, wp, []int{1, 2, 3}, func(_ context.Context, _ int, v int) (int, error) {
		return v, nil
	})
	for _, r := range results {
		assert.True(t, errors.Is(r.Err, context.Canceled))
	}
}

func TestNewWorkerPoolDefaults(t *testing.T) {
	assert.Greater(t, NewWorkerPool(0).Workers(), 0)
	assert.Empty(t, Map(context.Background(), NewWorkerPool(2), []int{}, func(context.Context, int, int) (int, error) { return 0, nil }))
}
