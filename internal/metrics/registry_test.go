package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stratlab/internal/backtest"
	"github.com/sawpanic/stratlab/internal/cache"
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/infrastructure/async"
)

func TestObserveBacktest(t *testing.T) {
	r := NewRegistry()
	r.ObserveBacktest(&backtest.Result{Trades: []domain.Trade{
		{ExitReason: domain.ExitStopLoss},
		{ExitReason: domain.ExitStopLoss},
		{ExitReason: domain.ExitEndOfData},
	}}, 3*time.Millisecond)
	r.ObserveBacktest(&backtest.Result{}, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.BacktestRuns.WithLabelValues("traded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BacktestRuns.WithLabelValues("no_trades")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.TradesClosed.WithLabelValues("stop_loss")))
}

func TestObserveGenerationAndJobs(t *testing.T) {
	r := NewRegistry()
	r.ObserveGeneration("ema_cross", 0.41, 38, 2, 1)
	r.ObserveGeneration("ema_cross", 0.47, 30, 10, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.Generations.WithLabelValues("ema_cross")))
	assert.Equal(t, 0.47, testutil.ToFloat64(r.BestFitness.WithLabelValues("ema_cross")))
	assert.Equal(t, 68.0, testutil.ToFloat64(r.Evaluations.WithLabelValues("ema_cross", "computed")))
	assert.Equal(t, 12.0, testutil.ToFloat64(r.Evaluations.WithLabelValues("ema_cross", "cached")))

	r.JobStarted()
	r.JobStarted()
	r.JobFinished("optimize", "completed")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ActiveJobs))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Jobs.WithLabelValues("optimize", "completed")))

	r.ObserveValidation("kfold", 5, nil, time.Second)
	r.ObserveValidation("walk_forward", 0, errors.New("too short"), time.Second)
	assert.Equal(t, 5.0, testutil.ToFloat64(r.ValidationUnits.WithLabelValues("kfold")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ValidationRuns.WithLabelValues("walk_forward", "error")))
}

func TestSnapshotAndHandler(t *testing.T) {
	r := NewRegistry()
	c := cache.NewMemory(time.Hour, 0)
	c.Set(context.Background(), "k", []byte("v"))
	c.Get(context.Background(), "k")
	c.Get(context.Background(), "missing")
	r.WatchCache(c)
	r.WatchPool(async.NewWorkerPool(3))
	r.ObserveOptimize("plateaued")

	snap := r.Snapshot()
	assert.Equal(t, 1.0, snap["stratlab_optimizer_runs_total{outcome=plateaued}"])
	assert.Equal(t, 0.5, snap["stratlab_cache_hit_ratio{backend=memory}"])
	assert.Equal(t, 3.0, snap["stratlab_pool_workers"])

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "stratlab_cache_hits_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	a.ObserveOptimize("completed")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.OptimizeRuns.WithLabelValues("completed")))
}
