package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stratlab/internal/cache"
	"github.com/sawpanic/stratlab/internal/config"
	"github.com/sawpanic/stratlab/internal/data"
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/metrics"
	"github.com/sawpanic/stratlab/internal/optimize"
	"github.com/sawpanic/stratlab/internal/persistence"
)

type fakeRuns struct {
	mu   sync.Mutex
	runs []persistence.RunRecord
}

func (f *fakeRuns) Insert(_ context.Context, run persistence.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}
func (f *fakeRuns) Get(context.Context, string) (*persistence.RunRecord, error) { return nil, nil }
func (f *fakeRuns) ListByStrategy(context.Context, string, persistence.TimeRange, int) ([]persistence.RunRecord, error) {
	return nil, nil
}
func (f *fakeRuns) Best(context.Context, string, string, int) ([]persistence.RunRecord, error) {
	return nil, nil
}
func (f *fakeRuns) CountByKind(context.Context, persistence.TimeRange) (map[string]int64, error) {
	return nil, nil
}

func (f *fakeRuns) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.runs))
	for i, r := range f.runs {
		out[i] = r.Kind
	}
	return out
}

type fakeTrades struct{ n int }

func (f *fakeTrades) InsertBatch(_ context.Context, trades []persistence.TradeRecord) error {
	f.n += len(trades)
	return nil
}
func (f *fakeTrades) ListByRun(context.Context, string) ([]persistence.TradeRecord, error) {
	return nil, nil
}
func (f *fakeTrades) CountByExitReason(context.Context, string) (map[string]int64, error) {
	return nil, nil
}

type fakeRegimes struct{ stored []persistence.RegimeSnapshot }

func (f *fakeRegimes) Upsert(_ context.Context, s persistence.RegimeSnapshot) error {
	f.stored = append(f.stored, s)
	return nil
}
func (f *fakeRegimes) Latest(context.Context, string) (*persistence.RegimeSnapshot, error) {
	return nil, nil
}
func (f *fakeRegimes) ListRange(context.Context, string, persistence.TimeRange) ([]persistence.RegimeSnapshot, error) {
	return nil, nil
}
func (f *fakeRegimes) GetRegimeStats(context.Context, string, persistence.TimeRange) (map[string]int64, error) {
	return nil, nil
}

type fixture struct {
	lab     *Lab
	runs    *fakeRuns
	trades  *fakeTrades
	regimes *fakeRegimes
	metrics *metrics.Registry
	candles []domain.Candle
}

func newFixture(t *testing.T, bars int) fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Optimizer.PopulationSize = 8
	cfg.Optimizer.Generations = 3
	cfg.Optimizer.PlateauGenerations = 0
	cfg.MonteCarlo.Runs = 200
	cfg.MonteCarlo.BatchSize = 50

	walk := data.DefaultRandomWalkConfig()
	walk.Bars = bars
	walk.Seed = 11
	candles, err := data.RandomWalk(walk)
	require.NoError(t, err)

	f := fixture{
		runs:    &fakeRuns{},
		trades:  &fakeTrades{},
		regimes: &fakeRegimes{},
		metrics: metrics.NewRegistry(),
		candles: candles,
	}
	f.lab, err = New(Options{
		Config:  cfg,
		Cache:   cache.NewMemory(time.Hour, 1000),
		Store:   &persistence.Repository{Runs: f.runs, Trades: f.trades, Regimes: f.regimes},
		Metrics: f.metrics,
	})
	require.NoError(t, err)
	return f
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Backtest.InitialCapital = 0
	_, err := New(Options{Config: cfg})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestBacktestStoresRunAndTrades(t *testing.T) {
	f := newFixture(t, 1500)

	report, err := f.lab.Backtest(context.Background(), BacktestRequest{
		Strategy:   "ema_cross",
		Parameters: domain.ParameterSet{"fast_period": 5},
		Candles:    f.candles,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 5.0, report.Parameters["fast_period"])
	assert.Equal(t, 26.0, report.Parameters["slow_period"])
	assert.Equal(t, []string{persistence.KindBacktest}, f.runs.kinds())
	assert.Equal(t, len(report.Trades), f.trades.n)
	snap := f.metrics.Snapshot()
	assert.Equal(t, 1.0, snap["stratlab_backtest_runs_total{outcome=traded}"]+snap["stratlab_backtest_runs_total{outcome=no_trades}"])
}

func TestBacktestUnknownStrategy(t *testing.T) {
	f := newFixture(t, 200)
	_, err := f.lab.Backtest(context.Background(), BacktestRequest{Strategy: "nope", Candles: f.candles})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestCompareRanksAllStrategies(t *testing.T) {
	f := newFixture(t, 1500)
	rows, err := f.lab.Compare(context.Background(), nil, f.candles, "")
	require.NoError(t, err)
	assert.Len(t, rows, len(f.lab.Strategies().Names()))
	for i := 1; i < len(rows); i++ {
		if rows[i].Error == "" && rows[i-1].Error == "" {
			assert.GreaterOrEqual(t, rows[i-1].Score, rows[i].Score)
		}
	}

	_, err = f.lab.Compare(context.Background(), nil, f.candles, "bogus")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestMonteCarloFromTrades(t *testing.T) {
	f := newFixture(t, 100)
	trades := make([]domain.Trade, 10)
	for i := range trades {
		pnl := 100.0
		if i%3 == 0 {
			pnl = -80
		}
		trades[i] = domain.Trade{PnL: pnl}
	}
	res, err := f.lab.MonteCarlo(context.Background(), MonteCarloRequest{Trades: trades, InitialCapital: 10000})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Runs)
	assert.Equal(t, 10, res.Trades)
	assert.Contains(t, f.runs.kinds(), persistence.KindMonteCarlo)
}

func TestOptimizeReportsProgress(t *testing.T) {
	f := newFixture(t, 1500)
	var calls []int
	var best []float64
	res, err := f.lab.Optimize(context.Background(), OptimizeRequest{Strategy: "ema_cross", Candles: f.candles}, func(p optimize.Progress) {
		calls = append(calls, p.Generation)
		best = append(best, p.BestFitness)
		assert.Equal(t, 3, p.Generations)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, calls)
	require.Len(t, best, 3)
	for i := 1; i < len(best); i++ {
		assert.GreaterOrEqual(t, best[i], best[i-1], "best fitness so far never drops")
	}
	assert.Equal(t, res.Best.Fitness, best[len(best)-1])
	assert.NotEmpty(t, res.Best.Params)
	assert.Contains(t, f.runs.kinds(), persistence.KindOptimize)
	assert.Equal(t, 1.0, f.metrics.Snapshot()["stratlab_optimize_runs_total{outcome=completed}"])
}

func TestOptimizeWalkForwardObjectiveTooShort(t *testing.T) {
	f := newFixture(t, 1500)
	cfg := config.Default().Optimizer
	cfg.Objective = optimize.ObjectiveWalkForward

	res, err := f.lab.Optimize(context.Background(), OptimizeRequest{Strategy: "ema_cross", Candles: f.candles, Optimizer: &cfg}, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Nil(t, res)
	assert.NotContains(t, f.runs.kinds(), persistence.KindOptimize)
	assert.Equal(t, 1.0, f.metrics.Snapshot()["stratlab_optimize_runs_total{outcome=failed}"])
}

func TestOptimizeCancelledKeepsPartialResult(t *testing.T) {
	f := newFixture(t, 1500)
	ctx, cancel := context.WithCancel(context.Background())
	res, err := f.lab.Optimize(ctx, OptimizeRequest{Strategy: "ema_cross", Candles: f.candles}, func(optimize.Progress) {
		cancel()
	})
	assert.ErrorIs(t, err, domain.ErrOptimizationTimeout)
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
}

func TestWalkForwardAndKFold(t *testing.T) {
	f := newFixture(t, 24*150)

	wf, err := f.lab.WalkForward(context.Background(), WalkForwardRequest{Strategy: "ema_cross", Candles: f.candles, Preset: "quick"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, wf.Windows)

	kf, err := f.lab.KFold(context.Background(), KFoldRequest{Strategy: "ema_cross", Candles: f.candles}, nil)
	require.NoError(t, err)
	assert.Len(t, kf.Folds, 5)
	assert.True(t, kf.TemporalLeakage)

	kinds := f.runs.kinds()
	assert.Contains(t, kinds, persistence.KindWalkForward)
	assert.Contains(t, kinds, persistence.KindKFold)

	_, err = f.lab.WalkForward(context.Background(), WalkForwardRequest{Strategy: "ema_cross", Candles: f.candles, Preset: "weekly"}, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestRegimeStoresSnapshot(t *testing.T) {
	f := newFixture(t, 600)
	report, err := f.lab.Regime(context.Background(), RegimeRequest{
		Series:   "BTCUSD-1h",
		Candles:  f.candles,
		Strategy: "ema_cross",
		Segments: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, report.Snapshot.Regime)
	assert.Len(t, report.Recommendations, len(f.lab.Strategies().Names()))
	require.NotNil(t, report.Adaptation)
	assert.NotEmpty(t, report.Segments)
	require.Len(t, f.regimes.stored, 1)
	assert.Equal(t, "BTCUSD-1h", f.regimes.stored[0].Series)

	_, err = f.lab.Regime(context.Background(), RegimeRequest{Candles: f.candles[:5]})
	assert.ErrorIs(t, err, domain.ErrDataValidation)
}
