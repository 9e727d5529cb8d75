package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/regime"
)

func TestTimeRange_Validation(t *testing.T) {
	from := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		tr    TimeRange
		valid bool
	}{
		{"valid_range", TimeRange{From: from, To: from.Add(time.Hour)}, true},
		{"same_time", TimeRange{From: from, To: from}, true},
		{"zero_times", TimeRange{}, true},
		{"reversed", TimeRange{From: from.Add(time.Hour), To: from}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tr.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewRunRecord(t *testing.T) {
	params := domain.ParameterSet{"fast_period": 9, "slow_period": 30}
	run, err := NewRunRecord(KindBacktest, "ema_cross", params, 1.25, map[string]int{"trade_count": 4})
	require.NoError(t, err)

	assert.Len(t, run.ID, 36)
	assert.Equal(t, KindBacktest, run.Kind)
	assert.Equal(t, 1.25, run.Score)
	assert.JSONEq(t, `{"trade_count":4}`, string(run.Summary))

	_, err = NewRunRecord(KindBacktest, "ema_cross", params, 0, func() {})
	assert.Error(t, err)
}

func TestTradeRecords(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trades := []domain.Trade{{
		Side: domain.Short, EntryTime: t0, ExitTime: t0.Add(time.Hour),
		EntryPrice: 100, ExitPrice: 95, Quantity: 2, PnL: 9.6, ReturnPct: 4.8,
		Fees: 0.4, ExitReason: domain.ExitTakeProfit,
	}}

	recs := TradeRecords("run-1", trades)
	require.Len(t, recs, 1)
	assert.Equal(t, "run-1", recs[0].RunID)
	assert.Equal(t, "short", recs[0].Side)
	assert.Equal(t, "take_profit", recs[0].ExitReason)
	assert.Equal(t, 9.6, recs[0].PnL)
}

type fakeRuns struct {
	RunsRepo
	inserted []RunRecord
	err      error
}

func (f *fakeRuns) Insert(_ context.Context, run RunRecord) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, run)
	return nil
}

type fakeTrades struct {
	TradesRepo
	batches [][]TradeRecord
}

func (f *fakeTrades) InsertBatch(_ context.Context, trades []TradeRecord) error {
	f.batches = append(f.batches, trades)
	return nil
}

func TestRepository_SaveRun(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trades := []domain.Trade{{Side: domain.Long, EntryTime: t0, ExitTime: t0.Add(time.Hour), ExitReason: domain.ExitEndOfData}}

	t.Run("nil repository is a no-op", func(t *testing.T) {
		var repo *Repository
		assert.NoError(t, repo.SaveRun(ctx, RunRecord{}, trades))
	})

	t.Run("stores run then trades", func(t *testing.T) {
		runs, tr := &fakeRuns{}, &fakeTrades{}
		repo := &Repository{Runs: runs, Trades: tr}
		run := RunRecord{ID: "r1", Kind: KindBacktest, Summary: json.RawMessage(`{}`)}

		require.NoError(t, repo.SaveRun(ctx, run, trades))
		require.Len(t, runs.inserted, 1)
		require.Len(t, tr.batches, 1)
		assert.Equal(t, "r1", tr.batches[0][0].RunID)
	})

	t.Run("insert failure skips trades", func(t *testing.T) {
		runs, tr := &fakeRuns{err: errors.New("db down")}, &fakeTrades{}
		repo := &Repository{Runs: runs, Trades: tr}
		assert.Error(t, repo.SaveRun(ctx, RunRecord{ID: "r2"}, trades))
		assert.Empty(t, tr.batches)
	})

	t.Run("missing id", func(t *testing.T) {
		repo := &Repository{Runs: &fakeRuns{}}
		assert.Error(t, repo.SaveRun(ctx, RunRecord{}, nil))
	})
}

func TestSnapshotRecord(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := regime.Snapshot{
		Regime:      regime.TrendingUp,
		Confidence:  0.8,
		AsOf:        asOf,
		Features:    regime.Features{ADX: 31, TrendStrength: 0.6},
		Recommended: []string{"trend_following"},
	}

	rec := SnapshotRecord("BTC-USD/1h", snap)
	assert.Equal(t, "trending_up", rec.Regime)
	assert.Equal(t, asOf, rec.Timestamp)
	assert.Equal(t, 31.0, rec.Features["adx"])
	assert.Equal(t, []string{"trend_following"}, rec.Recommended)
}
