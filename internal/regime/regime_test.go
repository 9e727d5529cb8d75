package regime

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/strategy"
)

func series(n int, price func(i int) float64, spread float64) []domain.Candle {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Candle, n)
	for i := range out {
		p := price(i)
		out[i] = domain.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      p, High: p * (1 + spread), Low: p * (1 - spread), Close: p,
			Volume: 1,
		}
	}
	return out
}

func zigzag(amplitude float64) func(int) float64 {
	return func(i int) float64 {
		if i%2 == 0 {
			return 100 * (1 + amplitude)
		}
		return 100 * (1 - amplitude)
	}
}

func TestDetect(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		name    string
		candles []domain.Candle
		want    Regime
	}{
		{"uptrend", series(150, func(i int) float64 { return 100 * math.Pow(1.002, float64(i)) }, 0.001), TrendingUp},
		{"downtrend", series(150, func(i int) float64 { return 100 * math.Pow(0.998, float64(i)) }, 0.001), TrendingDown},
		{"ranging", series(150, zigzag(0.005), 0.001), Ranging},
		{"volatile", series(150, zigzag(0.03), 0.001), Volatile},
		{"consolidating", series(150, zigzag(0.0005), 0.0001), Consolidating},
		{"too short", series(10, zigzag(0.01), 0.001), Neutral},
		{"empty", nil, Neutral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := d.Detect(tt.candles)
			assert.Equal(t, tt.want, snap.Regime, "features: %+v", snap.Features)
			assert.GreaterOrEqual(t, snap.Confidence, 0.0)
			assert.LessOrEqual(t, snap.Confidence, 1.0)
			assert.NotNil(t, snap.Recommended)
		})
	}
}

func TestDetectUsesLookbackWindow(t *testing.T) {
	d := NewDetector()
	// volatile history followed by a clean uptrend longer than the lookback
	candles := series(300, func(i int) float64 {
		if i < 150 {
			return zigzag(0.03)(i)
		}
		return 100 * math.Pow(1.002, float64(i-150))
	}, 0.001)

	snap := d.Detect(candles)
	assert.Equal(t, TrendingUp, snap.Regime)
	assert.Equal(t, 100, snap.Samples)
	assert.Equal(t, candles[299].Timestamp, snap.AsOf)
}

func TestSegments(t *testing.T) {
	d := NewDetector()
	candles := series(300, func(i int) float64 {
		if i < 150 {
			return zigzag(0.03)(i)
		}
		return 100 * math.Pow(1.002, float64(i-150))
	}, 0.001)

	segments := d.Segments(candles, 50)
	require.NotEmpty(t, segments)
	assert.Equal(t, Volatile, segments[0].Regime)
	assert.Equal(t, TrendingUp, segments[len(segments)-1].Regime)

	total := 0
	for i, s := range segments {
		total += s.Bars
		assert.False(t, s.End.Before(s.Start))
		if i > 0 {
			assert.NotEqual(t, segments[i-1].Regime, s.Regime)
		}
	}
	assert.Equal(t, len(candles)-49, total)
}

func TestDetectorConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultDetectorConfig().Validate())

	cfg := DefaultDetectorConfig()
	cfg.StrongADX = 10
	_, err := NewDetectorWithConfig(cfg)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestAdaptRanging(t *testing.T) {
	m, err := NewMetaLearner(nil, nil)
	require.NoError(t, err)

	naive := (&strategy.EMACross{}).Space()
	a := m.Adapt(Snapshot{Regime: Ranging}, naive)

	fast, _ := a.Adapted.Lookup("fast_period")
	assert.Equal(t, 8.0, fast.Min)
	assert.Equal(t, 13.0, fast.Max)
	slow, _ := a.Adapted.Lookup("slow_period")
	assert.Equal(t, 41.0, slow.Min)
	assert.Equal(t, 68.0, slow.Max)
	stop, _ := a.Adapted.Lookup("stop_atr_mult")
	assert.InDelta(t, 1.0, stop.Min, 1e-12)
	assert.InDelta(t, 4.0, stop.Max, 1e-12)

	assert.Len(t, a.Changes, 3)
	assert.Greater(t, a.VolumeReductionPct, 50.0)
	assert.Less(t, a.VolumeReductionPct, 100.0)

	naiveFast, _ := a.Naive.Lookup("fast_period")
	assert.Equal(t, 3.0, naiveFast.Min, "naive space is not mutated")
	assert.NoError(t, a.Adapted.Validate())
}

func TestAdaptNoOps(t *testing.T) {
	m, err := NewMetaLearner(nil, nil)
	require.NoError(t, err)

	naive := (&strategy.RSIReversion{}).Space()
	a := m.Adapt(Snapshot{Regime: Neutral}, naive)
	assert.Empty(t, a.Changes)
	assert.Zero(t, a.VolumeReductionPct)
	assert.Equal(t, naive, a.Adapted)

	custom := strategy.Space{{Name: "mystery", Kind: strategy.KindFloat, Min: 0, Max: 10, Role: "unheard_of"}}
	a = m.Adapt(Snapshot{Regime: TrendingUp}, custom)
	assert.Empty(t, a.Changes)
	assert.Equal(t, custom, a.Adapted)
}

func TestPrepareShortWindowIsNeutral(t *testing.T) {
	m, err := NewMetaLearner(nil, nil)
	require.NoError(t, err)

	naive := (&strategy.DonchianBreakout{}).Space()
	a := m.Prepare(series(5, zigzag(0.01), 0.001), naive)
	assert.Equal(t, Neutral, a.Snapshot.Regime)
	assert.Equal(t, naive, a.Adapted)
}

func TestNarrowKeepsAnInteger(t *testing.T) {
	p := strategy.ParamSpec{Name: "n", Kind: strategy.KindInt, Min: 1, Max: 3}
	lo, hi := narrow(p, Interval{Lo: 0.4, Hi: 0.45})
	assert.Equal(t, 2.0, lo)
	assert.Equal(t, 2.0, hi)
}

func TestNarrowQuantizesFloatsInward(t *testing.T) {
	p := strategy.ParamSpec{Name: "mult", Kind: strategy.KindFloat, Min: 1, Max: 5, Precision: 2}

	lo, hi := narrow(p, Interval{Lo: 0.123456, Hi: 0.876543})
	assert.Equal(t, 1.5, lo, "1.493824 rounds up")
	assert.Equal(t, 4.5, hi, "4.506172 rounds down")

	adapted := p
	adapted.Min, adapted.Max = lo, hi
	for _, v := range []float64{lo, hi, lo - 0.004, hi + 0.004, 2.345678} {
		c := adapted.Clamp(v)
		assert.GreaterOrEqual(t, c, lo, "%v", v)
		assert.LessOrEqual(t, c, hi, "%v", v)
	}

	lo, hi = narrow(p, Interval{Lo: 0.5001, Hi: 0.5012})
	assert.Equal(t, lo, hi)
	assert.Equal(t, 3.0, lo)

	free := strategy.ParamSpec{Name: "x", Kind: strategy.KindFloat, Min: 0, Max: 1}
	lo, hi = narrow(free, Interval{Lo: 0.25, Hi: 0.75})
	assert.Equal(t, 0.25, lo)
	assert.Equal(t, 0.75, hi)
}

func TestVolumeReductionPct(t *testing.T) {
	naive := strategy.Space{{Name: "x", Kind: strategy.KindFloat, Min: 0, Max: 10}}
	half := strategy.Space{{Name: "x", Kind: strategy.KindFloat, Min: 0, Max: 5}}
	assert.InDelta(t, 50.0, VolumeReductionPct(naive, half), 1e-9)
	assert.Zero(t, VolumeReductionPct(naive, naive))
}

func TestRulesValidate(t *testing.T) {
	_, err := NewMetaLearner(nil, Rules{Ranging: {strategy.RoleTrend: {Lo: 0.8, Hi: 0.2}}})
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestSurvey(t *testing.T) {
	m, err := NewMetaLearner(nil, nil)
	require.NoError(t, err)

	recs := m.Survey(Snapshot{Regime: Ranging}, strategy.DefaultRegistry())
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.GreaterOrEqual(t, r.VolumeReductionPct, 0.0)
	}
}

func TestWeightManager(t *testing.T) {
	wm := NewWeightManager()
	require.NoError(t, wm.Validate())

	for _, p := range wm.Presets() {
		assert.InDelta(t, 1.0, p.Sum(), weightSumTolerance, p.Regime)
	}
	assert.Equal(t, wm.WeightsFor(Neutral), wm.WeightsFor("sideways"))
	assert.Greater(t, wm.WeightsFor(Volatile).Drawdown, wm.WeightsFor(Neutral).Drawdown)

	err := wm.SetPreset(WeightPreset{Regime: Ranging, Sharpe: 0.9, Return: 0.9})
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}
