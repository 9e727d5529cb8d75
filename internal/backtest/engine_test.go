package backtest

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stratlab/internal/domain"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func hourly(n int, price func(i int) float64) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		p := price(i)
		out[i] = domain.Candle{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      p, High: p * 1.001, Low: p * 0.999, Close: p,
			Volume: 10,
		}
	}
	return out
}

func flat(i int) float64 { return 100 }

func noStops() Config {
	cfg := DefaultConfig()
	cfg.StopStyle = StopNone
	return cfg
}

func mustEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func sig(typ domain.SignalType, candles []domain.Candle, bar int, price float64) domain.Signal {
	return domain.Signal{Type: typ, Timestamp: candles[bar].Timestamp, Price: price}
}

func ptr(v float64) *float64 { return &v }

func TestRun_NoSignals(t *testing.T) {
	candles := hourly(200, flat)
	res, err := mustEngine(t, DefaultConfig()).Run(candles, nil)
	require.NoError(t, err)

	assert.Empty(t, res.Trades)
	require.Len(t, res.Equity, len(candles))
	for _, p := range res.Equity {
		assert.Equal(t, 10000.0, p.Equity)
	}
	assert.Equal(t, Metrics{}, res.Metrics)
	assert.Equal(t, 10000.0, res.FinalEquity)
}

func TestRun_SingleTradeScenario(t *testing.T) {
	candles := hourly(500, flat)
	cfg := noStops()
	cfg.CommissionRate = 0.001
	cfg.SlippageRate = 0.0005

	signals := []domain.Signal{
		sig(domain.EnterLong, candles, 10, 100),
		sig(domain.CloseLong, candles, 50, 110),
	}
	res, err := mustEngine(t, cfg).Run(candles, signals)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.InDelta(t, 9.70, trade.ReturnPct, 0.05)
	assert.Equal(t, domain.ExitSignalClose, trade.ExitReason)
	assert.Equal(t, candles[10].Timestamp, trade.EntryTime)
	assert.Equal(t, candles[50].Timestamp, trade.ExitTime)

	for i := 0; i < 10; i++ {
		assert.Equal(t, cfg.InitialCapital, res.Equity[i].Equity, "bar %d", i)
	}
	after := res.Equity[50].Equity
	for i := 50; i < len(res.Equity); i++ {
		assert.Equal(t, after, res.Equity[i].Equity, "bar %d", i)
	}
	assert.InDelta(t, cfg.InitialCapital+trade.PnL, res.FinalEquity, 1e-9)
	assert.Equal(t, 1, res.Metrics.TradeCount)
	assert.Equal(t, ProfitFactorCap, res.Metrics.ProfitFactor)
	assert.Greater(t, res.Metrics.TotalReturnPct, 0.0)
}

func TestRun_NeverHoldsTwoPositions(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	price := 100.0
	prices := make([]float64, 600)
	for i := range prices {
		price *= 1 + (rng.Float64()-0.5)*0.02
		prices[i] = price
	}
	candles := hourly(len(prices), func(i int) float64 { return prices[i] })

	types := []domain.SignalType{domain.EnterLong, domain.EnterShort, domain.CloseLong, domain.CloseShort}
	var signals []domain.Signal
	for i := range candles {
		// bursts of overlapping entries on the same and consecutive bars
		for k := rng.IntN(4); k > 0; k-- {
			signals = append(signals, sig(types[rng.IntN(len(types))], candles, i, 0))
		}
	}

	for _, style := range []StopStyle{StopNone, StopATRFixed, StopTrailing, StopBreakevenTrail} {
		cfg := DefaultConfig()
		cfg.StopStyle = style
		cfg.TakeProfitATRMultiple = 3
		res, err := mustEngine(t, cfg).Run(candles, signals)
		require.NoError(t, err, style)
		require.NotEmpty(t, res.Trades, style)

		for i, tr := range res.Trades {
			assert.True(t, tr.ExitTime.After(tr.EntryTime), "%s trade %d", style, i)
			assert.True(t, tr.ExitReason.Valid(), "%s trade %d", style, i)
			if i > 0 {
				assert.False(t, tr.EntryTime.Before(res.Trades[i-1].ExitTime), "%s trade %d overlaps", style, i)
			}
		}
		assert.Len(t, res.Equity, len(candles))
		assert.Greater(t, res.IgnoredSignals, 0)
	}
}

func TestRun_StopBeforeTarget(t *testing.T) {
	candles := hourly(20, flat)
	// bar 5 spans both the stop and the target
	candles[5].High = 120
	candles[5].Low = 80

	signals := []domain.Signal{{
		Type: domain.EnterLong, Timestamp: candles[2].Timestamp, Price: 100,
		StopLoss: ptr(90), TakeProfit: ptr(110),
	}}
	res, err := mustEngine(t, noStops()).Run(candles, signals)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, domain.ExitStopLoss, res.Trades[0].ExitReason)
	assert.Equal(t, candles[5].Timestamp, res.Trades[0].ExitTime)
	assert.Less(t, res.Trades[0].PnL, 0.0)
}

func TestRun_StopBeforeCloseSignal(t *testing.T) {
	candles := hourly(20, flat)
	candles[6].Low = 85

	signals := []domain.Signal{
		{Type: domain.EnterLong, Timestamp: candles[2].Timestamp, Price: 100, StopLoss: ptr(90)},
		sig(domain.CloseLong, candles, 6, 100),
	}
	res, err := mustEngine(t, noStops()).Run(candles, signals)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, domain.ExitStopLoss, res.Trades[0].ExitReason)
	assert.Equal(t, 1, res.IgnoredSignals)
}

func TestRun_GapFillsAtOpen(t *testing.T) {
	candles := hourly(20, flat)
	candles[4] = domain.Candle{Timestamp: candles[4].Timestamp, Open: 80, High: 82, Low: 79, Close: 81, Volume: 1}

	signals := []domain.Signal{{Type: domain.EnterLong, Timestamp: candles[1].Timestamp, Price: 100, StopLoss: ptr(95)}}
	cfg := noStops()
	cfg.SlippageRate = 0
	res, err := mustEngine(t, cfg).Run(candles, signals)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.InDelta(t, 80.0, res.Trades[0].ExitPrice, 1e-9)
}

func TestRun_ShortTakeProfit(t *testing.T) {
	candles := hourly(30, func(i int) float64 { return 100 - float64(i) })
	signals := []domain.Signal{{Type: domain.EnterShort, Timestamp: candles[3].Timestamp, Price: 97, TakeProfit: ptr(90)}}

	res, err := mustEngine(t, noStops()).Run(candles, signals)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, domain.Short, tr.Side)
	assert.Equal(t, domain.ExitTakeProfit, tr.ExitReason)
	assert.Greater(t, tr.PnL, 0.0)
}

func TestRun_EndOfDataClose(t *testing.T) {
	candles := hourly(50, func(i int) float64 { return 100 + float64(i) })
	res, err := mustEngine(t, noStops()).Run(candles, []domain.Signal{sig(domain.EnterLong, candles, 5, 0)})
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, domain.ExitEndOfData, res.Trades[0].ExitReason)
	assert.Equal(t, candles[49].Timestamp, res.Trades[0].ExitTime)
	assert.InDelta(t, res.FinalEquity, res.Equity[49].Equity, 1e-9)
}

func TestRun_DropsMisalignedSignals(t *testing.T) {
	candles := hourly(30, flat)
	signals := []domain.Signal{
		{Type: domain.EnterLong, Timestamp: candles[3].Timestamp.Add(time.Minute), Price: 100},
		{Type: "enter_sideways", Timestamp: candles[4].Timestamp, Price: 100},
		{Type: domain.EnterLong, Timestamp: candles[5].Timestamp, Price: math.NaN()},
		sig(domain.EnterLong, candles, 29, 100),
	}
	res, err := mustEngine(t, DefaultConfig()).Run(candles, signals)
	require.NoError(t, err)

	assert.Empty(t, res.Trades)
	assert.Equal(t, 4, res.DroppedSignals)
	assert.Len(t, res.Diagnostics, 4)
}

func TestRun_RejectsMalformedCandles(t *testing.T) {
	e := mustEngine(t, DefaultConfig())

	_, err := e.Run(nil, nil)
	assert.True(t, errors.Is(err, domain.ErrDataValidation))

	candles := hourly(10, flat)
	candles[4].Timestamp = candles[3].Timestamp
	_, err = e.Run(candles, nil)
	assert.True(t, errors.Is(err, domain.ErrDataValidation))

	candles = hourly(10, flat)
	candles[2].Close = math.Inf(1)
	_, err = e.Run(candles, nil)
	assert.True(t, errors.Is(err, domain.ErrDataValidation))
}

func TestNewEngine_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialCapital = 0
	_, err := NewEngine(cfg)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))

	cfg = DefaultConfig()
	cfg.StopStyle = "random"
	_, err = NewEngine(cfg)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestRun_TrailingStopLocksProfit(t *testing.T) {
	prices := make([]float64, 60)
	for i := range prices {
		switch {
		case i < 30:
			prices[i] = 100 + float64(i)
		default:
			prices[i] = 129 - 3*float64(i-29)
		}
	}
	candles := hourly(len(prices), func(i int) float64 { return prices[i] })

	cfg := DefaultConfig()
	cfg.StopStyle = StopTrailing
	cfg.ATRPeriod = 5
	cfg.TrailATRMultiple = 2
	res, err := mustEngine(t, cfg).Run(candles, []domain.Signal{sig(domain.EnterLong, candles, 6, 0)})
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, domain.ExitStopLoss, res.Trades[0].ExitReason)
	assert.Greater(t, res.Trades[0].PnL, 0.0, "trailing stop should exit above entry")
}

func TestPositionSize(t *testing.T) {
	cfg := DefaultConfig()

	// 1% of 10000 at risk over a 5.0 stop distance = 20 units
	assert.InDelta(t, 20.0, positionSize(10000, 100, 95, cfg), 1e-9)
	// no stop: 10% notional
	assert.InDelta(t, 10.0, positionSize(10000, 100, 0, cfg), 1e-9)
	// tight stop capped at 100% notional
	assert.InDelta(t, 100.0, positionSize(10000, 100, 99.99, cfg), 1e-9)
	assert.Zero(t, positionSize(0, 100, 98, cfg))
}

func TestComputeMetrics(t *testing.T) {
	equity := []domain.EquityPoint{
		{Timestamp: t0, Equity: 1000},
		{Timestamp: t0.Add(time.Hour), Equity: 1100},
		{Timestamp: t0.Add(2 * time.Hour), Equity: 990},
		{Timestamp: t0.Add(3 * time.Hour), Equity: 1200},
	}
	trades := []domain.Trade{{PnL: 100}, {PnL: -110}, {PnL: 210}}

	m := ComputeMetrics(trades, equity, 1000, time.Hour)
	assert.Equal(t, 3, m.TradeCount)
	assert.Equal(t, 2, m.WinningTrades)
	assert.InDelta(t, 20.0, m.TotalReturnPct, 1e-9)
	assert.InDelta(t, 10.0, m.MaxDrawdownPct, 1e-9)
	assert.InDelta(t, 310.0/110.0, m.ProfitFactor, 1e-9)
	assert.InDelta(t, 155.0, m.AvgWin, 1e-9)
	assert.InDelta(t, 110.0, m.AvgLoss, 1e-9)
	assert.InDelta(t, 200.0/3, m.Expectancy, 1e-9)
	assert.InDelta(t, 200.0/3, m.Score(ScoreExpectancy), 1e-9)
	assert.NotZero(t, m.SharpeRatio)

	flatCurve := []domain.EquityPoint{{Timestamp: t0, Equity: 1000}, {Timestamp: t0.Add(time.Hour), Equity: 1000}, {Timestamp: t0.Add(2 * time.Hour), Equity: 1000}}
	m = ComputeMetrics([]domain.Trade{{PnL: 0}}, flatCurve, 1000, time.Hour)
	assert.Zero(t, m.SharpeRatio)
	assert.Zero(t, m.ProfitFactor)
}
