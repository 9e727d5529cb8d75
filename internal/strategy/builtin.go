package strategy

import (
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/indicators"
)

const stopATRPeriod = 14

// EMACross is a trend follower: long when the fast EMA crosses above the
// slow EMA, short on the reverse cross.
type EMACross struct{}

func (s *EMACross) Name() string { return "ema_cross" }

func (s *EMACross) Description() string {
	return "fast/slow EMA crossover, stop-and-reverse with ATR stops"
}

func (s *EMACross) Space() Space {
	return Space{
		{Name: "fast_period", Kind: KindInt, Min: 3, Max: 20, Default: 9, Role: RoleTrend, Description: "fast EMA length"},
		{Name: "slow_period", Kind: KindInt, Min: 21, Max: 100, Default: 26, Role: RoleTrend, Description: "slow EMA length"},
		{Name: "stop_atr_mult", Kind: KindFloat, Min: 1, Max: 5, Default: 2, Role: RoleRisk, Precision: 2, Description: "stop distance in ATRs"},
	}
}

func (s *EMACross) Signals(candles []domain.Candle, params domain.ParameterSet) ([]domain.Signal, error) {
	p := s.Space().Clamp(params)
	fast, slow := p.Int("fast_period", 9), p.Int("slow_period", 26)
	if fast >= slow {
		return nil, domain.NewConfigurationError("ema_cross: fast_period %d must be below slow_period %d", fast, slow)
	}

	closes := indicators.Closes(candles)
	fastEMA := indicators.EMA(closes, fast)
	slowEMA := indicators.EMA(closes, slow)
	atr := indicators.ATR(candles, stopATRPeriod)
	mult := p["stop_atr_mult"]

	var out []domain.Signal
	for i := slow; i < len(candles); i++ {
		prev := fastEMA[i-1] - slowEMA[i-1]
		cur := fastEMA[i] - slowEMA[i]
		c := candles[i]
		switch {
		case prev <= 0 && cur > 0:
			out = append(out,
				domain.Signal{Type: domain.CloseShort, Timestamp: c.Timestamp, Price: c.Close},
				domain.Signal{Type: domain.EnterLong, Timestamp: c.Timestamp, Price: c.Close, StopLoss: atrStop(c.Close, atr[i], mult, domain.Long)})
		case prev >= 0 && cur < 0:
			out = append(out,
				domain.Signal{Type: domain.CloseLong, Timestamp: c.Timestamp, Price: c.Close},
				domain.Signal{Type: domain.EnterShort, Timestamp: c.Timestamp, Price: c.Close, StopLoss: atrStop(c.Close, atr[i], mult, domain.Short)})
		}
	}
	return out, nil
}

// RSIReversion fades RSI extremes and exits when RSI returns toward the
// midline.
type RSIReversion struct{}

func (s *RSIReversion) Name() string { return "rsi_reversion" }

func (s *RSIReversion) Description() string {
	return "RSI mean reversion: buy oversold, sell overbought, exit near the midline"
}

func (s *RSIReversion) Space() Space {
	return Space{
		{Name: "rsi_period", Kind: KindInt, Min: 5, Max: 30, Default: 14, Role: RoleMeanReversion},
		{Name: "oversold", Kind: KindFloat, Min: 10, Max: 40, Default: 30, Role: RoleMeanReversion, Precision: 1},
		{Name: "overbought", Kind: KindFloat, Min: 60, Max: 90, Default: 70, Role: RoleMeanReversion, Precision: 1},
		{Name: "exit_level", Kind: KindFloat, Min: 45, Max: 65, Default: 50, Role: RoleMeanReversion, Precision: 1, Description: "long exit level; shorts exit at 100 - exit_level"},
		{Name: "stop_atr_mult", Kind: KindFloat, Min: 1, Max: 5, Default: 2.5, Role: RoleRisk, Precision: 2},
	}
}

func (s *RSIReversion) Signals(candles []domain.Candle, params domain.ParameterSet) ([]domain.Signal, error) {
	p := s.Space().Clamp(params)
	period := p.Int("rsi_period", 14)
	oversold, overbought, exit := p["oversold"], p["overbought"], p["exit_level"]
	mult := p["stop_atr_mult"]

	rsi := indicators.RSI(indicators.Closes(candles), period)
	atr := indicators.ATR(candles, stopATRPeriod)

	var out []domain.Signal
	for i := period + 1; i < len(candles); i++ {
		c := candles[i]
		prev, cur := rsi[i-1], rsi[i]
		if cur >= exit {
			out = append(out, domain.Signal{Type: domain.CloseLong, Timestamp: c.Timestamp, Price: c.Close})
		}
		if cur <= 100-exit {
			out = append(out, domain.Signal{Type: domain.CloseShort, Timestamp: c.Timestamp, Price: c.Close})
		}
		switch {
		case prev >= oversold && cur < oversold:
			out = append(out, domain.Signal{Type: domain.EnterLong, Timestamp: c.Timestamp, Price: c.Close, StopLoss: atrStop(c.Close, atr[i], mult, domain.Long)})
		case prev <= overbought && cur > overbought:
			out = append(out, domain.Signal{Type: domain.EnterShort, Timestamp: c.Timestamp, Price: c.Close, StopLoss: atrStop(c.Close, atr[i], mult, domain.Short)})
		}
	}
	return out, nil
}

// DonchianBreakout enters on a close beyond the prior channel and exits on
// a close beyond the shorter opposite channel.
type DonchianBreakout struct{}

func (s *DonchianBreakout) Name() string { return "donchian_breakout" }

func (s *DonchianBreakout) Description() string {
	return "Donchian channel breakout with a shorter exit channel"
}

func (s *DonchianBreakout) Space() Space {
	return Space{
		{Name: "entry_period", Kind: KindInt, Min: 10, Max: 80, Default: 20, Role: RoleTrend},
		{Name: "exit_period", Kind: KindInt, Min: 5, Max: 40, Default: 10, Role: RoleTrend},
		{Name: "stop_atr_mult", Kind: KindFloat, Min: 1, Max: 6, Default: 3, Role: RoleVolatility, Precision: 2},
	}
}

func (s *DonchianBreakout) Signals(candles []domain.Candle, params domain.ParameterSet) ([]domain.Signal, error) {
	p := s.Space().Clamp(params)
	entryPeriod, exitPeriod := p.Int("entry_period", 20), p.Int("exit_period", 10)
	mult := p["stop_atr_mult"]

	entryUpper, entryLower := indicators.Donchian(candles, entryPeriod)
	exitUpper, exitLower := indicators.Donchian(candles, exitPeriod)
	atr := indicators.ATR(candles, stopATRPeriod)

	start := entryPeriod
	if exitPeriod > start {
		start = exitPeriod
	}

	var out []domain.Signal
	for i := start; i < len(candles); i++ {
		c := candles[i]
		if c.Close < exitLower[i] {
			out = append(out, domain.Signal{Type: domain.CloseLong, Timestamp: c.Timestamp, Price: c.Close})
		}
		if c.Close > exitUpper[i] {
			out = append(out, domain.Signal{Type: domain.CloseShort, Timestamp: c.Timestamp, Price: c.Close})
		}
		switch {
		case c.Close > entryUpper[i]:
			out = append(out, domain.Signal{Type: domain.EnterLong, Timestamp: c.Timestamp, Price: c.Close, StopLoss: atrStop(c.Close, atr[i], mult, domain.Long)})
		case c.Close < entryLower[i]:
			out = append(out, domain.Signal{Type: domain.EnterShort, Timestamp: c.Timestamp, Price: c.Close, StopLoss: atrStop(c.Close, atr[i], mult, domain.Short)})
		}
	}
	return out, nil
}

// atrStop places a stop mult ATRs from price; nil during ATR warm-up
func atrStop(price, atr, mult float64, side domain.Side) *float64 {
	if atr <= 0 || mult <= 0 {
		return nil
	}
	stop := price - side.Sign()*mult*atr
	if stop <= 0 {
		return nil
	}
	return &stop
}
