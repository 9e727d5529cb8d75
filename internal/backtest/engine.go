package backtest

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/indicators"
)

// Result is the full output of one backtest run
type Result struct {
	Trades         []domain.Trade       `json:"trades"`
	Equity         []domain.EquityPoint `json:"equity_curve"`
	Metrics        Metrics              `json:"metrics"`
	InitialCapital float64              `json:"initial_capital"`
	FinalEquity    float64              `json:"final_equity"`
	DroppedSignals int                  `json:"dropped_signals"`
	IgnoredSignals int                  `json:"ignored_signals"`
	Diagnostics    []string             `json:"diagnostics,omitempty"`
}

// Observer receives a callback after every completed run
type Observer interface {
	ObserveBacktest(result *Result, elapsed time.Duration)
}

// Engine replays signals against candles. An Engine holds only immutable
// configuration, so one instance may serve many concurrent runs.
type Engine struct {
	config   Config
	observer Observer
}

// NewEngine validates the configuration and creates an engine
func NewEngine(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Engine{config: config}, nil
}

// WithObserver returns a copy of the engine that reports runs to o
func (e *Engine) WithObserver(o Observer) *Engine {
	clone := *e
	clone.observer = o
	return &clone
}

// Config returns the engine's risk configuration
func (e *Engine) Config() Config {
	return e.config
}

// Run simulates the signal stream over the candle series. It always returns
// a result for well-formed input, including runs with no trades.
func (e *Engine) Run(candles []domain.Candle, signals []domain.Signal) (*Result, error) {
	start := time.Now()

	if err := domain.ValidateCandles(candles); err != nil {
		return nil, err
	}

	cfg := e.config
	result := &Result{
		Trades:         make([]domain.Trade, 0),
		Equity:         make([]domain.EquityPoint, 0, len(candles)),
		InitialCapital: cfg.InitialCapital,
	}

	perBar := e.alignSignals(candles, signals, result)

	var atr []float64
	if cfg.needsATR() {
		atr = indicators.ATR(candles, cfg.ATRPeriod)
	}

	last := len(candles) - 1
	cash := cfg.InitialCapital
	var pos *Position

	for i, bar := range candles {
		// Intrabar stop/target first: a resting stop can fill before the
		// strategy reacts to the bar.
		if pos != nil && pos.EntryIndex < i {
			if price, reason, hit := checkExit(*pos, bar); hit {
				trade := closePosition(*pos, price, bar.Timestamp, reason, cfg)
				cash += trade.PnL + pos.EntryFee
				result.Trades = append(result.Trades, trade)
				pos = nil
			}
		}

		for _, sig := range perBar[i] {
			if sig.Type.IsEntry() {
				continue
			}
			if pos == nil || !closes(sig.Type, pos.Side) {
				result.IgnoredSignals++
				continue
			}
			trade := closePosition(*pos, signalPrice(sig, bar), bar.Timestamp, domain.ExitSignalClose, cfg)
			cash += trade.PnL + pos.EntryFee
			result.Trades = append(result.Trades, trade)
			pos = nil
		}

		for _, sig := range perBar[i] {
			if !sig.Type.IsEntry() {
				continue
			}
			if pos != nil {
				result.IgnoredSignals++
				continue
			}
			if i == last {
				result.DroppedSignals++
				result.diagnose("entry signal at %s dropped: final bar leaves no room to exit", bar.Timestamp.Format(time.RFC3339))
				continue
			}

			opened, err := e.open(pos, sig, bar, i, cash, atrAt(atr, i), result)
			if err != nil {
				return nil, err
			}
			if opened == nil {
				continue
			}
			pos = opened
			cash -= pos.EntryFee
		}

		if pos != nil && pos.EntryIndex < i {
			managed := manageStop(*pos, bar, atrAt(atr, i), cfg)
			pos = &managed
		}

		equity := cash
		if pos != nil {
			equity += pos.unrealized(bar.Close)
		}
		result.Equity = append(result.Equity, domain.EquityPoint{Timestamp: bar.Timestamp, Equity: equity})
	}

	if pos != nil {
		bar := candles[last]
		trade := closePosition(*pos, bar.Close, bar.Timestamp, domain.ExitEndOfData, cfg)
		cash += trade.PnL + pos.EntryFee
		result.Trades = append(result.Trades, trade)
		result.Equity[last].Equity = cash
	}

	if err := checkTrades(result.Trades); err != nil {
		return nil, err
	}

	result.FinalEquity = cash
	result.Metrics = ComputeMetrics(result.Trades, result.Equity, cfg.InitialCapital, domain.MedianSpacing(candles))

	if e.observer != nil {
		e.observer.ObserveBacktest(result, time.Since(start))
	}
	return result, nil
}

// open creates a position from an entry signal. Calling it while a position
// is open violates the one-position invariant.
func (e *Engine) open(current *Position, sig domain.Signal, bar domain.Candle, index int, equity, atr float64, result *Result) (*Position, error) {
	if current != nil {
		return nil, domain.NewSimulationError("entry at %s while a %s position from %s is open",
			bar.Timestamp.Format(time.RFC3339), current.Side, current.EntryTime.Format(time.RFC3339))
	}

	cfg := e.config
	side := domain.Long
	if sig.Type == domain.EnterShort {
		side = domain.Short
	}
	sign := side.Sign()
	entry := signalPrice(sig, bar) * (1 + sign*cfg.SlippageRate)

	stop := 0.0
	if sig.StopLoss != nil {
		if sign*(entry-*sig.StopLoss) > 0 && *sig.StopLoss > 0 {
			stop = *sig.StopLoss
		} else {
			result.diagnose("signal stop %v on wrong side of %s entry %v, ignored", *sig.StopLoss, side, entry)
		}
	}
	if stop == 0 && cfg.StopStyle != StopNone && atr > 0 {
		if candidate := entry - sign*cfg.StopATRMultiple*atr; candidate > 0 {
			stop = candidate
		}
	}

	target := 0.0
	if sig.TakeProfit != nil {
		if sign*(*sig.TakeProfit-entry) > 0 {
			target = *sig.TakeProfit
		} else {
			result.diagnose("signal target %v on wrong side of %s entry %v, ignored", *sig.TakeProfit, side, entry)
		}
	}
	if target == 0 && cfg.TakeProfitATRMultiple > 0 && atr > 0 {
		if candidate := entry + sign*cfg.TakeProfitATRMultiple*atr; candidate > 0 {
			target = candidate
		}
	}

	qty := positionSize(equity, entry, stop, cfg)
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		result.DroppedSignals++
		result.diagnose("entry at %s dropped: no equity to size position", bar.Timestamp.Format(time.RFC3339))
		return nil, nil
	}

	log.Debug().
		Str("side", string(side)).
		Time("at", bar.Timestamp).
		Float64("entry", entry).
		Float64("qty", qty).
		Float64("stop", stop).
		Float64("target", target).
		Msg("position opened")

	return &Position{
		Side:       side,
		EntryPrice: entry,
		EntryTime:  bar.Timestamp,
		EntryIndex: index,
		Quantity:   qty,
		EntryFee:   qty * entry * cfg.CommissionRate,
		StopLoss:   stop,
		TakeProfit: target,
	}, nil
}

// alignSignals buckets signals by candle index. Signals that reference no
// candle, carry an unknown type or non-finite values are dropped with a
// diagnostic instead of failing the run.
func (e *Engine) alignSignals(candles []domain.Candle, signals []domain.Signal, result *Result) [][]domain.Signal {
	index := make(map[int64]int, len(candles))
	for i, c := range candles {
		index[c.Timestamp.UnixNano()] = i
	}

	perBar := make([][]domain.Signal, len(candles))
	for _, sig := range signals {
		if !sig.Type.Valid() {
			result.DroppedSignals++
			result.diagnose("signal with unknown type %q dropped", sig.Type)
			continue
		}
		if !finite(sig.Price) || (sig.StopLoss != nil && !finite(*sig.StopLoss)) || (sig.TakeProfit != nil && !finite(*sig.TakeProfit)) {
			result.DroppedSignals++
			result.diagnose("signal at %s with non-finite price dropped", sig.Timestamp.Format(time.RFC3339))
			continue
		}
		i, ok := index[sig.Timestamp.UnixNano()]
		if !ok {
			result.DroppedSignals++
			result.diagnose("signal at %s has no matching candle, dropped", sig.Timestamp.Format(time.RFC3339))
			continue
		}
		perBar[i] = append(perBar[i], sig)
	}

	if result.DroppedSignals > 0 {
		log.Debug().Int("dropped", result.DroppedSignals).Msg("signals dropped during alignment")
	}
	return perBar
}

func (r *Result) diagnose(format string, args ...interface{}) {
	r.Diagnostics = append(r.Diagnostics, fmt.Sprintf(format, args...))
}

func closes(t domain.SignalType, side domain.Side) bool {
	return (t == domain.CloseLong && side == domain.Long) || (t == domain.CloseShort && side == domain.Short)
}

func signalPrice(sig domain.Signal, bar domain.Candle) float64 {
	if sig.Price > 0 {
		return sig.Price
	}
	return bar.Close
}

func atrAt(atr []float64, i int) float64 {
	if i < len(atr) {
		return atr[i]
	}
	return 0
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// checkTrades verifies the closed-trade invariants before results leave the
// engine.
func checkTrades(trades []domain.Trade) error {
	for i, t := range trades {
		if !t.ExitTime.After(t.EntryTime) {
			return domain.NewSimulationError("trade %d exits at %s, not after entry %s", i,
				t.ExitTime.Format(time.RFC3339), t.EntryTime.Format(time.RFC3339))
		}
		if !t.ExitReason.Valid() {
			return domain.NewSimulationError("trade %d has unknown exit reason %q", i, t.ExitReason)
		}
		if i > 0 && t.EntryTime.Before(trades[i-1].ExitTime) {
			return domain.NewSimulationError("trade %d opened before trade %d closed", i, i-1)
		}
	}
	return nil
}
