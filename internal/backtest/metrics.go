package backtest

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/stratlab/internal/domain"
)

// Metrics summarizes a completed run. Every field is finite; a run with no
// trades reports the zero value.
type Metrics struct {
	TotalReturnPct float64 `json:"total_return_pct"`
	WinRatePct     float64 `json:"win_rate_pct"`
	ProfitFactor   float64 `json:"profit_factor"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	TradeCount     int     `json:"trade_count"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	TotalFees      float64 `json:"total_fees"`
	Expectancy     float64 `json:"expectancy"`
}

// Score names accepted by Metrics.Score
const (
	ScoreSharpe       = "sharpe"
	ScoreTotalReturn  = "total_return"
	ScoreProfitFactor = "profit_factor"
	ScoreWinRate      = "win_rate"
	ScoreExpectancy   = "expectancy"
)

// KnownScore reports whether name is a metric Score understands
func KnownScore(name string) bool {
	switch name {
	case ScoreSharpe, ScoreTotalReturn, ScoreProfitFactor, ScoreWinRate, ScoreExpectancy:
		return true
	}
	return false
}

// Score returns the named metric as a single comparable number
func (m Metrics) Score(name string) float64 {
	switch name {
	case ScoreTotalReturn:
		return m.TotalReturnPct
	case ScoreProfitFactor:
		return m.ProfitFactor
	case ScoreWinRate:
		return m.WinRatePct
	case ScoreExpectancy:
		return m.Expectancy
	default:
		return m.SharpeRatio
	}
}

// ComputeMetrics derives performance metrics from a trade list and the
// matching equity curve. spacing is the nominal bar interval used to
// annualize the Sharpe ratio.
func ComputeMetrics(trades []domain.Trade, equity []domain.EquityPoint, initialCapital float64, spacing time.Duration) Metrics {
	if len(trades) == 0 || initialCapital <= 0 {
		return Metrics{}
	}

	m := Metrics{TradeCount: len(trades)}

	grossProfit, grossLoss := 0.0, 0.0
	for _, t := range trades {
		m.TotalFees += t.Fees
		switch {
		case t.PnL > 0:
			m.WinningTrades++
			grossProfit += t.PnL
		case t.PnL < 0:
			m.LosingTrades++
			grossLoss -= t.PnL
		}
	}

	m.WinRatePct = float64(m.WinningTrades) / float64(m.TradeCount) * 100
	if m.WinningTrades > 0 {
		m.AvgWin = grossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = grossLoss / float64(m.LosingTrades)
	}
	m.ProfitFactor = profitFactor(grossProfit, grossLoss)
	m.Expectancy = (grossProfit - grossLoss) / float64(m.TradeCount)

	if len(equity) > 0 {
		final := equity[len(equity)-1].Equity
		m.TotalReturnPct = (final - initialCapital) / initialCapital * 100
	}
	m.MaxDrawdownPct = MaxDrawdownPct(equityValues(equity))
	m.SharpeRatio = sharpe(equity, spacing)

	return sanitize(m)
}

func profitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss == 0 {
		if grossProfit > 0 {
			return ProfitFactorCap
		}
		return 0
	}
	return math.Min(grossProfit/grossLoss, ProfitFactorCap)
}

// MaxDrawdownPct returns the largest peak-to-trough decline in percent
func MaxDrawdownPct(values []float64) float64 {
	peak, maxDD := 0.0, 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak * 100; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func equityValues(equity []domain.EquityPoint) []float64 {
	out := make([]float64, len(equity))
	for i, p := range equity {
		out[i] = p.Equity
	}
	return out
}

// sharpe annualizes the mean/std of per-bar equity returns
func sharpe(equity []domain.EquityPoint, spacing time.Duration) float64 {
	if len(equity) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, equity[i].Equity/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}

	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}

	periodsPerYear := 1.0
	if spacing > 0 {
		periodsPerYear = float64(365.25*24*time.Hour) / float64(spacing)
	}
	return mean / std * math.Sqrt(periodsPerYear)
}

func sanitize(m Metrics) Metrics {
	for _, f := range []*float64{&m.TotalReturnPct, &m.WinRatePct, &m.ProfitFactor, &m.SharpeRatio,
		&m.MaxDrawdownPct, &m.AvgWin, &m.AvgLoss, &m.TotalFees, &m.Expectancy} {
		if math.IsNaN(*f) || math.IsInf(*f, 0) {
			*f = 0
		}
	}
	return m
}
