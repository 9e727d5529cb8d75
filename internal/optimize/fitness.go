package optimize

import (
	"math"

	"github.com/sawpanic/stratlab/internal/backtest"
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/regime"
)

const (
	// ZeroTradeFitness is assigned to parameterizations that never trade
	ZeroTradeFitness = -1.0
	// FailedFitness is assigned when an evaluation errors
	FailedFitness = -10.0

	sharpeScale = 3.0
	returnScale = 100.0
)

// FitnessWeights blend the normalized fitness components
type FitnessWeights struct {
	Sharpe   float64 `yaml:"sharpe" json:"sharpe"`
	Return   float64 `yaml:"return" json:"return"`
	Drawdown float64 `yaml:"drawdown" json:"drawdown"`
}

// DefaultFitnessWeights returns 0.5 Sharpe, 0.3 return, 0.2 drawdown
func DefaultFitnessWeights() FitnessWeights {
	return FitnessWeights{Sharpe: 0.5, Return: 0.3, Drawdown: 0.2}
}

// WeightsFromPreset converts a regime weight preset
func WeightsFromPreset(p regime.WeightPreset) FitnessWeights {
	return FitnessWeights{Sharpe: p.Sharpe, Return: p.Return, Drawdown: p.Drawdown}
}

// Validate requires non-negative weights with a positive sum
func (w FitnessWeights) Validate() error {
	if w.Sharpe < 0 || w.Return < 0 || w.Drawdown < 0 || w.Sharpe+w.Return+w.Drawdown <= 0 {
		return domain.NewConfigurationError("fitness weights must be non-negative with a positive sum, got %+v", w)
	}
	return nil
}

// Fitness scores metrics on roughly [-1, 1]. Sharpe is normalized by 3 and
// total return by 100%, both clamped; drawdown contributes 1 - dd/100.
func Fitness(m backtest.Metrics, w FitnessWeights) float64 {
	if m.TradeCount == 0 {
		return ZeroTradeFitness
	}
	sharpe := clamp(m.SharpeRatio/sharpeScale, -1, 1)
	ret := clamp(m.TotalReturnPct/returnScale, -1, 1)
	dd := 1 - clamp(m.MaxDrawdownPct/100, 0, 1)
	return w.Sharpe*sharpe + w.Return*ret + w.Drawdown*dd
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

// better orders individuals: higher fitness, then more trades, then lower
// complexity.
func better(a, b Individual) bool {
	if a.Fitness != b.Fitness {
		return a.Fitness > b.Fitness
	}
	if a.Metrics.TradeCount != b.Metrics.TradeCount {
		return a.Metrics.TradeCount > b.Metrics.TradeCount
	}
	return a.Complexity < b.Complexity
}

// meanMetrics averages per-window metrics for reporting; trade counts and
// fees are summed.
func meanMetrics(ms []backtest.Metrics) backtest.Metrics {
	if len(ms) == 0 {
		return backtest.Metrics{}
	}
	var out backtest.Metrics
	n := float64(len(ms))
	for _, m := range ms {
		out.TotalReturnPct += m.TotalReturnPct / n
		out.WinRatePct += m.WinRatePct / n
		out.ProfitFactor += m.ProfitFactor / n
		out.SharpeRatio += m.SharpeRatio / n
		out.MaxDrawdownPct = math.Max(out.MaxDrawdownPct, m.MaxDrawdownPct)
		out.AvgWin += m.AvgWin / n
		out.AvgLoss += m.AvgLoss / n
		out.Expectancy += m.Expectancy / n
		out.TradeCount += m.TradeCount
		out.WinningTrades += m.WinningTrades
		out.LosingTrades += m.LosingTrades
		out.TotalFees += m.TotalFees
	}
	return out
}
