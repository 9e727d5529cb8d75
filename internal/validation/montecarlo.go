package validation

import (
	"context"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/infrastructure/async"
)

// MonteCarloConfig controls trade-return resampling
type MonteCarloConfig struct {
	Runs            int       `yaml:"runs" json:"runs"`
	RuinDrawdownPct float64   `yaml:"ruin_drawdown_pct" json:"ruin_drawdown_pct"`
	Seed            uint64    `yaml:"seed" json:"seed"`
	BatchSize       int       `yaml:"batch_size" json:"batch_size"`
	Percentiles     []float64 `yaml:"percentiles" json:"percentiles"`
}

// DefaultMonteCarloConfig returns 1000 runs with ruin at a 50% drawdown
func DefaultMonteCarloConfig() MonteCarloConfig {
	return MonteCarloConfig{
		Runs:            1000,
		RuinDrawdownPct: 50,
		Seed:            42,
		BatchSize:       250,
		Percentiles:     []float64{5, 25, 50, 75, 95},
	}
}

// Validate checks run counts and percentile bounds
func (c MonteCarloConfig) Validate() error {
	if c.Runs < 1 {
		return domain.NewConfigurationError("monte carlo runs must be at least 1, got %d", c.Runs)
	}
	if c.BatchSize < 0 {
		return domain.NewConfigurationError("monte carlo batch size must be non-negative, got %d", c.BatchSize)
	}
	if c.RuinDrawdownPct <= 0 || c.RuinDrawdownPct > 100 {
		return domain.NewConfigurationError("ruin drawdown must be in (0, 100], got %v", c.RuinDrawdownPct)
	}
	for _, p := range c.Percentiles {
		if p <= 0 || p >= 100 {
			return domain.NewConfigurationError("percentile %v outside (0, 100)", p)
		}
	}
	return nil
}

// Percentile is one point of the terminal distribution
type Percentile struct {
	P              float64 `json:"p"`
	ReturnPct      float64 `json:"return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
}

// MonteCarloResult summarizes the simulated terminal returns
type MonteCarloResult struct {
	Runs               int           `json:"runs"`
	Trades             int           `json:"trades"`
	Seed               uint64        `json:"seed"`
	InitialCapital     float64       `json:"initial_capital"`
	RealizedReturnPct  float64       `json:"realized_return_pct"`
	MeanReturnPct      float64       `json:"mean_return_pct"`
	StdReturnPct       float64       `json:"std_return_pct"`
	WorstReturnPct     float64       `json:"worst_return_pct"`
	BestReturnPct      float64       `json:"best_return_pct"`
	MeanMaxDrawdownPct float64       `json:"mean_max_drawdown_pct"`
	Percentiles        []Percentile  `json:"percentiles"`
	ProbabilityOfLoss  float64       `json:"probability_of_loss"`
	RiskOfRuin         float64       `json:"risk_of_ruin"`
	TerminalReturns    []float64     `json:"terminal_returns,omitempty"`
	Elapsed            time.Duration `json:"elapsed"`
}

type path struct {
	returnPct   float64
	drawdownPct float64
}

// TradeReturns converts trades to per-trade returns relative to the equity
// held before each trade, so compounding them rebuilds the realized curve.
func TradeReturns(trades []domain.Trade, initialCapital float64) ([]float64, error) {
	if len(trades) == 0 {
		return nil, domain.NewDataValidationError("monte carlo needs at least one trade")
	}
	if initialCapital <= 0 {
		return nil, domain.NewConfigurationError("initial capital must be positive, got %v", initialCapital)
	}
	out := make([]float64, len(trades))
	equity := initialCapital
	for i, t := range trades {
		if equity <= 0 {
			return nil, domain.NewDataValidationError("equity exhausted before trade %d", i)
		}
		out[i] = t.PnL / equity
		equity += t.PnL
	}
	return out, nil
}

// RunMonteCarlo resamples per-trade returns with replacement. Run 0 replays
// the realized order. Runs are split into fixed batches, each seeded from
// (Seed, batch index), so the output does not depend on the pool size.
func RunMonteCarlo(ctx context.Context, trades []domain.Trade, initialCapital float64, cfg MonteCarloConfig, pool *async.WorkerPool) (*MonteCarloResult, error) {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	returns, err := TradeReturns(trades, initialCapital)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = async.NewWorkerPool(0)
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = cfg.Runs
	}

	var batches []int
	for from := 0; from < cfg.Runs; from += batch {
		batches = append(batches, from)
	}

	outcomes := async.Map(ctx, pool, batches, func(ctx context.Context, b int, from int) ([]path, error) {
		to := min(from+batch, cfg.Runs)
		rng := rand.New(rand.NewPCG(cfg.Seed, uint64(b)))
		paths := make([]path, 0, to-from)
		sample := make([]float64, len(returns))
		for run := from; run < to; run++ {
			if run == 0 {
				copy(sample, returns)
			} else {
				for i := range sample {
					sample[i] = returns[rng.IntN(len(returns))]
				}
			}
			paths = append(paths, simulate(sample))
		}
		return paths, ctx.Err()
	})

	terminal := make([]float64, 0, cfg.Runs)
	drawdowns := make([]float64, 0, cfg.Runs)
	for _, o := range outcomes {
		if o.Err != nil {
			if ctx.Err() != nil {
				return nil, domain.NewOptimizationTimeout(ctx.Err(), "monte carlo")
			}
			return nil, o.Err
		}
		for _, p := range o.Value {
			terminal = append(terminal, p.returnPct)
			drawdowns = append(drawdowns, p.drawdownPct)
		}
	}

	res := &MonteCarloResult{
		Runs:              cfg.Runs,
		Trades:            len(trades),
		Seed:              cfg.Seed,
		InitialCapital:    initialCapital,
		RealizedReturnPct: terminal[0],
		TerminalReturns:   terminal,
	}
	res.MeanReturnPct, res.StdReturnPct = stat.MeanStdDev(terminal, nil)
	if len(terminal) < 2 {
		res.StdReturnPct = 0
	}
	res.WorstReturnPct = floats.Min(terminal)
	res.BestReturnPct = floats.Max(terminal)
	res.MeanMaxDrawdownPct = stat.Mean(drawdowns, nil)

	var losses, ruined int
	for i, r := range terminal {
		if r < 0 {
			losses++
		}
		if drawdowns[i] >= cfg.RuinDrawdownPct {
			ruined++
		}
	}
	res.ProbabilityOfLoss = float64(losses) / float64(len(terminal))
	res.RiskOfRuin = float64(ruined) / float64(len(terminal))

	sortedRet := slices.Clone(terminal)
	slices.Sort(sortedRet)
	sortedDD := slices.Clone(drawdowns)
	slices.Sort(sortedDD)
	for _, p := range cfg.Percentiles {
		res.Percentiles = append(res.Percentiles, Percentile{
			P:              p,
			ReturnPct:      stat.Quantile(p/100, stat.Empirical, sortedRet, nil),
			MaxDrawdownPct: stat.Quantile(p/100, stat.Empirical, sortedDD, nil),
		})
	}
	res.Elapsed = time.Since(start)

	log.Info().
		Int("runs", res.Runs).
		Int("trades", res.Trades).
		Float64("mean_return_pct", res.MeanReturnPct).
		Float64("probability_of_loss", res.ProbabilityOfLoss).
		Float64("risk_of_ruin", res.RiskOfRuin).
		Dur("elapsed", res.Elapsed).
		Msg("monte carlo finished")
	return res, nil
}

// simulate compounds returns from unit equity. Equity at or below zero ends
// the path as a total loss.
func simulate(returns []float64) path {
	equity, peak, maxDD := 1.0, 1.0, 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity <= 0 {
			return path{returnPct: -100, drawdownPct: 100}
		}
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak * 100; dd > maxDD {
			maxDD = dd
		}
	}
	return path{returnPct: (equity - 1) * 100, drawdownPct: maxDD}
}
