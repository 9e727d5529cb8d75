package validation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stratlab/internal/backtest"
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/infrastructure/async"
)

// KFoldConfig describes a contiguous K-fold split
type KFoldConfig struct {
	Folds       int    `yaml:"folds" json:"folds"`
	PurgeBars   int    `yaml:"purge_bars" json:"purge_bars"`
	MinFoldBars int    `yaml:"min_fold_bars" json:"min_fold_bars"`
	Metric      string `yaml:"metric" json:"metric"`
}

// DefaultKFoldConfig returns five folds with a one-day hourly purge
func DefaultKFoldConfig() KFoldConfig {
	return KFoldConfig{Folds: 5, PurgeBars: 24, MinFoldBars: 20, Metric: backtest.ScoreSharpe}
}

// Validate checks the fold settings
func (c KFoldConfig) Validate() error {
	if c.Folds < 2 {
		return domain.NewConfigurationError("k-fold needs at least 2 folds, got %d", c.Folds)
	}
	if c.PurgeBars < 0 || c.MinFoldBars < 0 {
		return domain.NewConfigurationError("k-fold bar counts must be non-negative")
	}
	if c.Metric != "" && !backtest.KnownScore(c.Metric) {
		return domain.NewConfigurationError("unknown k-fold metric %q", c.Metric)
	}
	return nil
}

// Fold is one test fold and the training ranges around it
type Fold struct {
	Index     int       `json:"index"`
	TestFrom  int       `json:"test_from"`
	TestTo    int       `json:"test_to"` // exclusive
	TestStart time.Time `json:"test_start"`
	TestEnd   time.Time `json:"test_end"`
	TrainBars int       `json:"train_bars"`
	// PrecedesTraining is set when training data lies after the test fold
	PrecedesTraining bool `json:"precedes_training"`
	// TrainGap is the time skipped where the training set joins the bars
	// before and after the test fold; zero when training is contiguous
	TrainGap time.Duration `json:"train_gap,omitempty"`
}

// Layout splits candles into contiguous folds. Training for a fold is every
// other fold minus PurgeBars on each side of the test fold.
func (c KFoldConfig) Layout(candles []domain.Candle) ([]Fold, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := domain.ValidateCandles(candles); err != nil {
		return nil, err
	}

	n := len(candles)
	if n/c.Folds < max(c.MinFoldBars, 1) {
		return nil, domain.NewDataValidationError("%d candles too few for %d folds of at least %d bars", n, c.Folds, c.MinFoldBars)
	}

	folds := make([]Fold, c.Folds)
	for k := range folds {
		from := k * n / c.Folds
		to := (k + 1) * n / c.Folds
		before := max(from-c.PurgeBars, 0)
		after := max(n-(to+c.PurgeBars), 0)
		var gap time.Duration
		if before > 0 && after > 0 {
			gap = candles[to+c.PurgeBars].Timestamp.Sub(candles[before-1].Timestamp)
		}
		folds[k] = Fold{
			Index:            k,
			TestFrom:         from,
			TestTo:           to,
			TestStart:        candles[from].Timestamp,
			TestEnd:          candles[to-1].Timestamp,
			TrainBars:        before + after,
			PrecedesTraining: after > 0,
			TrainGap:         gap,
		}
	}
	return folds, nil
}

// trainingSet concatenates the candles before and after the purged test fold
func (c KFoldConfig) trainingSet(candles []domain.Candle, f Fold) []domain.Candle {
	before := max(f.TestFrom-c.PurgeBars, 0)
	afterFrom := min(f.TestTo+c.PurgeBars, len(candles))
	out := make([]domain.Candle, 0, before+len(candles)-afterFrom)
	out = append(out, candles[:before]...)
	out = append(out, candles[afterFrom:]...)
	return out
}

// FoldResult holds one fold's metrics
type FoldResult struct {
	Fold
	Parameters     domain.ParameterSet `json:"parameters"`
	InSample       backtest.Metrics    `json:"in_sample"`
	OutOfSample    backtest.Metrics    `json:"out_of_sample"`
	InSampleScore  float64             `json:"in_sample_score"`
	OutSampleScore float64             `json:"out_of_sample_score"`
	Error          string              `json:"error,omitempty"`
}

// KFoldResult is the output of a K-fold run. TemporalLeakage is set whenever
// some fold is tested before training data that follows it.
type KFoldResult struct {
	Strategy        string       `json:"strategy"`
	Config          KFoldConfig  `json:"config"`
	Folds           []FoldResult `json:"folds"`
	Completed       int          `json:"completed"`
	Failed          int          `json:"failed"`
	Summary         Summary      `json:"summary"`
	ConsistencyPct  float64      `json:"consistency_pct"`
	TemporalLeakage bool         `json:"temporal_leakage"`
	Warnings        []string     `json:"warnings"`
}

// RunKFold evaluates params on each fold, optionally re-fitting on the
// training folds first. Fold failures are recorded per fold.
func RunKFold(ctx context.Context, cfg KFoldConfig, eval Evaluator, candles []domain.Candle, params domain.ParameterSet, opts ...Option) (*KFoldResult, error) {
	r, err := newRunner(cfg.Metric, opts)
	if err != nil {
		return nil, err
	}
	folds, err := cfg.Layout(candles)
	if err != nil {
		return nil, err
	}

	result := &KFoldResult{Strategy: eval.Strategy.Name(), Config: cfg, Warnings: []string{}}
	for _, f := range folds {
		if !f.PrecedesTraining {
			continue
		}
		result.TemporalLeakage = true
		msg := fmt.Sprintf("fold %d (%s to %s) is tested before training data that follows it", f.Index,
			f.TestStart.Format(time.RFC3339), f.TestEnd.Format(time.RFC3339))
		if f.TrainGap > 0 {
			msg += fmt.Sprintf("; its training set joins both sides of the fold across a %s gap", f.TrainGap)
		}
		result.Warnings = append(result.Warnings, msg)
	}

	var done atomic.Int32
	outcomes := async.Map(ctx, r.pool, folds, func(ctx context.Context, _ int, f Fold) (FoldResult, error) {
		fr, err := r.evaluateFold(ctx, cfg, eval, candles, f, params)
		if r.progress != nil {
			r.progress(int(done.Add(1)), len(folds))
		}
		return fr, err
	})

	var is, oos []float64
	for i, o := range outcomes {
		fr := o.Value
		fr.Fold = folds[i]
		if o.Err != nil {
			fr.Error = o.Err.Error()
			result.Failed++
			log.Warn().Err(o.Err).Int("fold", i).Msg("k-fold fold failed")
		} else {
			result.Completed++
			is = append(is, fr.InSampleScore)
			oos = append(oos, fr.OutSampleScore)
		}
		result.Folds = append(result.Folds, fr)
	}
	result.Summary = summarize(r.policy, is, oos)
	result.ConsistencyPct = result.Summary.Consistency * 100

	log.Info().
		Str("strategy", result.Strategy).
		Int("folds", cfg.Folds).
		Int("completed", result.Completed).
		Float64("mean_oos", result.Summary.MeanOutOfSample).
		Float64("std_oos", result.Summary.StdOutOfSample).
		Bool("temporal_leakage", result.TemporalLeakage).
		Msg("k-fold finished")

	if ctx.Err() != nil {
		return result, domain.NewOptimizationTimeout(ctx.Err(), "k-fold")
	}
	if result.Completed == 0 {
		return result, domain.NewSimulationError("all %d folds failed", cfg.Folds)
	}
	return result, nil
}

func (r *runner) evaluateFold(ctx context.Context, cfg KFoldConfig, eval Evaluator, candles []domain.Candle, f Fold, base domain.ParameterSet) (FoldResult, error) {
	train := cfg.trainingSet(candles, f)
	test := candles[f.TestFrom:f.TestTo]

	params := base
	if r.reopt != nil {
		tuned, err := r.reopt.Reoptimize(ctx, train, eval.Strategy, base)
		if err != nil {
			return FoldResult{}, fmt.Errorf("fold %d reoptimize: %w", f.Index, err)
		}
		params = tuned
	}

	isRes, err := eval.Evaluate(train, params)
	if err != nil {
		return FoldResult{}, fmt.Errorf("fold %d in-sample: %w", f.Index, err)
	}
	oosRes, err := eval.Evaluate(test, params)
	if err != nil {
		return FoldResult{}, fmt.Errorf("fold %d out-of-sample: %w", f.Index, err)
	}

	return FoldResult{
		Parameters:     params.Clone(),
		InSample:       isRes.Metrics,
		OutOfSample:    oosRes.Metrics,
		InSampleScore:  r.scorer(isRes.Metrics),
		OutSampleScore: r.scorer(oosRes.Metrics),
	}, nil
}
