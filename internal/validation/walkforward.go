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
	"github.com/sawpanic/stratlab/internal/strategy"
)

const day = 24 * time.Hour

// Reoptimizer re-fits parameters on a training slice before the window's
// test slice is evaluated.
type Reoptimizer interface {
	Reoptimize(ctx context.Context, train []domain.Candle, s strategy.Strategy, base domain.ParameterSet) (domain.ParameterSet, error)
}

// Evaluator runs one strategy over candle slices with a fixed engine
type Evaluator struct {
	Engine   *backtest.Engine
	Strategy strategy.Strategy
}

// Evaluate backtests params over candles
func (e Evaluator) Evaluate(candles []domain.Candle, params domain.ParameterSet) (*backtest.Result, error) {
	return e.Engine.RunStrategy(e.Strategy, candles, params)
}

// ProgressFunc receives completed/total counts. It may be called from
// worker goroutines.
type ProgressFunc func(done, total int)

// WalkForwardConfig describes the rolling window layout
type WalkForwardConfig struct {
	TrainDays    int    `yaml:"train_days" json:"train_days"`
	TestDays     int    `yaml:"test_days" json:"test_days"`
	StepDays     int    `yaml:"step_days" json:"step_days"`
	PurgeBars    int    `yaml:"purge_bars" json:"purge_bars"`
	MinTrainBars int    `yaml:"min_train_bars" json:"min_train_bars"`
	MinTestBars  int    `yaml:"min_test_bars" json:"min_test_bars"`
	Metric       string `yaml:"metric" json:"metric"`
}

// DefaultWalkForwardConfig is the standard preset
func DefaultWalkForwardConfig() WalkForwardConfig {
	cfg, _ := WalkForwardPreset("standard")
	return cfg
}

// WalkForwardPreset returns a named window layout: quick, standard,
// thorough or conservative.
func WalkForwardPreset(name string) (WalkForwardConfig, error) {
	base := WalkForwardConfig{MinTrainBars: 50, MinTestBars: 20, Metric: backtest.ScoreSharpe}
	switch name {
	case "quick":
		base.TrainDays, base.TestDays, base.StepDays, base.PurgeBars = 90, 30, 14, 0
	case "standard", "":
		base.TrainDays, base.TestDays, base.StepDays, base.PurgeBars = 180, 60, 30, 24
	case "thorough":
		base.TrainDays, base.TestDays, base.StepDays, base.PurgeBars = 365, 90, 30, 48
	case "conservative":
		base.TrainDays, base.TestDays, base.StepDays, base.PurgeBars = 180, 60, 30, 48
		base.MinTrainBars, base.MinTestBars = 500, 100
	default:
		return WalkForwardConfig{}, domain.NewConfigurationError("unknown walk-forward preset %q", name)
	}
	return base, nil
}

// Validate checks the layout is internally consistent
func (c WalkForwardConfig) Validate() error {
	if c.TrainDays <= 0 || c.TestDays <= 0 || c.StepDays <= 0 {
		return domain.NewConfigurationError("walk-forward train/test/step days must be positive, got %d/%d/%d",
			c.TrainDays, c.TestDays, c.StepDays)
	}
	if c.PurgeBars < 0 || c.MinTrainBars < 0 || c.MinTestBars < 0 {
		return domain.NewConfigurationError("walk-forward bar counts must be non-negative")
	}
	if c.Metric != "" && !backtest.KnownScore(c.Metric) {
		return domain.NewConfigurationError("unknown walk-forward metric %q", c.Metric)
	}
	return nil
}

// Window is one train/test split expressed as candle index ranges
type Window struct {
	Index      int       `json:"index"`
	TrainStart time.Time `json:"train_start"`
	TrainEnd   time.Time `json:"train_end"`
	TestStart  time.Time `json:"test_start"`
	TestEnd    time.Time `json:"test_end"`
	TrainFrom  int       `json:"train_from"`
	TrainTo    int       `json:"train_to"` // exclusive
	TestFrom   int       `json:"test_from"`
	TestTo     int       `json:"test_to"` // exclusive
}

// Windows lays out calendar-time windows over the candles. Train covers
// [start, start+train); test starts PurgeBars after the first bar at or
// beyond the train end and runs to train end + test. Windows whose test
// span runs past the data, or which hold too few bars, are not produced.
func (c WalkForwardConfig) Windows(candles []domain.Candle) ([]Window, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := domain.ValidateCandles(candles); err != nil {
		return nil, err
	}

	first := candles[0].Timestamp
	end := candles[len(candles)-1].Timestamp.Add(domain.MedianSpacing(candles))
	train := time.Duration(c.TrainDays) * day
	test := time.Duration(c.TestDays) * day
	step := time.Duration(c.StepDays) * day

	if first.Add(train + test).After(end) {
		return nil, domain.NewConfigurationError("walk-forward span %dd+%dd exceeds history of %.1f days",
			c.TrainDays, c.TestDays, end.Sub(first).Hours()/24)
	}

	var windows []Window
	for start := first; !start.Add(train + test).After(end); start = start.Add(step) {
		trainEnd := start.Add(train)
		testEnd := trainEnd.Add(test)

		trainFrom := domain.IndexAtOrAfter(candles, start)
		trainTo := domain.IndexAtOrAfter(candles, trainEnd)
		testFrom := trainTo + c.PurgeBars
		testTo := domain.IndexAtOrAfter(candles, testEnd)

		if trainTo-trainFrom < max(c.MinTrainBars, 1) || testTo-testFrom < max(c.MinTestBars, 1) {
			log.Debug().Time("start", start).Int("train_bars", trainTo-trainFrom).Int("test_bars", testTo-testFrom).
				Msg("walk-forward window skipped: too few bars")
			continue
		}

		windows = append(windows, Window{
			Index:      len(windows),
			TrainStart: candles[trainFrom].Timestamp,
			TrainEnd:   candles[trainTo-1].Timestamp,
			TestStart:  candles[testFrom].Timestamp,
			TestEnd:    candles[testTo-1].Timestamp,
			TrainFrom:  trainFrom,
			TrainTo:    trainTo,
			TestFrom:   testFrom,
			TestTo:     testTo,
		})
	}

	if len(windows) < 2 {
		return windows, domain.NewDataValidationError("walk-forward produced %d usable windows, need at least 2", len(windows))
	}
	return windows, nil
}

// WindowResult holds one window's parameters and metrics
type WindowResult struct {
	Window
	Parameters     domain.ParameterSet `json:"parameters"`
	InSample       backtest.Metrics    `json:"in_sample"`
	OutOfSample    backtest.Metrics    `json:"out_of_sample"`
	InSampleScore  float64             `json:"in_sample_score"`
	OutSampleScore float64             `json:"out_of_sample_score"`
	DegradationPct float64             `json:"degradation_pct"`
	Error          string              `json:"error,omitempty"`
}

// WalkForwardResult is the full output of a walk-forward run
type WalkForwardResult struct {
	Strategy  string            `json:"strategy"`
	Config    WalkForwardConfig `json:"config"`
	Windows   []WindowResult    `json:"windows"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Summary   Summary           `json:"summary"`
	Elapsed   time.Duration     `json:"elapsed"`
}

// Option customizes a validation runner
type Option func(*runner)

type runner struct {
	pool     *async.WorkerPool
	reopt    Reoptimizer
	scorer   Scorer
	policy   StabilityPolicy
	progress ProgressFunc
}

// WithPool runs windows on the given pool
func WithPool(p *async.WorkerPool) Option { return func(r *runner) { r.pool = p } }

// WithReoptimizer re-fits parameters on each training slice
func WithReoptimizer(ro Reoptimizer) Option { return func(r *runner) { r.reopt = ro } }

// WithScorer overrides the metric-based primary score
func WithScorer(s Scorer) Option { return func(r *runner) { r.scorer = s } }

// WithPolicy sets the stability thresholds
func WithPolicy(p StabilityPolicy) Option { return func(r *runner) { r.policy = p } }

// WithProgress reports windows completed
func WithProgress(f ProgressFunc) Option { return func(r *runner) { r.progress = f } }

func newRunner(metric string, opts []Option) (*runner, error) {
	r := &runner{policy: DefaultStabilityPolicy()}
	for _, o := range opts {
		o(r)
	}
	if r.pool == nil {
		r.pool = async.NewWorkerPool(0)
	}
	if r.scorer == nil {
		if metric == "" {
			metric = backtest.ScoreSharpe
		}
		r.scorer = MetricScorer(metric)
	}
	if err := r.policy.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// RunWalkForward evaluates params over every window. Window failures are
// recorded on the window and excluded from the summary. If fewer than two
// windows complete, the partial result is returned with a
// DataValidationError; on cancellation it is returned with an
// OptimizationTimeout.
func RunWalkForward(ctx context.Context, cfg WalkForwardConfig, eval Evaluator, candles []domain.Candle, params domain.ParameterSet, opts ...Option) (*WalkForwardResult, error) {
	start := time.Now()
	r, err := newRunner(cfg.Metric, opts)
	if err != nil {
		return nil, err
	}
	windows, err := cfg.Windows(candles)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("strategy", eval.Strategy.Name()).
		Int("windows", len(windows)).
		Int("train_days", cfg.TrainDays).
		Int("test_days", cfg.TestDays).
		Int("step_days", cfg.StepDays).
		Bool("reoptimize", r.reopt != nil).
		Msg("walk-forward started")

	var done atomic.Int32
	outcomes := async.Map(ctx, r.pool, windows, func(ctx context.Context, _ int, w Window) (WindowResult, error) {
		res, err := r.evaluateWindow(ctx, eval, candles, w, params)
		if r.progress != nil {
			r.progress(int(done.Add(1)), len(windows))
		}
		return res, err
	})

	result := &WalkForwardResult{Strategy: eval.Strategy.Name(), Config: cfg}
	var is, oos []float64
	for i, o := range outcomes {
		wr := o.Value
		wr.Window = windows[i]
		if o.Err != nil {
			wr.Error = o.Err.Error()
			result.Failed++
			log.Warn().Err(o.Err).Int("window", i).Msg("walk-forward window failed")
		} else {
			result.Completed++
			is = append(is, wr.InSampleScore)
			oos = append(oos, wr.OutSampleScore)
		}
		result.Windows = append(result.Windows, wr)
	}
	result.Summary = summarize(r.policy, is, oos)
	result.Elapsed = time.Since(start)

	log.Info().
		Int("completed", result.Completed).
		Int("failed", result.Failed).
		Float64("stability_ratio", result.Summary.StabilityRatio).
		Str("classification", string(result.Summary.Classification)).
		Dur("elapsed", result.Elapsed).
		Msg("walk-forward finished")

	if ctx.Err() != nil {
		return result, domain.NewOptimizationTimeout(ctx.Err(), "walk-forward")
	}
	if result.Completed < 2 {
		return result, domain.NewDataValidationError("only %d of %d walk-forward windows completed", result.Completed, len(windows))
	}
	return result, nil
}

func (r *runner) evaluateWindow(ctx context.Context, eval Evaluator, candles []domain.Candle, w Window, base domain.ParameterSet) (WindowResult, error) {
	train := candles[w.TrainFrom:w.TrainTo]
	test := candles[w.TestFrom:w.TestTo]

	params := base
	if r.reopt != nil {
		tuned, err := r.reopt.Reoptimize(ctx, train, eval.Strategy, base)
		if err != nil {
			return WindowResult{}, fmt.Errorf("window %d reoptimize: %w", w.Index, err)
		}
		params = tuned
	}

	isRes, err := eval.Evaluate(train, params)
	if err != nil {
		return WindowResult{}, fmt.Errorf("window %d in-sample: %w", w.Index, err)
	}
	oosRes, err := eval.Evaluate(test, params)
	if err != nil {
		return WindowResult{}, fmt.Errorf("window %d out-of-sample: %w", w.Index, err)
	}

	wr := WindowResult{
		Parameters:     params.Clone(),
		InSample:       isRes.Metrics,
		OutOfSample:    oosRes.Metrics,
		InSampleScore:  r.scorer(isRes.Metrics),
		OutSampleScore: r.scorer(oosRes.Metrics),
	}
	wr.DegradationPct = degradationPct(wr.InSampleScore, wr.OutSampleScore)
	return wr, nil
}
