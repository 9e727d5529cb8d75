package application

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stratlab/internal/backtest"
	"github.com/sawpanic/stratlab/internal/cache"
	"github.com/sawpanic/stratlab/internal/config"
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/infrastructure/async"
	"github.com/sawpanic/stratlab/internal/metrics"
	"github.com/sawpanic/stratlab/internal/optimize"
	"github.com/sawpanic/stratlab/internal/persistence"
	"github.com/sawpanic/stratlab/internal/regime"
	"github.com/sawpanic/stratlab/internal/strategy"
	"github.com/sawpanic/stratlab/internal/validation"
)

// Options wires a Lab. Only Config is required; nil collaborators disable
// the concern they serve.
type Options struct {
	Config     config.Config
	Strategies *strategy.Registry
	Pool       *async.WorkerPool
	Cache      cache.Cache
	Store      *persistence.Repository
	Metrics    *metrics.Registry
}

// Lab runs backtests, optimizations and validations against one
// configuration. It is shared by the CLI and the HTTP API and is safe for
// concurrent use.
type Lab struct {
	cfg        config.Config
	strategies *strategy.Registry
	pool       *async.WorkerPool
	cache      cache.Cache
	store      *persistence.Repository
	metrics    *metrics.Registry
	meta       *regime.MetaLearner
	weights    *regime.WeightManager
}

// New validates the configuration and builds a Lab
func New(opts Options) (*Lab, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	detector, err := regime.NewDetectorWithConfig(opts.Config.Regime)
	if err != nil {
		return nil, err
	}
	meta, err := regime.NewMetaLearner(detector, nil)
	if err != nil {
		return nil, err
	}
	l := &Lab{
		cfg:        opts.Config,
		strategies: opts.Strategies,
		pool:       opts.Pool,
		cache:      opts.Cache,
		store:      opts.Store,
		metrics:    opts.Metrics,
		meta:       meta,
		weights:    regime.NewWeightManager(),
	}
	if l.strategies == nil {
		l.strategies = strategy.DefaultRegistry()
	}
	if l.pool == nil {
		l.pool = async.NewWorkerPool(opts.Config.Optimizer.Workers)
	}
	return l, nil
}

// Config returns the Lab's configuration
func (l *Lab) Config() config.Config { return l.cfg }

// Strategies returns the strategy registry
func (l *Lab) Strategies() *strategy.Registry { return l.strategies }

// Pool returns the shared worker pool
func (l *Lab) Pool() *async.WorkerPool { return l.pool }

// Cache returns the fitness cache, nil when disabled
func (l *Lab) Cache() cache.Cache { return l.cache }

// Engine builds a backtest engine from override, or from the configured
// backtest section when override is nil
func (l *Lab) Engine(override *backtest.Config) (*backtest.Engine, error) {
	cfg := l.cfg.Backtest
	if override != nil {
		cfg = *override
	}
	engine, err := backtest.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	if l.metrics != nil {
		engine = engine.WithObserver(l.metrics)
	}
	return engine, nil
}

func (l *Lab) optimizer(cfg optimize.Config, engine *backtest.Engine, progress func(optimize.Progress)) (*optimize.Optimizer, error) {
	opts := []optimize.Option{
		optimize.WithPool(l.pool),
		optimize.WithMetaLearner(l.meta),
		optimize.WithWeightManager(l.weights),
	}
	if l.cache != nil {
		opts = append(opts, optimize.WithCache(l.cache))
	}
	if l.metrics != nil {
		opts = append(opts, optimize.WithObserver(l.metrics))
	}
	if progress != nil {
		opts = append(opts, optimize.WithProgress(progress))
	}
	return optimize.New(cfg, engine, opts...)
}

// BacktestRequest describes one simulation
type BacktestRequest struct {
	Strategy   string              `json:"strategy"`
	Parameters domain.ParameterSet `json:"parameters,omitempty"`
	Candles    []domain.Candle     `json:"candles"`
	Backtest   *backtest.Config    `json:"backtest,omitempty"`
}

// BacktestReport is a backtest result with the parameters actually used
type BacktestReport struct {
	RunID      string              `json:"run_id,omitempty"`
	Strategy   string              `json:"strategy"`
	Parameters domain.ParameterSet `json:"parameters"`
	*backtest.Result
}

// Backtest runs a strategy over candles. Missing parameters take the
// strategy's defaults.
func (l *Lab) Backtest(ctx context.Context, req BacktestRequest) (*BacktestReport, error) {
	s, err := l.strategies.Get(req.Strategy)
	if err != nil {
		return nil, err
	}
	engine, err := l.Engine(req.Backtest)
	if err != nil {
		return nil, err
	}
	params := withDefaults(s.Space(), req.Parameters)
	result, err := engine.RunStrategy(s, req.Candles, params)
	if err != nil {
		return nil, err
	}
	report := &BacktestReport{Strategy: s.Name(), Parameters: s.Space().Clamp(params), Result: result}
	report.RunID = l.save(ctx, persistence.KindBacktest, s.Name(), report.Parameters, result.Metrics.SharpeRatio, report, result.Trades)
	return report, nil
}

// Compare ranks strategies over the same candles. An empty name list
// compares every registered strategy.
func (l *Lab) Compare(ctx context.Context, names []string, candles []domain.Candle, score string) ([]backtest.Comparison, error) {
	if score == "" {
		score = backtest.ScoreSharpe
	}
	if !backtest.KnownScore(score) {
		return nil, domain.NewConfigurationError("unknown score %q", score)
	}
	if len(names) == 0 {
		names = l.strategies.Names()
	}
	strategies := make([]strategy.Strategy, 0, len(names))
	for _, name := range names {
		s, err := l.strategies.Get(name)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}
	engine, err := l.Engine(nil)
	if err != nil {
		return nil, err
	}
	return engine.Compare(strategies, candles, score)
}

// MonteCarloRequest resamples either the given trades or the trades of a
// fresh backtest of Strategy over Candles
type MonteCarloRequest struct {
	BacktestRequest
	Trades         []domain.Trade               `json:"trades,omitempty"`
	InitialCapital float64                      `json:"initial_capital,omitempty"`
	MonteCarlo     *validation.MonteCarloConfig `json:"monte_carlo,omitempty"`
}

// MonteCarlo runs the resampling simulation
func (l *Lab) MonteCarlo(ctx context.Context, req MonteCarloRequest) (*validation.MonteCarloResult, error) {
	cfg := l.cfg.MonteCarlo
	if req.MonteCarlo != nil {
		cfg = *req.MonteCarlo
	}
	trades, capital := req.Trades, req.InitialCapital
	name := req.Strategy
	var params domain.ParameterSet
	if len(trades) == 0 {
		report, err := l.Backtest(ctx, req.BacktestRequest)
		if err != nil {
			return nil, err
		}
		trades, capital, params = report.Trades, report.InitialCapital, report.Parameters
	}
	if capital <= 0 {
		capital = l.cfg.Backtest.InitialCapital
	}

	start := time.Now()
	result, err := validation.RunMonteCarlo(ctx, trades, capital, cfg, l.pool)
	l.observeValidation(persistence.KindMonteCarlo, cfg.Runs, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	l.save(ctx, persistence.KindMonteCarlo, name, params, result.MeanReturnPct, result, nil)
	return result, nil
}

// OptimizeRequest describes a genetic search
type OptimizeRequest struct {
	Strategy  string                `json:"strategy"`
	Candles   []domain.Candle       `json:"candles"`
	Optimizer *optimize.Config      `json:"optimizer,omitempty"`
	Seeds     []domain.ParameterSet `json:"seeds,omitempty"`
}

// Optimize runs the genetic optimizer. On cancellation the partial result
// is returned together with the OptimizationTimeout error. progress, if
// set, receives the generation count and best fitness so far.
func (l *Lab) Optimize(ctx context.Context, req OptimizeRequest, progress func(optimize.Progress)) (*optimize.Result, error) {
	s, err := l.strategies.Get(req.Strategy)
	if err != nil {
		return nil, err
	}
	cfg := l.cfg.Optimizer
	if req.Optimizer != nil {
		cfg = *req.Optimizer
	}
	engine, err := l.Engine(nil)
	if err != nil {
		return nil, err
	}
	opt, err := l.optimizer(cfg, engine, progress)
	if err != nil {
		return nil, err
	}

	result, err := opt.Optimize(ctx, s, req.Candles, req.Seeds...)
	if l.metrics != nil {
		l.metrics.ObserveOptimize(outcome(result, err))
	}
	if result != nil {
		l.save(ctx, persistence.KindOptimize, s.Name(), result.Best.Params, result.Best.Fitness, result, nil)
	}
	return result, err
}

// WalkForwardRequest describes a walk-forward validation. Preset, when
// set, replaces the configured window layout; Reoptimize re-fits
// parameters on every training window with the genetic optimizer.
type WalkForwardRequest struct {
	Strategy    string                        `json:"strategy"`
	Parameters  domain.ParameterSet           `json:"parameters,omitempty"`
	Candles     []domain.Candle               `json:"candles"`
	Preset      string                        `json:"preset,omitempty"`
	WalkForward *validation.WalkForwardConfig `json:"walk_forward,omitempty"`
	Reoptimize  bool                          `json:"reoptimize"`
	Optimizer   *optimize.Config              `json:"optimizer,omitempty"`
}

// WalkForward runs a walk-forward validation
func (l *Lab) WalkForward(ctx context.Context, req WalkForwardRequest, progress validation.ProgressFunc) (*validation.WalkForwardResult, error) {
	s, err := l.strategies.Get(req.Strategy)
	if err != nil {
		return nil, err
	}
	cfg := l.cfg.WalkForward
	if req.Preset != "" {
		if cfg, err = validation.WalkForwardPreset(req.Preset); err != nil {
			return nil, err
		}
	}
	if req.WalkForward != nil {
		cfg = *req.WalkForward
	}
	engine, err := l.Engine(nil)
	if err != nil {
		return nil, err
	}
	opts, err := l.validationOptions(engine, req.Reoptimize, req.Optimizer, progress)
	if err != nil {
		return nil, err
	}

	params := withDefaults(s.Space(), req.Parameters)
	start := time.Now()
	result, err := validation.RunWalkForward(ctx, cfg, validation.Evaluator{Engine: engine, Strategy: s}, req.Candles, params, opts...)
	units := 0
	if result != nil {
		units = len(result.Windows)
	}
	l.observeValidation(persistence.KindWalkForward, units, err, time.Since(start))
	if err != nil {
		return result, err
	}
	l.save(ctx, persistence.KindWalkForward, s.Name(), params, result.Summary.MeanOutOfSample, result, nil)
	return result, nil
}

// KFoldRequest describes a K-fold validation
type KFoldRequest struct {
	Strategy   string                  `json:"strategy"`
	Parameters domain.ParameterSet     `json:"parameters,omitempty"`
	Candles    []domain.Candle         `json:"candles"`
	KFold      *validation.KFoldConfig `json:"kfold,omitempty"`
	Reoptimize bool                    `json:"reoptimize"`
	Optimizer  *optimize.Config        `json:"optimizer,omitempty"`
}

// KFold runs a purged K-fold validation
func (l *Lab) KFold(ctx context.Context, req KFoldRequest, progress validation.ProgressFunc) (*validation.KFoldResult, error) {
	s, err := l.strategies.Get(req.Strategy)
	if err != nil {
		return nil, err
	}
	cfg := l.cfg.KFold
	if req.KFold != nil {
		cfg = *req.KFold
	}
	engine, err := l.Engine(nil)
	if err != nil {
		return nil, err
	}
	opts, err := l.validationOptions(engine, req.Reoptimize, req.Optimizer, progress)
	if err != nil {
		return nil, err
	}

	params := withDefaults(s.Space(), req.Parameters)
	start := time.Now()
	result, err := validation.RunKFold(ctx, cfg, validation.Evaluator{Engine: engine, Strategy: s}, req.Candles, params, opts...)
	units := 0
	if result != nil {
		units = len(result.Folds)
	}
	l.observeValidation(persistence.KindKFold, units, err, time.Since(start))
	if err != nil {
		return result, err
	}
	l.save(ctx, persistence.KindKFold, s.Name(), params, result.Summary.MeanOutOfSample, result, nil)
	return result, nil
}

func (l *Lab) validationOptions(engine *backtest.Engine, reoptimize bool, override *optimize.Config, progress validation.ProgressFunc) ([]validation.Option, error) {
	opts := []validation.Option{
		validation.WithPool(l.pool),
		validation.WithPolicy(l.cfg.Stability),
	}
	if progress != nil {
		opts = append(opts, validation.WithProgress(progress))
	}
	if reoptimize {
		cfg := l.cfg.Optimizer
		if override != nil {
			cfg = *override
		}
		opt, err := l.optimizer(cfg, engine, nil)
		if err != nil {
			return nil, err
		}
		opts = append(opts, validation.WithReoptimizer(opt))
	}
	return opts, nil
}

// RegimeRequest classifies a candle series. Strategy, when set, also
// reports how the meta-learner would narrow that strategy's space.
type RegimeRequest struct {
	Series   string          `json:"series,omitempty"`
	Candles  []domain.Candle `json:"candles"`
	Strategy string          `json:"strategy,omitempty"`
	Segments bool            `json:"segments"`
}

// RegimeReport is the detector and meta-learner output for one series
type RegimeReport struct {
	Snapshot        regime.Snapshot         `json:"snapshot"`
	Weights         regime.WeightPreset     `json:"weights"`
	Recommendations []regime.Recommendation `json:"recommendations"`
	Adaptation      *regime.Adaptation      `json:"adaptation,omitempty"`
	Segments        []regime.Segment        `json:"segments,omitempty"`
}

// Regime detects the current regime of the series and surveys how each
// registered strategy's space would be narrowed
func (l *Lab) Regime(ctx context.Context, req RegimeRequest) (*RegimeReport, error) {
	if err := domain.ValidateCandles(req.Candles); err != nil {
		return nil, err
	}
	detector := l.meta.Detector()
	if len(req.Candles) < detector.MinSamples() {
		return nil, domain.NewDataValidationError("regime detection needs at least %d candles, got %d", detector.MinSamples(), len(req.Candles))
	}

	snap := detector.Detect(req.Candles)
	report := &RegimeReport{
		Snapshot:        snap,
		Weights:         l.weights.WeightsFor(snap.Regime),
		Recommendations: l.meta.Survey(snap, l.strategies),
	}
	if req.Strategy != "" {
		s, err := l.strategies.Get(req.Strategy)
		if err != nil {
			return nil, err
		}
		a := l.meta.Adapt(snap, s.Space())
		report.Adaptation = &a
	}
	if req.Segments {
		report.Segments = detector.Segments(req.Candles, detector.Config().Lookback)
	}

	if l.store != nil && l.store.Regimes != nil && req.Series != "" {
		if err := l.store.Regimes.Upsert(ctx, persistence.SnapshotRecord(req.Series, snap)); err != nil {
			log.Warn().Err(err).Str("series", req.Series).Msg("Failed to store regime snapshot")
		}
	}
	return report, nil
}

// save records a result in the store and returns its id. Store failures
// are logged and never fail the run.
func (l *Lab) save(ctx context.Context, kind, name string, params domain.ParameterSet, score float64, summary interface{}, trades []domain.Trade) string {
	if l.store == nil {
		return ""
	}
	rec, err := persistence.NewRunRecord(kind, name, params, score, summary)
	if err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("Failed to encode run")
		return ""
	}
	if err := l.store.SaveRun(ctx, rec, trades); err != nil {
		log.Warn().Err(err).Str("kind", kind).Str("strategy", name).Msg("Failed to store run")
		return ""
	}
	return rec.ID
}

func (l *Lab) observeValidation(method string, units int, err error, elapsed time.Duration) {
	if l.metrics != nil {
		l.metrics.ObserveValidation(method, units, err, elapsed)
	}
}

func outcome(result *optimize.Result, err error) string {
	switch {
	case errors.Is(err, domain.ErrOptimizationTimeout):
		return "cancelled"
	case err != nil:
		return "failed"
	case result.Plateaued:
		return "plateaued"
	default:
		return "completed"
	}
}

// withDefaults fills parameters missing from params with the space defaults
func withDefaults(space strategy.Space, params domain.ParameterSet) domain.ParameterSet {
	out := space.Defaults()
	for k, v := range params {
		out[k] = v
	}
	return out
}

// Describe lists the registered strategies
func (l *Lab) Describe() []strategy.Info {
	return l.strategies.Describe()
}
