package optimize

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/stratlab/internal/backtest"
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/infrastructure/async"
	"github.com/sawpanic/stratlab/internal/regime"
	"github.com/sawpanic/stratlab/internal/strategy"
	"github.com/sawpanic/stratlab/internal/validation"
)

// Individual is one parameterization and its evaluation
type Individual struct {
	Params     domain.ParameterSet `json:"params"`
	Fitness    float64             `json:"fitness"`
	Metrics    backtest.Metrics    `json:"metrics"`
	Complexity int                 `json:"complexity"` // parameters moved off their default
	Elite      bool                `json:"elite,omitempty"`
	Evaluated  bool                `json:"-"`
	Error      string              `json:"error,omitempty"`

	cause error
}

// Generation summarizes one evaluated population
type Generation struct {
	Index       int        `json:"index"`
	Best        Individual `json:"best"`
	BestFitness float64    `json:"best_fitness"`
	MeanFitness float64    `json:"mean_fitness"`
	Evaluations int        `json:"evaluations"`
	CacheHits   int        `json:"cache_hits"`
	Failed      int        `json:"failed"`
}

// Progress is reported after every generation
type Progress struct {
	Generation  int     `json:"generation"`
	Generations int     `json:"generations"`
	BestFitness float64 `json:"best_fitness"`
	Evaluations int     `json:"evaluations"`
}

// Result is the output of an optimization run
type Result struct {
	Strategy    string             `json:"strategy"`
	Objective   string             `json:"objective"`
	Best        Individual         `json:"best"`
	History     []Generation       `json:"history"`
	Evaluations int                `json:"evaluations"`
	CacheHits   int                `json:"cache_hits"`
	Plateaued   bool               `json:"plateaued"`
	Cancelled   bool               `json:"cancelled"`
	Weights     FitnessWeights     `json:"weights"`
	Space       strategy.Space     `json:"space"`
	Adaptation  *regime.Adaptation `json:"adaptation,omitempty"`
	Elapsed     time.Duration      `json:"elapsed"`
}

// Cache memoizes encoded evaluations by key. Implementations must be safe
// for concurrent use; misses and backend errors both report false.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}

// Option customizes an Optimizer
type Option func(*Optimizer)

// WithPool evaluates individuals on the given pool
func WithPool(p *async.WorkerPool) Option { return func(o *Optimizer) { o.pool = p } }

// WithMetaLearner enables regime detection and range narrowing
func WithMetaLearner(m *regime.MetaLearner) Option { return func(o *Optimizer) { o.meta = m } }

// WithWeightManager supplies per-regime fitness weights
func WithWeightManager(w *regime.WeightManager) Option { return func(o *Optimizer) { o.weights = w } }

// WithCache memoizes evaluations
func WithCache(c Cache) Option { return func(o *Optimizer) { o.cache = c } }

// WithProgress reports after each generation, on the calling goroutine
func WithProgress(f func(Progress)) Option { return func(o *Optimizer) { o.progress = f } }

// Observer receives per-generation evaluation counts
type Observer interface {
	ObserveGeneration(strategy string, best float64, computed, cached, failed int)
}

// WithObserver reports every generation to obs
func WithObserver(obs Observer) Option { return func(o *Optimizer) { o.observer = obs } }

var _ validation.Reoptimizer = (*Optimizer)(nil)

// Optimizer runs a genetic search over a strategy's parameter space using
// the backtest engine as the fitness function.
type Optimizer struct {
	cfg      Config
	engine   *backtest.Engine
	pool     *async.WorkerPool
	meta     *regime.MetaLearner
	weights  *regime.WeightManager
	cache    Cache
	progress func(Progress)
	observer Observer
}

// New creates an optimizer
func New(cfg Config, engine *backtest.Engine, opts ...Option) (*Optimizer, error) {
	if cfg.Objective == "" {
		cfg.Objective = ObjectiveInSample
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, domain.NewConfigurationError("optimizer needs a backtest engine")
	}
	o := &Optimizer{cfg: cfg, engine: engine}
	for _, opt := range opts {
		opt(o)
	}
	if o.pool == nil {
		o.pool = async.NewWorkerPool(cfg.Workers)
	}
	return o, nil
}

// Config returns the optimizer configuration
func (o *Optimizer) Config() Config {
	return o.cfg
}

// run holds the read-only state shared by every evaluation of one run
type run struct {
	strategy    strategy.Strategy
	space       strategy.Space
	candles     []domain.Candle
	weights     FitnessWeights
	fingerprint string
}

// Optimize searches the strategy's space over candles. seeds, if any, join
// the initial population. On cancellation the best result so far is
// returned together with an OptimizationTimeout. A walk-forward objective
// whose window layout does not fit the candles, or a first generation in
// which every individual fails, returns no result.
func (o *Optimizer) Optimize(ctx context.Context, s strategy.Strategy, candles []domain.Candle, seeds ...domain.ParameterSet) (*Result, error) {
	start := time.Now()
	if err := domain.ValidateCandles(candles); err != nil {
		return nil, err
	}
	space := s.Space()
	if err := space.Validate(); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", s.Name(), err)
	}
	if o.cfg.Objective == ObjectiveWalkForward {
		if _, err := o.cfg.WalkForward.Windows(candles); err != nil {
			return nil, fmt.Errorf("walk-forward objective: %w", err)
		}
	}

	result := &Result{Strategy: s.Name(), Objective: o.cfg.Objective, Weights: o.cfg.Weights}
	if o.meta != nil && (o.cfg.AdaptiveRanges || o.cfg.RegimeWeights) {
		adaptation := o.meta.Prepare(candles, space)
		if o.cfg.AdaptiveRanges {
			space = adaptation.Adapted
		}
		if o.cfg.RegimeWeights && o.weights != nil {
			result.Weights = WeightsFromPreset(o.weights.WeightsFor(adaptation.Snapshot.Regime))
		}
		result.Adaptation = &adaptation
	}
	result.Space = space

	r := &run{strategy: s, space: space, candles: candles, weights: result.Weights}
	r.fingerprint = o.fingerprint(r)

	log.Info().
		Str("strategy", s.Name()).
		Str("objective", o.cfg.Objective).
		Int("population", o.cfg.PopulationSize).
		Int("generations", o.cfg.Generations).
		Int("free_params", space.FreeCount()).
		Uint64("seed", o.cfg.Seed).
		Msg("optimization started")

	b := newBreeder(o.cfg, space)
	pop := b.initial(seeds...)
	var best Individual
	haveBest := false
	stale := 0
	plateauRef := 0.0

	for gen := 0; gen < o.cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return o.finish(result, best, start, err)
		}

		g := o.evaluate(ctx, r, pop)
		if err := ctx.Err(); err != nil {
			// a generation interrupted mid-way is discarded
			return o.finish(result, best, start, err)
		}

		if gen == 0 && g.Failed == len(pop) {
			return nil, allFailed(s.Name(), pop)
		}

		sort.SliceStable(pop, func(i, j int) bool { return better(pop[i], pop[j]) })
		if !haveBest || better(pop[0], best) {
			best = pop[0]
			haveBest = true
		}

		fits := make([]float64, len(pop))
		for i, ind := range pop {
			fits[i] = ind.Fitness
		}
		g.Index = gen
		g.Best = best
		g.BestFitness = best.Fitness
		g.MeanFitness = stat.Mean(fits, nil)
		result.History = append(result.History, g)
		result.Evaluations += g.Evaluations
		result.CacheHits += g.CacheHits

		log.Info().
			Str("strategy", s.Name()).
			Int("generation", gen).
			Float64("best_fitness", g.BestFitness).
			Float64("mean_fitness", g.MeanFitness).
			Int("evaluations", g.Evaluations).
			Int("failed", g.Failed).
			Msg("generation complete")

		if o.observer != nil {
			o.observer.ObserveGeneration(s.Name(), best.Fitness, g.Evaluations-g.CacheHits, g.CacheHits, g.Failed)
		}
		if o.progress != nil {
			o.progress(Progress{Generation: gen + 1, Generations: o.cfg.Generations, BestFitness: best.Fitness, Evaluations: result.Evaluations})
		}

		if o.cfg.PlateauGenerations > 0 {
			if gen == 0 || best.Fitness-plateauRef > o.cfg.PlateauTolerance {
				plateauRef = best.Fitness
				stale = 0
			} else {
				stale++
			}
			if stale >= o.cfg.PlateauGenerations {
				result.Plateaued = true
				log.Info().Int("generation", gen).Int("stale", stale).Msg("optimization plateaued")
				break
			}
		}

		if gen < o.cfg.Generations-1 {
			pop = b.next(pop)
		}
	}

	return o.finish(result, best, start, nil)
}

func (o *Optimizer) finish(result *Result, best Individual, start time.Time, ctxErr error) (*Result, error) {
	result.Best = best
	result.Elapsed = time.Since(start)
	if ctxErr != nil {
		result.Cancelled = true
		log.Warn().Err(ctxErr).Int("generations", len(result.History)).Msg("optimization stopped early")
		return result, domain.NewOptimizationTimeout(ctxErr, fmt.Sprintf("generation %d", len(result.History)))
	}
	log.Info().
		Str("strategy", result.Strategy).
		Float64("best_fitness", best.Fitness).
		Int("evaluations", result.Evaluations).
		Int("cache_hits", result.CacheHits).
		Dur("elapsed", result.Elapsed).
		Msg("optimization finished")
	return result, nil
}

// allFailed reports a first generation in which no individual could be
// evaluated; the first recorded cause is kept for errors.Is.
func allFailed(name string, pop []Individual) error {
	for _, ind := range pop {
		if ind.cause != nil {
			return fmt.Errorf("strategy %s: all %d individuals of the first generation failed: %w", name, len(pop), ind.cause)
		}
	}
	return domain.NewSimulationError("strategy %s: all %d individuals of the first generation failed: %s", name, len(pop), pop[0].Error)
}

// evaluate scores every individual not yet evaluated. Elites keep their
// previous score. Individuals are written back in place, in order.
func (o *Optimizer) evaluate(ctx context.Context, r *run, pop []Individual) Generation {
	var g Generation
	pending := make([]int, 0, len(pop))
	for i := range pop {
		if !pop[i].Evaluated {
			pending = append(pending, i)
		}
	}

	type outcome struct {
		ind Individual
		hit bool
	}
	outcomes := async.Map(ctx, o.pool, pending, func(ctx context.Context, _ int, idx int) (outcome, error) {
		ind, hit := o.score(ctx, r, pop[idx])
		return outcome{ind: ind, hit: hit}, nil
	})

	for k, res := range outcomes {
		idx := pending[k]
		if res.Err != nil {
			// only reachable through cancellation or a recovered panic
			pop[idx].Fitness = FailedFitness
			pop[idx].Error = res.Err.Error()
			pop[idx].cause = res.Err
			pop[idx].Evaluated = true
			g.Failed++
			continue
		}
		pop[idx] = res.Value.ind
		g.Evaluations++
		if res.Value.hit {
			g.CacheHits++
		}
		if res.Value.ind.Error != "" {
			g.Failed++
		}
	}
	return g
}

type cachedEval struct {
	Fitness float64          `json:"fitness"`
	Metrics backtest.Metrics `json:"metrics"`
	Error   string           `json:"error,omitempty"`
}

// score evaluates one individual, consulting the cache first
func (o *Optimizer) score(ctx context.Context, r *run, ind Individual) (Individual, bool) {
	key := r.fingerprint + ":" + paramsKey(ind.Params)
	if o.cache != nil {
		if raw, ok := o.cache.Get(ctx, key); ok {
			var ce cachedEval
			if err := json.Unmarshal(raw, &ce); err == nil {
				ind.Fitness, ind.Metrics, ind.Error, ind.Evaluated = ce.Fitness, ce.Metrics, ce.Error, true
				return ind, true
			}
		}
	}

	metrics, err := o.objective(ctx, r, ind.Params)
	ind.Evaluated = true
	if err != nil {
		if ctx.Err() != nil {
			// do not cache an interrupted evaluation
			ind.Fitness, ind.Error = FailedFitness, err.Error()
			return ind, false
		}
		log.Debug().Err(err).Str("params", paramsKey(ind.Params)).Msg("evaluation failed")
		ind.Fitness, ind.Error, ind.cause = FailedFitness, err.Error(), err
	} else {
		ind.Metrics = metrics
		ind.Fitness = Fitness(metrics, r.weights)
	}

	if o.cache != nil {
		if raw, err := json.Marshal(cachedEval{Fitness: ind.Fitness, Metrics: ind.Metrics, Error: ind.Error}); err == nil {
			o.cache.Set(ctx, key, raw)
		}
	}
	return ind, false
}

// objective returns the metrics fitness is computed from
func (o *Optimizer) objective(ctx context.Context, r *run, params domain.ParameterSet) (backtest.Metrics, error) {
	if o.cfg.Objective != ObjectiveWalkForward {
		res, err := o.engine.RunStrategy(r.strategy, r.candles, params)
		if err != nil {
			return backtest.Metrics{}, err
		}
		return res.Metrics, nil
	}

	eval := validation.Evaluator{Engine: o.engine, Strategy: r.strategy}
	wf, err := validation.RunWalkForward(ctx, o.cfg.WalkForward, eval, r.candles, params,
		validation.WithPool(async.NewWorkerPool(1)))
	if err != nil {
		return backtest.Metrics{}, err
	}
	oos := make([]backtest.Metrics, 0, len(wf.Windows))
	for _, w := range wf.Windows {
		if w.Error == "" {
			oos = append(oos, w.OutOfSample)
		}
	}
	return meanMetrics(oos), nil
}

// fingerprint identifies everything besides the parameters that an
// evaluation depends on
func (o *Optimizer) fingerprint(r *run) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%+v|%+v|%+v|%d", r.strategy.Name(), o.cfg.Objective, o.engine.Config(), r.weights, o.cfg.WalkForward, len(r.candles))
	for _, c := range r.candles {
		fmt.Fprintf(h, "|%d:%g:%g:%g:%g", c.Timestamp.UnixNano(), c.Open, c.High, c.Low, c.Close)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func paramsKey(p domain.ParameterSet) string {
	var sb strings.Builder
	for i, name := range p.Names() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(strconv.FormatFloat(p[name], 'g', -1, 64))
	}
	return sb.String()
}

// Reoptimize runs a full search on the training slice, seeded with base,
// and returns the best parameters. It lets the optimizer serve as the
// walk-forward re-optimization hook.
func (o *Optimizer) Reoptimize(ctx context.Context, train []domain.Candle, s strategy.Strategy, base domain.ParameterSet) (domain.ParameterSet, error) {
	res, err := o.Optimize(ctx, s, train, base)
	if err != nil {
		return nil, err
	}
	return res.Best.Params.Clone(), nil
}
