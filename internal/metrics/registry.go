package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stratlab/internal/backtest"
	"github.com/sawpanic/stratlab/internal/cache"
	"github.com/sawpanic/stratlab/internal/infrastructure/async"
)

// Registry holds all Prometheus metrics for stratlab. Each Registry owns a
// private prometheus.Registry so several can coexist in one process.
type Registry struct {
	reg *prometheus.Registry

	// Backtest metrics
	BacktestRuns     *prometheus.CounterVec
	BacktestDuration prometheus.Histogram
	TradesClosed     *prometheus.CounterVec

	// Optimizer metrics
	Evaluations  *prometheus.CounterVec
	Generations  *prometheus.CounterVec
	BestFitness  *prometheus.GaugeVec
	OptimizeRuns *prometheus.CounterVec

	// Validation metrics
	ValidationRuns     *prometheus.CounterVec
	ValidationDuration *prometheus.HistogramVec
	ValidationUnits    *prometheus.CounterVec

	// Job metrics
	ActiveJobs prometheus.Gauge
	Jobs       *prometheus.CounterVec
}

// NewRegistry creates a registry with all stratlab metrics registered
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		BacktestRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratlab_backtest_runs_total",
				Help: "Completed backtest runs by outcome",
			},
			[]string{"outcome"},
		),

		BacktestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stratlab_backtest_duration_seconds",
				Help:    "Wall time of a single backtest run",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		TradesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratlab_trades_closed_total",
				Help: "Simulated trades closed by exit reason",
			},
			[]string{"exit_reason"},
		),

		Evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratlab_optimizer_evaluations_total",
				Help: "Fitness evaluations by strategy and source (computed, cached, failed)",
			},
			[]string{"strategy", "source"},
		),

		Generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratlab_optimizer_generations_total",
				Help: "Completed optimizer generations by strategy",
			},
			[]string{"strategy"},
		),

		BestFitness: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stratlab_optimizer_best_fitness",
				Help: "Best fitness of the latest generation by strategy",
			},
			[]string{"strategy"},
		),

		OptimizeRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratlab_optimizer_runs_total",
				Help: "Optimizer runs by outcome (completed, plateaued, cancelled, failed)",
			},
			[]string{"outcome"},
		),

		ValidationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratlab_validation_runs_total",
				Help: "Validation runs by method and outcome",
			},
			[]string{"method", "outcome"},
		),

		ValidationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stratlab_validation_duration_seconds",
				Help:    "Wall time of a validation run by method",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"method"},
		),

		ValidationUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratlab_validation_units_total",
				Help: "Windows, folds or Monte Carlo paths completed by method",
			},
			[]string{"method"},
		),

		ActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stratlab_active_jobs",
				Help: "Number of currently running jobs",
			},
		),

		Jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratlab_jobs_total",
				Help: "Finished jobs by kind and status",
			},
			[]string{"kind", "status"},
		),
	}

	r.reg.MustRegister(
		r.BacktestRuns,
		r.BacktestDuration,
		r.TradesClosed,
		r.Evaluations,
		r.Generations,
		r.BestFitness,
		r.OptimizeRuns,
		r.ValidationRuns,
		r.ValidationDuration,
		r.ValidationUnits,
		r.ActiveJobs,
		r.Jobs,
		collectors.NewGoCollector(),
	)
	return r
}

var _ backtest.Observer = (*Registry)(nil)

// ObserveBacktest records one engine run
func (r *Registry) ObserveBacktest(result *backtest.Result, elapsed time.Duration) {
	outcome := "traded"
	if len(result.Trades) == 0 {
		outcome = "no_trades"
	}
	r.BacktestRuns.WithLabelValues(outcome).Inc()
	r.BacktestDuration.Observe(elapsed.Seconds())
	for _, t := range result.Trades {
		r.TradesClosed.WithLabelValues(string(t.ExitReason)).Inc()
	}
}

// ObserveGeneration records one finished optimizer generation
func (r *Registry) ObserveGeneration(strategy string, best float64, computed, cached, failed int) {
	r.Generations.WithLabelValues(strategy).Inc()
	r.BestFitness.WithLabelValues(strategy).Set(best)
	r.Evaluations.WithLabelValues(strategy, "computed").Add(float64(computed))
	r.Evaluations.WithLabelValues(strategy, "cached").Add(float64(cached))
	r.Evaluations.WithLabelValues(strategy, "failed").Add(float64(failed))
}

// ObserveOptimize records the outcome of an optimizer run
func (r *Registry) ObserveOptimize(outcome string) {
	r.OptimizeRuns.WithLabelValues(outcome).Inc()
}

// ObserveValidation records a validation run
func (r *Registry) ObserveValidation(method string, units int, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		log.Warn().Err(err).Str("method", method).Msg("Validation run failed")
	}
	r.ValidationRuns.WithLabelValues(method, outcome).Inc()
	r.ValidationDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	r.ValidationUnits.WithLabelValues(method).Add(float64(units))
}

// JobStarted increments the active job gauge
func (r *Registry) JobStarted() {
	r.ActiveJobs.Inc()
}

// JobFinished records a terminal job status
func (r *Registry) JobFinished(kind, status string) {
	r.ActiveJobs.Dec()
	r.Jobs.WithLabelValues(kind, status).Inc()
}

// WatchCache exports the cache's counters on every scrape
func (r *Registry) WatchCache(c cache.Cache) {
	if c == nil {
		return
	}
	r.reg.MustRegister(&cacheCollector{cache: c})
}

// WatchPool exports worker pool counters on every scrape
func (r *Registry) WatchPool(p *async.WorkerPool) {
	r.reg.MustRegister(&poolCollector{pool: p})
}

// Handler returns an HTTP handler serving this registry
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Snapshot flattens counters and gauges into name{labels} -> value for
// health reports
func (r *Registry) Snapshot() map[string]float64 {
	families, err := r.reg.Gather()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to gather metrics")
	}
	out := make(map[string]float64)
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "stratlab_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			key := mf.GetName() + labelSuffix(m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[key+"_count"] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func labelSuffix(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, l := range labels {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.GetName() + "=" + l.GetValue())
	}
	b.WriteByte('}')
	return b.String()
}
