package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sawpanic/stratlab/internal/cache"
	"github.com/sawpanic/stratlab/internal/infrastructure/async"
)

var (
	cacheHitsDesc       = prometheus.NewDesc("stratlab_cache_hits_total", "Fitness cache hits", []string{"backend"}, nil)
	cacheMissesDesc     = prometheus.NewDesc("stratlab_cache_misses_total", "Fitness cache misses", []string{"backend"}, nil)
	cacheErrorsDesc     = prometheus.NewDesc("stratlab_cache_errors_total", "Fitness cache backend errors", []string{"backend"}, nil)
	cacheHitRatioDesc   = prometheus.NewDesc("stratlab_cache_hit_ratio", "Fitness cache hit ratio (0.0 to 1.0)", []string{"backend"}, nil)
	poolWorkersDesc     = prometheus.NewDesc("stratlab_pool_workers", "Worker pool concurrency bound", nil, nil)
	poolTasksDesc       = prometheus.NewDesc("stratlab_pool_tasks_total", "Worker pool tasks by outcome", []string{"outcome"}, nil)
	poolBusySecondsDesc = prometheus.NewDesc("stratlab_pool_busy_seconds_total", "Cumulative task run time", nil, nil)
)

// cacheCollector reads cache.Stats at scrape time
type cacheCollector struct {
	cache cache.Cache
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheErrorsDesc
	ch <- cacheHitRatioDesc
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(s.Hits), s.Backend)
	ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(s.Misses), s.Backend)
	ch <- prometheus.MustNewConstMetric(cacheErrorsDesc, prometheus.CounterValue, float64(s.Errors), s.Backend)
	ch <- prometheus.MustNewConstMetric(cacheHitRatioDesc, prometheus.GaugeValue, s.HitRate, s.Backend)
}

// poolCollector reads async.PoolMetrics at scrape time
type poolCollector struct {
	pool *async.WorkerPool
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolWorkersDesc
	ch <- poolTasksDesc
	ch <- poolBusySecondsDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.pool.GetMetrics()
	ch <- prometheus.MustNewConstMetric(poolWorkersDesc, prometheus.GaugeValue, float64(m.Workers))
	ch <- prometheus.MustNewConstMetric(poolTasksDesc, prometheus.CounterValue, float64(m.CompletedTasks), "completed")
	ch <- prometheus.MustNewConstMetric(poolTasksDesc, prometheus.CounterValue, float64(m.FailedTasks), "failed")
	ch <- prometheus.MustNewConstMetric(poolTasksDesc, prometheus.CounterValue, float64(m.PanickedTasks), "panicked")
	ch <- prometheus.MustNewConstMetric(poolTasksDesc, prometheus.CounterValue, float64(m.CancelledTasks), "cancelled")
	ch <- prometheus.MustNewConstMetric(poolBusySecondsDesc, prometheus.CounterValue, m.BusyTime.Seconds())
}
