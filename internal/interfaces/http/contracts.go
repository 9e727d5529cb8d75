package http

import (
	"time"

	"github.com/sawpanic/stratlab/internal/backtest"
	"github.com/sawpanic/stratlab/internal/cache"
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/infrastructure/async"
	"github.com/sawpanic/stratlab/internal/infrastructure/breaker"
	"github.com/sawpanic/stratlab/internal/jobs"
	"github.com/sawpanic/stratlab/internal/persistence"
)

// CompareRequest ranks strategies over one candle series. An empty
// strategy list compares every registered strategy.
type CompareRequest struct {
	Strategies []string        `json:"strategies,omitempty"`
	Candles    []domain.Candle `json:"candles"`
	Score      string          `json:"score,omitempty"`
}

// CompareResponse lists comparison rows best first
type CompareResponse struct {
	Score string                `json:"score"`
	Rows  []backtest.Comparison `json:"rows"`
}

// JobsResponse lists jobs newest first
type JobsResponse struct {
	Total int        `json:"total"`
	Jobs  []jobs.Job `json:"jobs"`
}

// ErrorResponse represents API error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"` // healthy, degraded
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	System    SystemInfo             `json:"system"`
	Checks    map[string]CheckResult `json:"checks"`

	Pool     async.PoolMetrics        `json:"pool"`
	Cache    *cache.Stats             `json:"cache,omitempty"`
	Store    *persistence.HealthCheck `json:"store,omitempty"`
	Breakers []breaker.Status         `json:"breakers,omitempty"`
	Jobs     map[jobs.Status]int      `json:"jobs"`
	Metrics  map[string]float64       `json:"metrics,omitempty"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	MemSys        uint64 `json:"mem_sys_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status  string `json:"status"` // pass, warn, fail
	Message string `json:"message"`
}
