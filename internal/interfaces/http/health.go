package http

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/sawpanic/stratlab/internal/jobs"
)

const healthCheckTimeout = 2 * time.Second

// health serves the system health status. A failing result store or an
// open breaker reports degraded; the simulation endpoints keep working.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := s.gatherHealthInfo(ctx, r.URL.Query().Get("verbose") == "true")

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	s.writeJSON(w, http.StatusOK, response)
}

// gatherHealthInfo collects all health information
func (s *Server) gatherHealthInfo(ctx context.Context, verbose bool) HealthResponse {
	now := time.Now()
	response := HealthResponse{
		Timestamp: now.UTC(),
		Uptime:    now.Sub(s.started).Round(time.Second).String(),
		Version:   s.deps.Version,
		System:    systemInfo(),
		Checks:    make(map[string]CheckResult),
		Pool:      s.deps.Lab.Pool().GetMetrics(),
		Jobs:      make(map[jobs.Status]int),
	}

	active := 0
	for _, j := range s.deps.Jobs.List() {
		response.Jobs[j.Status]++
		if !j.Status.Terminal() {
			active++
		}
	}
	response.Checks["jobs"] = CheckResult{Status: "pass", Message: fmt.Sprintf("%d active, limit %d running", active, s.config.MaxActiveJobs)}

	if c := s.deps.Lab.Cache(); c != nil {
		stats := c.Stats()
		response.Cache = &stats
		response.Checks["cache"] = CheckResult{Status: "pass", Message: fmt.Sprintf("%s backend, hit rate %.1f%%", stats.Backend, stats.HitRate*100)}
	}

	if s.deps.Store != nil {
		hc := s.deps.Store.Health(ctx)
		response.Store = &hc
		if hc.Healthy {
			response.Checks["store"] = CheckResult{Status: "pass", Message: "result store reachable"}
		} else {
			response.Checks["store"] = CheckResult{Status: "fail", Message: strings.Join(hc.Errors, "; ")}
		}
	}

	if s.deps.Breakers != nil {
		response.Breakers = s.deps.Breakers.Statuses()
		var open []string
		for _, b := range response.Breakers {
			if b.State != "closed" {
				open = append(open, b.Name+"="+b.State)
			}
		}
		if len(open) > 0 {
			response.Checks["breakers"] = CheckResult{Status: "warn", Message: strings.Join(open, ", ")}
		} else {
			response.Checks["breakers"] = CheckResult{Status: "pass", Message: "all breakers closed"}
		}
	}

	if verbose && s.deps.Metrics != nil {
		response.Metrics = s.deps.Metrics.Snapshot()
	}

	response.Status = overallStatus(response.Checks)
	return response
}

func overallStatus(checks map[string]CheckResult) string {
	status := "healthy"
	for _, c := range checks {
		switch c.Status {
		case "fail", "warn":
			status = "degraded"
		}
	}
	return status
}

func systemInfo() SystemInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAlloc:      memStats.Alloc,
		MemSys:        memStats.Sys,
		NumGC:         memStats.NumGC,
	}
}
