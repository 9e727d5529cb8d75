package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stratlab/internal/application"
	"github.com/sawpanic/stratlab/internal/backtest"
	"github.com/sawpanic/stratlab/internal/cache"
	"github.com/sawpanic/stratlab/internal/config"
	"github.com/sawpanic/stratlab/internal/data"
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/infrastructure/breaker"
	"github.com/sawpanic/stratlab/internal/jobs"
	"github.com/sawpanic/stratlab/internal/metrics"
	"github.com/sawpanic/stratlab/internal/optimize"
)

type testServer struct {
	*Server
	candles []domain.Candle
}

func newTestServer(t *testing.T, tweak func(*config.Config)) testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Optimizer.PopulationSize = 6
	cfg.Optimizer.Generations = 2
	cfg.Optimizer.PlateauGenerations = 0
	cfg.MonteCarlo.Runs = 100
	cfg.MonteCarlo.BatchSize = 50
	cfg.Server.SubmitRate = 100
	cfg.Server.SubmitBurst = 100
	if tweak != nil {
		tweak(&cfg)
	}

	reg := metrics.NewRegistry()
	lab, err := application.New(application.Options{
		Config:  cfg,
		Cache:   cache.NewMemory(time.Hour, 100),
		Metrics: reg,
	})
	require.NoError(t, err)

	manager := jobs.NewManager(cfg.Server.MaxActiveJobs, reg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	srv, err := NewServer(cfg.Server, Deps{
		Lab:      lab,
		Jobs:     manager,
		Metrics:  reg,
		Breakers: breaker.NewManager(),
		Version:  "test",
	})
	require.NoError(t, err)

	walk := data.DefaultRandomWalkConfig()
	walk.Bars = 800
	walk.Seed = 3
	candles, err := data.RandomWalk(walk)
	require.NoError(t, err)
	return testServer{Server: srv, candles: candles}
}

func (ts testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodGet, "/health?verbose=true", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	var resp HealthResponse
	decodeBody(t, rr, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.NotEmpty(t, resp.System.GoVersion)
	require.NotNil(t, resp.Cache)
	assert.Equal(t, cache.BackendMemory, resp.Cache.Backend)
	assert.Contains(t, resp.Checks, "jobs")
	assert.NotNil(t, resp.Metrics)
}

func TestRequestIDPropagates(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/strategies", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rr := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rr, req)
	assert.Equal(t, "abc123", rr.Header().Get("X-Request-ID"))
}

func TestStrategies(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodGet, "/strategies", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var infos []struct {
		Name string `json:"name"`
	}
	decodeBody(t, rr, &infos)
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	assert.Contains(t, names, "ema_cross")
}

func TestBacktest(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodPost, "/backtest", application.BacktestRequest{Strategy: "ema_cross", Candles: ts.candles})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var report struct {
		Strategy   string              `json:"strategy"`
		Parameters domain.ParameterSet `json:"parameters"`
		Metrics    backtest.Metrics    `json:"metrics"`
		Trades     []domain.Trade      `json:"trades"`
	}
	decodeBody(t, rr, &report)
	assert.Equal(t, "ema_cross", report.Strategy)
	assert.Equal(t, 9.0, report.Parameters["fast_period"])
	assert.Equal(t, len(report.Trades), report.Metrics.TradeCount)
}

func TestBacktestErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body interface{}
		code int
		err  string
	}{
		{"unknown strategy", application.BacktestRequest{Strategy: "nope", Candles: ts.candles}, http.StatusNotFound, "strategy_not_found"},
		{"malformed json", `{"strategy":`, http.StatusBadRequest, "invalid_json"},
		{"unknown field", `{"strategy":"ema_cross","bogus":1}`, http.StatusBadRequest, "invalid_json"},
		{"no candles", application.BacktestRequest{Strategy: "ema_cross"}, http.StatusBadRequest, "invalid_data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/backtest", tt.body)
			assert.Equal(t, tt.code, rr.Code)
			var resp ErrorResponse
			decodeBody(t, rr, &resp)
			assert.Equal(t, tt.err, resp.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestCompare(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodPost, "/compare", CompareRequest{Candles: ts.candles})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp CompareResponse
	decodeBody(t, rr, &resp)
	assert.Equal(t, backtest.ScoreSharpe, resp.Score)
	assert.Len(t, resp.Rows, 3)
}

func TestMonteCarloFromTrades(t *testing.T) {
	ts := newTestServer(t, nil)
	trades := []domain.Trade{{PnL: 120}, {PnL: -60}, {PnL: 80}, {PnL: -30}}
	rr := ts.do(t, http.MethodPost, "/montecarlo", application.MonteCarloRequest{Trades: trades, InitialCapital: 10000})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Runs   int `json:"runs"`
		Trades int `json:"trades"`
	}
	decodeBody(t, rr, &resp)
	assert.Equal(t, 100, resp.Runs)
	assert.Equal(t, 4, resp.Trades)
}

func waitJob(t *testing.T, ts testServer, id string) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.Eventually(t, func() bool {
		rr := ts.do(t, http.MethodGet, "/jobs/"+id, nil)
		if rr.Code != http.StatusOK {
			return false
		}
		decodeBody(t, rr, &job)
		return job.Status.Terminal()
	}, 20*time.Second, 20*time.Millisecond)
	return job
}

func TestOptimizeJobLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodPost, "/jobs/optimize", application.OptimizeRequest{Strategy: "ema_cross", Candles: ts.candles})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var job jobs.Job
	decodeBody(t, rr, &job)
	assert.Equal(t, "/jobs/"+job.ID, rr.Header().Get("Location"))
	assert.Equal(t, "optimize", job.Kind)

	done := waitJob(t, ts, job.ID)
	assert.Equal(t, jobs.StatusCompleted, done.Status, done.Error)
	assert.Equal(t, 1.0, done.Progress)
	require.NotNil(t, done.BestFitness)
	result, ok := done.Result.(map[string]interface{})
	require.True(t, ok)
	best, ok := result["best"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, best["fitness"], *done.BestFitness)

	rr = ts.do(t, http.MethodGet, "/jobs?kind=optimize", nil)
	var list JobsResponse
	decodeBody(t, rr, &list)
	assert.Equal(t, 1, list.Total)

	rr = ts.do(t, http.MethodDelete, "/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = ts.do(t, http.MethodDelete, "/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodPost, "/jobs/walkforward", application.WalkForwardRequest{Strategy: "nope", Candles: ts.candles})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	bad := optimize.DefaultConfig()
	bad.PopulationSize = 1
	rr = ts.do(t, http.MethodPost, "/jobs/optimize", application.OptimizeRequest{Strategy: "ema_cross", Candles: ts.candles, Optimizer: &bad})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Empty(t, ts.deps.Jobs.List())
}

func TestSubmitRateLimited(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.SubmitRate = 0.01
		cfg.Server.SubmitBurst = 1
	})
	body := application.KFoldRequest{Strategy: "ema_cross", Candles: ts.candles}

	rr := ts.do(t, http.MethodPost, "/jobs/kfold", body)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodPost, "/jobs/kfold", body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestJobStream(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	rr := ts.do(t, http.MethodPost, "/jobs/optimize", application.OptimizeRequest{Strategy: "ema_cross", Candles: ts.candles})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var job jobs.Job
	decodeBody(t, rr, &job)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/jobs/" + job.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(20*time.Second)))

	var last jobs.Job
	for {
		var snap jobs.Job
		if err := conn.ReadJSON(&snap); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		last = snap
	}
	assert.Equal(t, job.ID, last.ID)
	assert.Equal(t, jobs.StatusCompleted, last.Status)

	rr = ts.do(t, http.MethodGet, "/jobs/missing/stream", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/backtest", application.BacktestRequest{Strategy: "ema_cross", Candles: ts.candles})

	rr := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "stratlab_backtest_runs_total")
}

func TestNotFoundAndMethod(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	var resp ErrorResponse
	decodeBody(t, rr, &resp)
	assert.Equal(t, "endpoint_not_found", resp.Code)

	rr = ts.do(t, http.MethodGet, "/backtest", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/backtest", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rr, req)

	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}
