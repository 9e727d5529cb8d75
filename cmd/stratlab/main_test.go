package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stratlab/internal/application"
	"github.com/sawpanic/stratlab/internal/config"
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/optimize"
	"github.com/sawpanic/stratlab/internal/strategy"
	"github.com/sawpanic/stratlab/internal/validation"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	base := []string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "--log-level", "error"}
	root.SetArgs(append(base, args...))
	err := root.Execute()
	return out.String(), err
}

func TestStrategiesJSON(t *testing.T) {
	out, err := execute(t, "strategies", "--format", "json")
	require.NoError(t, err)

	var infos []strategy.Info
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
		assert.NotEmpty(t, info.Space)
	}
	assert.ElementsMatch(t, strategy.DefaultRegistry().Names(), names)
}

func TestUnknownFormat(t *testing.T) {
	_, err := execute(t, "strategies", "--format", "xml")
	assert.Error(t, err)
}

func TestBacktestWithParamAndTradesCSV(t *testing.T) {
	tradesPath := filepath.Join(t.TempDir(), "trades.csv")
	out, err := execute(t, "backtest", "--bars", "1500", "--param", "fast_period=5",
		"--trades-csv", tradesPath, "--format", "json")
	require.NoError(t, err)

	var report application.BacktestReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "ema_cross", report.Strategy)
	assert.Equal(t, 5.0, report.Parameters["fast_period"])
	require.NotNil(t, report.Result)

	raw, err := os.ReadFile(tradesPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, lines, len(report.Trades)+1)
}

func TestBacktestRejectsBadParams(t *testing.T) {
	tests := []struct {
		name  string
		param string
	}{
		{"unknown name", "lookback=3"},
		{"not a pair", "fast_period"},
		{"not a number", "fast_period=fast"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, "backtest", "--bars", "300", "--param", tt.param)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}

	_, err := execute(t, "backtest", "--bars", "300", "--strategy", "martingale")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestBacktestTextOutputToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.txt")
	out, err := execute(t, "backtest", "--bars", "1500", "--show-trades", "--output", path)
	require.NoError(t, err)
	assert.Empty(t, out)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Backtest ema_cross")
	assert.Contains(t, string(raw), "Sharpe:")
}

func TestCompareText(t *testing.T) {
	out, err := execute(t, "backtest", "compare", "--bars", "1500", "--score", "total_return")
	require.NoError(t, err)
	assert.Contains(t, out, "Strategy comparison by total_return")
	for _, name := range strategy.DefaultRegistry().Names() {
		assert.Contains(t, out, name)
	}

	_, err = execute(t, "backtest", "compare", "--bars", "300", "--score", "luck")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestOptimizeWritesParamsFileUsableByBacktest(t *testing.T) {
	paramsPath := filepath.Join(t.TempDir(), "best.yaml")
	out, err := execute(t, "optimize", "--bars", "1500", "--population", "6", "--generations", "2",
		"--seed", "7", "--params-out", paramsPath, "--format", "json")
	require.NoError(t, err)

	var result optimize.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "ema_cross", result.Strategy)
	assert.LessOrEqual(t, len(result.History), 2)
	require.NotEmpty(t, result.Best.Params)

	raw, err := os.ReadFile(paramsPath)
	require.NoError(t, err)
	s, err := strategy.DefaultRegistry().Get("ema_cross")
	require.NoError(t, err)
	decoded, err := config.DecodeParams(s.Space(), raw)
	require.NoError(t, err)
	for k, v := range result.Best.Params {
		assert.InDelta(t, v, decoded[k], 1e-9, k)
	}

	out, err = execute(t, "backtest", "--bars", "1500", "--params-file", paramsPath, "--format", "json")
	require.NoError(t, err)
	var report application.BacktestReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	for k, v := range decoded {
		assert.InDelta(t, v, report.Parameters[k], 1e-9, k)
	}
}

func TestKFoldFlagsOverrideConfig(t *testing.T) {
	out, err := execute(t, "kfold", "--bars", "2400", "--folds", "3", "--purge", "0", "--format", "json")
	require.NoError(t, err)

	var result validation.KFoldResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Len(t, result.Folds, 3)
	assert.Equal(t, 0, result.Config.PurgeBars)
	assert.True(t, result.TemporalLeakage)
}

func TestMonteCarloRuns(t *testing.T) {
	out, err := execute(t, "montecarlo", "--bars", "2000", "--runs", "100", "--seed", "3", "--format", "json")
	require.NoError(t, err)

	var result validation.MonteCarloResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 100, result.Runs)
	assert.Equal(t, uint64(3), result.Seed)
}

func TestRegimeText(t *testing.T) {
	out, err := execute(t, "regime", "--bars", "800", "--strategy", "rsi_reversion", "--segments")
	require.NoError(t, err)
	assert.Contains(t, out, "Regime ")
	assert.Contains(t, out, "Confidence:")
	assert.Contains(t, out, "REGIME")
}

func TestConfigInitThenShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stratlab.yaml")
	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--config", path, "--log-level", "error", "config", "show"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "initial_capital")
	assert.Contains(t, buf.String(), "walk_forward")
}

func TestFormatParams(t *testing.T) {
	got := formatParams(domain.ParameterSet{"slow_period": 26, "fast_period": 12, "stop": 1.25})
	assert.Equal(t, "fast_period=12 slow_period=26 stop=1.25", got)
	assert.Equal(t, "n/a", num(0.0/zero(), 2))
}

func zero() float64 { return 0 }
