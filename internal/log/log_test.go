package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWriter(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	require.NoError(t, SetupWriter(&buf, "warn", FormatAuto, false))
	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["message"])
	assert.Equal(t, "v", rec["k"])

	buf.Reset()
	require.NoError(t, SetupWriter(&buf, "info", FormatConsole, false))
	log.Info().Msg("pretty")
	assert.Contains(t, buf.String(), "pretty")
	assert.False(t, json.Valid(buf.Bytes()))

	assert.Error(t, SetupWriter(&buf, "loud", FormatJSON, false))
	assert.Error(t, SetupWriter(&buf, "info", "xml", false))
}

func TestProgressLoggerThrottles(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressLogger("optimize", 100, time.Hour)
	p.logger = zerolog.New(&buf)

	for i := 1; i <= 100; i++ {
		p.Update(i)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2, "first and final update only")
	assert.Contains(t, lines[0], `"done":1`)
	assert.Contains(t, lines[1], `"done":100`)
}

func TestProgressLoggerValues(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressLogger("optimize", 2, time.Hour)
	p.logger = zerolog.New(&buf)

	p.SetValue("best_fitness", 0.5)
	p.Update(1)
	p.SetValue("best_fitness", 0.75)
	p.Update(2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"best_fitness":0.5`)
	assert.Contains(t, lines[1], `"best_fitness":0.75`)
}

func TestETA(t *testing.T) {
	eta, ok := ETA(25, 100, 10*time.Second)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, eta)

	_, ok = ETA(0, 100, time.Second)
	assert.False(t, ok)
	_, ok = ETA(100, 100, time.Second)
	assert.False(t, ok)
}

func TestBar(t *testing.T) {
	assert.Equal(t, "[█████░░░░░] 5/10 (50.0%)", Bar(5, 10, 10))
	assert.Equal(t, "[██████████] 10/10 (100.0%)", Bar(12, 10, 10))
	assert.Equal(t, "(3)", Bar(3, 0, 10))
}
