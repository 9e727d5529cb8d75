package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCandles(n int) []Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Candle, n)
	for i := range out {
		p := 100 + float64(i)
		out[i] = Candle{Timestamp: start.Add(time.Duration(i) * time.Hour), Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 10}
	}
	return out
}

func TestValidateCandles(t *testing.T) {
	require.NoError(t, ValidateCandles(testCandles(10)))

	tests := []struct {
		name   string
		mutate func([]Candle) []Candle
	}{
		{"empty", func(c []Candle) []Candle { return nil }},
		{"duplicate timestamp", func(c []Candle) []Candle { c[3].Timestamp = c[2].Timestamp; return c }},
		{"backwards", func(c []Candle) []Candle { c[5].Timestamp = c[1].Timestamp; return c }},
		{"nan close", func(c []Candle) []Candle { c[4].Close = math.NaN(); return c }},
		{"inf high", func(c []Candle) []Candle { c[4].High = math.Inf(1); return c }},
		{"negative low", func(c []Candle) []Candle { c[2].Low = -1; return c }},
		{"high below close", func(c []Candle) []Candle { c[6].High = c[6].Close - 0.5; return c }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCandles(tt.mutate(testCandles(10)))
			assert.ErrorIs(t, err, ErrDataValidation)
		})
	}
}

func TestMedianSpacingAndIndex(t *testing.T) {
	candles := testCandles(5)
	assert.Equal(t, time.Hour, MedianSpacing(candles))
	assert.Equal(t, time.Duration(0), MedianSpacing(candles[:1]))

	assert.Equal(t, 2, IndexAtOrAfter(candles, candles[2].Timestamp))
	assert.Equal(t, 3, IndexAtOrAfter(candles, candles[2].Timestamp.Add(time.Minute)))
	assert.Equal(t, 5, IndexAtOrAfter(candles, candles[4].Timestamp.Add(time.Hour)))
}

func TestParameterSetHelpers(t *testing.T) {
	p := ParameterSet{"b": 2.4, "a": 1}
	c := p.Clone()
	c["a"] = 5

	assert.Equal(t, 1.0, p["a"])
	assert.Equal(t, []string{"a", "b"}, p.Names())
	assert.Equal(t, 2, p.Int("b", 0))
	assert.Equal(t, 7.0, p.Get("missing", 7))
	assert.True(t, p.Equal(ParameterSet{"a": 1 + 1e-12, "b": 2.4}, 1e-9))
	assert.False(t, p.Equal(ParameterSet{"a": 1}, 1e-9))
}
