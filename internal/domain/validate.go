package domain

import (
	"math"
	"sort"
	"time"
)

// ValidateCandles rejects series that cannot be simulated: empty input,
// non-increasing timestamps, non-finite or non-positive prices, and bars
// whose high/low do not bracket open and close.
func ValidateCandles(candles []Candle) error {
	if len(candles) == 0 {
		return NewDataValidationError("candle series is empty")
	}

	for i, c := range candles {
		if c.Timestamp.IsZero() {
			return NewDataValidationError("candle %d has zero timestamp", i)
		}
		if i > 0 && !c.Timestamp.After(candles[i-1].Timestamp) {
			return NewDataValidationError("candle %d timestamp %s not after %s",
				i, c.Timestamp.Format(time.RFC3339), candles[i-1].Timestamp.Format(time.RFC3339))
		}
		for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close} {
			if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
				return NewDataValidationError("candle %d has invalid price %v", i, v)
			}
		}
		if math.IsNaN(c.Volume) || math.IsInf(c.Volume, 0) || c.Volume < 0 {
			return NewDataValidationError("candle %d has invalid volume %v", i, c.Volume)
		}
		if c.High < c.Low || c.High < math.Max(c.Open, c.Close) || c.Low > math.Min(c.Open, c.Close) {
			return NewDataValidationError("candle %d high/low do not bracket open/close", i)
		}
	}

	return nil
}

// MedianSpacing returns the median gap between consecutive candles, or zero
// for fewer than two candles.
func MedianSpacing(candles []Candle) time.Duration {
	if len(candles) < 2 {
		return 0
	}
	gaps := make([]time.Duration, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		gaps = append(gaps, candles[i].Timestamp.Sub(candles[i-1].Timestamp))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return gaps[len(gaps)/2]
}

// IndexAtOrAfter returns the first index whose timestamp is >= t, or
// len(candles) when every candle is earlier.
func IndexAtOrAfter(candles []Candle, t time.Time) int {
	return sort.Search(len(candles), func(i int) bool {
		return !candles[i].Timestamp.Before(t)
	})
}
