package indicators

import (
	"math"

	"github.com/sawpanic/stratlab/internal/domain"
)

// Series values are aligned to the candle index. Positions inside the
// warm-up window hold zero; Ready reports the first usable index.

// Ready returns the first index at which a Wilder-smoothed indicator of the
// given period carries a value.
func Ready(period int) int {
	return period
}

// Closes extracts close prices
func Closes(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// TrueRange computes the per-bar true range; index 0 uses high-low
func TrueRange(candles []domain.Candle) []float64 {
	tr := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			tr[i] = c.High - c.Low
			continue
		}
		prevClose := candles[i-1].Close
		hl := c.High - c.Low
		hc := math.Abs(c.High - prevClose)
		lc := math.Abs(c.Low - prevClose)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return tr
}

// ATR computes the Average True Range with Wilder smoothing
func ATR(candles []domain.Candle, period int) []float64 {
	out := make([]float64, len(candles))
	if period <= 0 || len(candles) <= period {
		return out
	}

	tr := TrueRange(candles)

	// Seed with SMA of the first period true ranges (skipping bar 0)
	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += tr[i]
	}
	atr /= float64(period)
	out[period] = atr

	alpha := 1.0 / float64(period)
	for i := period + 1; i < len(candles); i++ {
		atr = atr*(1-alpha) + tr[i]*alpha
		out[i] = atr
	}
	return out
}

// EMA computes an exponential moving average seeded with the SMA
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	out[period-1] = ema

	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema = values[i]*k + ema*(1-k)
		out[i] = ema
	}
	return out
}

// SMA computes a simple moving average
func SMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// RSI computes the Relative Strength Index with Wilder smoothing
func RSI(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	alpha := 1.0 / float64(period)
	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = avgGain*(1-alpha) + gain*alpha
		avgLoss = avgLoss*(1-alpha) + loss*alpha
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// Donchian returns the highest high and lowest low of the previous period
// bars, excluding the current bar.
func Donchian(candles []domain.Candle, period int) (upper, lower []float64) {
	upper = make([]float64, len(candles))
	lower = make([]float64, len(candles))
	if period <= 0 {
		return upper, lower
	}

	for i := period; i < len(candles); i++ {
		hi, lo := candles[i-period].High, candles[i-period].Low
		for j := i - period + 1; j < i; j++ {
			hi = math.Max(hi, candles[j].High)
			lo = math.Min(lo, candles[j].Low)
		}
		upper[i] = hi
		lower[i] = lo
	}
	return upper, lower
}

// ADX computes the Average Directional Index over the whole window and
// returns the final ADX, +DI and -DI. DX values are Wilder-smoothed.
func ADX(candles []domain.Candle, period int) (adx, pdi, mdi float64, ok bool) {
	if period <= 0 || len(candles) < period*2+1 {
		return 0, 0, 0, false
	}

	n := len(candles) - 1
	trueRanges := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < len(candles); i++ {
		cur, prev := candles[i], candles[i-1]
		hl := cur.High - cur.Low
		hc := math.Abs(cur.High - prev.Close)
		lc := math.Abs(cur.Low - prev.Close)
		trueRanges[i-1] = math.Max(hl, math.Max(hc, lc))

		plusMove := cur.High - prev.High
		minusMove := prev.Low - cur.Low
		if plusMove > minusMove && plusMove > 0 {
			plusDM[i-1] = plusMove
		}
		if minusMove > plusMove && minusMove > 0 {
			minusDM[i-1] = minusMove
		}
	}

	smoothedTR, smoothedPlus, smoothedMinus := 0.0, 0.0, 0.0
	for i := 0; i < period; i++ {
		smoothedTR += trueRanges[i]
		smoothedPlus += plusDM[i]
		smoothedMinus += minusDM[i]
	}

	alpha := 1.0 / float64(period)
	dxCount := 0
	for i := period; i < n; i++ {
		smoothedTR = smoothedTR*(1-alpha) + trueRanges[i]*alpha
		smoothedPlus = smoothedPlus*(1-alpha) + plusDM[i]*alpha
		smoothedMinus = smoothedMinus*(1-alpha) + minusDM[i]*alpha

		if smoothedTR <= 0 {
			continue
		}
		pdi = 100.0 * smoothedPlus / smoothedTR
		mdi = 100.0 * smoothedMinus / smoothedTR
		dx := 0.0
		if sum := pdi + mdi; sum > 0 {
			dx = 100.0 * math.Abs(pdi-mdi) / sum
		}
		if dxCount == 0 {
			adx = dx
		} else {
			adx = adx*(1-alpha) + dx*alpha
		}
		dxCount++
	}

	return adx, pdi, mdi, dxCount > 0
}

// EfficiencyRatio is |net change| / sum(|bar changes|) over the values, a
// 0..1 trend-strength proxy (1 = straight line, 0 = pure chop).
func EfficiencyRatio(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	path := 0.0
	for i := 1; i < len(values); i++ {
		path += math.Abs(values[i] - values[i-1])
	}
	if path == 0 {
		return 0
	}
	return math.Abs(values[len(values)-1]-values[0]) / path
}
