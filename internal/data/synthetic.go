package data

import (
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sawpanic/stratlab/internal/domain"
)

// RandomWalkConfig shapes a synthetic geometric random walk
type RandomWalkConfig struct {
	Bars       int           `yaml:"bars" json:"bars"`
	Start      time.Time     `yaml:"start" json:"start"`
	Interval   time.Duration `yaml:"interval" json:"interval"`
	StartPrice float64       `yaml:"start_price" json:"start_price"`
	DriftPct   float64       `yaml:"drift_pct" json:"drift_pct"`         // mean per-bar return, percent
	VolPct     float64       `yaml:"vol_pct" json:"vol_pct"`             // per-bar return std, percent
	WickPct    float64       `yaml:"wick_pct" json:"wick_pct"`           // mean wick beyond the body, percent of price
	BaseVolume float64       `yaml:"base_volume" json:"base_volume"`
	Seed       uint64        `yaml:"seed" json:"seed"`
}

// DefaultRandomWalkConfig returns a year of hourly bars
func DefaultRandomWalkConfig() RandomWalkConfig {
	return RandomWalkConfig{
		Bars:       365 * 24,
		Start:      time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		Interval:   time.Hour,
		StartPrice: 100,
		DriftPct:   0.002,
		VolPct:     0.8,
		WickPct:    0.3,
		BaseVolume: 1000,
		Seed:       1,
	}
}

// RandomWalk generates candles whose closes follow a lognormal walk. Each
// open is the previous close, so the series has no gaps. Output depends only
// on the config.
func RandomWalk(cfg RandomWalkConfig) ([]domain.Candle, error) {
	if cfg.Bars < 1 || cfg.Interval <= 0 || cfg.StartPrice <= 0 || cfg.VolPct < 0 || cfg.WickPct < 0 {
		return nil, domain.NewConfigurationError("random walk needs bars >= 1, a positive interval and start price, and non-negative vol and wick")
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x5eed))
	ret := distuv.Normal{Mu: cfg.DriftPct / 100, Sigma: math.Max(cfg.VolPct/100, 1e-12), Src: rng}
	wick := distuv.Exponential{Rate: 1 / math.Max(cfg.WickPct/100, 1e-12), Src: rng}

	candles := make([]domain.Candle, cfg.Bars)
	price := cfg.StartPrice
	for i := range candles {
		open := price
		closePx := open * math.Exp(ret.Rand())
		high := math.Max(open, closePx) * (1 + wick.Rand())
		low := math.Min(open, closePx) * math.Max(1-wick.Rand(), 0.5)
		volume := cfg.BaseVolume * (0.5 + rng.Float64()) * (1 + 50*math.Abs(closePx/open-1))
		candles[i] = domain.Candle{
			Timestamp: cfg.Start.Add(time.Duration(i) * cfg.Interval),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    volume,
		}
		price = closePx
	}
	return candles, nil
}
