package regime

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/indicators"
)

// Regime represents the current market regime classification
type Regime string

const (
	TrendingUp    Regime = "trending_up"
	TrendingDown  Regime = "trending_down"
	Ranging       Regime = "ranging"
	Volatile      Regime = "volatile"
	Consolidating Regime = "consolidating"
	// Neutral is reported when the window is too short or no rule matches;
	// it leaves parameter ranges untouched.
	Neutral Regime = "neutral"
)

func (r Regime) String() string {
	return string(r)
}

// Trending reports whether the regime is directional
func (r Regime) Trending() bool {
	return r == TrendingUp || r == TrendingDown
}

// DetectorConfig holds configuration for the regime detector
type DetectorConfig struct {
	Lookback            int     `yaml:"lookback" json:"lookback"`                           // Default: 100 bars
	ADXPeriod           int     `yaml:"adx_period" json:"adx_period"`                       // Default: 14
	TrendADX            float64 `yaml:"trend_adx" json:"trend_adx"`                         // Default: 25
	StrongADX           float64 `yaml:"strong_adx" json:"strong_adx"`                       // Default: 40
	TrendEfficiency     float64 `yaml:"trend_efficiency" json:"trend_efficiency"`           // Default: 0.3
	VolatileVolPct      float64 `yaml:"volatile_vol_pct" json:"volatile_vol_pct"`           // Default: 2.5 (per-bar return std, %)
	VolatileATRPct      float64 `yaml:"volatile_atr_pct" json:"volatile_atr_pct"`           // Default: 3.0 (ATR / close, %)
	ConsolidatingVolPct float64 `yaml:"consolidating_vol_pct" json:"consolidating_vol_pct"` // Default: 0.3
	MomentumStep        int     `yaml:"momentum_step" json:"momentum_step"`                 // Default: 5 bars
}

// DefaultDetectorConfig returns the default thresholds
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Lookback:            100,
		ADXPeriod:           14,
		TrendADX:            25,
		StrongADX:           40,
		TrendEfficiency:     0.3,
		VolatileVolPct:      2.5,
		VolatileATRPct:      3.0,
		ConsolidatingVolPct: 0.3,
		MomentumStep:        5,
	}
}

// Validate rejects thresholds that cannot classify anything
func (c DetectorConfig) Validate() error {
	if c.Lookback < 2 {
		return domain.NewConfigurationError("regime lookback must be at least 2, got %d", c.Lookback)
	}
	if c.ADXPeriod <= 0 || c.MomentumStep <= 0 {
		return domain.NewConfigurationError("regime adx_period and momentum_step must be positive")
	}
	if c.TrendADX <= 0 || c.StrongADX < c.TrendADX {
		return domain.NewConfigurationError("regime adx thresholds invalid: trend %v strong %v", c.TrendADX, c.StrongADX)
	}
	if c.VolatileVolPct <= c.ConsolidatingVolPct || c.ConsolidatingVolPct <= 0 || c.VolatileATRPct <= 0 {
		return domain.NewConfigurationError("regime volatility thresholds invalid")
	}
	if c.TrendEfficiency <= 0 || c.TrendEfficiency >= 1 {
		return domain.NewConfigurationError("regime trend_efficiency must be in (0, 1), got %v", c.TrendEfficiency)
	}
	return nil
}

// Features are the raw measurements behind a classification
type Features struct {
	RealizedVolPct     float64 `json:"realized_vol_pct"`
	ATRPct             float64 `json:"atr_pct"`
	ADX                float64 `json:"adx"`
	PlusDI             float64 `json:"plus_di"`
	MinusDI            float64 `json:"minus_di"`
	TrendStrength      float64 `json:"trend_strength"` // efficiency ratio, 0..1
	MomentumPct        float64 `json:"momentum_pct"`
	MomentumDispersion float64 `json:"momentum_dispersion"`
}

// Snapshot is the MarketRegimeSnapshot computed from one lookback window
type Snapshot struct {
	Regime      Regime    `json:"regime"`
	Confidence  float64   `json:"confidence"` // 0.0-1.0
	Features    Features  `json:"features"`
	Samples     int       `json:"samples"`
	AsOf        time.Time `json:"as_of"`
	Recommended []string  `json:"recommended"`
	Avoid       []string  `json:"avoid"`
}

// Segment is a contiguous run of bars sharing one regime
type Segment struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Regime Regime    `json:"regime"`
	Bars   int       `json:"bars"`
}

// Detector classifies candle windows into market regimes
type Detector struct {
	config DetectorConfig
}

// NewDetector creates a detector with default configuration
func NewDetector() *Detector {
	return &Detector{config: DefaultDetectorConfig()}
}

// NewDetectorWithConfig creates a detector with custom configuration
func NewDetectorWithConfig(config DetectorConfig) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Detector{config: config}, nil
}

// Config returns the detector thresholds
func (d *Detector) Config() DetectorConfig {
	return d.config
}

// MinSamples is the shortest window that yields a classification
func (d *Detector) MinSamples() int {
	n := 2*d.config.ADXPeriod + 1
	if d.config.MomentumStep*2+1 > n {
		n = d.config.MomentumStep*2 + 1
	}
	return n
}

// Detect classifies the trailing lookback window of candles. A window too
// short to measure yields Neutral rather than an error.
func (d *Detector) Detect(candles []domain.Candle) Snapshot {
	window := candles
	if len(window) > d.config.Lookback {
		window = window[len(window)-d.config.Lookback:]
	}

	if len(window) < d.MinSamples() {
		log.Debug().Int("samples", len(window)).Int("required", d.MinSamples()).Msg("regime window too short, using neutral")
		snap := Snapshot{Regime: Neutral, Samples: len(window)}
		if len(window) > 0 {
			snap.AsOf = window[len(window)-1].Timestamp
		}
		snap.Recommended, snap.Avoid = recommendations(Neutral)
		return snap
	}

	features := d.measure(window)
	regime, confidence := d.classify(features)
	snap := Snapshot{
		Regime:     regime,
		Confidence: confidence,
		Features:   features,
		Samples:    len(window),
		AsOf:       window[len(window)-1].Timestamp,
	}
	snap.Recommended, snap.Avoid = recommendations(regime)
	return snap
}

// Segments walks the series with a rolling window and merges consecutive
// bars of the same regime.
func (d *Detector) Segments(candles []domain.Candle, window int) []Segment {
	if window < d.MinSamples() {
		window = d.MinSamples()
	}
	var segments []Segment
	for i := window - 1; i < len(candles); i++ {
		snap := d.Detect(candles[i-window+1 : i+1])
		ts := candles[i].Timestamp
		if n := len(segments); n > 0 && segments[n-1].Regime == snap.Regime {
			segments[n-1].End = ts
			segments[n-1].Bars++
			continue
		}
		segments = append(segments, Segment{Start: ts, End: ts, Regime: snap.Regime, Bars: 1})
	}
	return segments
}

func (d *Detector) measure(window []domain.Candle) Features {
	closes := indicators.Closes(window)

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		returns = append(returns, (closes[i]/closes[i-1]-1)*100)
	}

	f := Features{
		RealizedVolPct: stat.StdDev(returns, nil),
		TrendStrength:  indicators.EfficiencyRatio(closes),
		MomentumPct:    (closes[len(closes)-1]/closes[0] - 1) * 100,
	}

	atr := indicators.ATR(window, d.config.ADXPeriod)
	if last := atr[len(atr)-1]; last > 0 {
		f.ATRPct = last / closes[len(closes)-1] * 100
	}
	f.ADX, f.PlusDI, f.MinusDI, _ = indicators.ADX(window, d.config.ADXPeriod)

	step := d.config.MomentumStep
	chunks := make([]float64, 0, len(closes)/step)
	for i := step; i < len(closes); i += step {
		chunks = append(chunks, (closes[i]/closes[i-step]-1)*100)
	}
	if len(chunks) > 1 {
		f.MomentumDispersion = stat.StdDev(chunks, nil)
	}

	for _, v := range []*float64{&f.RealizedVolPct, &f.ATRPct, &f.ADX, &f.PlusDI, &f.MinusDI, &f.TrendStrength, &f.MomentumPct, &f.MomentumDispersion} {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			*v = 0
		}
	}
	return f
}

// classify applies the rules in priority order: volatility extremes first,
// then directional trend, then range.
func (d *Detector) classify(f Features) (Regime, float64) {
	c := d.config

	if f.RealizedVolPct > c.VolatileVolPct || f.ATRPct > c.VolatileATRPct {
		return Volatile, math.Min((f.RealizedVolPct/c.VolatileVolPct+f.ATRPct/c.VolatileATRPct)/2, 1)
	}

	if f.RealizedVolPct < c.ConsolidatingVolPct && f.ADX < c.TrendADX {
		return Consolidating, clamp01(1 - f.RealizedVolPct/c.ConsolidatingVolPct)
	}

	if f.ADX >= c.TrendADX && f.TrendStrength >= c.TrendEfficiency {
		confidence := math.Min((f.ADX/c.StrongADX+f.TrendStrength)/2, 1)
		switch {
		case f.MomentumPct > 0 && f.PlusDI >= f.MinusDI:
			return TrendingUp, confidence
		case f.MomentumPct < 0 && f.MinusDI >= f.PlusDI:
			return TrendingDown, confidence
		}
	}

	if f.ADX < c.TrendADX {
		return Ranging, clamp01(1 - f.ADX/c.TrendADX)
	}

	return Neutral, 0
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// recommendations maps a regime to strategy families that tend to suit it
func recommendations(r Regime) (recommended, avoid []string) {
	switch r {
	case TrendingUp:
		return []string{"trend_following", "breakout"}, []string{"mean_reversion"}
	case TrendingDown:
		return []string{"trend_following (short)", "breakdown"}, []string{"mean_reversion (long)", "long_only"}
	case Ranging:
		return []string{"mean_reversion"}, []string{"breakout", "trend_following"}
	case Volatile:
		return []string{"volatility_breakout", "wide_stops"}, []string{"tight_stops", "scalping"}
	case Consolidating:
		return []string{"range_breakout"}, []string{"trend_following"}
	default:
		return []string{}, []string{"all (unclear regime)"}
	}
}
