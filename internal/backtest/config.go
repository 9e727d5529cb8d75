package backtest

import (
	"github.com/sawpanic/stratlab/internal/domain"
)

// StopStyle selects how protective stops are derived and managed
type StopStyle string

const (
	// StopNone uses only stops and targets supplied on the signal
	StopNone StopStyle = "none"
	// StopATRFixed places a fixed stop at entry -/+ stop_atr_multiple * ATR
	StopATRFixed StopStyle = "atr_fixed"
	// StopTrailing ratchets the stop behind the bar extreme by trail_atr_multiple * ATR
	StopTrailing StopStyle = "trailing"
	// StopBreakevenTrail moves the stop to entry once price has run
	// breakeven_atr_multiple * ATR in favor, then trails
	StopBreakevenTrail StopStyle = "breakeven_trail"
)

// ProfitFactorCap is reported when a run has gross profit and no gross loss
const ProfitFactorCap = 100.0

// Config holds the risk and cost model of a backtest run
type Config struct {
	InitialCapital          float64   `yaml:"initial_capital" json:"initial_capital"`
	RiskPerTrade            float64   `yaml:"risk_per_trade" json:"risk_per_trade"`                       // fraction of equity lost if the stop is hit
	MaxPositionFraction     float64   `yaml:"max_position_fraction" json:"max_position_fraction"`         // notional cap as a fraction of equity
	DefaultPositionFraction float64   `yaml:"default_position_fraction" json:"default_position_fraction"` // notional when no stop distance exists
	CommissionRate          float64   `yaml:"commission_rate" json:"commission_rate"`
	SlippageRate            float64   `yaml:"slippage_rate" json:"slippage_rate"`
	StopStyle               StopStyle `yaml:"stop_style" json:"stop_style"`
	ATRPeriod               int       `yaml:"atr_period" json:"atr_period"`
	StopATRMultiple         float64   `yaml:"stop_atr_multiple" json:"stop_atr_multiple"`
	TakeProfitATRMultiple   float64   `yaml:"take_profit_atr_multiple" json:"take_profit_atr_multiple"` // 0 disables ATR targets
	TrailATRMultiple        float64   `yaml:"trail_atr_multiple" json:"trail_atr_multiple"`
	BreakevenATRMultiple    float64   `yaml:"breakeven_atr_multiple" json:"breakeven_atr_multiple"`
}

// DefaultConfig returns the default risk configuration
func DefaultConfig() Config {
	return Config{
		InitialCapital:          10000.0,
		RiskPerTrade:            0.01,
		MaxPositionFraction:     1.0,
		DefaultPositionFraction: 0.10,
		CommissionRate:          0.001,
		SlippageRate:            0.0005,
		StopStyle:               StopATRFixed,
		ATRPeriod:               14,
		StopATRMultiple:         2.0,
		TakeProfitATRMultiple:   0,
		TrailATRMultiple:        2.5,
		BreakevenATRMultiple:    1.0,
	}
}

// Validate rejects settings that cannot produce a meaningful simulation
func (c Config) Validate() error {
	if c.InitialCapital <= 0 {
		return domain.NewConfigurationError("initial_capital must be positive, got %v", c.InitialCapital)
	}
	if c.RiskPerTrade <= 0 || c.RiskPerTrade > 1 {
		return domain.NewConfigurationError("risk_per_trade must be in (0, 1], got %v", c.RiskPerTrade)
	}
	if c.MaxPositionFraction <= 0 {
		return domain.NewConfigurationError("max_position_fraction must be positive, got %v", c.MaxPositionFraction)
	}
	if c.DefaultPositionFraction <= 0 || c.DefaultPositionFraction > c.MaxPositionFraction {
		return domain.NewConfigurationError("default_position_fraction must be in (0, max_position_fraction], got %v", c.DefaultPositionFraction)
	}
	if c.CommissionRate < 0 || c.CommissionRate >= 0.1 {
		return domain.NewConfigurationError("commission_rate must be in [0, 0.1), got %v", c.CommissionRate)
	}
	if c.SlippageRate < 0 || c.SlippageRate >= 0.1 {
		return domain.NewConfigurationError("slippage_rate must be in [0, 0.1), got %v", c.SlippageRate)
	}

	switch c.StopStyle {
	case StopNone:
	case StopATRFixed, StopTrailing, StopBreakevenTrail:
		if c.ATRPeriod <= 0 {
			return domain.NewConfigurationError("atr_period must be positive for stop_style %s", c.StopStyle)
		}
		if c.StopATRMultiple <= 0 {
			return domain.NewConfigurationError("stop_atr_multiple must be positive for stop_style %s", c.StopStyle)
		}
	default:
		return domain.NewConfigurationError("unknown stop_style %q", c.StopStyle)
	}

	if (c.StopStyle == StopTrailing || c.StopStyle == StopBreakevenTrail) && c.TrailATRMultiple <= 0 {
		return domain.NewConfigurationError("trail_atr_multiple must be positive for stop_style %s", c.StopStyle)
	}
	if c.StopStyle == StopBreakevenTrail && c.BreakevenATRMultiple <= 0 {
		return domain.NewConfigurationError("breakeven_atr_multiple must be positive for stop_style %s", c.StopStyle)
	}
	if c.TakeProfitATRMultiple < 0 {
		return domain.NewConfigurationError("take_profit_atr_multiple must be >= 0, got %v", c.TakeProfitATRMultiple)
	}

	return nil
}

func (c Config) needsATR() bool {
	return c.StopStyle != StopNone || c.TakeProfitATRMultiple > 0
}
