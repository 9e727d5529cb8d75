package regime

import (
	"fmt"
	"math"
	"sort"

	"github.com/sawpanic/stratlab/internal/domain"
)

// WeightPreset defines optimizer fitness weights for a specific regime
type WeightPreset struct {
	Regime      Regime  `json:"regime" yaml:"regime"`
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description" yaml:"description"`
	Sharpe      float64 `json:"sharpe" yaml:"sharpe"`
	Return      float64 `json:"return" yaml:"return"`
	Drawdown    float64 `json:"drawdown" yaml:"drawdown"`
}

// Sum returns the total weight
func (p WeightPreset) Sum() float64 {
	return p.Sharpe + p.Return + p.Drawdown
}

const weightSumTolerance = 0.01

// WeightManager manages regime-based fitness weights
type WeightManager struct {
	presets map[Regime]WeightPreset
}

// NewWeightManager creates a weight manager with default presets
func NewWeightManager() *WeightManager {
	wm := &WeightManager{presets: make(map[Regime]WeightPreset)}
	wm.initializeDefaultPresets()
	return wm
}

// initializeDefaultPresets sets up the regime-specific weight tables
func (wm *WeightManager) initializeDefaultPresets() {
	// Neutral: the balanced default
	wm.presets[Neutral] = WeightPreset{
		Regime: Neutral, Name: "Neutral",
		Description: "Balanced risk-adjusted return with drawdown control",
		Sharpe:      0.50, Return: 0.30, Drawdown: 0.20,
	}

	// Trending: reward capturing the move
	trending := WeightPreset{
		Name:        "Trending",
		Description: "Directional market, more weight on total return",
		Sharpe:      0.45, Return: 0.40, Drawdown: 0.15,
	}
	trending.Regime = TrendingUp
	wm.presets[TrendingUp] = trending
	trending.Regime = TrendingDown
	wm.presets[TrendingDown] = trending

	// Ranging: consistency over magnitude
	wm.presets[Ranging] = WeightPreset{
		Regime: Ranging, Name: "Ranging",
		Description: "Range-bound market, favor smooth equity",
		Sharpe:      0.55, Return: 0.25, Drawdown: 0.20,
	}

	// Volatile: drawdown dominates
	wm.presets[Volatile] = WeightPreset{
		Regime: Volatile, Name: "Volatile",
		Description: "High volatility, penalize drawdown heavily",
		Sharpe:      0.40, Return: 0.20, Drawdown: 0.40,
	}

	wm.presets[Consolidating] = WeightPreset{
		Regime: Consolidating, Name: "Consolidating",
		Description: "Quiet market, small moves, keep drawdown weight moderate",
		Sharpe:      0.50, Return: 0.25, Drawdown: 0.25,
	}
}

// SetPreset replaces the weights of one regime after validation
func (wm *WeightManager) SetPreset(p WeightPreset) error {
	if err := validatePreset(p); err != nil {
		return err
	}
	wm.presets[p.Regime] = p
	return nil
}

// WeightsFor returns the preset for a regime, falling back to Neutral
func (wm *WeightManager) WeightsFor(r Regime) WeightPreset {
	if p, ok := wm.presets[r]; ok {
		return p
	}
	return wm.presets[Neutral]
}

// Presets lists all presets ordered by regime name
func (wm *WeightManager) Presets() []WeightPreset {
	out := make([]WeightPreset, 0, len(wm.presets))
	for _, p := range wm.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Regime < out[j].Regime })
	return out
}

// Validate checks every preset
func (wm *WeightManager) Validate() error {
	for _, p := range wm.presets {
		if err := validatePreset(p); err != nil {
			return err
		}
	}
	return nil
}

func validatePreset(p WeightPreset) error {
	for name, w := range map[string]float64{"sharpe": p.Sharpe, "return": p.Return, "drawdown": p.Drawdown} {
		if w < 0 || w > 1 || math.IsNaN(w) {
			return domain.NewConfigurationError("regime %s: %s weight %v outside [0, 1]", p.Regime, name, w)
		}
	}
	if sum := p.Sum(); math.Abs(sum-1) > weightSumTolerance {
		return domain.NewConfigurationError("regime %s: weights sum to %s, want 1.0", p.Regime, fmt.Sprintf("%.3f", sum))
	}
	return nil
}
