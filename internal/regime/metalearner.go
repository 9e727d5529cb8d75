package regime

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/strategy"
)

// Interval is a sub-range of a naive parameter range expressed as fractions
// of its width: {0, 1} keeps the full range.
type Interval struct {
	Lo float64 `yaml:"lo" json:"lo"`
	Hi float64 `yaml:"hi" json:"hi"`
}

// Rules maps regime -> parameter role -> the sub-interval to search
type Rules map[Regime]map[strategy.Role]Interval

// DefaultRules narrow mean-reversion thresholds while trending, trend
// lengths while ranging, and lean toward wide stops when volatile.
func DefaultRules() Rules {
	trending := map[strategy.Role]Interval{
		strategy.RoleTrend:         {Lo: 0, Hi: 1},
		strategy.RoleMeanReversion: {Lo: 0.6, Hi: 1},
		strategy.RoleRisk:          {Lo: 0.25, Hi: 1},
	}
	return Rules{
		TrendingUp:   trending,
		TrendingDown: trending,
		Ranging: {
			strategy.RoleTrend:         {Lo: 0.25, Hi: 0.6},
			strategy.RoleMeanReversion: {Lo: 0, Hi: 1},
			strategy.RoleRisk:          {Lo: 0, Hi: 0.75},
		},
		Volatile: {
			strategy.RoleVolatility: {Lo: 0.5, Hi: 1},
			strategy.RoleRisk:       {Lo: 0.4, Hi: 1},
			strategy.RoleTrend:      {Lo: 0.3, Hi: 1},
		},
		Consolidating: {
			strategy.RoleVolatility: {Lo: 0, Hi: 0.5},
			strategy.RoleTrend:      {Lo: 0, Hi: 0.6},
		},
	}
}

// Validate checks every interval lies within [0, 1] and is non-empty
func (r Rules) Validate() error {
	for regime, roles := range r {
		for role, iv := range roles {
			if iv.Lo < 0 || iv.Hi > 1 || iv.Lo > iv.Hi || math.IsNaN(iv.Lo) || math.IsNaN(iv.Hi) {
				return domain.NewConfigurationError("meta-learner rule %s/%s has invalid interval [%v, %v]", regime, role, iv.Lo, iv.Hi)
			}
		}
	}
	return nil
}

// ParamChange records how one parameter was narrowed
type ParamChange struct {
	Name     string        `json:"name"`
	Role     strategy.Role `json:"role"`
	NaiveMin float64       `json:"naive_min"`
	NaiveMax float64       `json:"naive_max"`
	Min      float64       `json:"min"`
	Max      float64       `json:"max"`
}

// Adaptation is the meta-learner's output for one strategy space
type Adaptation struct {
	Snapshot           Snapshot       `json:"snapshot"`
	Naive              strategy.Space `json:"naive"`
	Adapted            strategy.Space `json:"adapted"`
	Changes            []ParamChange  `json:"changes"`
	VolumeReductionPct float64        `json:"volume_reduction_pct"`
}

// MetaLearner narrows naive parameter ranges according to the market regime
type MetaLearner struct {
	detector *Detector
	rules    Rules
}

// NewMetaLearner creates a meta-learner. Nil rules select DefaultRules.
func NewMetaLearner(detector *Detector, rules Rules) (*MetaLearner, error) {
	if detector == nil {
		detector = NewDetector()
	}
	if rules == nil {
		rules = DefaultRules()
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &MetaLearner{detector: detector, rules: rules}, nil
}

// Detector returns the underlying regime detector
func (m *MetaLearner) Detector() *Detector {
	return m.detector
}

// Prepare detects the regime of the candle window and adapts the space
func (m *MetaLearner) Prepare(candles []domain.Candle, naive strategy.Space) Adaptation {
	return m.Adapt(m.detector.Detect(candles), naive)
}

// Adapt narrows each parameter to the sub-interval its role maps to under
// the snapshot's regime. Parameters whose role has no rule keep their naive
// range, and a Neutral snapshot changes nothing.
func (m *MetaLearner) Adapt(snap Snapshot, naive strategy.Space) Adaptation {
	adapted := naive.Copy()
	out := Adaptation{Snapshot: snap, Naive: naive.Copy(), Changes: []ParamChange{}}

	roles := m.rules[snap.Regime]
	for i, p := range adapted {
		iv, ok := roles[p.Role]
		if !ok || !p.Free() {
			continue
		}
		lo, hi := narrow(p, iv)
		if lo == p.Min && hi == p.Max {
			continue
		}
		out.Changes = append(out.Changes, ParamChange{
			Name: p.Name, Role: p.Role,
			NaiveMin: p.Min, NaiveMax: p.Max,
			Min: lo, Max: hi,
		})
		adapted[i].Min, adapted[i].Max = lo, hi
	}
	sort.Slice(out.Changes, func(i, j int) bool { return out.Changes[i].Name < out.Changes[j].Name })

	out.Adapted = adapted
	out.VolumeReductionPct = VolumeReductionPct(naive, adapted)

	log.Debug().
		Str("regime", snap.Regime.String()).
		Int("narrowed", len(out.Changes)).
		Float64("volume_reduction_pct", out.VolumeReductionPct).
		Msg("parameter space adapted")
	return out
}

// narrow maps a fractional interval onto the parameter range. Bounds move
// inward onto the parameter's grid (integers, or Precision decimals) so a
// clamped value never rounds outside them; a range thinner than one step
// collapses to its quantized midpoint.
func narrow(p strategy.ParamSpec, iv Interval) (float64, float64) {
	lo := p.Min + iv.Lo*p.Width()
	hi := p.Min + iv.Hi*p.Width()

	var qlo, qhi float64
	switch {
	case p.Kind == strategy.KindInt:
		qlo, qhi = math.Ceil(lo), math.Floor(hi)
	case p.Precision > 0:
		qlo, _ = decimal.NewFromFloat(lo).RoundCeil(p.Precision).Float64()
		qhi, _ = decimal.NewFromFloat(hi).RoundFloor(p.Precision).Float64()
	default:
		return lo, hi
	}
	if qlo > qhi {
		mid := p.Quantize((lo + hi) / 2)
		return mid, mid
	}
	return qlo, qhi
}

// VolumeReductionPct compares the search volume of two spaces over the same
// parameters: 0 means unchanged, values near 100 mean a much smaller search.
func VolumeReductionPct(naive, adapted strategy.Space) float64 {
	diff := adapted.LogVolume() - naive.LogVolume()
	if diff >= 0 {
		return 0
	}
	return (1 - math.Exp(diff)) * 100
}

// Recommendation summarizes how a regime narrows one registered strategy
type Recommendation struct {
	Strategy           string  `json:"strategy"`
	VolumeReductionPct float64 `json:"volume_reduction_pct"`
	Narrowed           int     `json:"narrowed"`
}

// Survey adapts every registered strategy's space to the snapshot
func (m *MetaLearner) Survey(snap Snapshot, registry *strategy.Registry) []Recommendation {
	var out []Recommendation
	for _, name := range registry.Names() {
		s, err := registry.Get(name)
		if err != nil {
			continue
		}
		a := m.Adapt(snap, s.Space())
		out = append(out, Recommendation{Strategy: name, VolumeReductionPct: a.VolumeReductionPct, Narrowed: len(a.Changes)})
	}
	return out
}
