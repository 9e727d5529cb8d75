package strategy

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/stratlab/internal/domain"
)

// Kind is the numeric type of a parameter
type Kind string

const (
	KindInt   Kind = "int"
	KindFloat Kind = "float"
)

// Role groups parameters by what they control so the meta-learner can
// narrow them per market regime.
type Role string

const (
	RoleTrend         Role = "trend"
	RoleMeanReversion Role = "mean_reversion"
	RoleVolatility    Role = "volatility"
	RoleRisk          Role = "risk"
	RoleGeneric       Role = "generic"
)

// ParamSpec describes one tunable parameter
type ParamSpec struct {
	Name        string  `yaml:"name" json:"name"`
	Kind        Kind    `yaml:"kind" json:"kind"`
	Min         float64 `yaml:"min" json:"min"`
	Max         float64 `yaml:"max" json:"max"`
	Default     float64 `yaml:"default" json:"default"`
	Role        Role    `yaml:"role" json:"role"`
	Precision   int32   `yaml:"precision" json:"precision"` // decimal places kept for float parameters
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
}

// Width returns the size of the range
func (p ParamSpec) Width() float64 {
	return p.Max - p.Min
}

// Free reports whether the parameter has any room to vary
func (p ParamSpec) Free() bool {
	if p.Kind == KindInt {
		return math.Floor(p.Max) > math.Ceil(p.Min)
	}
	return p.Max > p.Min
}

// Clamp bounds v to the range and applies the parameter's kind
func (p ParamSpec) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		v = p.Min
	}
	v = math.Max(p.Min, math.Min(p.Max, v))
	return p.Quantize(v)
}

// Quantize rounds ints to the nearest integer inside the range and floats to
// Precision decimal places.
func (p ParamSpec) Quantize(v float64) float64 {
	if p.Kind == KindInt {
		r := math.Round(v)
		if r > p.Max {
			r = math.Floor(p.Max)
		}
		if r < p.Min {
			r = math.Ceil(p.Min)
		}
		return r
	}
	if p.Precision <= 0 {
		return v
	}
	q, _ := decimal.NewFromFloat(v).Round(p.Precision).Float64()
	return q
}

// Sample draws uniformly from the range
func (p ParamSpec) Sample(rng *rand.Rand) float64 {
	if !p.Free() {
		return p.Clamp(p.Min)
	}
	if p.Kind == KindInt {
		lo, hi := int(math.Ceil(p.Min)), int(math.Floor(p.Max))
		return float64(lo + rng.IntN(hi-lo+1))
	}
	return p.Clamp(p.Min + rng.Float64()*p.Width())
}

// Validate checks the parameter range is usable
func (p ParamSpec) Validate() error {
	if p.Name == "" {
		return domain.NewConfigurationError("parameter without name")
	}
	if p.Kind != KindInt && p.Kind != KindFloat {
		return domain.NewConfigurationError("parameter %s: unknown kind %q", p.Name, p.Kind)
	}
	if math.IsNaN(p.Min) || math.IsNaN(p.Max) || math.IsInf(p.Min, 0) || math.IsInf(p.Max, 0) {
		return domain.NewConfigurationError("parameter %s: non-finite bounds", p.Name)
	}
	if p.Min > p.Max {
		return domain.NewConfigurationError("parameter %s: min %v > max %v", p.Name, p.Min, p.Max)
	}
	if p.Kind == KindInt && math.Floor(p.Max) < math.Ceil(p.Min) {
		return domain.NewConfigurationError("parameter %s: range [%v, %v] holds no integer", p.Name, p.Min, p.Max)
	}
	return nil
}

// Narrows checks that p only restricts declared: same kind, bounds inside
// the declared range, and float precision no finer than declared. A wider
// override would let a search report values the strategy clamps away.
func (p ParamSpec) Narrows(declared ParamSpec) error {
	if p.Kind != declared.Kind {
		return domain.NewConfigurationError("parameter %s: kind %q differs from declared %q", p.Name, p.Kind, declared.Kind)
	}
	if p.Min < declared.Min || p.Max > declared.Max {
		return domain.NewConfigurationError("parameter %s: range [%v, %v] leaves declared range [%v, %v]",
			p.Name, p.Min, p.Max, declared.Min, declared.Max)
	}
	if p.Kind == KindFloat && declared.Precision > 0 && (p.Precision <= 0 || p.Precision > declared.Precision) {
		return domain.NewConfigurationError("parameter %s: precision %d is finer than declared %d",
			p.Name, p.Precision, declared.Precision)
	}
	return nil
}

// Space is the typed parameter-space descriptor declared by a strategy
type Space []ParamSpec

// Lookup finds a parameter by name
func (s Space) Lookup(name string) (ParamSpec, bool) {
	for _, p := range s {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Names returns the parameter names in declaration order
func (s Space) Names() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = p.Name
	}
	return out
}

// Validate checks every parameter and rejects duplicates
func (s Space) Validate() error {
	seen := make(map[string]bool, len(s))
	for _, p := range s {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return domain.NewConfigurationError("parameter %s declared twice", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Defaults returns every parameter at its default, clamped to the range
func (s Space) Defaults() domain.ParameterSet {
	out := make(domain.ParameterSet, len(s))
	for _, p := range s {
		def := p.Default
		if def == 0 && (def < p.Min || def > p.Max) {
			def = p.Min + p.Width()/2
		}
		out[p.Name] = p.Clamp(def)
	}
	return out
}

// Sample draws one parameter set uniformly from the space
func (s Space) Sample(rng *rand.Rand) domain.ParameterSet {
	out := make(domain.ParameterSet, len(s))
	for _, p := range s {
		out[p.Name] = p.Sample(rng)
	}
	return out
}

// Clamp returns params restricted to the space: known parameters are
// bounded and quantized, missing ones take their default, unknown ones are
// dropped.
func (s Space) Clamp(params domain.ParameterSet) domain.ParameterSet {
	defaults := s.Defaults()
	out := make(domain.ParameterSet, len(s))
	for _, p := range s {
		v, ok := params[p.Name]
		if !ok {
			v = defaults[p.Name]
		}
		out[p.Name] = p.Clamp(v)
	}
	return out
}

// FreeCount returns how many parameters have a non-degenerate range
func (s Space) FreeCount() int {
	n := 0
	for _, p := range s {
		if p.Free() {
			n++
		}
	}
	return n
}

// LogVolume returns the natural log of the search volume, the product of
// parameter widths. Integer parameters count their number of values;
// degenerate ranges contribute a factor of one.
func (s Space) LogVolume() float64 {
	total := 0.0
	for _, p := range s {
		total += math.Log(p.span())
	}
	return total
}

func (p ParamSpec) span() float64 {
	if p.Kind == KindInt {
		n := math.Floor(p.Max) - math.Ceil(p.Min) + 1
		return math.Max(n, 1)
	}
	if p.Width() <= 0 {
		return 1
	}
	return p.Width()
}

// Copy returns an independent copy of the space
func (s Space) Copy() Space {
	out := make(Space, len(s))
	copy(out, s)
	return out
}

// Sorted returns a copy ordered by parameter name
func (s Space) Sorted() Space {
	out := s.Copy()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
