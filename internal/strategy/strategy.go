package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sawpanic/stratlab/internal/domain"
)

// Strategy turns a candle series into an ordered signal stream. The engine
// treats it as an opaque function: implementations must not retain or
// mutate the candles.
type Strategy interface {
	Name() string
	Description() string
	Space() Space
	Signals(candles []domain.Candle, params domain.ParameterSet) ([]domain.Signal, error)
}

// Factory builds a fresh strategy instance
type Factory func() Strategy

// Registry maps strategy names to factories. Registration is explicit; a
// Registry never discovers strategies on its own.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	overrides map[string]Space
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		overrides: make(map[string]Space),
	}
}

// DefaultRegistry returns a registry holding the built-in strategies
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(func() Strategy { return &EMACross{} })
	r.MustRegister(func() Strategy { return &RSIReversion{} })
	r.MustRegister(func() Strategy { return &DonchianBreakout{} })
	return r
}

// Register adds a factory under the name its strategy reports
func (r *Registry) Register(f Factory) error {
	s := f()
	name := s.Name()
	if name == "" {
		return domain.NewConfigurationError("strategy without name")
	}
	if err := s.Space().Validate(); err != nil {
		return fmt.Errorf("strategy %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return domain.NewConfigurationError("strategy %s already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register for static wiring at startup
func (r *Registry) MustRegister(f Factory) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// Get returns a new instance of the named strategy
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	override, hasOverride := r.overrides[name]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewConfigurationError("unknown strategy %q", name)
	}
	s := f()
	if hasOverride {
		return &overridden{Strategy: s, space: override}, nil
	}
	return s, nil
}

// Names lists registered strategies in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetSpace overrides parameters of a strategy's declared space by name.
// Every overridden parameter must exist in the declared space and may only
// narrow it, so the searched values are the values the strategy runs with.
func (r *Registry) SetSpace(name string, space Space) error {
	r.mu.RLock()
	f, ok := r.factories[name]
	current, hasOverride := r.overrides[name]
	r.mu.RUnlock()
	if !ok {
		return domain.NewConfigurationError("unknown strategy %q", name)
	}
	if err := space.Validate(); err != nil {
		return fmt.Errorf("strategy %s override: %w", name, err)
	}

	declared := f().Space()
	merged := declared.Copy()
	if hasOverride {
		merged = current.Copy()
	}
	for _, p := range space {
		d, found := declared.Lookup(p.Name)
		if !found {
			return domain.NewConfigurationError("strategy %s has no parameter %s", name, p.Name)
		}
		if err := p.Narrows(d); err != nil {
			return fmt.Errorf("strategy %s override: %w", name, err)
		}
		for i := range merged {
			if merged[i].Name == p.Name {
				merged[i] = p
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = merged
	return nil
}

// overridden swaps the parameter space while keeping signal generation
type overridden struct {
	Strategy
	space Space
}

func (o *overridden) Space() Space {
	return o.space.Copy()
}

// Info is the serializable description of a registered strategy
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Space       Space  `json:"parameters"`
}

// Describe returns Info for every registered strategy
func (r *Registry) Describe() []Info {
	names := r.Names()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		s, err := r.Get(name)
		if err != nil {
			continue
		}
		out = append(out, Info{Name: s.Name(), Description: s.Description(), Space: s.Space()})
	}
	return out
}
