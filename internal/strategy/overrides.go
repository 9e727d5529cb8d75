package strategy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/sawpanic/stratlab/internal/domain"
)

// RangeOverride narrows or widens one declared parameter
type RangeOverride struct {
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	Precision *int32   `yaml:"precision"`
}

// OverridesFile is the on-disk format of parameter-space overrides:
//
//	strategies:
//	  ema_cross:
//	    fast_period: {min: 5, max: 20}
type OverridesFile struct {
	Strategies map[string]map[string]RangeOverride `yaml:"strategies"`
}

// LoadOverrides reads a parameter-space override file and applies it to the
// registry. Unknown strategies or parameters are configuration errors.
func LoadOverrides(path string, registry *Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read overrides file %s: %w", path, err)
	}
	return ApplyOverrides(data, registry)
}

// ApplyOverrides parses YAML override data and applies it to the registry
func ApplyOverrides(data []byte, registry *Registry) error {
	var file OverridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse overrides YAML: %w", err)
	}

	for name, params := range file.Strategies {
		s, err := registry.Get(name)
		if err != nil {
			return err
		}
		declared := s.Space()

		override := make(Space, 0, len(params))
		for param, ro := range params {
			spec, ok := declared.Lookup(param)
			if !ok {
				return domain.NewConfigurationError("strategy %s has no parameter %s", name, param)
			}
			if ro.Min != nil {
				spec.Min = *ro.Min
			}
			if ro.Max != nil {
				spec.Max = *ro.Max
			}
			if ro.Precision != nil {
				spec.Precision = *ro.Precision
			}
			override = append(override, spec)
		}

		if err := registry.SetSpace(name, override); err != nil {
			return err
		}
	}
	return nil
}
