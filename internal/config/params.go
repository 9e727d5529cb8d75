package config

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/strategy"
)

// EncodeParams renders params as a YAML mapping in space order. Values are
// written as exact decimals at each parameter's precision so files are
// stable across runs.
func EncodeParams(space strategy.Space, params domain.ParameterSet) ([]byte, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, p := range space {
		v, ok := params[p.Name]
		if !ok {
			v = p.Default
		}
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: p.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: formatParam(p, v)},
		)
	}
	for name := range params {
		if _, ok := space.Lookup(name); !ok {
			return nil, domain.NewConfigurationError("parameter %q is not in the space", name)
		}
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	return out, nil
}

// DecodeParams parses a YAML mapping into a parameter set. Missing names
// take their defaults; unknown names and out-of-range values are
// configuration errors.
func DecodeParams(space strategy.Space, data []byte) (domain.ParameterSet, error) {
	raw := map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, domain.NewConfigurationError("failed to parse parameters: %v", err)
	}
	params := space.Defaults()
	for name, text := range raw {
		p, ok := space.Lookup(name)
		if !ok {
			return nil, domain.NewConfigurationError("unknown parameter %q", name)
		}
		d, err := decimal.NewFromString(text)
		if err != nil {
			return nil, domain.NewConfigurationError("parameter %q: %q is not a number", name, text)
		}
		v := d.InexactFloat64()
		if v < p.Min || v > p.Max {
			return nil, domain.NewConfigurationError("parameter %q = %s outside [%v, %v]", name, text, p.Min, p.Max)
		}
		params[name] = p.Quantize(v)
	}
	return params, nil
}

func formatParam(p strategy.ParamSpec, v float64) string {
	d := decimal.NewFromFloat(p.Quantize(v))
	if p.Kind == strategy.KindInt {
		return d.StringFixed(0)
	}
	if p.Precision > 0 {
		return d.StringFixed(p.Precision)
	}
	return d.String()
}
