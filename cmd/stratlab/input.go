package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/stratlab/internal/config"
	"github.com/sawpanic/stratlab/internal/data"
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/strategy"
)

// addDataFlags registers the candle source flags
func addDataFlags(cmd *cobra.Command) {
	cmd.Flags().String("data", "", "OHLCV CSV file (timestamp,open,high,low,close,volume)")
	cmd.Flags().Int("bars", 24*365, "Synthetic bars when --data is not set")
	cmd.Flags().Uint64("data-seed", 1, "Synthetic random walk seed")
	cmd.Flags().Float64("vol", 0.8, "Synthetic per-bar volatility, percent")
}

// loadCandles reads --data or generates the synthetic walk
func loadCandles(cmd *cobra.Command) ([]domain.Candle, error) {
	path, _ := cmd.Flags().GetString("data")
	if path != "" {
		candles, err := data.LoadCSV(path)
		if err != nil {
			return nil, err
		}
		log.Info().Str("file", path).Int("bars", len(candles)).Msg("Candles loaded")
		return candles, nil
	}

	walk := data.DefaultRandomWalkConfig()
	walk.Bars, _ = cmd.Flags().GetInt("bars")
	walk.Seed, _ = cmd.Flags().GetUint64("data-seed")
	walk.VolPct, _ = cmd.Flags().GetFloat64("vol")
	candles, err := data.RandomWalk(walk)
	if err != nil {
		return nil, err
	}
	log.Info().Int("bars", len(candles)).Uint64("seed", walk.Seed).Msg("Using synthetic random walk")
	return candles, nil
}

// addParamFlags registers the strategy and parameter flags
func addParamFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("strategy", "s", "ema_cross", "Registered strategy name")
	cmd.Flags().StringSliceP("param", "p", nil, "Parameter override name=value (repeatable)")
	cmd.Flags().String("params-file", "", "YAML parameter set, as written by optimize --params-out")
}

// loadParams resolves the strategy and merges --params-file with --param.
// Values are validated against the strategy's space.
func loadParams(cmd *cobra.Command, registry *strategy.Registry) (string, domain.ParameterSet, error) {
	name, _ := cmd.Flags().GetString("strategy")
	s, err := registry.Get(name)
	if err != nil {
		return "", nil, err
	}
	space := s.Space()
	params := domain.ParameterSet{}

	if file, _ := cmd.Flags().GetString("params-file"); file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read params file %s: %w", file, err)
		}
		decoded, err := config.DecodeParams(space, raw)
		if err != nil {
			return "", nil, err
		}
		for k, v := range decoded {
			params[k] = v
		}
	}

	pairs, _ := cmd.Flags().GetStringSlice("param")
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return "", nil, domain.NewConfigurationError("parameter %q is not name=value", pair)
		}
		key = strings.TrimSpace(key)
		if _, known := space.Lookup(key); !known {
			return "", nil, domain.NewConfigurationError("strategy %s has no parameter %q", name, key)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return "", nil, domain.NewConfigurationError("parameter %s: %v", key, err)
		}
		params[key] = v
	}
	return name, params, nil
}
