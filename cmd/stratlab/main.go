package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/stratlab/internal/config"
	applog "github.com/sawpanic/stratlab/internal/log"
)

const (
	appName = "stratlab"
	version = "v0.4.0"
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	overrides  string
	format     string
	output     string

	cfg config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Backtest, optimize and validate trading strategies",
		Version: version,
		Long: `stratlab replays trading strategies over OHLCV candles.

It runs single backtests and strategy comparisons, searches parameter
spaces with a genetic optimizer, and measures robustness with walk-forward,
purged K-fold and Monte Carlo validation. Candles come from a CSV file
(--data) or a seeded synthetic random walk.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "stratlab.yaml", "Configuration file (missing file means defaults)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level (debug|info|warn|error); overrides config")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format (auto|console|json); overrides config")
	pf.StringVar(&opts.overrides, "overrides", "", "Strategy parameter-space override file")
	pf.StringVar(&opts.format, "format", "text", "Result format (text|json)")
	pf.StringVarP(&opts.output, "output", "o", "", "Write the result to this file instead of stdout")

	rootCmd.AddCommand(
		newBacktestCmd(opts),
		newOptimizeCmd(opts),
		newWalkForwardCmd(opts),
		newKFoldCmd(opts),
		newMonteCarloCmd(opts),
		newRegimeCmd(opts),
		newStrategiesCmd(opts),
		newConfigCmd(opts),
		newServeCmd(opts),
	)
	return rootCmd
}

// load reads the configuration, applies environment and flag overrides and
// configures logging
func (o *globalOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if flags.Changed("overrides") {
		cfg.Overrides = o.overrides
	}
	switch o.format {
	case formatText, formatJSON:
	default:
		return fmt.Errorf("unknown --format %q (want text or json)", o.format)
	}

	if err := applog.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	o.cfg = cfg
	log.Debug().Str("config", o.configPath).Str("command", cmd.Name()).Msg("Configuration loaded")
	return nil
}
