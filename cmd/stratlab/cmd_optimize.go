package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/stratlab/internal/application"
	"github.com/sawpanic/stratlab/internal/config"
	"github.com/sawpanic/stratlab/internal/domain"
	applog "github.com/sawpanic/stratlab/internal/log"
	"github.com/sawpanic/stratlab/internal/optimize"
)

const progressInterval = 2 * time.Second

func newOptimizeCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Search a strategy's parameter space with the genetic optimizer",
		Long: `Evolves parameter sets for a strategy and reports the fittest one.

--param and --params-file seed the initial population. Interrupting the run
(Ctrl-C or --timeout) prints the best result found so far.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOptimize(cmd, opts)
		},
	}
	addDataFlags(cmd)
	addParamFlags(cmd)
	addEngineFlags(cmd)
	addOptimizerFlags(cmd)
	cmd.Flags().Duration("timeout", 0, "Stop after this long and keep the best so far (0 = no limit)")
	cmd.Flags().String("params-out", "", "Write the best parameter set as YAML to this file")
	return cmd
}

// addOptimizerFlags registers the genetic search overrides
func addOptimizerFlags(cmd *cobra.Command) {
	cmd.Flags().Int("population", 0, "Population size; overrides config")
	cmd.Flags().Int("generations", 0, "Generation budget; overrides config")
	cmd.Flags().Uint64("seed", 0, "Optimizer random seed; overrides config")
	cmd.Flags().Int("workers", 0, "Evaluation workers (0 = GOMAXPROCS); overrides config")
	cmd.Flags().String("objective", "", "Fitness objective (in_sample|walk_forward); overrides config")
	cmd.Flags().String("selection", "", "Parent selection (tournament|rank); overrides config")
	cmd.Flags().Bool("adaptive", true, "Narrow ranges with the regime meta-learner")
}

// applyOptimizerFlags copies changed optimizer flags into cfg
func applyOptimizerFlags(flags *pflag.FlagSet, cfg *optimize.Config) {
	if flags.Changed("population") {
		cfg.PopulationSize, _ = flags.GetInt("population")
	}
	if flags.Changed("generations") {
		cfg.Generations, _ = flags.GetInt("generations")
	}
	if flags.Changed("seed") {
		cfg.Seed, _ = flags.GetUint64("seed")
	}
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("objective") {
		cfg.Objective, _ = flags.GetString("objective")
	}
	if flags.Changed("selection") {
		cfg.Selection, _ = flags.GetString("selection")
	}
	if flags.Changed("adaptive") {
		cfg.AdaptiveRanges, _ = flags.GetBool("adaptive")
	}
}

func runOptimize(cmd *cobra.Command, opts *globalOptions) error {
	applyEngineFlags(cmd.Flags(), &opts.cfg.Backtest)
	applyOptimizerFlags(cmd.Flags(), &opts.cfg.Optimizer)
	candles, err := loadCandles(cmd)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	paramsOut, _ := cmd.Flags().GetString("params-out")

	return opts.run(cmd, func(ctx context.Context, rt *runtime) error {
		name, seed, err := loadParams(cmd, rt.lab.Strategies())
		if err != nil {
			return err
		}
		req := application.OptimizeRequest{Strategy: name, Candles: candles}
		if len(seed) > 0 {
			req.Seeds = []domain.ParameterSet{seed}
		}

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		progress := applog.NewProgressLogger("optimize "+name, rt.cfg.Optimizer.Generations, progressInterval)
		update := progress.UpdateFunc()
		result, runErr := rt.lab.Optimize(ctx, req, func(p optimize.Progress) {
			progress.SetValue("best_fitness", p.BestFitness)
			update(p.Generation, p.Generations)
		})
		progress.Finish()
		if result == nil {
			return runErr
		}
		if runErr != nil {
			log.Warn().Err(runErr).Int("generations", len(result.History)).Msg("Optimization stopped early; reporting best so far")
		}

		if paramsOut != "" {
			if err := writeParams(rt, name, result.Best.Params, paramsOut); err != nil {
				return err
			}
		}
		if err := opts.emit(cmd, result, func(w io.Writer) { printOptimize(w, result) }); err != nil {
			return err
		}
		return runErr
	})
}

func writeParams(rt *runtime, name string, params domain.ParameterSet, path string) error {
	s, err := rt.lab.Strategies().Get(name)
	if err != nil {
		return err
	}
	raw, err := config.EncodeParams(s.Space(), params)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write params file %s: %w", path, err)
	}
	log.Info().Str("file", path).Msg("Best parameters written")
	return nil
}

func printOptimize(w io.Writer, r *optimize.Result) {
	rule(w, "Optimization "+r.Strategy)
	status := "completed"
	switch {
	case r.Cancelled:
		status = "cancelled (partial result)"
	case r.Plateaued:
		status = "plateaued"
	}
	fmt.Fprintf(w, "Status:         %s after %d generations\n", status, len(r.History))
	fmt.Fprintf(w, "Objective:      %s\n", r.Objective)
	fmt.Fprintf(w, "Evaluations:    %d (%d cached)\n", r.Evaluations, r.CacheHits)
	fmt.Fprintf(w, "Elapsed:        %s\n", r.Elapsed.Round(time.Millisecond))
	if r.Adaptation != nil {
		fmt.Fprintf(w, "Regime:         %s (confidence %s, search volume -%s)\n",
			r.Adaptation.Snapshot.Regime, num(r.Adaptation.Snapshot.Confidence, 2), pct(r.Adaptation.VolumeReductionPct))
	}
	fmt.Fprintf(w, "Best fitness:   %s\n", num(r.Best.Fitness, 4))
	fmt.Fprintf(w, "Best params:    %s\n", formatParams(r.Best.Params))
	printMetrics(w, r.Best.Metrics)

	if len(r.History) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%-4s %10s %10s %6s %6s %6s\n", "GEN", "BEST", "MEAN", "EVALS", "CACHED", "FAILED")
		for _, g := range r.History {
			fmt.Fprintf(w, "%-4d %10s %10s %6d %6d %6d\n", g.Index, num(g.BestFitness, 4), num(g.MeanFitness, 4), g.Evaluations, g.CacheHits, g.Failed)
		}
	}
}
