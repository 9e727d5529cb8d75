package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/stratlab/internal/application"
	applog "github.com/sawpanic/stratlab/internal/log"
	"github.com/sawpanic/stratlab/internal/validation"
)

func newWalkForwardCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "walkforward",
		Aliases: []string{"wf"},
		Short:   "Walk-forward validation over rolling train/test windows",
		Long: `Scores a strategy on successive out-of-sample windows and classifies its
stability. With --reoptimize the parameters are re-fitted on every training
window with the genetic optimizer; otherwise the given parameters are used
throughout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyEngineFlags(cmd.Flags(), &opts.cfg.Backtest)
			applyOptimizerFlags(cmd.Flags(), &opts.cfg.Optimizer)
			candles, err := loadCandles(cmd)
			if err != nil {
				return err
			}
			preset, _ := cmd.Flags().GetString("preset")
			reopt, _ := cmd.Flags().GetBool("reoptimize")

			return opts.run(cmd, func(ctx context.Context, rt *runtime) error {
				name, params, err := loadParams(cmd, rt.lab.Strategies())
				if err != nil {
					return err
				}
				progress := applog.NewProgressLogger("walk-forward "+name, 0, progressInterval)
				result, err := rt.lab.WalkForward(ctx, application.WalkForwardRequest{
					Strategy:   name,
					Parameters: params,
					Candles:    candles,
					Preset:     preset,
					Reoptimize: reopt,
				}, progress.UpdateFunc())
				if err != nil {
					return err
				}
				progress.Finish()
				return opts.emit(cmd, result, func(w io.Writer) { printWalkForward(w, result) })
			})
		},
	}
	addDataFlags(cmd)
	addParamFlags(cmd)
	addEngineFlags(cmd)
	addOptimizerFlags(cmd)
	cmd.Flags().String("preset", "", "Window preset (quick|standard|thorough|conservative); default from config")
	cmd.Flags().Bool("reoptimize", false, "Re-fit parameters on every training window")
	return cmd
}

func newKFoldCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kfold",
		Short: "Purged K-fold cross-validation",
		Long: `Splits the series into contiguous folds and tests each one against the rest,
purging bars around the test fold. Folds tested before their training data
are reported as temporal leakage.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyEngineFlags(cmd.Flags(), &opts.cfg.Backtest)
			applyOptimizerFlags(cmd.Flags(), &opts.cfg.Optimizer)
			if cmd.Flags().Changed("folds") {
				opts.cfg.KFold.Folds, _ = cmd.Flags().GetInt("folds")
			}
			if cmd.Flags().Changed("purge") {
				opts.cfg.KFold.PurgeBars, _ = cmd.Flags().GetInt("purge")
			}
			candles, err := loadCandles(cmd)
			if err != nil {
				return err
			}
			reopt, _ := cmd.Flags().GetBool("reoptimize")

			return opts.run(cmd, func(ctx context.Context, rt *runtime) error {
				name, params, err := loadParams(cmd, rt.lab.Strategies())
				if err != nil {
					return err
				}
				progress := applog.NewProgressLogger("k-fold "+name, rt.cfg.KFold.Folds, progressInterval)
				result, err := rt.lab.KFold(ctx, application.KFoldRequest{
					Strategy:   name,
					Parameters: params,
					Candles:    candles,
					Reoptimize: reopt,
				}, progress.UpdateFunc())
				if err != nil {
					return err
				}
				progress.Finish()
				return opts.emit(cmd, result, func(w io.Writer) { printKFold(w, result) })
			})
		},
	}
	addDataFlags(cmd)
	addParamFlags(cmd)
	addEngineFlags(cmd)
	addOptimizerFlags(cmd)
	cmd.Flags().Int("folds", 0, "Number of folds; overrides config")
	cmd.Flags().Int("purge", 0, "Bars purged on each side of the test fold; overrides config")
	cmd.Flags().Bool("reoptimize", false, "Re-fit parameters on the training folds")
	return cmd
}

func newMonteCarloCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "montecarlo",
		Aliases: []string{"mc"},
		Short:   "Monte Carlo resampling of a backtest's trades",
		Long: `Backtests the strategy, then resamples its trade returns with replacement to
estimate the distribution of outcomes, drawdowns and the risk of ruin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyEngineFlags(cmd.Flags(), &opts.cfg.Backtest)
			flags := cmd.Flags()
			if flags.Changed("runs") {
				opts.cfg.MonteCarlo.Runs, _ = flags.GetInt("runs")
			}
			if flags.Changed("seed") {
				opts.cfg.MonteCarlo.Seed, _ = flags.GetUint64("seed")
			}
			if flags.Changed("ruin") {
				opts.cfg.MonteCarlo.RuinDrawdownPct, _ = flags.GetFloat64("ruin")
			}
			candles, err := loadCandles(cmd)
			if err != nil {
				return err
			}

			return opts.run(cmd, func(ctx context.Context, rt *runtime) error {
				name, params, err := loadParams(cmd, rt.lab.Strategies())
				if err != nil {
					return err
				}
				result, err := rt.lab.MonteCarlo(ctx, application.MonteCarloRequest{
					BacktestRequest: application.BacktestRequest{Strategy: name, Parameters: params, Candles: candles},
				})
				if err != nil {
					return err
				}
				return opts.emit(cmd, result, func(w io.Writer) { printMonteCarlo(w, name, result) })
			})
		},
	}
	addDataFlags(cmd)
	addParamFlags(cmd)
	addEngineFlags(cmd)
	cmd.Flags().Int("runs", 0, "Simulation runs; overrides config")
	cmd.Flags().Uint64("seed", 0, "Resampling seed; overrides config")
	cmd.Flags().Float64("ruin", 0, "Drawdown percent counted as ruin; overrides config")
	return cmd
}

func printSummary(w io.Writer, s validation.Summary) {
	fmt.Fprintf(w, "Classification: %s\n", s.Classification)
	fmt.Fprintf(w, "Mean IS score:  %s\n", num(s.MeanInSample, 3))
	fmt.Fprintf(w, "Mean OOS score: %s (std %s)\n", num(s.MeanOutOfSample, 3), num(s.StdOutOfSample, 3))
	fmt.Fprintf(w, "Stability:      %s\n", num(s.StabilityRatio, 3))
	fmt.Fprintf(w, "Consistency:    %s\n", pct(s.Consistency*100))
	fmt.Fprintf(w, "Degradation:    %s\n", pct(s.MeanDegradation))
	fmt.Fprintf(w, "Robustness:     %s / 100\n", num(s.RobustnessScore, 1))
}

func printWalkForward(w io.Writer, r *validation.WalkForwardResult) {
	rule(w, "Walk-forward "+r.Strategy)
	fmt.Fprintf(w, "Layout:         train %dd, test %dd, step %dd, purge %d bars\n",
		r.Config.TrainDays, r.Config.TestDays, r.Config.StepDays, r.Config.PurgeBars)
	fmt.Fprintf(w, "Windows:        %d completed, %d failed in %s\n", r.Completed, r.Failed, r.Elapsed.Round(time.Millisecond))
	printSummary(w, r.Summary)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-3s %-10s %-10s %10s %10s %9s %7s\n", "#", "TEST FROM", "TEST TO", "IS", "OOS", "DEGRADE", "TRADES")
	for _, win := range r.Windows {
		if win.Error != "" {
			fmt.Fprintf(w, "%-3d %-10s %-10s failed: %s\n", win.Index, win.TestStart.Format("2006-01-02"), win.TestEnd.Format("2006-01-02"), win.Error)
			continue
		}
		fmt.Fprintf(w, "%-3d %-10s %-10s %10s %10s %9s %7d\n", win.Index,
			win.TestStart.Format("2006-01-02"), win.TestEnd.Format("2006-01-02"),
			num(win.InSampleScore, 3), num(win.OutSampleScore, 3), pct(win.DegradationPct), win.OutOfSample.TradeCount)
	}
}

func printKFold(w io.Writer, r *validation.KFoldResult) {
	rule(w, "K-fold "+r.Strategy)
	fmt.Fprintf(w, "Folds:          %d completed, %d failed, purge %d bars\n", r.Completed, r.Failed, r.Config.PurgeBars)
	fmt.Fprintf(w, "Consistent:     %s\n", pct(r.ConsistencyPct))
	printSummary(w, r.Summary)
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-3s %-10s %-10s %8s %10s %10s %7s\n", "#", "TEST FROM", "TEST TO", "TRAIN", "IS", "OOS", "TRADES")
	for _, f := range r.Folds {
		if f.Error != "" {
			fmt.Fprintf(w, "%-3d %-10s %-10s failed: %s\n", f.Index, f.TestStart.Format("2006-01-02"), f.TestEnd.Format("2006-01-02"), f.Error)
			continue
		}
		fmt.Fprintf(w, "%-3d %-10s %-10s %8d %10s %10s %7d\n", f.Index,
			f.TestStart.Format("2006-01-02"), f.TestEnd.Format("2006-01-02"), f.TrainBars,
			num(f.InSampleScore, 3), num(f.OutSampleScore, 3), f.OutOfSample.TradeCount)
	}
}

func printMonteCarlo(w io.Writer, name string, r *validation.MonteCarloResult) {
	rule(w, "Monte Carlo "+name)
	fmt.Fprintf(w, "Runs:           %d over %d trades (seed %d)\n", r.Runs, r.Trades, r.Seed)
	fmt.Fprintf(w, "Realized:       %s\n", pct(r.RealizedReturnPct))
	fmt.Fprintf(w, "Mean return:    %s (std %s)\n", pct(r.MeanReturnPct), pct(r.StdReturnPct))
	fmt.Fprintf(w, "Range:          %s to %s\n", pct(r.WorstReturnPct), pct(r.BestReturnPct))
	fmt.Fprintf(w, "Mean max DD:    %s\n", pct(r.MeanMaxDrawdownPct))
	fmt.Fprintf(w, "P(loss):        %s\n", pct(r.ProbabilityOfLoss*100))
	fmt.Fprintf(w, "Risk of ruin:   %s\n", pct(r.RiskOfRuin*100))
	for _, p := range r.Percentiles {
		fmt.Fprintf(w, "  p%-5s return %10s  drawdown %8s\n", num(p.P, 0), pct(p.ReturnPct), pct(p.MaxDrawdownPct))
	}
}
