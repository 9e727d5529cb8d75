package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sawpanic/stratlab/internal/application"
)

func newRegimeCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regime",
		Short: "Classify the market regime of a candle series",
		Long: `Detects the current regime from volatility, trend and momentum features,
reports the fitness weights it selects and how far the meta-learner would
narrow each strategy's parameter space. --segments also labels the history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			candles, err := loadCandles(cmd)
			if err != nil {
				return err
			}
			series, _ := cmd.Flags().GetString("series")
			name, _ := cmd.Flags().GetString("strategy")
			segments, _ := cmd.Flags().GetBool("segments")

			return opts.run(cmd, func(ctx context.Context, rt *runtime) error {
				report, err := rt.lab.Regime(ctx, application.RegimeRequest{
					Series:   series,
					Candles:  candles,
					Strategy: name,
					Segments: segments,
				})
				if err != nil {
					return err
				}
				return opts.emit(cmd, report, func(w io.Writer) { printRegime(w, report) })
			})
		},
	}
	addDataFlags(cmd)
	cmd.Flags().String("series", "", "Series name; when set the snapshot is stored")
	cmd.Flags().StringP("strategy", "s", "", "Also show the adapted parameter ranges of this strategy")
	cmd.Flags().Bool("segments", false, "Label the whole history with regime segments")
	return cmd
}

func printRegime(w io.Writer, r *application.RegimeReport) {
	snap := r.Snapshot
	rule(w, "Regime "+string(snap.Regime))
	fmt.Fprintf(w, "Confidence:     %s\n", num(snap.Confidence, 2))
	fmt.Fprintf(w, "As of:          %s (%d bars)\n", snap.AsOf.Format("2006-01-02 15:04"), snap.Samples)
	f := snap.Features
	fmt.Fprintf(w, "Realized vol:   %s   ATR %s\n", pct(f.RealizedVolPct), pct(f.ATRPct))
	fmt.Fprintf(w, "ADX:            %s (+DI %s, -DI %s)\n", num(f.ADX, 1), num(f.PlusDI, 1), num(f.MinusDI, 1))
	fmt.Fprintf(w, "Trend strength: %s   momentum %s\n", num(f.TrendStrength, 3), pct(f.MomentumPct))
	if len(snap.Recommended) > 0 {
		fmt.Fprintf(w, "Recommended:    %s\n", strings.Join(snap.Recommended, ", "))
	}
	if len(snap.Avoid) > 0 {
		fmt.Fprintf(w, "Avoid:          %s\n", strings.Join(snap.Avoid, ", "))
	}
	fmt.Fprintf(w, "Weights:        %s (sharpe %s, return %s, drawdown %s)\n",
		r.Weights.Name, num(r.Weights.Sharpe, 2), num(r.Weights.Return, 2), num(r.Weights.Drawdown, 2))

	if len(r.Recommendations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%-20s %10s %10s\n", "STRATEGY", "NARROWED", "VOLUME -")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(w, "%-20s %10d %10s\n", rec.Strategy, rec.Narrowed, pct(rec.VolumeReductionPct))
		}
	}

	if a := r.Adaptation; a != nil && len(a.Changes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%-20s %-10s %22s %22s\n", "PARAMETER", "ROLE", "NAIVE", "ADAPTED")
		for _, c := range a.Changes {
			fmt.Fprintf(w, "%-20s %-10s %22s %22s\n", c.Name, c.Role,
				num(c.NaiveMin, 4)+" .. "+num(c.NaiveMax, 4), num(c.Min, 4)+" .. "+num(c.Max, 4))
		}
	}

	if len(r.Segments) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%-17s %-17s %-14s %6s\n", "FROM", "TO", "REGIME", "BARS")
		for _, s := range r.Segments {
			fmt.Fprintf(w, "%-17s %-17s %-14s %6d\n", s.Start.Format("2006-01-02 15:04"), s.End.Format("2006-01-02 15:04"), s.Regime, s.Bars)
		}
	}
}
