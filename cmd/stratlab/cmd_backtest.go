package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/stratlab/internal/application"
	"github.com/sawpanic/stratlab/internal/backtest"
	"github.com/sawpanic/stratlab/internal/data"
)

func newBacktestCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run one strategy over a candle series",
		Long:  "Simulates a registered strategy with the configured risk model and prints trades and performance metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBacktest(cmd, opts)
		},
	}
	addDataFlags(cmd)
	addParamFlags(cmd)
	addEngineFlags(cmd)
	cmd.Flags().String("trades-csv", "", "Also write the trade list to this CSV file")
	cmd.Flags().Bool("show-trades", false, "List every trade in text output")

	cmd.AddCommand(newCompareCmd(opts))
	return cmd
}

// addEngineFlags registers the risk-model overrides
func addEngineFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("capital", 0, "Initial capital; overrides config")
	cmd.Flags().Float64("risk", 0, "Fraction of equity risked per trade; overrides config")
	cmd.Flags().Float64("commission", -1, "Commission rate per fill; overrides config")
	cmd.Flags().String("stop-style", "", "Stop style (none|atr_fixed|trailing|breakeven_trail); overrides config")
}

// applyEngineFlags copies changed engine flags into cfg
func applyEngineFlags(flags *pflag.FlagSet, cfg *backtest.Config) {
	if flags.Changed("capital") {
		cfg.InitialCapital, _ = flags.GetFloat64("capital")
	}
	if flags.Changed("risk") {
		cfg.RiskPerTrade, _ = flags.GetFloat64("risk")
	}
	if flags.Changed("commission") {
		cfg.CommissionRate, _ = flags.GetFloat64("commission")
	}
	if flags.Changed("stop-style") {
		style, _ := flags.GetString("stop-style")
		cfg.StopStyle = backtest.StopStyle(style)
	}
}

func runBacktest(cmd *cobra.Command, opts *globalOptions) error {
	applyEngineFlags(cmd.Flags(), &opts.cfg.Backtest)
	candles, err := loadCandles(cmd)
	if err != nil {
		return err
	}

	return opts.run(cmd, func(ctx context.Context, rt *runtime) error {
		name, params, err := loadParams(cmd, rt.lab.Strategies())
		if err != nil {
			return err
		}
		report, err := rt.lab.Backtest(ctx, application.BacktestRequest{
			Strategy:   name,
			Parameters: params,
			Candles:    candles,
		})
		if err != nil {
			return err
		}

		if path, _ := cmd.Flags().GetString("trades-csv"); path != "" {
			if err := writeTrades(path, report); err != nil {
				return err
			}
			log.Info().Str("file", path).Int("trades", len(report.Trades)).Msg("Trades written")
		}

		showTrades, _ := cmd.Flags().GetBool("show-trades")
		return opts.emit(cmd, report, func(w io.Writer) {
			printBacktest(w, report, showTrades)
		})
	})
}

func writeTrades(path string, report *application.BacktestReport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create trades file %s: %w", path, err)
	}
	defer f.Close()
	return data.WriteTradesCSV(f, report.Trades)
}

func printBacktest(w io.Writer, r *application.BacktestReport, showTrades bool) {
	rule(w, "Backtest "+r.Strategy)
	fmt.Fprintf(w, "Parameters:     %s\n", formatParams(r.Parameters))
	if r.RunID != "" {
		fmt.Fprintf(w, "Run:            %s\n", r.RunID)
	}
	printMetrics(w, r.Metrics)
	fmt.Fprintf(w, "Final equity:   %s (from %s)\n", num(r.FinalEquity, 2), num(r.InitialCapital, 2))
	if r.DroppedSignals > 0 || r.IgnoredSignals > 0 {
		fmt.Fprintf(w, "Signals:        %d dropped, %d ignored\n", r.DroppedSignals, r.IgnoredSignals)
	}
	for _, d := range r.Diagnostics {
		fmt.Fprintf(w, "  note: %s\n", d)
	}

	if showTrades && len(r.Trades) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%-5s %-20s %-20s %12s %12s %12s %8s  %s\n", "SIDE", "ENTRY", "EXIT", "ENTRY PX", "EXIT PX", "PNL", "RET", "REASON")
		for _, t := range r.Trades {
			fmt.Fprintf(w, "%-5s %-20s %-20s %12s %12s %12s %8s  %s\n",
				t.Side, t.EntryTime.Format("2006-01-02 15:04"), t.ExitTime.Format("2006-01-02 15:04"),
				num(t.EntryPrice, 4), num(t.ExitPrice, 4), num(t.PnL, 2), pct(t.ReturnPct), t.ExitReason)
		}
	}
}

func printMetrics(w io.Writer, m backtest.Metrics) {
	fmt.Fprintf(w, "Total return:   %s\n", pct(m.TotalReturnPct))
	fmt.Fprintf(w, "Sharpe:         %s\n", num(m.SharpeRatio, 3))
	fmt.Fprintf(w, "Max drawdown:   %s\n", pct(m.MaxDrawdownPct))
	fmt.Fprintf(w, "Win rate:       %s (%d/%d)\n", pct(m.WinRatePct), m.WinningTrades, m.TradeCount)
	fmt.Fprintf(w, "Profit factor:  %s\n", num(m.ProfitFactor, 2))
	fmt.Fprintf(w, "Expectancy:     %s\n", num(m.Expectancy, 2))
	fmt.Fprintf(w, "Fees:           %s\n", num(m.TotalFees, 2))
}

func newCompareCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Rank several strategies over the same candles",
		Long:  "Runs each strategy with its default parameters and ranks the results by a score, best first",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyEngineFlags(cmd.Flags(), &opts.cfg.Backtest)
			candles, err := loadCandles(cmd)
			if err != nil {
				return err
			}
			names, _ := cmd.Flags().GetStringSlice("strategies")
			score, _ := cmd.Flags().GetString("score")

			return opts.run(cmd, func(ctx context.Context, rt *runtime) error {
				rows, err := rt.lab.Compare(ctx, names, candles, score)
				if err != nil {
					return err
				}
				return opts.emit(cmd, rows, func(w io.Writer) {
					printComparison(w, score, rows)
				})
			})
		},
	}
	addDataFlags(cmd)
	addEngineFlags(cmd)
	cmd.Flags().StringSlice("strategies", nil, "Strategies to compare (default: all registered)")
	cmd.Flags().String("score", backtest.ScoreSharpe, "Ranking score (sharpe|total_return|profit_factor|win_rate|expectancy)")
	return cmd
}

func printComparison(w io.Writer, score string, rows []backtest.Comparison) {
	rule(w, "Strategy comparison by "+score)
	fmt.Fprintf(w, "%-4s %-20s %10s %10s %10s %8s %7s\n", "RANK", "STRATEGY", "SCORE", "RETURN", "MAX DD", "WIN", "TRADES")
	for i, row := range rows {
		if row.Error != "" {
			fmt.Fprintf(w, "%-4d %-20s failed: %s\n", i+1, row.Strategy, row.Error)
			continue
		}
		m := row.Metrics
		fmt.Fprintf(w, "%-4d %-20s %10s %10s %10s %8s %7d\n",
			i+1, row.Strategy, num(row.Score, 3), pct(m.TotalReturnPct), pct(m.MaxDrawdownPct), pct(m.WinRatePct), m.TradeCount)
	}
}
