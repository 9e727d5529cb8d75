package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/stratlab/internal/config"
	"github.com/sawpanic/stratlab/internal/strategy"
)

func newStrategiesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List registered strategies and their parameter spaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := strategy.DefaultRegistry()
			if opts.cfg.Overrides != "" {
				if err := strategy.LoadOverrides(opts.cfg.Overrides, registry); err != nil {
					return err
				}
			}
			infos := registry.Describe()
			return opts.emit(cmd, infos, func(w io.Writer) { printStrategies(w, infos) })
		},
	}
}

func printStrategies(w io.Writer, infos []strategy.Info) {
	for i, info := range infos {
		if i > 0 {
			fmt.Fprintln(w)
		}
		rule(w, info.Name)
		fmt.Fprintln(w, info.Description)
		fmt.Fprintf(w, "%-20s %-6s %-12s %12s %12s %12s\n", "PARAMETER", "KIND", "ROLE", "MIN", "MAX", "DEFAULT")
		for _, p := range info.Space {
			fmt.Fprintf(w, "%-20s %-6s %-12s %12s %12s %12s\n", p.Name, p.Kind, p.Role,
				num(p.Min, p.Precision), num(p.Max, p.Precision), num(p.Default, p.Precision))
		}
	}
}

const redacted = "<redacted>"

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or write the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (file, environment and flags applied)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.cfg.Validate(); err != nil {
				return err
			}
			shown := opts.cfg
			if shown.Store.DSN != "" {
				shown.Store.DSN = redacted
			}
			if shown.Cache.Redis.Password != "" {
				shown.Cache.Redis.Password = redacted
			}
			raw, err := yaml.Marshal(shown)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(raw)
			return err
		},
	})

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "stratlab.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.AddCommand(initCmd)
	return cmd
}
