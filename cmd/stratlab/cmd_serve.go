package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/sawpanic/stratlab/internal/interfaces/http"
	"github.com/sawpanic/stratlab/internal/jobs"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API with background jobs",
		Long: `Starts the HTTP API: synchronous backtests, comparisons and Monte Carlo runs,
optimize and validation jobs with progress over websocket, /health and
/metrics. Binds to 127.0.0.1 unless --host says otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("host") {
				opts.cfg.Server.Host, _ = flags.GetString("host")
			}
			if flags.Changed("port") {
				opts.cfg.Server.Port, _ = flags.GetInt("port")
			}
			if flags.Changed("max-jobs") {
				opts.cfg.Server.MaxActiveJobs, _ = flags.GetInt("max-jobs")
			}
			return opts.run(cmd, serve)
		},
	}
	cmd.Flags().String("host", "", "Listen address; overrides config")
	cmd.Flags().Int("port", 0, "Listen port; overrides config and HTTP_PORT")
	cmd.Flags().Int("max-jobs", 0, "Jobs running at once; overrides config")
	return cmd
}

// serve runs the API until ctx is cancelled, then drains it
func serve(ctx context.Context, rt *runtime) error {
	manager := jobs.NewManager(rt.cfg.Server.MaxActiveJobs, rt.metrics)
	server, err := httpapi.NewServer(rt.cfg.Server, httpapi.Deps{
		Lab:      rt.lab,
		Jobs:     manager,
		Metrics:  rt.metrics,
		Store:    rt.store.Health(),
		Breakers: rt.breakers,
		Version:  version,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Info().
		Str("addr", server.Address()).
		Str("cache", rt.cfg.Cache.Backend).
		Bool("store", rt.store.IsEnabled()).
		Int("max_jobs", rt.cfg.Server.MaxActiveJobs).
		Msg("stratlab API ready")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown did not complete cleanly")
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}
