package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/stratlab/internal/application"
	"github.com/sawpanic/stratlab/internal/cache"
	"github.com/sawpanic/stratlab/internal/config"
	"github.com/sawpanic/stratlab/internal/infrastructure/breaker"
	"github.com/sawpanic/stratlab/internal/infrastructure/db"
	"github.com/sawpanic/stratlab/internal/metrics"
	"github.com/sawpanic/stratlab/internal/strategy"
)

// runtime holds the collaborators one command invocation builds
type runtime struct {
	cfg      config.Config
	lab      *application.Lab
	metrics  *metrics.Registry
	breakers *breaker.Manager
	store    *db.Manager
	cache    cache.Cache
}

// newRuntime wires the lab from cfg: strategy overrides, fitness cache,
// result store and metrics
func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	registry := strategy.DefaultRegistry()
	if cfg.Overrides != "" {
		if err := strategy.LoadOverrides(cfg.Overrides, registry); err != nil {
			return nil, err
		}
		log.Info().Str("file", cfg.Overrides).Msg("Strategy overrides applied")
	}

	breakers := breaker.NewManager()
	fitnessCache, err := cache.New(ctx, cfg.Cache, breakers)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	store, err := db.NewManager(ctx, cfg.Store, breakers)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	reg := metrics.NewRegistry()
	lab, err := application.New(application.Options{
		Config:     cfg,
		Strategies: registry,
		Cache:      fitnessCache,
		Store:      store.Repository(),
		Metrics:    reg,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	reg.WatchCache(fitnessCache)
	reg.WatchPool(lab.Pool())

	log.Debug().
		Str("cache", cfg.Cache.Backend).
		Bool("store", store.IsEnabled()).
		Strs("strategies", registry.Names()).
		Msg("Lab ready")

	return &runtime{
		cfg:      cfg,
		lab:      lab,
		metrics:  reg,
		breakers: breakers,
		store:    store,
		cache:    fitnessCache,
	}, nil
}

// Close releases the store connection
func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close result store")
	}
}

// run builds the runtime from the loaded configuration and calls fn with a
// context cancelled on SIGINT or SIGTERM
func (o *globalOptions) run(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, o.cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}
