package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/stratlab/internal/backtest"
	"github.com/sawpanic/stratlab/internal/cache"
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/infrastructure/db"
	"github.com/sawpanic/stratlab/internal/optimize"
	"github.com/sawpanic/stratlab/internal/regime"
	"github.com/sawpanic/stratlab/internal/validation"
)

// Config is the complete stratlab configuration
type Config struct {
	Backtest    backtest.Config              `yaml:"backtest"`
	Optimizer   optimize.Config              `yaml:"optimizer"`
	WalkForward validation.WalkForwardConfig `yaml:"walk_forward"`
	KFold       validation.KFoldConfig       `yaml:"kfold"`
	MonteCarlo  validation.MonteCarloConfig  `yaml:"monte_carlo"`
	Regime      regime.DetectorConfig        `yaml:"regime"`
	Stability   validation.StabilityPolicy   `yaml:"stability"`
	Cache       cache.Config                 `yaml:"cache"`
	Store       db.Config                    `yaml:"store"`
	Server      ServerConfig                 `yaml:"server"`
	Log         LogConfig                    `yaml:"log"`

	// Overrides names a strategy parameter-space override file
	Overrides string `yaml:"overrides"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxActiveJobs  int           `yaml:"max_active_jobs"`
	JobRetention   time.Duration `yaml:"job_retention"`
	SubmitRate     float64       `yaml:"submit_rate"` // job submissions per second
	SubmitBurst    int           `yaml:"submit_burst"`
}

// LogConfig selects log verbosity and output format
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto | console | json
}

// Default returns a configuration with every value populated
func Default() Config {
	return Config{
		Backtest:    backtest.DefaultConfig(),
		Optimizer:   optimize.DefaultConfig(),
		WalkForward: validation.DefaultWalkForwardConfig(),
		KFold:       validation.DefaultKFoldConfig(),
		MonteCarlo:  validation.DefaultMonteCarloConfig(),
		Regime:      regime.DefaultDetectorConfig(),
		Stability:   validation.DefaultStabilityPolicy(),
		Cache:       cache.DefaultConfig(),
		Store:       db.DefaultConfig(),
		Server: ServerConfig{
			Host:           "127.0.0.1", // local-only by default
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			IdleTimeout:    120 * time.Second,
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxActiveJobs:  4,
			JobRetention:   24 * time.Hour,
			SubmitRate:     1,
			SubmitBurst:    5,
		},
		Log: LogConfig{Level: "info", Format: "auto"},
	}
}

// Load overlays the YAML file at path onto Default. A missing path is not
// an error; the defaults are returned as they are.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, domain.NewConfigurationError("failed to parse config file %s: %v", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv applies REDIS_ADDR, PG_*, HTTP_PORT and LOG_LEVEL overrides
func (c *Config) ApplyEnv() {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Cache.Redis.Addr = addr
		c.Cache.Backend = cache.BackendRedis
	}
	c.Store.ApplyEnv()
	if portStr := os.Getenv("HTTP_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			c.Server.Port = p
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// Validate checks every section
func (c Config) Validate() error {
	if err := c.Backtest.Validate(); err != nil {
		return fmt.Errorf("backtest: %w", err)
	}
	if err := c.Optimizer.Validate(); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}
	if err := c.WalkForward.Validate(); err != nil {
		return fmt.Errorf("walk_forward: %w", err)
	}
	if err := c.KFold.Validate(); err != nil {
		return fmt.Errorf("kfold: %w", err)
	}
	if err := c.MonteCarlo.Validate(); err != nil {
		return fmt.Errorf("monte_carlo: %w", err)
	}
	if err := c.Regime.Validate(); err != nil {
		return fmt.Errorf("regime: %w", err)
	}
	if err := c.Stability.Validate(); err != nil {
		return fmt.Errorf("stability: %w", err)
	}
	switch c.Cache.Backend {
	case cache.BackendNone, cache.BackendMemory, cache.BackendRedis, "":
	default:
		return domain.NewConfigurationError("cache: unknown backend %q", c.Cache.Backend)
	}
	if err := c.Store.Validate(); err != nil {
		return domain.NewConfigurationError("store: %v", err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return domain.NewConfigurationError("server: port %d out of range", c.Server.Port)
	}
	if c.Server.MaxActiveJobs < 1 {
		return domain.NewConfigurationError("server: max_active_jobs must be positive")
	}
	if c.Server.SubmitRate <= 0 || c.Server.SubmitBurst < 1 {
		return domain.NewConfigurationError("server: submit_rate and submit_burst must be positive")
	}
	switch c.Log.Format {
	case "auto", "console", "json", "":
	default:
		return domain.NewConfigurationError("log: unknown format %q", c.Log.Format)
	}
	return nil
}
