package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sawpanic/stratlab/internal/infrastructure/breaker"
)

// Backends
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Cache stores encoded evaluation results. Misses and backend failures both
// report false so callers simply recompute.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Stats() Stats
}

// Stats counts cache traffic
type Stats struct {
	Backend   string  `json:"backend"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Errors    int64   `json:"errors"`
	Evictions int64   `json:"evictions"`
	Items     int     `json:"items"`
	HitRate   float64 `json:"hit_rate"`
}

func hitRate(hits, misses int64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// RedisConfig locates the Redis server
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	DB       int    `yaml:"db" json:"db"`
	Password string `yaml:"password" json:"-"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// Config selects and sizes the cache backend
type Config struct {
	Backend    string        `yaml:"backend" json:"backend"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
	Redis      RedisConfig   `yaml:"redis" json:"redis"`
}

// DefaultConfig returns an in-memory cache of 50k entries kept for a day
func DefaultConfig() Config {
	return Config{
		Backend:    BackendMemory,
		TTL:        24 * time.Hour,
		MaxEntries: 50000,
		Redis:      RedisConfig{Addr: "localhost:6379", Prefix: "stratlab:fitness:"},
	}
}

// New builds the configured backend; BackendNone returns nil
func New(ctx context.Context, cfg Config, breakers *breaker.Manager) (Cache, error) {
	switch cfg.Backend {
	case BackendNone, "":
		return nil, nil
	case BackendMemory:
		return NewMemory(cfg.TTL, cfg.MaxEntries), nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		var b *breaker.Breaker
		if breakers != nil {
			b = breakers.Get("redis")
		}
		return NewRedis(client, cfg.Redis.Prefix, cfg.TTL, b), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
