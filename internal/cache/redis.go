package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stratlab/internal/infrastructure/breaker"
)

// Redis shares evaluations between processes. Calls go through a circuit
// breaker; a missing key is not counted as a failure.
type Redis struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	breaker *breaker.Breaker

	hits, misses, sets, errs atomic.Int64
}

// NewRedis wraps an existing client. b may be nil.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration, b *breaker.Breaker) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl, breaker: b}
}

// Get fetches key; errors are logged and reported as a miss
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	var value []byte
	found := false
	err := r.breaker.Do(func() error {
		v, err := r.client.Get(ctx, r.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	if err != nil {
		r.errs.Add(1)
		r.misses.Add(1)
		log.Debug().Err(err).Str("key", key).Msg("redis cache get failed")
		return nil, false
	}
	if !found {
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return value, true
}

// Set stores key with the configured TTL; errors are logged and dropped
func (r *Redis) Set(ctx context.Context, key string, value []byte) {
	err := r.breaker.Do(func() error {
		return r.client.Set(ctx, r.prefix+key, value, r.ttl).Err()
	})
	if err != nil {
		r.errs.Add(1)
		log.Debug().Err(err).Str("key", key).Msg("redis cache set failed")
		return
	}
	r.sets.Add(1)
}

// Stats returns a snapshot of cache counters
func (r *Redis) Stats() Stats {
	hits, misses := r.hits.Load(), r.misses.Load()
	return Stats{
		Backend: BackendRedis,
		Hits:    hits,
		Misses:  misses,
		Sets:    r.sets.Load(),
		Errors:  r.errs.Load(),
		HitRate: hitRate(hits, misses),
	}
}

// Close releases the client
func (r *Redis) Close() error {
	return r.client.Close()
}
