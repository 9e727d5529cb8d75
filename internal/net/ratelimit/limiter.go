package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands every client its own token bucket
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rps     float64 // tokens per second
	burst   int
	now     func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a per-client limiter. A non-positive rps disables
// limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*client),
		rps:     rps,
		burst:   burst,
		now:     time.Now,
	}
}

func (l *Limiter) get(key string) *client {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = l.now()
	return c
}

// Allow reports whether key may proceed now
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	return l.get(key).limiter.AllowN(l.now(), 1)
}

// RetryAfter estimates how long key must wait for its next token
func (l *Limiter) RetryAfter(key string) time.Duration {
	if l == nil || l.rps <= 0 {
		return 0
	}
	r := l.get(key).limiter.ReserveN(l.now(), 1)
	defer r.CancelAt(l.now())
	return r.DelayFrom(l.now())
}

// Prune drops clients idle for longer than idle and returns how many were
// removed
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	removed := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Stats describes one client bucket
type Stats struct {
	Client          string  `json:"client"`
	RPS             float64 `json:"rps"`
	Burst           int     `json:"burst"`
	TokensAvailable float64 `json:"tokens_available"`
}

// Stats returns a snapshot of every tracked client
func (l *Limiter) Stats() []Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Stats, 0, len(l.clients))
	for key, c := range l.clients {
		out = append(out, Stats{
			Client:          key,
			RPS:             float64(c.limiter.Limit()),
			Burst:           c.limiter.Burst(),
			TokensAvailable: c.limiter.TokensAt(l.now()),
		})
	}
	return out
}
