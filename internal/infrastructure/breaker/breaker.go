package breaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned while a breaker rejects calls
var ErrOpen = gobreaker.ErrOpenState

// Config describes when a breaker trips and how it recovers
type Config struct {
	Name                string        `yaml:"name" json:"name"`
	MaxRequests         uint32        `yaml:"max_requests" json:"max_requests"` // probes allowed while half-open
	Interval            time.Duration `yaml:"interval" json:"interval"`         // closed-state count reset period
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`           // open -> half-open delay
	ErrorRateThreshold  float64       `yaml:"error_rate_threshold" json:"error_rate_threshold"`
	MinRequests         uint32        `yaml:"min_requests" json:"min_requests"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures" json:"consecutive_failures"`
}

// DefaultConfig trips after 5 straight failures or a 50% error rate over
// at least 10 requests
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ErrorRateThreshold:  50,
		MinRequests:         10,
		ConsecutiveFailures: 5,
	}
}

// Breaker guards calls to one external dependency
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// Status is a snapshot of one breaker
type Status struct {
	Name                string  `json:"name"`
	State               string  `json:"state"`
	Requests            uint32  `json:"requests"`
	TotalFailures       uint32  `json:"total_failures"`
	ConsecutiveFailures uint32  `json:"consecutive_failures"`
	ErrorRate           float64 `json:"error_rate"`
}

// New creates a breaker
func New(cfg Config) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: tripCondition(cfg),
		OnStateChange: func(name string, from, to gobreaker.State) {
			ev := log.Warn()
			if to == gobreaker.StateClosed {
				ev = log.Info()
			}
			ev.Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
	return &Breaker{name: cfg.Name, cb: gobreaker.NewCircuitBreaker(settings)}
}

func tripCondition(cfg Config) func(counts gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
			return true
		}
		if cfg.ErrorRateThreshold > 0 && counts.Requests >= cfg.MinRequests && counts.Requests > 0 {
			rate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
			return rate >= cfg.ErrorRateThreshold
		}
		return false
	}
}

// Do runs fn through the breaker. A nil breaker runs fn directly.
func (b *Breaker) Do(fn func() error) error {
	if b == nil {
		return fn()
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// IsOpen reports whether err was a rejection by an open breaker
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Status returns the breaker's current counts
func (b *Breaker) Status() Status {
	counts := b.cb.Counts()
	var rate float64
	if counts.Requests > 0 {
		rate = float64(counts.TotalFailures) / float64(counts.Requests) * 100
	}
	return Status{
		Name:                b.name,
		State:               b.cb.State().String(),
		Requests:            counts.Requests,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		ErrorRate:           rate,
	}
}

// Manager hands out named breakers
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*Breaker)}
}

// Register creates or replaces the breaker for cfg.Name
func (m *Manager) Register(cfg Config) *Breaker {
	b := New(cfg)
	m.mu.Lock()
	m.breakers[cfg.Name] = b
	m.mu.Unlock()
	return b
}

// Get returns the named breaker, creating it with defaults when missing
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = New(DefaultConfig(name))
	m.breakers[name] = b
	return b
}

// Statuses returns every breaker's status sorted by name
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
