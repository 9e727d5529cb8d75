package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("redis")
	cfg.ConsecutiveFailures = 3
	cfg.Timeout = time.Hour
	b := New(cfg)

	boom := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		assert.Equal(t, boom, b.Do(func() error { return boom }))
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	require.Error(t, err)
	assert.True(t, IsOpen(err))
	assert.False(t, called)
	assert.Equal(t, "open", b.Status().State)
}

func TestNilBreakerRunsDirectly(t *testing.T) {
	var b *Breaker
	called := false
	require.NoError(t, b.Do(func() error { called = true; return nil }))
	assert.True(t, called)
}

func TestManager(t *testing.T) {
	m := NewManager()
	a := m.Get("postgres")
	assert.Same(t, a, m.Get("postgres"))
	m.Register(DefaultConfig("redis"))

	st := m.Statuses()
	require.Len(t, st, 2)
	assert.Equal(t, "postgres", st[0].Name)
	assert.Equal(t, "closed", st[1].State)
}
