package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
}

func (r *recorder) JobStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recorder) JobFinished(kind, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished == nil {
		r.finished = make(map[string]int)
	}
	r.finished[kind+"/"+status]++
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished[key]
}

func waitStatus(t *testing.T, m *Manager, id string, want Status) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = m.Get(id)
		return err == nil && job.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestSubmitCompletes(t *testing.T) {
	rec := &recorder{}
	m := NewManager(2, rec)

	job, err := m.Submit("optimize", "ema_cross", func(ctx context.Context, report func(Update)) (interface{}, error) {
		report(Update{Done: 1, Total: 2})
		report(Update{Done: 2, Total: 2})
		return map[string]float64{"fitness": 0.4}, nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "optimize", job.Kind)

	done := waitStatus(t, m, job.ID, StatusCompleted)
	assert.Equal(t, 1.0, done.Progress)
	assert.Equal(t, 2, done.Done)
	assert.Equal(t, map[string]float64{"fitness": 0.4}, done.Result)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
	assert.Equal(t, 1, rec.count("optimize/completed"))
}

func TestUpdateCarriesBestFitness(t *testing.T) {
	m := NewManager(1, nil)
	release := make(chan struct{})
	first, second := 0.25, 0.4

	job, err := m.Submit("optimize", "ema_cross", func(ctx context.Context, report func(Update)) (interface{}, error) {
		report(Update{Done: 1, Total: 3, BestFitness: &first})
		report(Update{Done: 2, Total: 3, BestFitness: &second})
		report(Update{Done: 2, Total: 3, Message: "breeding"})
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	var running Job
	require.Eventually(t, func() bool {
		running, _ = m.Get(job.ID)
		return running.Message == "breeding"
	}, 2*time.Second, 5*time.Millisecond)
	require.NotNil(t, running.BestFitness)
	assert.Equal(t, 0.4, *running.BestFitness, "an update without fitness keeps the last one")

	second = -1
	again, _ := m.Get(job.ID)
	assert.Equal(t, 0.4, *again.BestFitness, "snapshots do not alias the reporter's value")

	close(release)
	waitStatus(t, m, job.ID, StatusCompleted)

	plain, err := m.Submit("walkforward", "ema_cross", func(ctx context.Context, report func(Update)) (interface{}, error) {
		report(Update{Done: 1, Total: 1})
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, waitStatus(t, m, plain.ID, StatusCompleted).BestFitness)
}

func TestSubmitFailureKeepsPartialResult(t *testing.T) {
	m := NewManager(1, nil)
	job, err := m.Submit("walk_forward", "ema_cross", func(ctx context.Context, report func(Update)) (interface{}, error) {
		return "partial", errors.New("window 3 failed")
	})
	require.NoError(t, err)

	done := waitStatus(t, m, job.ID, StatusFailed)
	assert.Equal(t, "window 3 failed", done.Error)
	assert.Equal(t, "partial", done.Result)
}

func TestPanicBecomesFailure(t *testing.T) {
	m := NewManager(1, nil)
	job, err := m.Submit("kfold", "ema_cross", func(ctx context.Context, report func(Update)) (interface{}, error) {
		panic("boom")
	})
	require.NoError(t, err)

	done := waitStatus(t, m, job.ID, StatusFailed)
	assert.Contains(t, done.Error, "boom")
}

func TestCancelRunningJob(t *testing.T) {
	rec := &recorder{}
	m := NewManager(1, rec)
	started := make(chan struct{})

	job, err := m.Submit("optimize", "ema_cross", func(ctx context.Context, report func(Update)) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return "best so far", ctx.Err()
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, m.Cancel(job.ID))
	done := waitStatus(t, m, job.ID, StatusCancelled)
	assert.Equal(t, "best so far", done.Result)
	assert.Equal(t, 1, rec.count("optimize/cancelled"))

	assert.ErrorIs(t, m.Cancel(job.ID), ErrFinished)
	assert.ErrorIs(t, m.Cancel("missing"), ErrNotFound)
}

func TestMaxActiveQueuesJobs(t *testing.T) {
	m := NewManager(1, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	first, err := m.Submit("optimize", "a", func(ctx context.Context, report func(Update)) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	second, err := m.Submit("optimize", "b", func(ctx context.Context, report func(Update)) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	pending, err := m.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)

	close(release)
	waitStatus(t, m, first.ID, StatusCompleted)
	waitStatus(t, m, second.ID, StatusCompleted)
}

func TestCancelPendingJob(t *testing.T) {
	rec := &recorder{}
	m := NewManager(1, rec)
	release := make(chan struct{})
	started := make(chan struct{})

	_, err := m.Submit("optimize", "a", func(ctx context.Context, report func(Update)) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	queued, err := m.Submit("optimize", "b", func(ctx context.Context, report func(Update)) (interface{}, error) {
		t.Error("cancelled job must not run")
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(queued.ID))

	done := waitStatus(t, m, queued.ID, StatusCancelled)
	assert.Nil(t, done.StartedAt)
	close(release)
	assert.Equal(t, 0, rec.count("optimize/cancelled"))
}

func TestSubscribeStreamsUntilFinished(t *testing.T) {
	m := NewManager(1, nil)
	proceed := make(chan struct{})

	job, err := m.Submit("monte_carlo", "ema_cross", func(ctx context.Context, report func(Update)) (interface{}, error) {
		<-proceed
		report(Update{Done: 50, Total: 100})
		return 42, nil
	})
	require.NoError(t, err)

	ch, unsubscribe, err := m.Subscribe(job.ID)
	require.NoError(t, err)
	defer unsubscribe()
	close(proceed)

	var last Job
	for snap := range ch {
		last = snap
	}
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 42, last.Result)

	// finished jobs yield one snapshot and a closed channel
	ch, _, err = m.Subscribe(job.ID)
	require.NoError(t, err)
	snap, ok := <-ch
	assert.True(t, ok)
	assert.Equal(t, StatusCompleted, snap.Status)
	_, ok = <-ch
	assert.False(t, ok)

	_, _, err = m.Subscribe("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndCleanup(t *testing.T) {
	m := NewManager(2, nil)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	a, err := m.Submit("backtest", "a", func(ctx context.Context, report func(Update)) (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	waitStatus(t, m, a.ID, StatusCompleted)

	m.now = func() time.Time { return now.Add(time.Hour) }
	b, err := m.Submit("backtest", "b", func(ctx context.Context, report func(Update)) (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	waitStatus(t, m, b.ID, StatusCompleted)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)

	m.now = func() time.Time { return now.Add(90 * time.Minute) }
	assert.Equal(t, 1, m.Cleanup(time.Hour))
	_, err = m.Get(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(b.ID)
	assert.NoError(t, err)
}

func TestShutdownCancelsAndRejects(t *testing.T) {
	m := NewManager(1, nil)
	started := make(chan struct{})
	job, err := m.Submit("optimize", "a", func(ctx context.Context, report func(Update)) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	got, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = m.Submit("optimize", "b", func(ctx context.Context, report func(Update)) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)
}
