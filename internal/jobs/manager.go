package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the job has finished
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	ErrNotFound = errors.New("job not found")
	ErrFinished = errors.New("job already finished")
	ErrClosed   = errors.New("job manager is shut down")
)

// Job is a snapshot of a long-running optimize or validation task
type Job struct {
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	Strategy    string      `json:"strategy"`
	Status      Status      `json:"status"`
	Done        int         `json:"done"`
	Total       int         `json:"total"`
	Progress    float64     `json:"progress"`               // 0..1
	BestFitness *float64    `json:"best_fitness,omitempty"` // optimize jobs only
	Message     string      `json:"message,omitempty"`
	Error       string      `json:"error,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// Update is a progress report from a running job
type Update struct {
	Done        int
	Total       int
	Message     string
	BestFitness *float64
}

// Func performs the work. Partial results returned together with an error
// are kept on the job.
type Func func(ctx context.Context, report func(Update)) (interface{}, error)

// Recorder observes job lifecycle events
type Recorder interface {
	JobStarted()
	JobFinished(kind, status string)
}

type entry struct {
	job       Job
	cancel    context.CancelFunc
	subs      []chan Job
	cancelled bool
}

// Manager runs jobs in the background with a bound on how many run at once.
// Jobs over the bound wait in the pending state.
type Manager struct {
	mu       sync.Mutex
	jobs     map[string]*entry
	slots    chan struct{}
	recorder Recorder
	wg       sync.WaitGroup
	closed   bool
	now      func() time.Time
}

// NewManager creates a manager that runs at most maxActive jobs at once.
// recorder may be nil.
func NewManager(maxActive int, recorder Recorder) *Manager {
	if maxActive < 1 {
		maxActive = 1
	}
	return &Manager{
		jobs:     make(map[string]*entry),
		slots:    make(chan struct{}, maxActive),
		recorder: recorder,
		now:      time.Now,
	}
}

// Submit registers a job and starts it in the background
func (m *Manager) Submit(kind, strategy string, fn Func) (Job, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return Job{}, ErrClosed
	}
	e := &entry{
		job: Job{
			ID:        uuid.NewString(),
			Kind:      kind,
			Strategy:  strategy,
			Status:    StatusPending,
			CreatedAt: m.now(),
		},
		cancel: cancel,
	}
	m.jobs[e.job.ID] = e
	snapshot := e.job
	m.wg.Add(1)
	m.mu.Unlock()

	log.Info().Str("job", snapshot.ID).Str("kind", kind).Str("strategy", strategy).Msg("Job submitted")
	go m.run(ctx, e, fn)
	return snapshot, nil
}

func (m *Manager) run(ctx context.Context, e *entry, fn Func) {
	defer m.wg.Done()
	defer e.cancel()

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		m.finish(e, nil, ctx.Err())
		return
	}
	defer func() { <-m.slots }()

	m.update(e, func(j *Job) {
		now := m.now()
		j.Status = StatusRunning
		j.StartedAt = &now
	})
	if m.recorder != nil {
		m.recorder.JobStarted()
	}

	result, err := m.call(ctx, fn, e)
	m.finish(e, result, err)
}

// call runs fn and converts a panic into a job failure
func (m *Manager) call(ctx context.Context, fn Func, e *entry) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx, func(u Update) {
		m.update(e, func(j *Job) {
			j.Done, j.Total, j.Message = u.Done, u.Total, u.Message
			if u.Total > 0 {
				j.Progress = float64(u.Done) / float64(u.Total)
			}
			if u.BestFitness != nil {
				best := *u.BestFitness
				j.BestFitness = &best
			}
		})
	})
}

func (m *Manager) finish(e *entry, result interface{}, err error) {
	var started bool
	m.update(e, func(j *Job) {
		started = j.StartedAt != nil
		now := m.now()
		j.FinishedAt = &now
		j.Result = result
		switch {
		case err == nil:
			j.Status = StatusCompleted
			j.Progress = 1
		case errors.Is(err, context.Canceled) || e.cancelled:
			j.Status = StatusCancelled
			j.Error = err.Error()
		default:
			j.Status = StatusFailed
			j.Error = err.Error()
		}
	})

	m.mu.Lock()
	job := e.job
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	m.mu.Unlock()

	if m.recorder != nil && started {
		m.recorder.JobFinished(job.Kind, string(job.Status))
	}
	ev := log.Info()
	if job.Status == StatusFailed {
		ev = log.Warn().Str("error", job.Error)
	}
	ev.Str("job", job.ID).Str("kind", job.Kind).Str("status", string(job.Status)).Msg("Job finished")
}

// update applies fn under the lock and fans the new snapshot out to
// subscribers. Slow subscribers miss intermediate snapshots.
func (m *Manager) update(e *entry, fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&e.job)
	for _, ch := range e.subs {
		select {
		case ch <- e.job:
		default:
		}
	}
}

// Get returns a job snapshot
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return e.job, nil
}

// List returns all jobs, newest first
func (m *Manager) List() []Job {
	m.mu.Lock()
	out := make([]Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e.job)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel asks a job to stop. The job reaches the cancelled state once its
// function returns.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.job.Status.Terminal() {
		m.mu.Unlock()
		return ErrFinished
	}
	e.cancelled = true
	m.mu.Unlock()

	e.cancel()
	log.Info().Str("job", id).Msg("Job cancel requested")
	return nil
}

// Subscribe streams snapshots of a job until it finishes; the channel is
// closed after the terminal snapshot. The returned func unsubscribes.
func (m *Manager) Subscribe(id string) (<-chan Job, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	ch := make(chan Job, 16)
	ch <- e.job
	if e.job.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}
	e.subs = append(e.subs, ch)
	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range e.subs {
			if s == ch {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe, nil
}

// Cleanup removes finished jobs older than maxAge and returns how many were
// removed
func (m *Manager) Cleanup(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.jobs {
		if e.job.Status.Terminal() && e.job.FinishedAt != nil && e.job.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Cleaned up finished jobs")
	}
	return removed
}

// Shutdown cancels every job and waits for them to return or for ctx to
// expire
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, e := range m.jobs {
		if !e.job.Status.Terminal() {
			e.cancelled = true
			e.cancel()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
