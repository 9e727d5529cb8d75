package log

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ProgressLogger reports done/total counts for long-running work. Lines are
// throttled to one per interval; the first and the final update always log.
type ProgressLogger struct {
	mu        sync.Mutex
	name      string
	total     int
	startTime time.Time
	sometimes rate.Sometimes
	logger    zerolog.Logger
	now       func() time.Time
	values    map[string]float64
}

// NewProgressLogger creates a logger for total units of work
func NewProgressLogger(name string, total int, interval time.Duration) *ProgressLogger {
	return &ProgressLogger{
		name:      name,
		total:     total,
		startTime: time.Now(),
		sometimes: rate.Sometimes{First: 1, Interval: interval},
		logger:    log.Logger,
		now:       time.Now,
	}
}

// Update records progress; it is safe for concurrent use
func (p *ProgressLogger) Update(done int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if done >= p.total {
		p.emit(done)
		return
	}
	p.sometimes.Do(func() { p.emit(done) })
}

// SetValue attaches a named figure, such as the best score so far, to the
// following progress lines
func (p *ProgressLogger) SetValue(key string, v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.values == nil {
		p.values = make(map[string]float64)
	}
	p.values[key] = v
}

// UpdateFunc adapts Update to callbacks that also report a total
func (p *ProgressLogger) UpdateFunc() func(done, total int) {
	return func(done, total int) {
		p.mu.Lock()
		p.total = total
		p.mu.Unlock()
		p.Update(done)
	}
}

func (p *ProgressLogger) emit(done int) {
	elapsed := p.now().Sub(p.startTime)
	ev := p.logger.Info().
		Str("task", p.name).
		Int("done", done).
		Int("total", p.total).
		Dur("elapsed", elapsed)
	if eta, ok := ETA(done, p.total, elapsed); ok {
		ev = ev.Dur("eta", eta)
	}
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev = ev.Float64(k, p.values[k])
	}
	ev.Msg("Progress")
}

// Finish logs completion with the total duration
func (p *ProgressLogger) Finish() {
	p.logger.Info().
		Str("task", p.name).
		Int("total", p.total).
		Dur("duration", p.now().Sub(p.startTime).Round(time.Millisecond)).
		Msg("Completed")
}

// ETA extrapolates the remaining time from the average rate so far
func ETA(done, total int, elapsed time.Duration) (time.Duration, bool) {
	if done <= 0 || total <= 0 || done >= total || elapsed <= 0 {
		return 0, false
	}
	perUnit := elapsed / time.Duration(done)
	eta := perUnit * time.Duration(total-done)
	if eta > time.Hour {
		return eta.Round(time.Minute), true
	}
	return eta.Round(time.Second), true
}

// Bar renders a fixed-width text progress bar such as
// "[█████░░░░░] 5/10 (50.0%)"
func Bar(done, total, width int) string {
	if total <= 0 {
		return fmt.Sprintf("(%d)", done)
	}
	if done > total {
		done = total
	}
	filled := width * done / total
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.Repeat("█", filled))
	b.WriteString(strings.Repeat("░", width-filled))
	fmt.Fprintf(&b, "] %d/%d (%.1f%%)", done, total, float64(done)/float64(total)*100)
	return b.String()
}
