// Package batch coalesces mutations into flushes triggered by count or time.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Trigger names what caused a flush.
type Trigger string

const (
	TriggerSize     Trigger = "size"
	TriggerInterval Trigger = "interval"
)

// FlushFunc persists the current state. pending is the number of mutations
// the flush covers.
type FlushFunc func(ctx context.Context, trigger Trigger, pending int) error

// Options configures a Manager.
type Options struct {
	// Size is the number of mutations that triggers an immediate flush.
	Size int
	// Interval bounds how long a mutation may stay unflushed. Zero disables
	// timer-based flushing.
	Interval time.Duration
	// MaxBackoff caps the delay before a failed background flush is tried
	// again. Each consecutive failure doubles Interval up to this limit.
	// Defaults to 32 times Interval.
	MaxBackoff time.Duration

	Flush FlushFunc
	// Spawn runs background work and reports whether it was accepted.
	// Defaults to a plain goroutine.
	Spawn  func(func(ctx context.Context)) bool
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Size < 1 {
		o.Size = 1
	}
	if o.Interval < 0 {
		o.Interval = 0
	}
	if o.MaxBackoff < o.Interval {
		o.MaxBackoff = 32 * o.Interval
	}
	if o.Spawn == nil {
		o.Spawn = func(fn func(context.Context)) bool {
			go fn(context.Background())
			return true
		}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Manager counts pending mutations and launches flushes.
//
// The timer is armed by the first mutation of a window and is not pushed
// back by later ones, so a mutation is flushed at most Interval after it
// was tracked even under sustained load.
type Manager struct {
	opts Options

	mu      sync.Mutex
	pending int
	timer   *time.Timer
	gen     uint64
	stopped bool
	// failures counts background flushes that failed in a row.
	failures int
}

// New builds a Manager. opts.Flush must be set.
func New(opts Options) *Manager {
	return &Manager{opts: opts.withDefaults()}
}

// TrackMutation records one mutation and launches a flush when the batch is
// full. It never blocks on I/O and never returns flush failures.
func (m *Manager) TrackMutation() {
	m.mu.Lock()
	if m.stopped {
		m.pending++
		m.mu.Unlock()
		return
	}
	m.pending++
	if m.pending >= m.opts.Size {
		n := m.pending
		m.pending = 0
		m.disarmLocked()
		m.mu.Unlock()
		m.launch(TriggerSize, n)
		return
	}
	if m.timer == nil {
		m.armLocked(m.opts.Interval)
	}
	m.mu.Unlock()
}

// Pending returns the number of mutations not yet handed to a flush.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Armed reports whether the interval timer is running.
func (m *Manager) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Reset hands the pending batch to a caller that flushes it itself. It
// returns the number of mutations taken and disarms the timer.
func (m *Manager) Reset() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.pending
	m.pending = 0
	m.disarmLocked()
	return n
}

// Failures returns the number of background flushes that have failed since
// the last one that succeeded.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Restore gives back n mutations whose flush failed so they are retried on
// the next trigger.
func (m *Manager) Restore(n int) {
	m.restore(n, m.opts.Interval)
}

func (m *Manager) restore(n int, delay time.Duration) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending += n
	if !m.stopped && m.timer == nil {
		m.armLocked(delay)
	}
}

// backoffLocked returns the delay before retrying after the current run of
// failures.
func (m *Manager) backoffLocked() time.Duration {
	d := m.opts.Interval
	for i := 1; i < m.failures && d < m.opts.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, m.opts.MaxBackoff)
}

// Stop disarms the timer and prevents further automatic flushes. It returns
// the number of mutations still pending.
func (m *Manager) Stop() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.disarmLocked()
	return m.pending
}

func (m *Manager) armLocked(d time.Duration) {
	if d <= 0 {
		return
	}
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(d, func() { m.elapsed(gen) })
}

func (m *Manager) disarmLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}

func (m *Manager) elapsed(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	n := m.pending
	m.pending = 0
	m.mu.Unlock()

	if n == 0 {
		return
	}
	m.launch(TriggerInterval, n)
}

func (m *Manager) launch(trigger Trigger, n int) {
	accepted := m.opts.Spawn(func(ctx context.Context) {
		err := m.opts.Flush(ctx, trigger, n)
		m.mu.Lock()
		if err == nil {
			m.failures = 0
			m.mu.Unlock()
			return
		}
		m.failures++
		delay, failures := m.backoffLocked(), m.failures
		m.mu.Unlock()

		m.opts.Logger.LogAttrs(ctx, slog.LevelError, "batch: flush failed",
			slog.String("trigger", string(trigger)),
			slog.Int("pending", n),
			slog.Int("failures", failures),
			slog.Duration("retry_in", delay),
			slog.Any("error", err),
		)
		m.restore(n, delay)
	})
	if !accepted {
		m.Restore(n)
	}
}
