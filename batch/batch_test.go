package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type flushCall struct {
	trigger Trigger
	pending int
}

type flushRecorder struct {
	mu    sync.Mutex
	calls []flushCall
	err   error
	ch    chan flushCall
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ch: make(chan flushCall, 16)}
}

func (r *flushRecorder) flush(_ context.Context, trigger Trigger, pending int) error {
	r.mu.Lock()
	r.calls = append(r.calls, flushCall{trigger, pending})
	err := r.err
	r.mu.Unlock()
	r.ch <- flushCall{trigger, pending}
	return err
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *flushRecorder) wait(t *testing.T) flushCall {
	t.Helper()
	select {
	case c := <-r.ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("flush was not triggered")
		return flushCall{}
	}
}

func TestSizeTriggersExactlyOneFlush(t *testing.T) {
	rec := newFlushRecorder()
	m := New(Options{Size: 3, Interval: 5 * time.Second, Flush: rec.flush})
	defer m.Stop()

	m.TrackMutation()
	m.TrackMutation()
	if got := m.Pending(); got != 2 {
		t.Fatalf("Pending() = %d, want 2", got)
	}
	if !m.Armed() {
		t.Fatalf("timer not armed after first mutation")
	}

	m.TrackMutation()
	call := rec.wait(t)
	if call.trigger != TriggerSize || call.pending != 3 {
		t.Fatalf("flush = %+v, want size trigger with 3 pending", call)
	}
	if got := m.Pending(); got != 0 {
		t.Fatalf("Pending() after flush = %d, want 0", got)
	}
	if m.Armed() {
		t.Fatalf("timer still armed after size flush")
	}

	time.Sleep(50 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Fatalf("flush count = %d, want 1", got)
	}
}

func TestIntervalTriggersFlush(t *testing.T) {
	rec := newFlushRecorder()
	m := New(Options{Size: 100, Interval: 40 * time.Millisecond, Flush: rec.flush})
	defer m.Stop()

	m.TrackMutation()
	m.TrackMutation()

	call := rec.wait(t)
	if call.trigger != TriggerInterval || call.pending != 2 {
		t.Fatalf("flush = %+v, want interval trigger with 2 pending", call)
	}

	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Fatalf("flush count = %d, want 1", got)
	}
}

func TestIntervalIsNotExtendedByLaterMutations(t *testing.T) {
	rec := newFlushRecorder()
	interval := 80 * time.Millisecond
	m := New(Options{Size: 1000, Interval: interval, Flush: rec.flush})
	defer m.Stop()

	start := time.Now()
	m.TrackMutation()
	stop := time.After(3 * interval)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var first flushCall
loop:
	for {
		select {
		case <-ticker.C:
			m.TrackMutation()
		case first = <-rec.ch:
			break loop
		case <-stop:
			t.Fatalf("sustained mutations postponed the flush past %v", 3*interval)
		}
	}
	if elapsed := time.Since(start); elapsed > 2*interval {
		t.Fatalf("first flush after %v, want within %v", elapsed, 2*interval)
	}
	if first.trigger != TriggerInterval {
		t.Fatalf("trigger = %q, want interval", first.trigger)
	}
}

func TestZeroIntervalDisablesTimer(t *testing.T) {
	rec := newFlushRecorder()
	m := New(Options{Size: 10, Flush: rec.flush})
	defer m.Stop()

	m.TrackMutation()
	if m.Armed() {
		t.Fatalf("timer armed with zero interval")
	}
	time.Sleep(30 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("flush count = %d, want 0", got)
	}
}

func TestFailedFlushRestoresPending(t *testing.T) {
	rec := newFlushRecorder()
	rec.err = errors.New("backend down")
	m := New(Options{Size: 2, Flush: rec.flush})
	defer m.Stop()

	m.TrackMutation()
	m.TrackMutation()
	rec.wait(t)

	deadline := time.Now().Add(time.Second)
	for m.Pending() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Pending() = %d after failed flush, want 2", m.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFailingFlushBacksOff(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []time.Time
	)
	fail := func(context.Context, Trigger, int) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, time.Now())
		return errors.New("backend down")
	}
	m := New(Options{Size: 100, Interval: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, Flush: fail})
	defer m.Stop()

	m.TrackMutation()
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(calls)
		mu.Unlock()
		if n >= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d flush attempts, want 5", n)
		}
		time.Sleep(time.Millisecond)
	}
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	// Delays after the 1st, 2nd, 3rd and 4th failure: 5ms, 10ms, 20ms, 20ms.
	want := []time.Duration{5, 10, 20, 20}
	for i, w := range want {
		if gap := calls[i+1].Sub(calls[i]); gap < w*time.Millisecond {
			t.Fatalf("gap before attempt %d = %v, want at least %v", i+2, gap, w*time.Millisecond)
		}
	}
	if got := m.Failures(); got < 4 {
		t.Fatalf("Failures() = %d, want at least 4", got)
	}
}

func TestSuccessfulFlushClearsFailures(t *testing.T) {
	var fails atomic.Int32
	fails.Store(2)
	done := make(chan struct{}, 8)
	flush := func(context.Context, Trigger, int) error {
		defer func() { done <- struct{}{} }()
		if fails.Add(-1) >= 0 {
			return errors.New("backend down")
		}
		return nil
	}
	m := New(Options{Size: 100, Interval: time.Millisecond, Flush: flush})
	defer m.Stop()

	m.TrackMutation()
	for range 3 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("flush was not retried")
		}
	}
	deadline := time.Now().Add(time.Second)
	for m.Failures() != 0 || m.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Failures() = %d, Pending() = %d after recovery", m.Failures(), m.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestResetTakesBatch(t *testing.T) {
	rec := newFlushRecorder()
	m := New(Options{Size: 10, Interval: time.Hour, Flush: rec.flush})
	defer m.Stop()

	m.TrackMutation()
	m.TrackMutation()
	if got := m.Reset(); got != 2 {
		t.Fatalf("Reset() = %d, want 2", got)
	}
	if m.Armed() || m.Pending() != 0 {
		t.Fatalf("Reset() left armed=%v pending=%d", m.Armed(), m.Pending())
	}
}

func TestStopCancelsTimer(t *testing.T) {
	rec := newFlushRecorder()
	m := New(Options{Size: 10, Interval: 20 * time.Millisecond, Flush: rec.flush})

	m.TrackMutation()
	if got := m.Stop(); got != 1 {
		t.Fatalf("Stop() = %d, want 1", got)
	}
	time.Sleep(60 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("flush count = %d after Stop, want 0", got)
	}
}

func TestRejectedSpawnRestoresPending(t *testing.T) {
	rec := newFlushRecorder()
	m := New(Options{
		Size:  1,
		Flush: rec.flush,
		Spawn: func(func(context.Context)) bool { return false },
	})
	defer m.Stop()

	m.TrackMutation()
	if got := m.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}
}

func TestConcurrentTrackMutation(t *testing.T) {
	var (
		mu    sync.Mutex
		total int
	)
	flushed := make(chan struct{}, 1000)
	m := New(Options{Size: 10, Flush: func(_ context.Context, _ Trigger, n int) error {
		mu.Lock()
		total += n
		mu.Unlock()
		flushed <- struct{}{}
		return nil
	}})
	defer m.Stop()

	const workers, per = 10, 100
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range per {
				m.TrackMutation()
			}
		}()
	}
	wg.Wait()

	for range workers * per / 10 {
		select {
		case <-flushed:
		case <-time.After(2 * time.Second):
			t.Fatalf("missing flushes")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if total != workers*per {
		t.Fatalf("flushed %d mutations, want %d", total, workers*per)
	}
}
