// Package retry runs fallible operations with bounded exponential backoff and
// jitter, reporting every failed attempt as an Event.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	// DefaultMaxDelay caps the exponential part of the wait between attempts.
	DefaultMaxDelay = 60 * time.Second
	// DefaultJitterCeiling caps the random part of the wait between attempts.
	DefaultJitterCeiling = time.Second
)

// Event describes one failed attempt. Fatal is set only on the last attempt,
// after which the executor gives up.
type Event struct {
	Err       error
	Operation string
	Attempt   int
	Fatal     bool
	Time      time.Time
}

// Options configures an Executor.
type Options struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterCeiling time.Duration

	// OnFailure receives every failed attempt. It must not block.
	OnFailure func(Event)
	Logger    *slog.Logger

	// Jitter returns a value in [0, n). Defaults to math/rand/v2.
	Jitter func(n int64) int64
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BaseDelay < 0 {
		o.BaseDelay = 0
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.JitterCeiling < 0 {
		o.JitterCeiling = 0
	} else if o.JitterCeiling == 0 {
		o.JitterCeiling = DefaultJitterCeiling
	}
	if o.Jitter == nil {
		o.Jitter = rand.Int64N
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Executor retries operations according to its Options. It is safe for
// concurrent use.
type Executor struct {
	opts Options
}

// New builds an Executor.
func New(opts Options) *Executor {
	return &Executor{opts: opts.withDefaults()}
}

// MaxAttempts returns the configured attempt budget.
func (e *Executor) MaxAttempts() int { return e.opts.MaxAttempts }

// Backoff returns the deterministic part of the wait before the given
// attempt: min(MaxDelay, BaseDelay*2^(attempt-2)). The first attempt never
// waits.
func (e *Executor) Backoff(attempt int) time.Duration {
	if attempt < 2 || e.opts.BaseDelay == 0 {
		return 0
	}
	d := e.opts.BaseDelay
	for i := 2; i < attempt; i++ {
		if d >= e.opts.MaxDelay/2 {
			return e.opts.MaxDelay
		}
		d *= 2
	}
	return min(d, e.opts.MaxDelay)
}

// Delay returns Backoff(attempt) plus a uniform jitter in
// [0, min(JitterCeiling, BaseDelay/2)).
func (e *Executor) Delay(attempt int) time.Duration {
	d := e.Backoff(attempt)
	if attempt < 2 {
		return d
	}
	if span := min(e.opts.JitterCeiling, e.opts.BaseDelay/2); span > 0 {
		d += time.Duration(e.opts.Jitter(int64(span)))
	}
	return d
}

// Run calls fn until it succeeds or MaxAttempts is exhausted and returns the
// last error. Cancellation of ctx is checked before every attempt and while
// waiting; it ends the loop with ctx's error and is not reported as an Event.
func (e *Executor) Run(ctx context.Context, operation string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if werr := sleep(ctx, e.Delay(attempt)); werr != nil {
				return werr
			}
		} else if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
			return err
		}

		ev := Event{
			Err:       err,
			Operation: operation,
			Attempt:   attempt,
			Fatal:     attempt == e.opts.MaxAttempts,
			Time:      time.Now(),
		}
		e.report(ctx, ev)
	}
	return err
}

func (e *Executor) report(ctx context.Context, ev Event) {
	level := slog.LevelWarn
	if ev.Fatal {
		level = slog.LevelError
	}
	e.opts.Logger.LogAttrs(ctx, level, "retry: attempt failed",
		slog.String("op", ev.Operation),
		slog.Int("attempt", ev.Attempt),
		slog.Int("max_attempts", e.opts.MaxAttempts),
		slog.Bool("fatal", ev.Fatal),
		slog.Any("error", ev.Err),
	)
	if e.opts.OnFailure != nil {
		e.opts.OnFailure(ev)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
