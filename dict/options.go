package dict

import (
	"log/slog"
	"time"

	"github.com/adeilh/go-durable/metrics"
)

// Options controls batching, retries and eviction of a Dict. They are fixed
// once New returns.
type Options struct {
	// BatchSize is the number of mutations that triggers a flush.
	BatchSize int
	// BatchInterval bounds how long a mutation stays unflushed. Zero
	// disables timer-based flushes.
	BatchInterval time.Duration
	// MaxRetryAttempts is the number of times a backend call is tried.
	MaxRetryAttempts int
	// RetryDelay is the base of the exponential backoff.
	RetryDelay time.Duration
	// ThrowOnFailure makes Initialize, Flush, Reload and Dispose return a
	// *PersistenceError once retries are exhausted. Otherwise the failure is
	// only reported to subscribers.
	ThrowOnFailure bool

	// TTL evicts entries not read or written for longer than this. Zero
	// disables eviction.
	TTL time.Duration
	// SweepInterval runs a periodic sweep in addition to the ones triggered
	// by access. Zero disables it.
	SweepInterval time.Duration
	// EvictionDeleteRate limits backend delete requests issued for evicted
	// keys, per second. Zero means unlimited.
	EvictionDeleteRate float64

	// SharedBackend leaves the backend open on Dispose.
	SharedBackend bool

	Logger        *slog.Logger
	Metrics       metrics.Metrics
	Clock         func() time.Time
	ErrorHandlers []func(ErrorEvent)
}

type Option func(*Options)

func defaultOptions() Options {
	return Options{
		BatchSize:        100,
		BatchInterval:    5 * time.Second,
		MaxRetryAttempts: 3,
		RetryDelay:       200 * time.Millisecond,
		Logger:           slog.New(slog.DiscardHandler),
		Metrics:          metrics.Nop(),
		Clock:            time.Now,
	}
}

// WithBatchSize sets the number of mutations that triggers a flush.
func WithBatchSize(n int) Option {
	return func(o *Options) {
		if n >= 1 {
			o.BatchSize = n
		}
	}
}

// WithBatchInterval sets the maximum time a mutation waits for a flush. Zero
// disables the timer.
func WithBatchInterval(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.BatchInterval = d
		}
	}
}

// WithRetry sets the attempt budget and base delay for backend calls.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(o *Options) {
		if attempts >= 1 {
			o.MaxRetryAttempts = attempts
		}
		if delay >= 0 {
			o.RetryDelay = delay
		}
	}
}

// WithThrowOnFailure controls whether exhausted retries are returned to
// synchronous callers.
func WithThrowOnFailure(v bool) Option {
	return func(o *Options) {
		o.ThrowOnFailure = v
	}
}

// WithTTL enables idle eviction.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.TTL = ttl
		}
	}
}

// WithSweepInterval adds a periodic sweep on top of access-driven ones.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.SweepInterval = d
		}
	}
}

// WithEvictionDeleteRate limits backend deletes issued for evicted keys.
func WithEvictionDeleteRate(perSecond float64) Option {
	return func(o *Options) {
		if perSecond > 0 {
			o.EvictionDeleteRate = perSecond
		}
	}
}

// WithSharedBackend keeps the backend open when the Dict is disposed.
func WithSharedBackend() Option {
	return func(o *Options) {
		o.SharedBackend = true
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metrics) Option {
	return func(o *Options) {
		if m != nil {
			o.Metrics = m
		}
	}
}

// WithClock overrides the time source used for eviction.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Clock = now
		}
	}
}

// WithErrorHandler subscribes fn to error events from construction on.
func WithErrorHandler(fn func(ErrorEvent)) Option {
	return func(o *Options) {
		if fn != nil {
			o.ErrorHandlers = append(o.ErrorHandlers, fn)
		}
	}
}
