// Package dict implements a string-keyed in-memory container whose contents
// are mirrored to a backend.Backend.
//
// Reads and writes are served from memory. Mutations are counted by a batch
// manager that flushes a full snapshot in the background once BatchSize
// mutations have accumulated or BatchInterval has elapsed since the first
// unflushed one. Every backend call goes through a retry executor; failed
// attempts are published to subscribers as ErrorEvents. With a TTL set,
// entries idle for longer than the TTL are swept on access and deleted from
// the backend when it supports it.
//
// A Dict must be initialized before use and disposed when no longer needed.
// Dispose waits for outstanding background work and performs a final flush.
package dict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/adeilh/go-durable/backend"
	"github.com/adeilh/go-durable/batch"
	"github.com/adeilh/go-durable/evict"
	"github.com/adeilh/go-durable/internal/work"
	"github.com/adeilh/go-durable/metrics"
	"github.com/adeilh/go-durable/retry"
)

// Operation names carried by ErrorEvents and PersistenceErrors.
const (
	OpExists          = "exists"
	OpLoad            = "load"
	OpLoadLastUpdated = "load_last_updated"
	OpSave            = "save"
	OpEvict           = "evict"
	OpBackground      = "background"
)

const tracerName = "github.com/adeilh/go-durable/dict"

type state int32

const (
	stateUninitialized state = iota
	stateInitializing
	stateInitialized
	stateDisposed
)

// Dict is a durable map of string keys to values of type T. It is safe for
// concurrent use.
type Dict[T any] struct {
	name    string
	backend backend.Backend[T]
	opts    Options
	log     *slog.Logger
	metrics metrics.Metrics
	tracer  trace.Tracer

	// mu guards data and version. It is taken before the supervisor's own
	// lock and after flushMu.
	mu      sync.RWMutex
	data    map[string]T
	version uint64
	saved   atomic.Uint64

	state    atomic.Int32
	initOnce singleflight.Group
	flushMu  sync.Mutex

	batch   *batch.Manager
	retry   *retry.Executor
	evict   *evict.Supervisor
	deletes *rate.Limiter
	work    *work.Group
	stop    chan struct{}

	subMu   sync.RWMutex
	subs    map[uint64]func(ErrorEvent)
	nextSub uint64
}

// New creates an uninitialized Dict named name on top of b. Call Initialize
// before any other operation.
func New[T any](name string, b backend.Backend[T], opts ...Option) (*Dict[T], error) {
	if err := backend.ValidateName(name); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errors.New("dict: backend is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Dict[T]{
		name:    name,
		backend: b,
		opts:    o,
		metrics: o.Metrics,
		tracer:  otel.Tracer(tracerName),
		data:    make(map[string]T),
		stop:    make(chan struct{}),
		subs:    make(map[uint64]func(ErrorEvent)),
	}
	c.log = o.Logger.With(
		slog.String("container", name),
		slog.String("instance", uuid.NewString()),
	)
	for _, fn := range o.ErrorHandlers {
		c.Subscribe(fn)
	}

	c.work = work.New(func(err error) {
		c.publish(ErrorEvent{Err: err, Operation: OpBackground, Attempt: 1, Fatal: true, Time: time.Now()})
	})
	c.retry = retry.New(retry.Options{
		MaxAttempts: o.MaxRetryAttempts,
		BaseDelay:   o.RetryDelay,
		OnFailure:   c.publish,
		Logger:      c.log,
	})
	c.batch = batch.New(batch.Options{
		Size:     o.BatchSize,
		Interval: o.BatchInterval,
		Flush: func(ctx context.Context, trigger batch.Trigger, _ int) error {
			return c.flush(ctx, string(trigger))
		},
		Spawn:  c.work.Go,
		Logger: c.log,
	})
	if o.TTL > 0 {
		c.evict = evict.New(evict.Options{
			TTL:    o.TTL,
			Clock:  o.Clock,
			Lock:   &c.mu,
			Remove: c.removeExpiredLocked,
		})
		if o.EvictionDeleteRate > 0 {
			c.deletes = rate.NewLimiter(rate.Limit(o.EvictionDeleteRate), 1)
		}
	}
	return c, nil
}

// Name returns the container name.
func (c *Dict[T]) Name() string { return c.name }

// Initialized reports whether Initialize has completed successfully and the
// Dict has not been disposed.
func (c *Dict[T]) Initialized() bool {
	return state(c.state.Load()) == stateInitialized
}

// Initialize loads the container from the backend. Concurrent callers share
// one load; once it has succeeded further calls return immediately. A caller
// whose ctx ends stops waiting, but the shared load goes on for the others
// until it completes or the Dict is disposed.
//
// When the load fails and ThrowOnFailure is off, Initialize returns nil but
// the Dict stays uninitialized so that an empty map is never flushed over
// the stored data.
func (c *Dict[T]) Initialize(ctx context.Context) error {
	switch state(c.state.Load()) {
	case stateInitialized:
		return nil
	case stateDisposed:
		return ErrDisposed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	ch := c.initOnce.DoChan("init", func() (any, error) {
		ctx, cancel := c.detach(ctx)
		defer cancel()
		return nil, c.initialize(ctx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// detach returns a context that keeps ctx's values but is canceled only by
// Dispose or the returned cancel func.
func (c *Dict[T]) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (c *Dict[T]) initialize(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(stateUninitialized), int32(stateInitializing)) {
		if state(c.state.Load()) == stateDisposed {
			return ErrDisposed
		}
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "dict.Initialize", trace.WithAttributes(attribute.String("dict.container", c.name)))
	defer span.End()

	entries, updated, err := c.load(ctx)
	if err != nil {
		c.state.CompareAndSwap(int32(stateInitializing), int32(stateUninitialized))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.LogAttrs(ctx, slog.LevelError, "dict: initialize failed", slog.Any("error", err))
		return c.surface(ctx, OpLoad, err)
	}

	c.install(entries, updated)
	if !c.state.CompareAndSwap(int32(stateInitializing), int32(stateInitialized)) {
		return ErrDisposed
	}
	c.sweep(ctx)
	c.startSweeper()
	c.log.LogAttrs(ctx, slog.LevelInfo, "dict: initialized", slog.Int("entries", len(entries)))
	return nil
}

// install replaces the in-memory content with a freshly loaded snapshot. The
// new content matches the backend, so it is recorded as saved.
func (c *Dict[T]) install(entries map[string]T, updated map[string]time.Time) {
	c.mu.Lock()
	c.data = entries
	c.version++
	c.saved.Store(c.version)
	if c.evict != nil {
		c.evict.Seed(slices.Collect(maps.Keys(entries)), updated)
	}
	n := len(c.data)
	c.mu.Unlock()
	c.metrics.Entries(c.name, n)
}

// load reads the container, its per-key update times when eviction needs
// them, through the retry executor.
func (c *Dict[T]) load(ctx context.Context) (map[string]T, map[string]time.Time, error) {
	timer := c.metrics.LoadDuration(c.name)
	defer timer.ObserveDuration()

	var exists bool
	err := c.retry.Run(ctx, OpExists, func(ctx context.Context) error {
		var err error
		exists, err = c.backend.Exists(ctx, c.name)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	entries := make(map[string]T)
	if !exists {
		return entries, nil, nil
	}

	err = c.retry.Run(ctx, OpLoad, func(ctx context.Context) error {
		m, err := c.backend.Load(ctx, c.name)
		switch {
		case errors.Is(err, backend.ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		if m != nil {
			entries = m
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var updated map[string]time.Time
	if loader, ok := c.backend.(backend.LastUpdatedLoader); ok && c.evict != nil {
		err = c.retry.Run(ctx, OpLoadLastUpdated, func(ctx context.Context) error {
			m, err := loader.LoadLastUpdated(ctx, c.name)
			if errors.Is(err, backend.ErrNotFound) {
				return nil
			}
			updated = m
			return err
		})
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, nil, cerr
			}
			// Keys without a persisted time count as written now.
			c.log.LogAttrs(ctx, slog.LevelWarn, "dict: last-updated times unavailable", slog.Any("error", err))
			updated = nil
		}
	}
	return entries, updated, nil
}

// Reload discards the in-memory content and loads it again from the
// backend. Unflushed mutations are lost.
func (c *Dict[T]) Reload(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	ctx, span := c.tracer.Start(ctx, "dict.Reload", trace.WithAttributes(attribute.String("dict.container", c.name)))
	defer span.End()

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	entries, updated, err := c.load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.surface(ctx, OpLoad, err)
	}
	if err := c.ready(); err != nil {
		return err
	}
	c.install(entries, updated)
	c.sweep(ctx)
	return nil
}

// Get returns the value stored under key or ErrKeyNotFound.
func (c *Dict[T]) Get(key string) (T, error) {
	v, ok, err := c.TryGet(key)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return v, nil
}

// TryGet returns the value stored under key and whether it was present.
func (c *Dict[T]) TryGet(key string) (T, bool, error) {
	var zero T
	if err := c.ready(); err != nil {
		return zero, false, err
	}
	c.mu.RLock()
	v, ok := c.data[key]
	if ok && c.evict != nil {
		c.evict.TouchRead(key)
	}
	c.mu.RUnlock()

	c.sweep(context.Background())
	return v, ok, nil
}

// ContainsKey reports whether key is present. It does not count as a read.
func (c *Dict[T]) ContainsKey(key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return false, err
	}
	_, ok := c.data[key]
	return ok, nil
}

// Len returns the number of entries.
func (c *Dict[T]) Len() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return 0, err
	}
	return len(c.data), nil
}

// Keys returns the keys in no particular order.
func (c *Dict[T]) Keys() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return nil, err
	}
	return slices.Collect(maps.Keys(c.data)), nil
}

// Snapshot returns a copy of the current content.
func (c *Dict[T]) Snapshot() (map[string]T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return nil, err
	}
	return maps.Clone(c.data), nil
}

// Set stores value under key, replacing any previous value.
func (c *Dict[T]) Set(key string, value T) error {
	return c.mutate(key, func() error {
		c.data[key] = value
		return nil
	})
}

// Add stores value under key or returns ErrDuplicateKey if key is present.
func (c *Dict[T]) Add(key string, value T) error {
	return c.mutate(key, func() error {
		if _, ok := c.data[key]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		c.data[key] = value
		return nil
	})
}

// TryAdd stores value under key unless it is present and reports whether it
// did.
func (c *Dict[T]) TryAdd(key string, value T) (bool, error) {
	err := c.Add(key, value)
	if errors.Is(err, ErrDuplicateKey) {
		return false, nil
	}
	return err == nil, err
}

// Remove deletes key or returns ErrKeyNotFound.
func (c *Dict[T]) Remove(key string) error {
	return c.mutate(key, func() error {
		if _, ok := c.data[key]; !ok {
			return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
		}
		delete(c.data, key)
		return nil
	})
}

// TryRemove deletes key and reports whether it was present.
func (c *Dict[T]) TryRemove(key string) (bool, error) {
	err := c.Remove(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Clear removes every entry.
func (c *Dict[T]) Clear() error {
	if err := c.ready(); err != nil {
		return err
	}
	c.mu.Lock()
	if err := c.ready(); err != nil {
		c.mu.Unlock()
		return err
	}
	clear(c.data)
	c.version++
	if c.evict != nil {
		c.evict.Reset()
	}
	c.mu.Unlock()

	c.tracked(0)
	return nil
}

// mutate sweeps, then applies fn under the write lock. When fn succeeds the
// key's timestamps are refreshed, or dropped if fn removed it, and the
// mutation is counted towards the next flush.
func (c *Dict[T]) mutate(key string, fn func() error) error {
	if err := c.ready(); err != nil {
		return err
	}
	c.sweep(context.Background())

	c.mu.Lock()
	if err := c.ready(); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := fn(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.version++
	if c.evict != nil {
		if _, ok := c.data[key]; ok {
			c.evict.TouchWrite(key)
		} else {
			c.evict.Forget(key)
		}
	}
	n := len(c.data)
	c.mu.Unlock()

	c.tracked(n)
	return nil
}

func (c *Dict[T]) tracked(entries int) {
	c.batch.TrackMutation()
	c.metrics.Pending(c.name, c.batch.Pending())
	c.metrics.Entries(c.name, entries)
}

// Flush saves the current content now. It takes over the pending batch; if
// the save fails the batch is handed back so a later trigger retries it.
func (c *Dict[T]) Flush(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	taken := c.batch.Reset()
	if err := c.flush(ctx, "manual"); err != nil {
		c.batch.Restore(taken)
		return c.surface(ctx, OpSave, err)
	}
	c.metrics.Pending(c.name, c.batch.Pending())
	return nil
}

// flush snapshots the content and saves it through the retry executor.
// Flushes are serialized so that saves reach the backend in snapshot order.
func (c *Dict[T]) flush(ctx context.Context, trigger string) error {
	ctx, span := c.tracer.Start(ctx, "dict.Flush", trace.WithAttributes(
		attribute.String("dict.container", c.name),
		attribute.String("dict.trigger", trigger),
	))
	defer span.End()

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.RLock()
	snapshot := maps.Clone(c.data)
	version := c.version
	c.mu.RUnlock()
	if snapshot == nil {
		snapshot = make(map[string]T)
	}
	span.SetAttributes(attribute.Int("dict.entries", len(snapshot)))

	timer := c.metrics.FlushDuration(c.name, trigger)
	err := c.retry.Run(ctx, OpSave, func(ctx context.Context) error {
		return c.backend.Save(ctx, c.name, snapshot)
	})
	timer.ObserveDuration()
	c.metrics.FlushCompleted(c.name, trigger, err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.saved.Store(version)
	c.log.LogAttrs(ctx, slog.LevelDebug, "dict: flushed",
		slog.String("trigger", trigger),
		slog.Int("entries", len(snapshot)),
	)
	return nil
}

// Pending returns the number of mutations not yet handed to a flush.
func (c *Dict[T]) Pending() int { return c.batch.Pending() }

// Dirty reports whether the content has changed since it was last loaded or
// saved.
func (c *Dict[T]) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version != c.saved.Load()
}

// Dispose stops automatic flushes, waits for background work, saves any
// unflushed content and closes the backend unless it is shared. ctx bounds
// the wait; when it expires running work is canceled. Calling Dispose again
// is a no-op.
func (c *Dict[T]) Dispose(ctx context.Context) error {
	c.mu.Lock()
	prev := state(c.state.Swap(int32(stateDisposed)))
	c.mu.Unlock()
	if prev == stateDisposed {
		return nil
	}
	close(c.stop)

	pending := c.batch.Stop()
	var errs []error
	if err := c.work.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	switch {
	case prev != stateInitialized || (pending == 0 && !c.Dirty()):
	case ctx.Err() != nil:
		c.log.LogAttrs(ctx, slog.LevelError, "dict: final flush skipped", slog.Int("pending", pending))
	default:
		if err := c.flush(ctx, "dispose"); err != nil {
			if serr := c.surface(ctx, OpSave, err); serr != nil {
				errs = append(errs, serr)
			}
		}
	}
	c.work.Cancel()

	if !c.opts.SharedBackend {
		if err := c.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dict: close backend: %w", err))
		}
	}
	c.log.LogAttrs(ctx, slog.LevelInfo, "dict: disposed", slog.Int("pending", pending))
	return errors.Join(errs...)
}

// Close disposes the Dict without a deadline.
func (c *Dict[T]) Close() error {
	return c.Dispose(context.Background())
}

// ready reports whether the Dict accepts operations. Dispose switches state
// under mu, so a check made while holding mu stays valid until it is
// released.
func (c *Dict[T]) ready() error {
	return stateErr(state(c.state.Load()))
}

func stateErr(s state) error {
	switch s {
	case stateInitialized:
		return nil
	case stateDisposed:
		return ErrDisposed
	default:
		return ErrNotInitialized
	}
}

// surface turns an exhausted-retry failure into the error returned to a
// synchronous caller. Cancellation is always returned as is.
func (c *Dict[T]) surface(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
		return err
	}
	if !c.opts.ThrowOnFailure {
		return nil
	}
	return &PersistenceError{Op: op, Container: c.name, Err: err}
}
