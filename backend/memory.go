package backend

import (
	"context"
	"maps"
	"reflect"
	"sync"
	"time"
)

// Stats counts the calls a Memory backend has served.
type Stats struct {
	Exists, Load, LoadLastUpdated, Save, Delete int
}

type memContainer[T any] struct {
	entries map[string]T
	updated map[string]time.Time
}

// Memory keeps snapshots in process memory. It is safe for concurrent use
// and is mostly useful in tests and as a stand-in while wiring a real store.
type Memory[T any] struct {
	mu         sync.RWMutex
	containers map[string]*memContainer[T]
	stats      Stats
	closed     bool
	now        func() time.Time
}

// NewMemory returns an empty Memory backend.
func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{containers: make(map[string]*memContainer[T]), now: time.Now}
}

// WithClock overrides the clock used to stamp updated keys.
func (m *Memory[T]) WithClock(now func() time.Time) *Memory[T] {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *Memory[T]) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	m.stats.Exists++
	_, ok := m.containers[name]
	return ok, nil
}

func (m *Memory[T]) Load(ctx context.Context, name string) (map[string]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.stats.Load++
	c, ok := m.containers[name]
	if !ok {
		return nil, ErrNotFound
	}
	return maps.Clone(c.entries), nil
}

func (m *Memory[T]) LoadLastUpdated(ctx context.Context, name string) (map[string]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.stats.LoadLastUpdated++
	c, ok := m.containers[name]
	if !ok {
		return nil, ErrNotFound
	}
	return maps.Clone(c.updated), nil
}

func (m *Memory[T]) Save(ctx context.Context, name string, snapshot map[string]T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.stats.Save++

	prev := m.containers[name]
	next := &memContainer[T]{
		entries: make(map[string]T, len(snapshot)),
		updated: make(map[string]time.Time, len(snapshot)),
	}
	for k, v := range snapshot {
		next.entries[k] = v
		next.updated[k] = now
		if prev == nil {
			continue
		}
		if old, ok := prev.entries[k]; ok && reflect.DeepEqual(old, v) {
			next.updated[k] = prev.updated[k]
		}
	}
	m.containers[name] = next
	return nil
}

func (m *Memory[T]) Delete(ctx context.Context, name string, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.stats.Delete++
	c, ok := m.containers[name]
	if !ok {
		return nil
	}
	for _, k := range keys {
		delete(c.entries, k)
		delete(c.updated, k)
	}
	return nil
}

// Stats returns the call counters.
func (m *Memory[T]) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Snapshot returns a copy of what is stored for name, without counting as a
// Load.
func (m *Memory[T]) Snapshot(name string) (map[string]T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[name]
	if !ok {
		return nil, false
	}
	return maps.Clone(c.entries), true
}

// Put seeds name with entries stamped at the given time, bypassing Save.
func (m *Memory[T]) Put(name string, entries map[string]T, updated time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &memContainer[T]{
		entries: maps.Clone(entries),
		updated: make(map[string]time.Time, len(entries)),
	}
	if c.entries == nil {
		c.entries = make(map[string]T)
	}
	for k := range entries {
		c.updated[k] = updated
	}
	m.containers[name] = c
}

func (m *Memory[T]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var (
	_ Backend[int]      = (*Memory[int])(nil)
	_ LastUpdatedLoader = (*Memory[int])(nil)
	_ Deleter           = (*Memory[int])(nil)
)
