// Package evict tracks per-key read and write times and removes entries that
// have been idle for longer than a TTL.
//
// A Supervisor does not own the data it evicts. The container hands it the
// lock guarding its map and a callback that deletes keys from that map; a
// sweep runs the callback while holding that lock, so map and timestamps are
// updated in one critical section.
//
// Lock order is always container lock, then the supervisor's own mutex.
// Touch methods only take the latter and may be called with the container
// lock held.
package evict

import (
	"sync"
	"time"
)

// Options configures a Supervisor.
type Options struct {
	TTL time.Duration
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// Lock guards the container's map.
	Lock sync.Locker
	// Remove deletes keys from the container's map. It is called with Lock
	// held and must not take it again.
	Remove func(keys []string)
}

// Supervisor holds the timestamp maps for one container.
type Supervisor struct {
	ttl    time.Duration
	now    func() time.Time
	lock   sync.Locker
	remove func([]string)

	mu        sync.Mutex
	readAt    map[string]time.Time
	updatedAt map[string]time.Time
	// next is no later than the oldest read or write time of any tracked
	// key. It is zero when nothing is tracked.
	next time.Time
}

// New builds a Supervisor. TTL must be positive.
func New(opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Remove == nil {
		opts.Remove = func([]string) {}
	}
	return &Supervisor{
		ttl:       opts.TTL,
		now:       opts.Clock,
		lock:      opts.Lock,
		remove:    opts.Remove,
		readAt:    make(map[string]time.Time),
		updatedAt: make(map[string]time.Time),
	}
}

// TTL returns the configured idle limit.
func (s *Supervisor) TTL() time.Duration { return s.ttl }

// Now returns the supervisor's notion of the current time.
func (s *Supervisor) Now() time.Time { return s.now() }

// TouchRead records a read of key.
func (s *Supervisor) TouchRead(key string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readAt[key] = now
	if _, ok := s.updatedAt[key]; !ok {
		s.updatedAt[key] = now
	}
	s.lowerLocked(now)
}

// TouchWrite records a write of key; a write also counts as a read.
func (s *Supervisor) TouchWrite(key string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readAt[key] = now
	s.updatedAt[key] = now
	s.lowerLocked(now)
}

// Forget drops key's timestamps.
func (s *Supervisor) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.readAt, key)
	delete(s.updatedAt, key)
	if len(s.readAt) == 0 {
		s.next = time.Time{}
	}
}

// Reset drops all timestamps.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.readAt)
	clear(s.updatedAt)
	s.next = time.Time{}
}

// Seed replaces all timestamps for a freshly loaded key set. Every key is
// marked as read now; lastUpdated supplies persisted modification times and
// keys missing from it are treated as written now.
func (s *Supervisor) Seed(keys []string, lastUpdated map[string]time.Time) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.readAt)
	clear(s.updatedAt)
	for _, key := range keys {
		s.readAt[key] = now
		if ts, ok := lastUpdated[key]; ok && !ts.IsZero() {
			s.updatedAt[key] = ts
		} else {
			s.updatedAt[key] = now
		}
	}
	s.recomputeLocked()
}

// Tracked returns the number of keys with timestamps.
func (s *Supervisor) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readAt)
}

// LastRead returns the last read time recorded for key.
func (s *Supervisor) LastRead(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.readAt[key]
	return ts, ok
}

// LastUpdated returns the last write time recorded for key.
func (s *Supervisor) LastUpdated(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.updatedAt[key]
	return ts, ok
}

// Sweep removes every key whose last read or last write is older than the
// TTL and returns the removed keys. The current time is sampled before any
// lock is taken, so a key touched while the sweep waits for the locks is
// never considered expired. While no key can have expired yet Sweep returns
// without taking the container lock.
func (s *Supervisor) Sweep() []string {
	now := s.now()
	if !s.due(now) {
		return nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for key, readAt := range s.readAt {
		if now.Sub(readAt) > s.ttl || now.Sub(s.updatedAt[key]) > s.ttl {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(s.readAt, key)
		delete(s.updatedAt, key)
	}
	s.recomputeLocked()
	if len(expired) == 0 {
		return nil
	}
	s.remove(expired)
	return expired
}

// due reports whether a key may have expired at now.
func (s *Supervisor) due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.next.IsZero() && now.Sub(s.next) > s.ttl
}

// lowerLocked accounts for a key touched at t. Later touches only push a
// key's expiry back, so next stays a lower bound.
func (s *Supervisor) lowerLocked(t time.Time) {
	if s.next.IsZero() || t.Before(s.next) {
		s.next = t
	}
}

// recomputeLocked sets next to the exact earliest touch time.
func (s *Supervisor) recomputeLocked() {
	s.next = time.Time{}
	for key, readAt := range s.readAt {
		oldest := readAt
		if u := s.updatedAt[key]; u.Before(oldest) {
			oldest = u
		}
		s.lowerLocked(oldest)
	}
}
