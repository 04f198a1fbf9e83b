// Package backend defines the storage contract a durable container persists
// through. A backend stores whole snapshots per named container; every Save
// replaces the previous snapshot.
package backend

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("backend: container not found")
	ErrClosed   = errors.New("backend: closed")
	ErrCorrupt  = errors.New("backend: corrupt snapshot")
	// ErrConflict is wrapped by backend specific conflict errors. A save
	// that failed with it can be retried.
	ErrConflict = errors.New("backend: concurrent modification")
)

// Backend persists snapshots of named containers.
type Backend[T any] interface {
	// Exists reports whether a snapshot was ever saved for name.
	Exists(ctx context.Context, name string) (bool, error)
	// Load returns the last saved snapshot. It returns ErrNotFound when
	// nothing was saved.
	Load(ctx context.Context, name string) (map[string]T, error)
	// Save replaces the stored snapshot: keys absent from snapshot are
	// deleted.
	Save(ctx context.Context, name string, snapshot map[string]T) error
	// Close releases connections and handles.
	Close() error
}

// LastUpdatedLoader is implemented by backends that remember when each key
// last changed.
type LastUpdatedLoader interface {
	LoadLastUpdated(ctx context.Context, name string) (map[string]time.Time, error)
}

// Deleter is implemented by backends that can drop individual keys without a
// full Save.
type Deleter interface {
	Delete(ctx context.Context, name string, keys ...string) error
}

// ValidateName rejects container names no backend can address.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("backend: container name is required")
	}
	return nil
}
