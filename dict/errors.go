package dict

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized = errors.New("dict: not initialized")
	ErrDisposed       = errors.New("dict: disposed")
	ErrKeyNotFound    = errors.New("dict: key not found")
	ErrDuplicateKey   = errors.New("dict: duplicate key")
	ErrPersistence    = errors.New("dict: persistence failure")
)

// PersistenceError reports a backend operation that still failed after all
// retry attempts. It matches ErrPersistence with errors.Is.
type PersistenceError struct {
	Op        string
	Container string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("dict: %s %q: %v", e.Op, e.Container, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
