// Package badger stores container snapshots in an embedded Badger database.
//
// Keys are laid out as
//
//	m\x00<container>          -> last save time
//	e\x00<container>\x00<key> -> encoded value
//	u\x00<container>\x00<key> -> update time
//
// with times stored as 8-byte big-endian Unix nanoseconds.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/adeilh/go-durable/backend"
	"github.com/adeilh/go-durable/codec"
)

// Options configures a Backend opened with New.
type Options struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

// Backend implements backend.Backend on Badger.
type Backend[T any] struct {
	db     *badger.DB
	codec  codec.Codec[T]
	ownsDB bool
	now    func() time.Time
	closed atomic.Bool
}

// New opens a Badger database. A nil codec defaults to JSON.
func New[T any](opts Options, c codec.Codec[T]) (*Backend[T], error) {
	if opts.Dir == "" && !opts.InMemory {
		return nil, errors.New("badger: directory is required")
	}
	bo := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.Logger != nil {
		bo = bo.WithLogger(slogAdapter{opts.Logger.With(slog.String("backend", "badger"))})
	} else {
		bo = bo.WithLogger(nil)
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	b := Wrap(db, c)
	b.ownsDB = true
	return b, nil
}

// Wrap uses an already open database, which Close leaves open.
func Wrap[T any](db *badger.DB, c codec.Codec[T]) *Backend[T] {
	if c == nil {
		c = codec.JSON[T]{}
	}
	return &Backend[T]{db: db, codec: c, now: time.Now}
}

func metaKey(name string) []byte { return []byte("m\x00" + name) }

func entryPrefix(name string) []byte { return []byte("e\x00" + name + "\x00") }

func updatedPrefix(name string) []byte { return []byte("u\x00" + name + "\x00") }

func validate(name string) error {
	if err := backend.ValidateName(name); err != nil {
		return err
	}
	if strings.ContainsRune(name, 0) {
		return errors.New("badger: container name must not contain NUL")
	}
	return nil
}

func (b *Backend[T]) Exists(ctx context.Context, name string) (bool, error) {
	if err := b.check(ctx); err != nil {
		return false, err
	}
	var ok bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(metaKey(name))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil
		case err != nil:
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

func (b *Backend[T]) Load(ctx context.Context, name string) (map[string]T, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	var raw map[string][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(metaKey(name)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return backend.ErrNotFound
			}
			return err
		}
		var err error
		raw, err = scan(txn, entryPrefix(name))
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]T, len(raw))
	for k, data := range raw {
		v, err := b.codec.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", backend.ErrCorrupt, k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (b *Backend[T]) LoadLastUpdated(ctx context.Context, name string) (map[string]time.Time, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	var raw map[string][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		raw, err = scan(txn, updatedPrefix(name))
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(raw))
	for k, data := range raw {
		if len(data) != 8 {
			return nil, fmt.Errorf("%w: update time of %q", backend.ErrCorrupt, k)
		}
		out[k] = time.Unix(0, int64(binary.BigEndian.Uint64(data)))
	}
	return out, nil
}

// Save replaces the container in one transaction. A concurrent transaction
// touching the same keys fails the save with backend.ErrConflict.
func (b *Backend[T]) Save(ctx context.Context, name string, snapshot map[string]T) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	if err := validate(name); err != nil {
		return err
	}
	encoded := make(map[string][]byte, len(snapshot))
	for k, v := range snapshot {
		data, err := b.codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("badger: encode %q: %w", k, err)
		}
		encoded[k] = data
	}
	stamp := nanos(b.now())
	ep, up := entryPrefix(name), updatedPrefix(name)

	err := b.db.Update(func(txn *badger.Txn) error {
		prev, err := scan(txn, ep)
		if err != nil {
			return err
		}
		for k := range prev {
			if _, ok := encoded[k]; ok {
				continue
			}
			if err := txn.Delete(append(bytes.Clone(ep), k...)); err != nil {
				return err
			}
			if err := txn.Delete(append(bytes.Clone(up), k...)); err != nil {
				return err
			}
		}
		for k, data := range encoded {
			if old, ok := prev[k]; ok && bytes.Equal(old, data) {
				continue
			}
			if err := txn.Set(append(bytes.Clone(ep), k...), data); err != nil {
				return err
			}
			if err := txn.Set(append(bytes.Clone(up), k...), stamp); err != nil {
				return err
			}
		}
		return txn.Set(metaKey(name), stamp)
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("badger: %w", backend.ErrConflict)
	}
	return err
}

func (b *Backend[T]) Delete(ctx context.Context, name string, keys ...string) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	ep, up := entryPrefix(name), updatedPrefix(name)
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(append(bytes.Clone(ep), k...)); err != nil {
				return err
			}
			if err := txn.Delete(append(bytes.Clone(up), k...)); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (b *Backend[T]) check(ctx context.Context) error {
	if b.closed.Load() {
		return backend.ErrClosed
	}
	return ctx.Err()
}

// Close closes the database if New opened it. Later calls fail with
// backend.ErrClosed.
func (b *Backend[T]) Close() error {
	if b.closed.Swap(true) || !b.ownsDB {
		return nil
	}
	return b.db.Close()
}

// scan returns every key under prefix, with the prefix stripped.
func scan(txn *badger.Txn, prefix []byte) (map[string][]byte, error) {
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
	defer it.Close()

	out := make(map[string][]byte)
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out[string(item.Key()[len(prefix):])] = v
	}
	return out, nil
}

func nanos(t time.Time) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano()))
	return buf[:]
}

// slogAdapter routes Badger's printf-style logging to slog.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Errorf(format string, args ...any) {
	a.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (a slogAdapter) Warningf(format string, args ...any) {
	a.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (a slogAdapter) Infof(format string, args ...any) {
	a.l.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (a slogAdapter) Debugf(format string, args ...any) {
	a.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

var (
	_ backend.Backend[int]      = (*Backend[int])(nil)
	_ backend.LastUpdatedLoader = (*Backend[int])(nil)
	_ backend.Deleter           = (*Backend[int])(nil)
	_ badger.Logger             = slogAdapter{}
)
