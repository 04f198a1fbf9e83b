// Package redis stores container snapshots in Redis using a small built-in
// RESP client.
//
// Each container uses three keys: a hash of encoded entries, a hash of
// per-key update times in Unix nanoseconds, and a marker string recording
// the last save so that empty containers still exist.
package redis

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/adeilh/go-durable/backend"
	"github.com/adeilh/go-durable/codec"
)

// ErrConflict is returned by Save when another client changed the container
// between the read and the write of a save. Retrying is safe.
var ErrConflict = fmt.Errorf("redis: %w", backend.ErrConflict)

// Backend implements backend.Backend on Redis.
type Backend[T any] struct {
	opts   Options
	codec  codec.Codec[T]
	pool   *pool
	now    func() time.Time
	closed atomic.Bool
}

// New builds a Redis backend. A nil codec defaults to JSON.
func New[T any](opts Options, c codec.Codec[T]) *Backend[T] {
	cfg := opts.withDefaults()
	if c == nil {
		c = codec.JSON[T]{}
	}
	return &Backend[T]{opts: cfg, codec: c, pool: newPool(cfg), now: time.Now}
}

// WithDial overrides the dialer, mainly for tests.
func (b *Backend[T]) WithDial(fn func(context.Context, Options) (net.Conn, error)) {
	if fn != nil {
		b.pool.dialFn = fn
	}
}

type keySet struct {
	entries, updated, meta string
}

func (b *Backend[T]) keys(name string) keySet {
	base := b.opts.KeyPrefix + name
	return keySet{entries: base + ":entries", updated: base + ":updated", meta: base + ":meta"}
}

func (b *Backend[T]) Exists(ctx context.Context, name string) (bool, error) {
	if b.closed.Load() {
		return false, backend.ErrClosed
	}
	var exists bool
	err := b.pool.withConn(ctx, func(conn *clientConn) error {
		resp, err := b.pool.do(ctx, conn, "EXISTS", b.keys(name).meta)
		if err != nil {
			return err
		}
		n, ok := resp.(int64)
		if !ok {
			return fmt.Errorf("redis: unexpected EXISTS reply %T", resp)
		}
		exists = n > 0
		return nil
	})
	return exists, err
}

func (b *Backend[T]) Load(ctx context.Context, name string) (map[string]T, error) {
	if b.closed.Load() {
		return nil, backend.ErrClosed
	}
	keys := b.keys(name)
	var (
		raw   map[string][]byte
		found bool
	)
	err := b.pool.withConn(ctx, func(conn *clientConn) error {
		replies, err := b.pool.exec(ctx, conn, [][]string{
			{"EXISTS", keys.meta},
			{"HGETALL", keys.entries},
		})
		if err != nil {
			return err
		}
		n, _ := replies[0].(int64)
		found = n > 0
		raw, err = hashReply(replies[1])
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, backend.ErrNotFound
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
	if b.closed.Load() {
		return nil, backend.ErrClosed
	}
	var raw map[string][]byte
	err := b.pool.withConn(ctx, func(conn *clientConn) error {
		resp, err := b.pool.do(ctx, conn, "HGETALL", b.keys(name).updated)
		if err != nil {
			return err
		}
		raw, err = hashReply(resp)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]time.Time, len(raw))
	for k, data := range raw {
		ns, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: update time of %q: %v", backend.ErrCorrupt, k, err)
		}
		out[k] = time.Unix(0, ns)
	}
	return out, nil
}

// Save replaces the entries hash inside a WATCH/MULTI/EXEC transaction.
// Update times are rewritten only for keys whose encoded value changed.
func (b *Backend[T]) Save(ctx context.Context, name string, snapshot map[string]T) error {
	if b.closed.Load() {
		return backend.ErrClosed
	}
	if err := backend.ValidateName(name); err != nil {
		return err
	}
	encoded := make(map[string][]byte, len(snapshot))
	for k, v := range snapshot {
		data, err := b.codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("redis: encode %q: %w", k, err)
		}
		encoded[k] = data
	}
	keys := b.keys(name)
	stamp := strconv.FormatInt(b.now().UnixNano(), 10)

	return b.pool.withConn(ctx, func(conn *clientConn) error {
		if _, err := b.pool.do(ctx, conn, "WATCH", keys.entries); err != nil {
			return err
		}
		resp, err := b.pool.do(ctx, conn, "HGETALL", keys.entries)
		if err != nil {
			_, _ = b.pool.do(ctx, conn, "UNWATCH")
			return err
		}
		prev, err := hashReply(resp)
		if err != nil {
			_, _ = b.pool.do(ctx, conn, "UNWATCH")
			return err
		}

		cmds := [][]string{{"MULTI"}, {"DEL", keys.entries}}
		if len(encoded) > 0 {
			entries := []string{"HSET", keys.entries}
			updated := []string{"HSET", keys.updated}
			for k, data := range encoded {
				entries = append(entries, k, string(data))
				if old, ok := prev[k]; !ok || !bytes.Equal(old, data) {
					updated = append(updated, k, stamp)
				}
			}
			cmds = append(cmds, entries)
			if len(updated) > 2 {
				cmds = append(cmds, updated)
			}
		}
		removed := []string{"HDEL", keys.updated}
		for k := range prev {
			if _, ok := encoded[k]; !ok {
				removed = append(removed, k)
			}
		}
		if len(removed) > 2 {
			cmds = append(cmds, removed)
		}
		cmds = append(cmds, []string{"SET", keys.meta, stamp}, []string{"EXEC"})

		replies, err := b.pool.exec(ctx, conn, cmds)
		if err != nil {
			return err
		}
		return execResult(replies[len(replies)-1])
	})
}

func (b *Backend[T]) Delete(ctx context.Context, name string, keys ...string) error {
	if b.closed.Load() {
		return backend.ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}
	ks := b.keys(name)
	return b.pool.withConn(ctx, func(conn *clientConn) error {
		replies, err := b.pool.exec(ctx, conn, [][]string{
			{"MULTI"},
			append([]string{"HDEL", ks.entries}, keys...),
			append([]string{"HDEL", ks.updated}, keys...),
			{"EXEC"},
		})
		if err != nil {
			return err
		}
		return execResult(replies[len(replies)-1])
	})
}

// Close drops idle connections. Later calls fail with backend.ErrClosed.
func (b *Backend[T]) Close() error {
	b.closed.Store(true)
	b.pool.drain()
	return nil
}

// execResult checks an EXEC reply: nil means a watched key changed.
func execResult(resp any) error {
	if resp == nil {
		return ErrConflict
	}
	arr, ok := resp.([]any)
	if !ok {
		return fmt.Errorf("redis: unexpected EXEC reply %T", resp)
	}
	for _, r := range arr {
		if e, ok := r.(Error); ok {
			return e
		}
	}
	return nil
}

var (
	_ backend.Backend[int]      = (*Backend[int])(nil)
	_ backend.LastUpdatedLoader = (*Backend[int])(nil)
	_ backend.Deleter           = (*Backend[int])(nil)
)
