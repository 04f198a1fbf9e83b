// Package file stores each container as one snapshot file in a directory.
//
// A snapshot file starts with a JSON header line followed by the payload:
// the JSON-encoded entries and update times, optionally zstd-compressed.
// The header carries a BLAKE2b-256 checksum of the payload, so torn or
// edited files are reported as backend.ErrCorrupt instead of being loaded.
// Writes go to a temporary file that is renamed over the snapshot, under a
// per-container lock file shared with other processes.
package file

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/adeilh/go-durable/backend"
	"github.com/adeilh/go-durable/codec"
)

const formatVersion = 1

// ErrLocked is returned when another process holds the container's lock
// file. Retrying is safe.
var ErrLocked = errors.New("file: container locked by another process")

type header struct {
	Version    int    `json:"version"`
	Codec      string `json:"codec"`
	Compressed bool   `json:"compressed"`
	Checksum   string `json:"checksum"`
}

type payload struct {
	Entries map[string][]byte `json:"entries"`
	Updated map[string]int64  `json:"updated"`
}

// Options configures a Backend.
type Options struct {
	// Dir holds the snapshot files. It is created if missing.
	Dir string
	// Compress enables zstd compression of the payload.
	Compress bool
	Logger   *slog.Logger
}

// Backend implements backend.Backend on a directory.
type Backend[T any] struct {
	opts  Options
	codec codec.Codec[T]
	now   func() time.Time
	log   *slog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.Mutex
	closed bool
}

// New opens a file backend in opts.Dir. A nil codec defaults to JSON.
func New[T any](opts Options, c codec.Codec[T]) (*Backend[T], error) {
	if opts.Dir == "" {
		return nil, errors.New("file: directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("file: create %s: %w", opts.Dir, err)
	}
	if c == nil {
		c = codec.JSON[T]{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("file: zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("file: zstd reader: %w", err)
	}
	return &Backend[T]{
		opts:  opts,
		codec: c,
		now:   time.Now,
		log:   opts.Logger.With(slog.String("backend", "file"), slog.String("dir", opts.Dir)),
		enc:   enc,
		dec:   dec,
	}, nil
}

func (b *Backend[T]) path(name string) string {
	return filepath.Join(b.opts.Dir, url.PathEscape(name)+".snap")
}

func (b *Backend[T]) lockPath(name string) string {
	return filepath.Join(b.opts.Dir, "."+url.PathEscape(name)+".lock")
}

func (b *Backend[T]) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return backend.ErrClosed
	}
	return nil
}

func (b *Backend[T]) Exists(ctx context.Context, name string) (bool, error) {
	if err := b.check(ctx); err != nil {
		return false, err
	}
	_, err := os.Stat(b.path(name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("file: stat %s: %w", name, err)
	}
}

func (b *Backend[T]) Load(ctx context.Context, name string) (map[string]T, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	p, err := b.read(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(p.Entries))
	for k, data := range p.Entries {
		v, err := b.codec.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: key %q: %v", backend.ErrCorrupt, name, k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (b *Backend[T]) LoadLastUpdated(ctx context.Context, name string) (map[string]time.Time, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	p, err := b.read(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(p.Updated))
	for k, ns := range p.Updated {
		out[k] = time.Unix(0, ns)
	}
	return out, nil
}

func (b *Backend[T]) Save(ctx context.Context, name string, snapshot map[string]T) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	if err := backend.ValidateName(name); err != nil {
		return err
	}
	entries := make(map[string][]byte, len(snapshot))
	for k, v := range snapshot {
		data, err := b.codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("file: encode %q: %w", k, err)
		}
		entries[k] = data
	}

	return b.locked(name, func() error {
		prev, err := b.read(name)
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			// A corrupt snapshot is replaced; every key counts as changed.
			b.log.Warn("file: replacing unreadable snapshot", slog.String("container", name), slog.Any("error", err))
			prev = nil
		}
		now := b.now().UnixNano()
		next := payload{Entries: entries, Updated: make(map[string]int64, len(entries))}
		for k, data := range entries {
			next.Updated[k] = now
			if prev == nil {
				continue
			}
			if old, ok := prev.Entries[k]; ok && bytes.Equal(old, data) {
				if ts, ok := prev.Updated[k]; ok {
					next.Updated[k] = ts
				}
			}
		}
		return b.write(name, next)
	})
}

func (b *Backend[T]) Delete(ctx context.Context, name string, keys ...string) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return b.locked(name, func() error {
		p, err := b.read(name)
		if errors.Is(err, backend.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, k := range keys {
			delete(p.Entries, k)
			delete(p.Updated, k)
		}
		return b.write(name, *p)
	})
}

// Close releases the compression state. Later calls fail with
// backend.ErrClosed.
func (b *Backend[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.enc.Close()
	b.dec.Close()
	return nil
}

// locked runs fn holding the container's lock file.
func (b *Backend[T]) locked(name string, fn func() error) error {
	err := fslock.With(b.lockPath(name), fn)
	if errors.Is(err, fslock.ErrLockHeld) {
		return ErrLocked
	}
	return err
}

func (b *Backend[T]) read(name string) (*payload, error) {
	raw, err := os.ReadFile(b.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("file: read %s: %w", name, err)
	}

	line, body, ok := bytes.Cut(raw, []byte{'\n'})
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing header", backend.ErrCorrupt, name)
	}
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, fmt.Errorf("%w: %s: header: %v", backend.ErrCorrupt, name, err)
	}
	if h.Version != formatVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", backend.ErrCorrupt, name, h.Version)
	}
	if h.Codec != b.codec.Name() {
		return nil, fmt.Errorf("%w: %s: written with codec %q, reading with %q", backend.ErrCorrupt, name, h.Codec, b.codec.Name())
	}
	if sum := checksum(body); sum != h.Checksum {
		return nil, fmt.Errorf("%w: %s: checksum mismatch", backend.ErrCorrupt, name)
	}
	if h.Compressed {
		if body, err = b.dec.DecodeAll(body, nil); err != nil {
			return nil, fmt.Errorf("%w: %s: decompress: %v", backend.ErrCorrupt, name, err)
		}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: payload: %v", backend.ErrCorrupt, name, err)
	}
	if p.Entries == nil {
		p.Entries = make(map[string][]byte)
	}
	if p.Updated == nil {
		p.Updated = make(map[string]int64)
	}
	return &p, nil
}

func (b *Backend[T]) write(name string, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("file: encode %s: %w", name, err)
	}
	raw := len(body)
	if b.opts.Compress {
		body = b.enc.EncodeAll(body, nil)
	}
	line, err := json.Marshal(header{
		Version:    formatVersion,
		Codec:      b.codec.Name(),
		Compressed: b.opts.Compress,
		Checksum:   checksum(body),
	})
	if err != nil {
		return fmt.Errorf("file: encode header: %w", err)
	}

	tmp, err := os.CreateTemp(b.opts.Dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("file: save %s: %w", name, err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file: save %s: %w", name, err)
	}
	if _, err := tmp.Write(append(line, '\n')); err != nil {
		return fail(err)
	}
	if _, err := tmp.Write(body); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file: save %s: %w", name, err)
	}
	if err := os.Rename(tmpName, b.path(name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file: save %s: %w", name, err)
	}

	b.log.Debug("file: snapshot written",
		slog.String("container", name),
		slog.Int("entries", len(p.Entries)),
		slog.String("size", humanize.Bytes(uint64(len(body)))),
		slog.String("raw", humanize.Bytes(uint64(raw))),
	)
	return nil
}

func checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var (
	_ backend.Backend[int]      = (*Backend[int])(nil)
	_ backend.LastUpdatedLoader = (*Backend[int])(nil)
	_ backend.Deleter           = (*Backend[int])(nil)
)
