// Package natskv stores container snapshots in a NATS JetStream key-value
// bucket, one bucket entry per container.
//
// Saves use the entry revision for optimistic concurrency: a write that
// races another writer fails with ErrConflict and can be retried.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/adeilh/go-durable/backend"
	"github.com/adeilh/go-durable/codec"
)

// ErrConflict is returned when the container changed between the read and
// the write of a save or delete.
var ErrConflict = fmt.Errorf("natskv: %w", backend.ErrConflict)

// Options configures a Backend.
type Options struct {
	Connect Connector
	// Bucket is created if missing. Defaults to "durable".
	Bucket string
	// Memory selects in-memory JetStream storage instead of files.
	Memory bool
}

type document struct {
	Entries map[string][]byte `json:"entries"`
	Updated map[string]int64  `json:"updated"`
}

// Backend implements backend.Backend on a JetStream key-value bucket.
type Backend[T any] struct {
	kv      jetstream.KeyValue
	codec   codec.Codec[T]
	release func()
	now     func() time.Time
	closed  atomic.Bool
}

// New connects and ensures the bucket exists. A nil codec defaults to JSON.
func New[T any](ctx context.Context, opts Options, c codec.Codec[T]) (*Backend[T], error) {
	if opts.Bucket == "" {
		opts.Bucket = "durable"
	}
	connect := opts.Connect
	if connect == nil {
		connect = ConnectDefault()
	}
	if c == nil {
		c = codec.JSON[T]{}
	}

	nc, release, err := connect()
	if err != nil {
		return nil, fmt.Errorf("natskv: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		release()
		return nil, fmt.Errorf("natskv: jetstream: %w", err)
	}
	storage := jetstream.FileStorage
	if opts.Memory {
		storage = jetstream.MemoryStorage
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      opts.Bucket,
		Description: "durable container snapshots",
		History:     1,
		Storage:     storage,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("natskv: bucket %s: %w", opts.Bucket, err)
	}
	return &Backend[T]{kv: kv, codec: c, release: release, now: time.Now}, nil
}

// key maps a container name onto the restricted KV key alphabet.
func key(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}

// read returns the container document and its revision. The revision is
// also set when the document is corrupt so a save can overwrite it.
func (b *Backend[T]) read(ctx context.Context, name string) (*document, uint64, error) {
	if b.closed.Load() {
		return nil, 0, backend.ErrClosed
	}
	entry, err := b.kv.Get(ctx, key(name))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, backend.ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	var doc document
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, entry.Revision(), fmt.Errorf("%w: %s: %v", backend.ErrCorrupt, name, err)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string][]byte)
	}
	if doc.Updated == nil {
		doc.Updated = make(map[string]int64)
	}
	return &doc, entry.Revision(), nil
}

// write stores doc if the entry is still at revision; zero means the entry
// must not exist yet.
func (b *Backend[T]) write(ctx context.Context, name string, doc document, revision uint64) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("natskv: encode %s: %w", name, err)
	}
	if revision == 0 {
		_, err = b.kv.Create(ctx, key(name), data)
	} else {
		_, err = b.kv.Update(ctx, key(name), data, revision)
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("%w: %s", ErrConflict, name)
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return fmt.Errorf("%w: %s", ErrConflict, name)
	}
	return err
}

func (b *Backend[T]) Exists(ctx context.Context, name string) (bool, error) {
	_, _, err := b.read(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, backend.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (b *Backend[T]) Load(ctx context.Context, name string) (map[string]T, error) {
	doc, _, err := b.read(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(doc.Entries))
	for k, data := range doc.Entries {
		v, err := b.codec.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", backend.ErrCorrupt, k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (b *Backend[T]) LoadLastUpdated(ctx context.Context, name string) (map[string]time.Time, error) {
	doc, _, err := b.read(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(doc.Updated))
	for k, ns := range doc.Updated {
		out[k] = time.Unix(0, ns)
	}
	return out, nil
}

func (b *Backend[T]) Save(ctx context.Context, name string, snapshot map[string]T) error {
	if err := backend.ValidateName(name); err != nil {
		return err
	}
	next := document{
		Entries: make(map[string][]byte, len(snapshot)),
		Updated: make(map[string]int64, len(snapshot)),
	}
	for k, v := range snapshot {
		data, err := b.codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("natskv: encode %q: %w", k, err)
		}
		next.Entries[k] = data
	}

	prev, revision, err := b.read(ctx, name)
	if err != nil && !errors.Is(err, backend.ErrNotFound) && !errors.Is(err, backend.ErrCorrupt) {
		return err
	}
	if errors.Is(err, backend.ErrCorrupt) {
		prev = nil
	}
	now := b.now().UnixNano()
	for k, data := range next.Entries {
		next.Updated[k] = now
		if prev == nil {
			continue
		}
		if old, ok := prev.Entries[k]; ok && string(old) == string(data) {
			if ts, ok := prev.Updated[k]; ok {
				next.Updated[k] = ts
			}
		}
	}
	return b.write(ctx, name, next, revision)
}

func (b *Backend[T]) Delete(ctx context.Context, name string, keys ...string) error {
	doc, revision, err := b.read(ctx, name)
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	before := len(doc.Entries)
	next := document{Entries: maps.Clone(doc.Entries), Updated: maps.Clone(doc.Updated)}
	for _, k := range keys {
		delete(next.Entries, k)
		delete(next.Updated, k)
	}
	if len(next.Entries) == before {
		return nil
	}
	return b.write(ctx, name, next, revision)
}

// Close releases the NATS connection.
func (b *Backend[T]) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.release()
	return nil
}

var (
	_ backend.Backend[int]      = (*Backend[int])(nil)
	_ backend.LastUpdatedLoader = (*Backend[int])(nil)
	_ backend.Deleter           = (*Backend[int])(nil)
)
