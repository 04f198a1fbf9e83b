// Package postgres stores container snapshots in PostgreSQL through
// database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/adeilh/go-durable/backend"
	"github.com/adeilh/go-durable/codec"
)

var (
	ErrMissingDSN = errors.New("postgres: DSN is required")
	// ErrConflict reports a serialization failure or deadlock. Retrying is
	// safe.
	ErrConflict = fmt.Errorf("postgres: transaction conflict: %w", backend.ErrConflict)
	// ErrSchemaMissing reports that the tables have not been created.
	ErrSchemaMissing = errors.New("postgres: schema missing, run Migrate")
)

// Open connects to PostgreSQL using the provided options and applies pool
// settings.
func Open(ctx context.Context, opts ...Option) (*sql.DB, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.DSN == "" {
		return nil, ErrMissingDSN
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if !cfg.SkipMigrate {
		if err := Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Backend implements backend.Backend on the tables created by Migrate.
type Backend[T any] struct {
	db     *sql.DB
	codec  codec.Codec[T]
	ownsDB bool
	now    func() time.Time
}

// New wraps an existing connection pool, which Close leaves open. A nil
// codec defaults to JSON.
func New[T any](db *sql.DB, c codec.Codec[T]) *Backend[T] {
	if c == nil {
		c = codec.JSON[T]{}
	}
	return &Backend[T]{db: db, codec: c, now: time.Now}
}

// Connect opens a dedicated pool with Open and returns a Backend that
// closes it on Close.
func Connect[T any](ctx context.Context, c codec.Codec[T], opts ...Option) (*Backend[T], error) {
	db, err := Open(ctx, opts...)
	if err != nil {
		return nil, err
	}
	b := New(db, c)
	b.ownsDB = true
	return b, nil
}

func (b *Backend[T]) Exists(ctx context.Context, name string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM durable_containers WHERE name = $1)`
	var ok bool
	if err := b.db.QueryRowContext(ctx, query, name).Scan(&ok); err != nil {
		return false, translateError(err)
	}
	return ok, nil
}

func (b *Backend[T]) Load(ctx context.Context, name string) (map[string]T, error) {
	ok, err := b.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, backend.ErrNotFound
	}

	const query = `SELECT key, value FROM durable_entries WHERE container = $1`
	rows, err := b.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	out := make(map[string]T)
	for rows.Next() {
		var (
			key  string
			data []byte
		)
		if err := rows.Scan(&key, &data); err != nil {
			return nil, translateError(err)
		}
		v, err := b.codec.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", backend.ErrCorrupt, key, err)
		}
		out[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}
	return out, nil
}

func (b *Backend[T]) LoadLastUpdated(ctx context.Context, name string) (map[string]time.Time, error) {
	const query = `SELECT key, updated_at FROM durable_entries WHERE container = $1`
	rows, err := b.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			key string
			ts  time.Time
		)
		if err := rows.Scan(&key, &ts); err != nil {
			return nil, translateError(err)
		}
		out[key] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}
	return out, nil
}

// Save replaces the container's rows in one transaction. The container row
// is upserted first, which also serializes concurrent saves of the same
// container. updated_at only moves for keys whose stored bytes change.
func (b *Backend[T]) Save(ctx context.Context, name string, snapshot map[string]T) error {
	if err := backend.ValidateName(name); err != nil {
		return err
	}
	keys := make([]string, 0, len(snapshot))
	values := make([][]byte, 0, len(snapshot))
	for k, v := range snapshot {
		data, err := b.codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("postgres: encode %q: %w", k, err)
		}
		keys = append(keys, k)
		values = append(values, data)
	}
	now := b.now().UTC()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError(err)
	}
	defer tx.Rollback()

	const upsertContainer = `INSERT INTO durable_containers (name, saved_at) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET saved_at = EXCLUDED.saved_at`
	if _, err := tx.ExecContext(ctx, upsertContainer, name, now); err != nil {
		return translateError(err)
	}

	const prune = `DELETE FROM durable_entries WHERE container = $1 AND NOT (key = ANY($2))`
	if _, err := tx.ExecContext(ctx, prune, name, pq.Array(keys)); err != nil {
		return translateError(err)
	}

	if len(keys) > 0 {
		const upsertEntries = `INSERT INTO durable_entries (container, key, value, updated_at)
			SELECT $1, t.key, t.value, $4 FROM unnest($2::text[], $3::bytea[]) AS t (key, value)
			ON CONFLICT (container, key) DO UPDATE SET
				value = EXCLUDED.value,
				updated_at = CASE WHEN durable_entries.value = EXCLUDED.value
					THEN durable_entries.updated_at ELSE EXCLUDED.updated_at END`
		if _, err := tx.ExecContext(ctx, upsertEntries, name, pq.Array(keys), pq.Array(values), now); err != nil {
			return translateError(err)
		}
	}
	return translateError(tx.Commit())
}

func (b *Backend[T]) Delete(ctx context.Context, name string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	const query = `DELETE FROM durable_entries WHERE container = $1 AND key = ANY($2)`
	_, err := b.db.ExecContext(ctx, query, name, pq.Array(keys))
	return translateError(err)
}

// Close closes the pool if it was opened by Connect.
func (b *Backend[T]) Close() error {
	if !b.ownsDB {
		return nil
	}
	return b.db.Close()
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", backend.ErrClosed, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		case "42P01":
			return fmt.Errorf("%w: %s", ErrSchemaMissing, pqErr.Message)
		}
	}
	return err
}

var (
	_ backend.Backend[int]      = (*Backend[int])(nil)
	_ backend.LastUpdatedLoader = (*Backend[int])(nil)
	_ backend.Deleter           = (*Backend[int])(nil)
)
