package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adeilh/go-durable/backend"
	"github.com/adeilh/go-durable/backend/badger"
	"github.com/adeilh/go-durable/backend/file"
	"github.com/adeilh/go-durable/backend/natskv"
	"github.com/adeilh/go-durable/backend/postgres"
	"github.com/adeilh/go-durable/backend/redis"
	"github.com/adeilh/go-durable/backend/remote"
	"github.com/adeilh/go-durable/codec"
)

const (
	KindMemory   = "memory"
	KindFile     = "file"
	KindPostgres = "postgres"
	KindRedis    = "redis"
	KindBadger   = "badger"
	KindNATS     = "nats"
	KindRemote   = "remote"
)

// BackendConfig selects and configures one backend.
type BackendConfig struct {
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
	// Codec is "json" or "msgpack", optionally suffixed with "+zstd".
	Codec    string         `yaml:"codec,omitempty" json:"codec,omitempty"`
	File     FileConfig     `yaml:"file,omitempty" json:"file,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" json:"postgres,omitempty"`
	Redis    RedisConfig    `yaml:"redis,omitempty" json:"redis,omitempty"`
	Badger   BadgerConfig   `yaml:"badger,omitempty" json:"badger,omitempty"`
	NATS     NATSConfig     `yaml:"nats,omitempty" json:"nats,omitempty"`
	Remote   RemoteConfig   `yaml:"remote,omitempty" json:"remote,omitempty"`
}

type FileConfig struct {
	Dir      string `yaml:"dir,omitempty" json:"dir,omitempty"`
	Compress bool   `yaml:"compress,omitempty" json:"compress,omitempty"`
}

type PostgresConfig struct {
	DSN             string   `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	MaxOpenConns    int      `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty"`
	MaxIdleConns    int      `yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitempty"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime,omitempty" json:"conn_max_lifetime,omitempty"`
	SkipMigrate     bool     `yaml:"skip_migrate,omitempty" json:"skip_migrate,omitempty"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password  string `yaml:"password,omitempty" json:"password,omitempty"`
	DB        int    `yaml:"db,omitempty" json:"db,omitempty"`
	PoolSize  int    `yaml:"pool_size,omitempty" json:"pool_size,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`
}

type BadgerConfig struct {
	Dir      string `yaml:"dir,omitempty" json:"dir,omitempty"`
	InMemory bool   `yaml:"in_memory,omitempty" json:"in_memory,omitempty"`
}

type NATSConfig struct {
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	Bucket string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Memory bool   `yaml:"memory,omitempty" json:"memory,omitempty"`
}

type RemoteConfig struct {
	URL     string   `yaml:"url,omitempty" json:"url,omitempty"`
	Token   string   `yaml:"token,omitempty" json:"token,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Merge applies non-zero values from source into c. Sections are merged
// field by field so a file can override a single setting.
func (c *BackendConfig) Merge(source *BackendConfig) {
	if source.Kind != "" {
		c.Kind = source.Kind
	}
	if source.Codec != "" {
		c.Codec = source.Codec
	}
	mergeString(&c.File.Dir, source.File.Dir)
	c.File.Compress = c.File.Compress || source.File.Compress

	mergeString(&c.Postgres.DSN, source.Postgres.DSN)
	mergeInt(&c.Postgres.MaxOpenConns, source.Postgres.MaxOpenConns)
	mergeInt(&c.Postgres.MaxIdleConns, source.Postgres.MaxIdleConns)
	if source.Postgres.ConnMaxLifetime > 0 {
		c.Postgres.ConnMaxLifetime = source.Postgres.ConnMaxLifetime
	}
	c.Postgres.SkipMigrate = c.Postgres.SkipMigrate || source.Postgres.SkipMigrate

	mergeString(&c.Redis.Addr, source.Redis.Addr)
	mergeString(&c.Redis.Password, source.Redis.Password)
	mergeInt(&c.Redis.DB, source.Redis.DB)
	mergeInt(&c.Redis.PoolSize, source.Redis.PoolSize)
	mergeString(&c.Redis.KeyPrefix, source.Redis.KeyPrefix)

	mergeString(&c.Badger.Dir, source.Badger.Dir)
	c.Badger.InMemory = c.Badger.InMemory || source.Badger.InMemory

	mergeString(&c.NATS.URL, source.NATS.URL)
	mergeString(&c.NATS.Bucket, source.NATS.Bucket)
	c.NATS.Memory = c.NATS.Memory || source.NATS.Memory

	mergeString(&c.Remote.URL, source.Remote.URL)
	mergeString(&c.Remote.Token, source.Remote.Token)
	if source.Remote.Timeout > 0 {
		c.Remote.Timeout = source.Remote.Timeout
	}
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func mergeInt(dst *int, src int) {
	if src > 0 {
		*dst = src
	}
}

// OpenBackend builds the configured backend. A nil codec is resolved from
// cfg.Codec.
func OpenBackend[T any](ctx context.Context, cfg BackendConfig, c codec.Codec[T], logger *slog.Logger) (backend.Backend[T], error) {
	if c == nil {
		var err error
		if c, err = codec.ByName[T](cfg.Codec); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	switch cfg.Kind {
	case "", KindMemory:
		return backend.NewMemory[T](), nil
	case KindFile:
		return file.New(file.Options{Dir: cfg.File.Dir, Compress: cfg.File.Compress, Logger: logger}, c)
	case KindPostgres:
		return postgres.Connect(ctx, c, postgresOptions(cfg.Postgres)...)
	case KindRedis:
		return redis.New(redis.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, c), nil
	case KindBadger:
		return badger.New(badger.Options{Dir: cfg.Badger.Dir, InMemory: cfg.Badger.InMemory, Logger: logger}, c)
	case KindNATS:
		opts := natskv.Options{Bucket: cfg.NATS.Bucket, Memory: cfg.NATS.Memory}
		if cfg.NATS.URL != "" {
			opts.Connect = natskv.ConnectURL(cfg.NATS.URL)
		}
		return natskv.New(ctx, opts, c)
	case KindRemote:
		return remote.NewClient(c,
			remote.WithBaseURL(cfg.Remote.URL),
			remote.WithBearer(cfg.Remote.Token),
			remote.WithClientTimeout(cfg.Remote.Timeout.Std()),
		)
	default:
		return nil, fmt.Errorf("config: unknown backend kind %q", cfg.Kind)
	}
}

func postgresOptions(cfg PostgresConfig) []postgres.Option {
	opts := []postgres.Option{
		postgres.WithDSN(cfg.DSN),
		postgres.WithMaxOpenConns(cfg.MaxOpenConns),
		postgres.WithConnMaxLifetime(cfg.ConnMaxLifetime.Std()),
	}
	if cfg.MaxIdleConns > 0 {
		opts = append(opts, postgres.WithMaxIdleConns(cfg.MaxIdleConns))
	}
	if cfg.SkipMigrate {
		opts = append(opts, postgres.WithoutMigrations())
	}
	return opts
}
