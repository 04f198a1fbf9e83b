// Package config loads durable container settings from YAML or JSON files
// and turns them into dict options and backends.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/adeilh/go-durable/dict"
)

// Config is the root of a config file.
type Config struct {
	Dict    DictConfig    `yaml:"dict" json:"dict"`
	Backend BackendConfig `yaml:"backend" json:"backend"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// DictConfig mirrors dict.Options.
type DictConfig struct {
	BatchSize        int      `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	BatchInterval    Duration `yaml:"batch_interval,omitempty" json:"batch_interval,omitempty"`
	MaxRetryAttempts int      `yaml:"max_retry_attempts,omitempty" json:"max_retry_attempts,omitempty"`
	RetryDelay       Duration `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	ThrowOnFailure   bool     `yaml:"throw_on_failure,omitempty" json:"throw_on_failure,omitempty"`
	// TTL of zero disables eviction.
	TTL                Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	SweepInterval      Duration `yaml:"sweep_interval,omitempty" json:"sweep_interval,omitempty"`
	EvictionDeleteRate float64  `yaml:"eviction_delete_rate,omitempty" json:"eviction_delete_rate,omitempty"`
}

// ServerConfig configures cmd/durabled.
type ServerConfig struct {
	Address        string   `yaml:"address,omitempty" json:"address,omitempty"`
	Token          string   `yaml:"token,omitempty" json:"token,omitempty"`
	MetricsAddress string   `yaml:"metrics_address,omitempty" json:"metrics_address,omitempty"`
	ShutdownGrace  Duration `yaml:"shutdown_grace,omitempty" json:"shutdown_grace,omitempty"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty" json:"level,omitempty"`
	// Format is "text" or "json".
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// Default returns the settings used for anything a file leaves out.
func Default() Config {
	return Config{
		Dict: DictConfig{
			BatchSize:        100,
			BatchInterval:    Duration(5 * time.Second),
			MaxRetryAttempts: 3,
			RetryDelay:       Duration(200 * time.Millisecond),
		},
		Backend: BackendConfig{
			Kind:  KindMemory,
			Codec: "json",
			File:  FileConfig{Dir: "data"},
			NATS:  NATSConfig{Bucket: "durable"},
		},
		Server: ServerConfig{
			Address:       ":8080",
			ShutdownGrace: Duration(10 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	c.Dict.Merge(&source.Dict)
	c.Backend.Merge(&source.Backend)
	c.Server.Merge(&source.Server)
	c.Log.Merge(&source.Log)
}

func (c *DictConfig) Merge(source *DictConfig) {
	if source.BatchSize > 0 {
		c.BatchSize = source.BatchSize
	}
	if source.BatchInterval > 0 {
		c.BatchInterval = source.BatchInterval
	}
	if source.MaxRetryAttempts > 0 {
		c.MaxRetryAttempts = source.MaxRetryAttempts
	}
	if source.RetryDelay > 0 {
		c.RetryDelay = source.RetryDelay
	}
	if source.ThrowOnFailure {
		c.ThrowOnFailure = true
	}
	if source.TTL > 0 {
		c.TTL = source.TTL
	}
	if source.SweepInterval > 0 {
		c.SweepInterval = source.SweepInterval
	}
	if source.EvictionDeleteRate > 0 {
		c.EvictionDeleteRate = source.EvictionDeleteRate
	}
}

func (c *ServerConfig) Merge(source *ServerConfig) {
	if source.Address != "" {
		c.Address = source.Address
	}
	if source.Token != "" {
		c.Token = source.Token
	}
	if source.MetricsAddress != "" {
		c.MetricsAddress = source.MetricsAddress
	}
	if source.ShutdownGrace > 0 {
		c.ShutdownGrace = source.ShutdownGrace
	}
}

func (c *LogConfig) Merge(source *LogConfig) {
	if source.Level != "" {
		c.Level = source.Level
	}
	if source.Format != "" {
		c.Format = source.Format
	}
}

// Load reads filename, JSON when the extension is .json and YAML otherwise,
// and merges it over Default.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var loaded Config
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		err = json.Unmarshal(data, &loaded)
	} else {
		err = yaml.UnmarshalStrict(data, &loaded)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	cfg.Merge(&loaded)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings no component can honor.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case KindMemory, KindFile, KindPostgres, KindRedis, KindBadger, KindNATS, KindRemote:
	default:
		return fmt.Errorf("config: unknown backend kind %q", c.Backend.Kind)
	}
	if c.Backend.Kind == KindPostgres && c.Backend.Postgres.DSN == "" {
		return fmt.Errorf("config: backend.postgres.dsn is required")
	}
	if c.Backend.Kind == KindRemote && c.Backend.Remote.URL == "" {
		return fmt.Errorf("config: backend.remote.url is required")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	return nil
}

// Options converts the dict section into dict options. Callers append their
// own logger, metrics and error handlers.
func (c *Config) Options() []dict.Option {
	d := c.Dict
	return []dict.Option{
		dict.WithBatchSize(d.BatchSize),
		dict.WithBatchInterval(d.BatchInterval.Std()),
		dict.WithRetry(d.MaxRetryAttempts, d.RetryDelay.Std()),
		dict.WithThrowOnFailure(d.ThrowOnFailure),
		dict.WithTTL(d.TTL.Std()),
		dict.WithSweepInterval(d.SweepInterval.Std()),
		dict.WithEvictionDeleteRate(d.EvictionDeleteRate),
	}
}

func (c LogConfig) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", c.Level, err)
	}
	return l, nil
}

// Logger builds the process logger on w.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
