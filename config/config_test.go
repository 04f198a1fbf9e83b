package config

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/adeilh/go-durable/backend"
	"github.com/adeilh/go-durable/backend/badger"
	"github.com/adeilh/go-durable/backend/file"
	"github.com/adeilh/go-durable/backend/remote"
	"github.com/adeilh/go-durable/dict"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAMLMergesOverDefaults(t *testing.T) {
	t.Setenv("DURABLE_TEST_DIR", "/var/lib/durable")
	path := writeFile(t, "durable.yaml", `
dict:
  batch_size: 10
  ttl: 30m
  retry_delay: 50ms
backend:
  kind: file
  codec: msgpack+zstd
  file:
    dir: ${DURABLE_TEST_DIR}
    compress: true
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	want.Dict.BatchSize = 10
	want.Dict.TTL = Duration(30 * time.Minute)
	want.Dict.RetryDelay = Duration(50 * time.Millisecond)
	want.Backend.Kind = KindFile
	want.Backend.Codec = "msgpack+zstd"
	want.Backend.File = FileConfig{Dir: "/var/lib/durable", Compress: true}
	want.Log.Level = "debug"
	if diff := cmp.Diff(want, *cfg); diff != "" {
		t.Fatalf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "durable.json", `{
  "dict": {"batch_interval": "1s", "max_retry_attempts": 5, "throw_on_failure": true},
  "backend": {"kind": "remote", "remote": {"url": "http://store:8080", "timeout": 2000000000}},
  "server": {"address": ":9090"}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Dict.BatchInterval.Std() != time.Second {
		t.Fatalf("BatchInterval = %v, want 1s", cfg.Dict.BatchInterval)
	}
	if cfg.Dict.MaxRetryAttempts != 5 || !cfg.Dict.ThrowOnFailure {
		t.Fatalf("Dict = %+v", cfg.Dict)
	}
	if cfg.Backend.Remote.Timeout.Std() != 2*time.Second {
		t.Fatalf("Remote.Timeout = %v, want 2s", cfg.Backend.Remote.Timeout)
	}
	if cfg.Server.Address != ":9090" || cfg.Server.ShutdownGrace.Std() != 10*time.Second {
		t.Fatalf("Server = %+v", cfg.Server)
	}
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "dict:\n  batchsize: 3\n",
		"bad duration":   "dict:\n  ttl: forever\n",
		"unknown kind":   "backend:\n  kind: floppy\n",
		"postgres dsn":   "backend:\n  kind: postgres\n",
		"remote url":     "backend:\n  kind: remote\n",
		"bad log level":  "log:\n  level: loud\n",
		"not a document": "[1, 2",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "durable.yaml", content)); err == nil {
				t.Fatalf("Load() accepted %q", content)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load() of a missing file succeeded")
	}
}

func TestDurationRoundTripsAsString(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	data, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	if string(data) != `"1.5s"` {
		t.Fatalf("MarshalJSON() = %s", data)
	}
	var back Duration
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	if back != d {
		t.Fatalf("UnmarshalJSON() = %v, want %v", back, d)
	}
}

func TestOptions(t *testing.T) {
	cfg := Default()
	cfg.Dict.TTL = Duration(time.Hour)
	cfg.Dict.SweepInterval = Duration(time.Minute)
	cfg.Dict.EvictionDeleteRate = 25
	cfg.Dict.ThrowOnFailure = true

	var got dict.Options
	for _, opt := range cfg.Options() {
		opt(&got)
	}
	if got.BatchSize != 100 || got.BatchInterval != 5*time.Second {
		t.Fatalf("batch options = %d, %v", got.BatchSize, got.BatchInterval)
	}
	if got.MaxRetryAttempts != 3 || got.RetryDelay != 200*time.Millisecond {
		t.Fatalf("retry options = %d, %v", got.MaxRetryAttempts, got.RetryDelay)
	}
	if got.TTL != time.Hour || got.SweepInterval != time.Minute || got.EvictionDeleteRate != 25 {
		t.Fatalf("eviction options = %v, %v, %v", got.TTL, got.SweepInterval, got.EvictionDeleteRate)
	}
	if !got.ThrowOnFailure {
		t.Fatalf("ThrowOnFailure not applied")
	}
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(remote.NewServer(backend.NewMemory[[]byte]()).Handler())
	defer srv.Close()

	cases := []struct {
		name  string
		cfg   BackendConfig
		check func(backend.Backend[string]) bool
	}{
		{"memory", BackendConfig{Kind: KindMemory}, func(b backend.Backend[string]) bool {
			_, ok := b.(*backend.Memory[string])
			return ok
		}},
		{"file", BackendConfig{Kind: KindFile, File: FileConfig{Dir: t.TempDir()}}, func(b backend.Backend[string]) bool {
			_, ok := b.(*file.Backend[string])
			return ok
		}},
		{"badger", BackendConfig{Kind: KindBadger, Codec: "msgpack", Badger: BadgerConfig{InMemory: true}}, func(b backend.Backend[string]) bool {
			_, ok := b.(*badger.Backend[string])
			return ok
		}},
		{"remote", BackendConfig{Kind: KindRemote, Remote: RemoteConfig{URL: srv.URL}}, func(b backend.Backend[string]) bool {
			_, ok := b.(*remote.Client[string])
			return ok
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := OpenBackend[string](ctx, tc.cfg, nil, nil)
			if err != nil {
				t.Fatalf("OpenBackend() error = %v", err)
			}
			defer b.Close()
			if !tc.check(b) {
				t.Fatalf("OpenBackend() = %T", b)
			}
			want := map[string]string{"k": "v"}
			if err := b.Save(ctx, "c", want); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			got, err := b.Load(ctx, "c")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := OpenBackend[string](ctx, BackendConfig{Kind: KindMemory, Codec: "xml"}, nil, nil); err == nil {
		t.Fatalf("OpenBackend() accepted an unknown codec")
	}
	if _, err := OpenBackend[string](ctx, BackendConfig{Kind: "floppy"}, nil, nil); err == nil {
		t.Fatalf("OpenBackend() accepted an unknown kind")
	}
}
