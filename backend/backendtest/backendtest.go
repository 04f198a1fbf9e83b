// Package backendtest holds a conformance suite every backend.Backend
// implementation runs in its own tests.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/adeilh/go-durable/backend"
)

const timeout = 10 * time.Second

// Factory opens a fresh backend for one subtest.
type Factory func(t *testing.T) backend.Backend[string]

// Run exercises the backend contract. Container names are unique per
// subtest so a shared server can be reused.
func Run(t *testing.T, open Factory) {
	t.Helper()

	t.Run("MissingContainer", func(t *testing.T) {
		b := open(t)
		ctx := newContext(t)
		name := uniqueName(t)

		ok, err := b.Exists(ctx, name)
		if err != nil {
			t.Fatalf("Exists() error = %v", err)
		}
		if ok {
			t.Fatalf("Exists() = true for a container never saved")
		}
		if _, err := b.Load(ctx, name); !errors.Is(err, backend.ErrNotFound) {
			t.Fatalf("Load() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("SaveLoadRoundTrip", func(t *testing.T) {
		b := open(t)
		ctx := newContext(t)
		name := uniqueName(t)
		want := map[string]string{"a": "1", "b": "2", "c": "three"}

		if err := b.Save(ctx, name, want); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		ok, err := b.Exists(ctx, name)
		if err != nil || !ok {
			t.Fatalf("Exists() = %v, %v; want true, nil", ok, err)
		}
		got, err := b.Load(ctx, name)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("Load() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("SaveReplacesSnapshot", func(t *testing.T) {
		b := open(t)
		ctx := newContext(t)
		name := uniqueName(t)

		if err := b.Save(ctx, name, map[string]string{"a": "1", "b": "2"}); err != nil {
			t.Fatalf("first Save() error = %v", err)
		}
		want := map[string]string{"b": "22", "c": "3"}
		if err := b.Save(ctx, name, want); err != nil {
			t.Fatalf("second Save() error = %v", err)
		}
		got, err := b.Load(ctx, name)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("Load() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("EmptySnapshotExists", func(t *testing.T) {
		b := open(t)
		ctx := newContext(t)
		name := uniqueName(t)

		if err := b.Save(ctx, name, map[string]string{}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		ok, err := b.Exists(ctx, name)
		if err != nil || !ok {
			t.Fatalf("Exists() = %v, %v; want true, nil", ok, err)
		}
		got, err := b.Load(ctx, name)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("Load() = %v, want empty", got)
		}
	})

	t.Run("ContainersAreIsolated", func(t *testing.T) {
		b := open(t)
		ctx := newContext(t)
		first, second := uniqueName(t)+"-1", uniqueName(t)+"-2"

		if err := b.Save(ctx, first, map[string]string{"k": "first"}); err != nil {
			t.Fatalf("Save(first) error = %v", err)
		}
		if err := b.Save(ctx, second, map[string]string{"k": "second"}); err != nil {
			t.Fatalf("Save(second) error = %v", err)
		}
		got, err := b.Load(ctx, first)
		if err != nil {
			t.Fatalf("Load(first) error = %v", err)
		}
		if got["k"] != "first" {
			t.Fatalf("Load(first)[k] = %q, want first", got["k"])
		}
	})

	t.Run("LastUpdated", func(t *testing.T) {
		b := open(t)
		loader, ok := b.(backend.LastUpdatedLoader)
		if !ok {
			t.Skip("backend does not track per-key update times")
		}
		ctx := newContext(t)
		name := uniqueName(t)

		if err := b.Save(ctx, name, map[string]string{"same": "v", "changed": "v1"}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		before, err := loader.LoadLastUpdated(ctx, name)
		if err != nil {
			t.Fatalf("LoadLastUpdated() error = %v", err)
		}
		if len(before) != 2 {
			t.Fatalf("LoadLastUpdated() = %v, want 2 keys", before)
		}

		time.Sleep(20 * time.Millisecond)
		if err := b.Save(ctx, name, map[string]string{"same": "v", "changed": "v2"}); err != nil {
			t.Fatalf("second Save() error = %v", err)
		}
		after, err := loader.LoadLastUpdated(ctx, name)
		if err != nil {
			t.Fatalf("LoadLastUpdated() error = %v", err)
		}
		if !after["same"].Equal(before["same"]) {
			t.Fatalf("unchanged key restamped: %v -> %v", before["same"], after["same"])
		}
		if !after["changed"].After(before["changed"]) {
			t.Fatalf("changed key not restamped: %v -> %v", before["changed"], after["changed"])
		}
	})

	t.Run("Delete", func(t *testing.T) {
		b := open(t)
		deleter, ok := b.(backend.Deleter)
		if !ok {
			t.Skip("backend does not support key deletion")
		}
		ctx := newContext(t)
		name := uniqueName(t)

		if err := b.Save(ctx, name, map[string]string{"a": "1", "b": "2"}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if err := deleter.Delete(ctx, name, "a", "missing"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		got, err := b.Load(ctx, name)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if diff := cmp.Diff(map[string]string{"b": "2"}, got); diff != "" {
			t.Fatalf("Load() after Delete mismatch (-want +got):\n%s", diff)
		}
	})
}

func newContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

func uniqueName(t *testing.T) string {
	return fmt.Sprintf("bt-%d", time.Now().UnixNano())
}
