package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adeilh/go-durable/backend"
	"github.com/adeilh/go-durable/backend/backendtest"
	"github.com/adeilh/go-durable/codec"
	"github.com/adeilh/go-durable/internal/testutil/rediscontainer"
)

func newTestBackend(t *testing.T, mr *miniredis.Miniredis) *Backend[string] {
	t.Helper()
	b := New[string](Options{Addr: mr.Addr()}, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConformance(t *testing.T) {
	mr := miniredis.RunT(t)
	backendtest.Run(t, func(t *testing.T) backend.Backend[string] {
		return newTestBackend(t, mr)
	})
}

func TestConformanceRealServer(t *testing.T) {
	addr := rediscontainer.Addr(t)
	backendtest.Run(t, func(t *testing.T) backend.Backend[string] {
		b := New[string](Options{Addr: addr}, nil)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestKeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	b := New[string](Options{Addr: mr.Addr(), KeyPrefix: "app:"}, nil)
	defer b.Close()
	ctx := testContext(t)

	require.NoError(t, b.Save(ctx, "orders", map[string]string{"a": "x"}))

	assert.True(t, mr.Exists("app:orders:meta"))
	assert.Equal(t, `"x"`, mr.HGet("app:orders:entries", "a"))
	assert.NotEmpty(t, mr.HGet("app:orders:updated", "a"))
}

func TestAuthAndSelect(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("secret")
	ctx := testContext(t)

	denied := New[string](Options{Addr: mr.Addr()}, nil)
	defer denied.Close()
	_, err := denied.Exists(ctx, "c")
	require.Error(t, err)

	b := New[string](Options{Addr: mr.Addr(), Password: "secret", DB: 3}, nil)
	defer b.Close()
	require.NoError(t, b.Save(ctx, "c", map[string]string{"k": "v"}))
	assert.True(t, mr.DB(3).Exists("durable:c:meta"))
	assert.False(t, mr.DB(0).Exists("durable:c:meta"))
}

func TestMsgpackCodec(t *testing.T) {
	mr := miniredis.RunT(t)
	b := New[[]int](Options{Addr: mr.Addr()}, codec.Msgpack[[]int]{})
	defer b.Close()
	ctx := testContext(t)

	want := map[string][]int{"primes": {2, 3, 5, 7}}
	require.NoError(t, b.Save(ctx, "c", want))
	got, err := b.Load(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCorruptEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBackend(t, mr)
	ctx := testContext(t)

	mr.Set("durable:c:meta", "1")
	mr.HSet("durable:c:entries", "a", "{not json")

	_, err := b.Load(ctx, "c")
	assert.True(t, errors.Is(err, backend.ErrCorrupt), "Load() error = %v", err)
}

func TestServerErrorKeepsConnectionUsable(t *testing.T) {
	mr := miniredis.RunT(t)
	b := New[string](Options{Addr: mr.Addr(), PoolSize: 1}, nil)
	defer b.Close()
	ctx := testContext(t)

	require.NoError(t, mr.Set("durable:c:entries", "not a hash"))
	err := b.Save(ctx, "c", map[string]string{"a": "1"})
	var reply Error
	require.ErrorAs(t, err, &reply)

	mr.Del("durable:c:entries")
	require.NoError(t, b.Save(ctx, "c", map[string]string{"a": "1"}))
	got, err := b.Load(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1"}, got)
}

func TestDeleteLeavesOtherKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBackend(t, mr)
	ctx := testContext(t)

	require.NoError(t, b.Save(ctx, "c", map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, b.Delete(ctx, "c", "a"))

	updated, err := b.LoadLastUpdated(ctx, "c")
	require.NoError(t, err)
	assert.NotContains(t, updated, "a")
	assert.Contains(t, updated, "b")
}

func TestClosedBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	b := New[string](Options{Addr: mr.Addr()}, nil)
	require.NoError(t, b.Close())

	_, err := b.Exists(context.Background(), "c")
	assert.ErrorIs(t, err, backend.ErrClosed)
	assert.ErrorIs(t, b.Save(context.Background(), "c", nil), backend.ErrClosed)
}

func TestCanceledContext(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBackend(t, mr)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Exists(ctx, "c")
	assert.ErrorIs(t, err, context.Canceled)
}
