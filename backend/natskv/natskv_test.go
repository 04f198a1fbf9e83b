package natskv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adeilh/go-durable/backend"
	"github.com/adeilh/go-durable/backend/backendtest"
	"github.com/adeilh/go-durable/internal/testutil/natscontainer"
)

func open(t *testing.T, natsURL, bucket string) *Backend[string] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := New[string](ctx, Options{Connect: ConnectURL(natsURL), Bucket: bucket, Memory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackend(t *testing.T) {
	natsURL := natscontainer.URL(t)

	t.Run("Conformance", func(t *testing.T) {
		backendtest.Run(t, func(t *testing.T) backend.Backend[string] {
			return open(t, natsURL, "conformance")
		})
	})

	t.Run("ConcurrentWriterConflicts", func(t *testing.T) {
		ctx := t.Context()
		b := open(t, natsURL, "conflict")
		require.NoError(t, b.Save(ctx, "c", map[string]string{"a": "1"}))

		_, rev, err := b.read(ctx, "c")
		require.NoError(t, err)
		require.NoError(t, b.Save(ctx, "c", map[string]string{"a": "2"}))

		err = b.write(ctx, "c", document{Entries: map[string][]byte{}, Updated: map[string]int64{}}, rev)
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("NamesOutsideKeyAlphabet", func(t *testing.T) {
		ctx := t.Context()
		b := open(t, natsURL, "names")
		want := map[string]string{"k": "v"}
		require.NoError(t, b.Save(ctx, "users/eu west*", want))

		got, err := b.Load(ctx, "users/eu west*")
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("CorruptDocumentIsOverwritten", func(t *testing.T) {
		ctx := t.Context()
		b := open(t, natsURL, "corrupt")
		_, err := b.kv.Put(ctx, key("c"), []byte("{not json"))
		require.NoError(t, err)

		_, err = b.Load(ctx, "c")
		require.ErrorIs(t, err, backend.ErrCorrupt)

		require.NoError(t, b.Save(ctx, "c", map[string]string{"a": "1"}))
		got, err := b.Load(ctx, "c")
		require.NoError(t, err)
		require.Equal(t, map[string]string{"a": "1"}, got)
	})

	t.Run("Closed", func(t *testing.T) {
		b := open(t, natsURL, "closed")
		require.NoError(t, b.Close())
		_, err := b.Load(t.Context(), "c")
		require.True(t, errors.Is(err, backend.ErrClosed))
		require.NoError(t, b.Close())
	})
}

func TestKeyUsesSafeAlphabet(t *testing.T) {
	for _, name := range []string{"plain", "a.b", "with space", "slash/and*star", "ünïcode"} {
		k := key(name)
		for _, r := range k {
			ok := r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			require.Truef(t, ok, "key(%q) = %q contains %q", name, k, r)
		}
	}
}
