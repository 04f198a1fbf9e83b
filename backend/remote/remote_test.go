package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/adeilh/go-durable/backend"
	"github.com/adeilh/go-durable/backend/backendtest"
	"github.com/adeilh/go-durable/codec"
)

func serve(t *testing.T, b backend.Backend[[]byte], opts ...ServerOption) string {
	t.Helper()
	ts := httptest.NewServer(NewServer(b, opts...).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func dial[T any](t *testing.T, url string, c codec.Codec[T], opts ...ClientOption) *Client[T] {
	t.Helper()
	client, err := NewClient(c, append([]ClientOption{WithBaseURL(url)}, opts...)...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConformance(t *testing.T) {
	url := serve(t, backend.NewMemory[[]byte]())
	backendtest.Run(t, func(t *testing.T) backend.Backend[string] {
		return dial[string](t, url, nil)
	})
}

func TestServerStoresEncodedValues(t *testing.T) {
	store := backend.NewMemory[[]byte]()
	url := serve(t, store)
	client := dial[int](t, url, codec.Msgpack[int]{})

	if err := client.Save(context.Background(), "counts", map[string]int{"a": 1}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	raw, ok := store.Snapshot("counts")
	if !ok {
		t.Fatalf("server store has no container")
	}
	want, _ := codec.Msgpack[int]{}.Marshal(1)
	if diff := cmp.Diff(want, raw["a"]); diff != "" {
		t.Fatalf("stored bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestNamesNeedNoEscaping(t *testing.T) {
	url := serve(t, backend.NewMemory[[]byte]())
	client := dial[string](t, url, nil)
	ctx := context.Background()

	for _, name := range []string{"a/b", "100%", "spaces and ?query", "../up"} {
		want := map[string]string{"name": name}
		if err := client.Save(ctx, name, want); err != nil {
			t.Fatalf("Save(%q) error = %v", name, err)
		}
		got, err := client.Load(ctx, name)
		if err != nil {
			t.Fatalf("Load(%q) error = %v", name, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("Load(%q) mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestBearerToken(t *testing.T) {
	url := serve(t, backend.NewMemory[[]byte](), WithToken("s3cret"))
	ctx := context.Background()

	anonymous := dial[string](t, url, nil)
	if _, err := anonymous.Exists(ctx, "c"); err == nil {
		t.Fatalf("Exists() without token succeeded")
	}
	wrong := dial[string](t, url, nil, WithBearer("guess"))
	if _, err := wrong.Exists(ctx, "c"); err == nil {
		t.Fatalf("Exists() with wrong token succeeded")
	}
	authorized := dial[string](t, url, nil, WithBearer("s3cret"))
	if _, err := authorized.Exists(ctx, "c"); err != nil {
		t.Fatalf("Exists() with token error = %v", err)
	}
}

// saveOnly hides the optional interfaces of the wrapped backend.
type saveOnly struct {
	backend.Backend[[]byte]
}

func TestOptionalOperationsUnsupported(t *testing.T) {
	url := serve(t, saveOnly{backend.NewMemory[[]byte]()})
	client := dial[string](t, url, nil)
	ctx := context.Background()

	if err := client.Save(ctx, "c", map[string]string{"a": "1"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := client.LoadLastUpdated(ctx, "c"); !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("LoadLastUpdated() error = %v, want ErrUnsupported", err)
	}
	if err := client.Delete(ctx, "c", "a"); !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("Delete() error = %v, want ErrUnsupported", err)
	}
}

type failing struct {
	backend.Backend[[]byte]
	err error
}

func (f failing) Save(context.Context, string, map[string][]byte) error { return f.err }

func TestErrorsCrossTheWire(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"conflict", backend.ErrConflict, backend.ErrConflict},
		{"closed", backend.ErrClosed, backend.ErrClosed},
		{"corrupt", backend.ErrCorrupt, backend.ErrCorrupt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			url := serve(t, failing{backend.NewMemory[[]byte](), tc.err})
			client := dial[string](t, url, nil)
			err := client.Save(context.Background(), "c", map[string]string{})
			if !errors.Is(err, tc.want) {
				t.Fatalf("Save() error = %v, want %v", err, tc.want)
			}
		})
	}

	t.Run("internal", func(t *testing.T) {
		url := serve(t, failing{backend.NewMemory[[]byte](), errors.New("disk on fire")})
		client := dial[string](t, url, nil)
		err := client.Save(context.Background(), "c", map[string]string{})
		if err == nil || errors.Is(err, backend.ErrConflict) {
			t.Fatalf("Save() error = %v, want a plain failure", err)
		}
	})
}

func TestMalformedName(t *testing.T) {
	url := serve(t, backend.NewMemory[[]byte]())
	resp, err := http.Get(url + "/v1/containers/!!!/exists")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestCanceledContext(t *testing.T) {
	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(block)

	client := dial[string](t, slow.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Exists(ctx, "c"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Exists() error = %v, want DeadlineExceeded", err)
	}
}

func TestClosedClient(t *testing.T) {
	url := serve(t, backend.NewMemory[[]byte]())
	client := dial[string](t, url, nil)
	_ = client.Close()
	if _, err := client.Load(context.Background(), "c"); !errors.Is(err, backend.ErrClosed) {
		t.Fatalf("Load() error = %v, want ErrClosed", err)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient[string](nil); err == nil {
		t.Fatalf("NewClient() without base URL succeeded")
	}
}
