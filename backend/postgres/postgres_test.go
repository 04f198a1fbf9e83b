package postgres

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/adeilh/go-durable/backend"
	"github.com/adeilh/go-durable/backend/backendtest"
	testpg "github.com/adeilh/go-durable/internal/testutil/postgrescontainer"
)

const testTimeout = 10 * time.Second

var setupErr error

func TestMain(m *testing.M) {
	flag.Parse()
	if !testing.Short() {
		setupErr = testpg.Setup()
	} else {
		setupErr = errors.New("short mode")
	}
	if setupErr != nil {
		fmt.Println("postgres backend tests needing a database will be skipped:", setupErr)
	}

	code := m.Run()

	if err := testpg.Teardown(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: failed to stop postgres test container:", err)
	}
	os.Exit(code)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if setupErr != nil {
		t.Skip("postgres unavailable:", setupErr)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	db, err := Open(ctx, WithDSN(testpg.DSN()))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConformance(t *testing.T) {
	db := openTestDB(t)
	backendtest.Run(t, func(t *testing.T) backend.Backend[string] {
		return New[string](db, nil)
	})
}

func TestDeleteContainerCascades(t *testing.T) {
	db := openTestDB(t)
	b := New[string](db, nil)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := b.Save(ctx, "cascade", map[string]string{"a": "1"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM durable_containers WHERE name = $1`, "cascade"); err != nil {
		t.Fatalf("delete container row: %v", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM durable_entries WHERE container = $1`, "cascade").Scan(&n); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if n != 0 {
		t.Fatalf("entries left after container delete: %d", n)
	}
}

func TestCloseLeavesSharedPoolOpen(t *testing.T) {
	db := openTestDB(t)
	b := New[string](db, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("shared pool closed: %v", err)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background()); !errors.Is(err, ErrMissingDSN) {
		t.Fatalf("Open() error = %v, want ErrMissingDSN", err)
	}
}

func TestTranslateError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"serialization", &pq.Error{Code: "40001"}, ErrConflict},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrConflict},
		{"undefined table", &pq.Error{Code: "42P01"}, ErrSchemaMissing},
		{"conn done", sql.ErrConnDone, backend.ErrClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := translateError(tc.in); !errors.Is(got, tc.want) {
				t.Fatalf("translateError(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
	if translateError(nil) != nil {
		t.Fatalf("translateError(nil) != nil")
	}
	other := errors.New("other")
	if translateError(other) != other {
		t.Fatalf("unrelated error was rewritten")
	}
}
