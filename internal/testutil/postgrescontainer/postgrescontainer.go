// Package postgrescontainer starts one throwaway PostgreSQL server per test
// binary through testcontainers.
package postgrescontainer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	image    = "postgres:16-alpine"
	user     = "durable"
	password = "secret"
	dbName   = "durable_test"
)

var (
	mu        sync.Mutex
	container testcontainers.Container
	dsn       string
)

// DSN returns a lib/pq formatted connection string for the running server.
func DSN() string {
	mu.Lock()
	defer mu.Unlock()
	return dsn
}

// Setup launches the container unless it is already running. It fails when
// Docker is unavailable so callers can skip.
func Setup() (err error) {
	mu.Lock()
	defer mu.Unlock()
	if container != nil {
		return nil
	}

	// testcontainers panics on some hosts without a Docker socket.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("postgrescontainer: docker unavailable: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := testcontainers.Run(ctx, image,
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       dbName,
		}),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	if err != nil {
		return fmt.Errorf("postgrescontainer: run: %w", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(c)
		return fmt.Errorf("postgrescontainer: host: %w", err)
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = testcontainers.TerminateContainer(c)
		return fmt.Errorf("postgrescontainer: port: %w", err)
	}

	addr := net.JoinHostPort(host, port.Port())
	d := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, addr, dbName)
	if err := waitForPostgres(ctx, d); err != nil {
		_ = testcontainers.TerminateContainer(c)
		return err
	}
	container, dsn = c, d
	return nil
}

// Teardown stops the container launched by Setup.
func Teardown() error {
	mu.Lock()
	defer mu.Unlock()
	if container == nil {
		return nil
	}
	err := testcontainers.TerminateContainer(container)
	container, dsn = nil, ""
	return err
}

func waitForPostgres(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		err := db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New("postgres container did not become ready in time")
		case <-time.After(200 * time.Millisecond):
		}
	}
}
