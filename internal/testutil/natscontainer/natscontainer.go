// Package natscontainer runs a JetStream enabled NATS server for tests.
package natscontainer

import (
	"fmt"
	"net"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// URL starts a server scoped to t and returns its client URL. The test is
// skipped in short mode or when Docker is unavailable.
func URL(t *testing.T) (natsURL string) {
	t.Helper()
	if testing.Short() {
		t.Skip("nats container skipped in short mode")
	}
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker unavailable: %v", r)
		}
	}()

	ctx := t.Context()
	c, err := testcontainers.Run(
		ctx, "nats:latest",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	if err != nil {
		t.Skipf("nats container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(c); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("nats host: %v", err)
	}
	port, err := c.MappedPort(ctx, "4222/tcp")
	if err != nil {
		t.Fatalf("nats port: %v", err)
	}
	natsURL = fmt.Sprintf("nats://%s", net.JoinHostPort(host, port.Port()))
	t.Logf("nats url: %s", natsURL)
	return natsURL
}
