// Package testutil provides shared helpers for service tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/openscribe/scribe-core/internal/bus"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/natsserver"
)

// Logger returns a slog.Logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// StartBus runs an embedded NATS server on a random port and connects a
// client to it. Both are torn down with the test.
func StartBus(t *testing.T) *bus.Client {
	t.Helper()

	srv, err := natsserver.Start(config.BusConfig{
		Embedded: true,
		Port:     -1, // random free port
		StoreDir: t.TempDir(),
	}, Logger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, Logger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}
