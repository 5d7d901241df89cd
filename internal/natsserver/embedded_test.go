package natsserver

import (
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEmbedded(t *testing.T, host string) *EmbeddedServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Start(config.BusConfig{Embedded: true, Host: host, Port: -1, StoreDir: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestStartDefaultsToLoopback(t *testing.T) {
	srv := startEmbedded(t, "")

	addr, ok := srv.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.True(t, addr.IP.IsLoopback(), "bound to %s", addr)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	nc.Close()
}

func TestStartBindsConfiguredHost(t *testing.T) {
	srv := startEmbedded(t, "0.0.0.0")

	addr, ok := srv.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.True(t, addr.IP.IsUnspecified(), "bound to %s", addr)
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Nil(t, srv)
	assert.Empty(t, srv.ClientURL())
	assert.Nil(t, srv.Addr())
}
