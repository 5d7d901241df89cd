package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "voice-gateway", HeartbeatInterval: 50, HeartbeatTimeout: 200}
}

func TestRegistriesDiscoverEachOther(t *testing.T) {
	client := connect(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := NewRegistry(context.Background(), nodeConfig("gpu-node"),
		[]Capability{{Name: "tts", Tier: "cuda"}}, client, logger)
	require.NoError(t, err)
	t.Cleanup(first.Close)

	second, err := NewRegistry(context.Background(), nodeConfig("cpu-node"),
		[]Capability{{Name: "tts", Tier: "cpu"}}, client, logger)
	require.NoError(t, err)
	t.Cleanup(second.Close)

	require.Eventually(t, func() bool {
		return len(first.Query(nil)) == 2
	}, 2*time.Second, 20*time.Millisecond)

	gpu := first.Query(WithCapabilityTier("tts", "cuda"))
	require.Len(t, gpu, 1)
	assert.Equal(t, "gpu-node", gpu[0].ID)
	assert.Equal(t, "voice-gateway", gpu[0].Role)

	require.Eventually(t, func() bool {
		return len(second.Query(WithCapabilityTier("tts", "cuda"))) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, first.Healthy())
}

func TestEvaluateHealthMarksStaleNodes(t *testing.T) {
	r := &Registry{cfg: nodeConfig("self"), nodes: make(map[string]*NodeInfo)}
	now := time.Now()
	r.updateNode("self", "voice-gateway", nil, now)
	r.updateNode("peer", "voice-gateway", nil, now.Add(-time.Second))

	r.evaluateHealth(now)

	assert.True(t, r.Healthy())
	peers := r.Query(func(n NodeInfo) bool { return n.ID == "peer" })
	require.Len(t, peers, 1)
	assert.False(t, peers[0].Healthy)

	nodes, live := r.snapshotCounts()
	assert.Equal(t, int64(2), nodes)
	assert.Equal(t, int64(1), live)
}

func TestDescribe(t *testing.T) {
	cfg := config.Default()
	caps := Describe(cfg, true)
	require.Len(t, caps, 3)
	assert.Equal(t, "tts", caps[0].Name)
	assert.Equal(t, "cuda", caps[0].Tier)
	assert.Equal(t, "22050", caps[0].Attributes["sample_rate"])
	assert.Equal(t, "http", caps[1].Tier)
	assert.Equal(t, "adk", caps[2].Tier)

	assert.Equal(t, "cpu", Describe(cfg, false)[0].Tier)
	cfg.TTS.Mode = "mock"
	assert.Equal(t, "mock", Describe(cfg, false)[0].Tier)
}

func TestNilRegistryIsHealthy(t *testing.T) {
	var r *Registry
	assert.True(t, r.Healthy())
}
