package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

func mockConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Agent.Mode = "mock"
	cfg.Agent.MockReply = "Sure. Done."
	cfg.STT.Mode = "mock"
	cfg.TTS.Mode = "mock"
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startRuntime runs rt until the test ends and returns its base URL once ready.
func startRuntime(t *testing.T, rt *Runtime) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("runtime did not stop")
		}
	})

	require.Eventually(t, func() bool {
		if rt.Addr() == "" {
			return false
		}
		resp, err := http.Get("http://" + rt.Addr() + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return "http://" + rt.Addr()
}

func TestRuntimeServesGateway(t *testing.T) {
	base := startRuntime(t, New(mockConfig(t), quietLogger()))

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/uid/u1/sid/s1/init")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/uid/u1/sid/s1/ask", "application/json", strings.NewReader(`{"prompt":"hello"}`))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(string(body), `data: {"type":"header"`))
	assert.True(t, strings.HasSuffix(string(body), "data: {\"type\":\"done\"}\n\n"))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRuntimeAnnouncesOnEmbeddedBus(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.Node.ID = "test-node"
	base := startRuntime(t, New(cfg, quietLogger()))

	resp, err := http.Get(base + "/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	var nodes []capability.NodeInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "test-node", nodes[0].ID)
	assert.True(t, nodes[0].Healthy)
	require.Len(t, nodes[0].Capabilities, 3)
	assert.Equal(t, "mock", nodes[0].Capabilities[0].Tier)
}

func TestRuntimeFailsWithoutVoiceModel(t *testing.T) {
	cfg := mockConfig(t)
	cfg.TTS.Mode = "piper"
	cfg.TTS.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")

	err := New(cfg, quietLogger()).Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, tts.ErrModelMissing))
}

func TestVoiceResourceDescribesNode(t *testing.T) {
	cfg := mockConfig(t)
	cfg.RuntimeName = "loqa-voice-edge"
	cfg.Environment = "staging"

	attrs := voiceResource(cfg).Set()
	name, ok := attrs.Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "loqa-voice-edge", name.AsString())
	env, _ := attrs.Value(semconv.DeploymentEnvironmentNameKey)
	assert.Equal(t, "staging", env.AsString())
	mode, _ := attrs.Value("loqa.voice.tts_mode")
	assert.Equal(t, "mock", mode.AsString())
	_, ok = attrs.Value(semconv.ServiceInstanceIDKey)
	assert.False(t, ok, "node identity only applies with the bus enabled")

	cfg.Bus.Enabled = true
	cfg.Node.ID = "edge-7"
	attrs = voiceResource(cfg).Set()
	id, ok := attrs.Value(semconv.ServiceInstanceIDKey)
	require.True(t, ok)
	assert.Equal(t, "edge-7", id.AsString())
	role, _ := attrs.Value("loqa.voice.node_role")
	assert.Equal(t, "voice-gateway", role.AsString())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.TelemetryConfig{LogLevel: "warn", LogFormat: "text"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")

	buf.Reset()
	logger = NewLogger(config.TelemetryConfig{LogLevel: "debug", LogFormat: "json"}, &buf)
	logger.Debug("detail")
	assert.Contains(t, buf.String(), `"msg":"detail"`)
}
