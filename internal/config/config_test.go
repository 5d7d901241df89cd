package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Agent.AppName != "uon_agent_albeee" {
		t.Fatalf("expected default app name, got %q", cfg.Agent.AppName)
	}
	if cfg.TTS.SampleRate != 22050 {
		t.Fatalf("expected default sample rate 22050, got %d", cfg.TTS.SampleRate)
	}
	if cfg.Bus.Enabled {
		t.Fatal("expected bus disabled by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_AGENT_MODE", "ollama")
	t.Setenv("LOQA_AGENT_ENDPOINT", "http://ollama:11434")
	t.Setenv("LOQA_AGENT_TEMPERATURE", "0.2")
	t.Setenv("LOQA_STT_MODE", "exec")
	t.Setenv("LOQA_STT_COMMAND", "whisper-cli")
	t.Setenv("LOQA_STT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_TTS_USE_CUDA", "false")
	t.Setenv("LOQA_TTS_REENTRANT", "true")
	t.Setenv("LOQA_GATEWAY_MAX_UPLOAD_BYTES", "1024")
	t.Setenv("LOQA_GATEWAY_RATE_LIMIT_RPS", "2.5")
	t.Setenv("LOQA_NODE_ID", "edge-7")
	t.Setenv("LOQA_BUS_HOST", "0.0.0.0")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Agent.Mode != "ollama" || cfg.Agent.Endpoint != "http://ollama:11434" {
		t.Fatalf("expected agent overrides, got %+v", cfg.Agent)
	}
	if cfg.Agent.Temperature != 0.2 {
		t.Fatalf("expected temperature 0.2, got %v", cfg.Agent.Temperature)
	}
	if cfg.STT.Mode != "exec" || cfg.STT.Command != "whisper-cli" || cfg.STT.TimeoutMS != 5000 {
		t.Fatalf("expected stt overrides, got %+v", cfg.STT)
	}
	if cfg.TTS.UseCUDA || !cfg.TTS.Reentrant {
		t.Fatalf("expected tts overrides, got %+v", cfg.TTS)
	}
	if cfg.Gateway.MaxUploadBytes != 1024 || cfg.Gateway.RateLimitRPS != 2.5 {
		t.Fatalf("expected gateway overrides, got %+v", cfg.Gateway)
	}
	if cfg.Node.ID != "edge-7" {
		t.Fatalf("expected node id override, got %q", cfg.Node.ID)
	}
	if cfg.Bus.Host != "0.0.0.0" {
		t.Fatalf("expected bus host override, got %q", cfg.Bus.Host)
	}
}

func TestValidateBusHost(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_HOST", "not-an-ip")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for non-IP bus host")
	}
}

func TestValidateNodeHeartbeat(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "1000")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "heartbeat_timeout_ms") {
		t.Fatalf("expected heartbeat validation error, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-voice.yaml")
	data := `
runtime_name: voice-test
agent:
  mode: mock
  mock_reply: "Hello there."
tts:
  mode: mock
  sample_rate: 16000
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "voice-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Agent.Mode != "mock" || cfg.Agent.MockReply != "Hello there." {
		t.Fatalf("unexpected agent config %+v", cfg.Agent)
	}
	if cfg.TTS.SampleRate != 16000 || cfg.TTS.ChunkDurationMS != 400 {
		t.Fatalf("expected file values merged over defaults, got %+v", cfg.TTS)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"LOQA_AGENT_MODE":                     "openai",
		"LOQA_TTS_MODE":                       "espeak",
		"LOQA_STT_TIMEOUT_MS":                 "0",
		"LOQA_GATEWAY_MAX_CONCURRENT_STREAMS": "0",
		"LOQA_EVENT_STORE_RETENTION_MODE":     "forever",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s=%s", key, value)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "loqa-voice.yaml"))
	if err != nil {
		t.Fatalf("sample config should load: %v", err)
	}
	if cfg.TTS.SampleRate != 22050 || cfg.Agent.AppName != "uon_agent_albeee" {
		t.Fatalf("unexpected sample values: %+v", cfg)
	}
}
