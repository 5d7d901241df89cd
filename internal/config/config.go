package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // json, text
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Agent       AgentConfig      `yaml:"agent"`
	STT         STTConfig        `yaml:"stt"`
	TTS         TTSConfig        `yaml:"tts"`
	Gateway     GatewayConfig    `yaml:"gateway"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AgentConfig struct {
	Mode        string  `yaml:"mode"` // adk, ollama, mock
	Endpoint    string  `yaml:"endpoint"`
	AppName     string  `yaml:"app_name"`
	Model       string  `yaml:"model"`
	System      string  `yaml:"system"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	MockReply   string  `yaml:"mock_reply"`
}

type STTConfig struct {
	Mode           string `yaml:"mode"` // exec, http, mock
	Command        string `yaml:"command"`
	ConvertCommand string `yaml:"convert_command"`
	Endpoint       string `yaml:"endpoint"`
	ModelPath      string `yaml:"model_path"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	MockText       string `yaml:"mock_text"`
}

type TTSConfig struct {
	Mode            string `yaml:"mode"` // piper, wyoming, mock
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	UseCUDA         bool   `yaml:"use_cuda"`
	Endpoint        string `yaml:"endpoint"`
	Voice           string `yaml:"voice"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
	Reentrant       bool   `yaml:"reentrant"`
}

type GatewayConfig struct {
	MaxConcurrentStreams int     `yaml:"max_concurrent_streams"`
	MaxUploadBytes       int64   `yaml:"max_upload_bytes"`
	RateLimitRPS         float64 `yaml:"rate_limit_rps"`
	RateLimitBurst       int     `yaml:"rate_limit_burst"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			Role:              "voice-gateway",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Agent: AgentConfig{
			Mode:        "adk",
			Endpoint:    "http://127.0.0.1:8965",
			AppName:     "uon_agent_albeee",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		STT: STTConfig{
			Mode:      "http",
			Endpoint:  "http://localhost:8001/v1/audio/transcriptions",
			Model:     "whisper-1",
			Language:  "en",
			TimeoutMS: 30000,
		},
		TTS: TTSConfig{
			Mode:            "piper",
			Command:         "piper",
			ModelPath:       "./piper_model/en_GB-alba-medium.onnx",
			UseCUDA:         true,
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
		},
		Gateway: GatewayConfig{
			MaxConcurrentStreams: 16,
			MaxUploadBytes:       25 << 20,
			RateLimitBurst:       5,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Agent.Mode, "LOQA_AGENT_MODE")
	overrideString(&cfg.Agent.Endpoint, "LOQA_AGENT_ENDPOINT")
	overrideString(&cfg.Agent.AppName, "LOQA_AGENT_APP_NAME")
	overrideString(&cfg.Agent.Model, "LOQA_AGENT_MODEL")
	overrideString(&cfg.Agent.System, "LOQA_AGENT_SYSTEM")
	overrideInt(&cfg.Agent.MaxTokens, "LOQA_AGENT_MAX_TOKENS")
	overrideFloat(&cfg.Agent.Temperature, "LOQA_AGENT_TEMPERATURE")
	overrideString(&cfg.Agent.MockReply, "LOQA_AGENT_MOCK_REPLY")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ConvertCommand, "LOQA_STT_CONVERT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideString(&cfg.STT.MockText, "LOQA_STT_MOCK_TEXT")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.ModelPath, "LOQA_TTS_MODEL_PATH")
	overrideBool(&cfg.TTS.UseCUDA, "LOQA_TTS_USE_CUDA")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideBool(&cfg.TTS.Reentrant, "LOQA_TTS_REENTRANT")
	overrideInt(&cfg.Gateway.MaxConcurrentStreams, "LOQA_GATEWAY_MAX_CONCURRENT_STREAMS")
	overrideInt64(&cfg.Gateway.MaxUploadBytes, "LOQA_GATEWAY_MAX_UPLOAD_BYTES")
	overrideFloat(&cfg.Gateway.RateLimitRPS, "LOQA_GATEWAY_RATE_LIMIT_RPS")
	overrideInt(&cfg.Gateway.RateLimitBurst, "LOQA_GATEWAY_RATE_LIMIT_BURST")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
			if net.ParseIP(cfg.Bus.Host) == nil {
				return fmt.Errorf("bus.host %q must be an IP address", cfg.Bus.Host)
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.Enabled {
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must exceed node.heartbeat_interval_ms")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Agent.Mode {
	case "adk", "ollama", "mock":
	default:
		return errors.New("agent.mode must be one of adk|ollama|mock")
	}
	if cfg.Agent.Mode != "mock" && cfg.Agent.Endpoint == "" {
		return fmt.Errorf("agent.endpoint must be set when mode=%s", cfg.Agent.Mode)
	}
	if cfg.Agent.Mode == "adk" && cfg.Agent.AppName == "" {
		return errors.New("agent.app_name must be set when mode=adk")
	}
	if cfg.Agent.MaxTokens < 0 {
		return errors.New("agent.max_tokens must be >= 0")
	}
	switch cfg.STT.Mode {
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "http":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=http")
		}
	case "mock":
	default:
		return errors.New("stt.mode must be one of exec|http|mock")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	switch cfg.TTS.Mode {
	case "piper":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=piper")
		}
		if cfg.TTS.ModelPath == "" {
			return errors.New("tts.model_path must be set when mode=piper")
		}
	case "wyoming":
		if cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=wyoming")
		}
	case "mock":
	default:
		return errors.New("tts.mode must be one of piper|wyoming|mock")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.ChunkDurationMS <= 0 {
		return errors.New("tts.chunk_duration_ms must be positive")
	}
	if cfg.Gateway.MaxConcurrentStreams <= 0 {
		return errors.New("gateway.max_concurrent_streams must be >= 1")
	}
	if cfg.Gateway.MaxUploadBytes <= 0 {
		return errors.New("gateway.max_upload_bytes must be positive")
	}
	if cfg.Gateway.RateLimitRPS < 0 {
		return errors.New("gateway.rate_limit_rps must be >= 0")
	}
	if cfg.Gateway.RateLimitRPS > 0 && cfg.Gateway.RateLimitBurst <= 0 {
		return errors.New("gateway.rate_limit_burst must be >= 1 when rate limiting is enabled")
	}
	return nil
}
