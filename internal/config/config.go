package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	MetricsPath  string `yaml:"metrics_path"`
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
	Session     SessionConfig    `yaml:"session"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
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

// SessionConfig shapes each client connection.
type SessionConfig struct {
	DefaultLanguage    string            `yaml:"default_language"`
	FallbackUtterances map[string]string `yaml:"fallback_utterances"`
	OutboundQueueSize  int               `yaml:"outbound_queue_size"`
	PriorityQueueSize  int               `yaml:"priority_queue_size"`
	WriteTimeoutMS     int               `yaml:"write_timeout_ms"`
	ReadLimitBytes     int64             `yaml:"read_limit_bytes"`
	AllowedOrigins     []string          `yaml:"allowed_origins"`
}

type STTConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Mode             string `yaml:"mode"` // mock, deepgram, exec
	APIKey           string `yaml:"api_key"`
	Endpoint         string `yaml:"endpoint"`
	Model            string `yaml:"model"`
	Command          string `yaml:"command"`
	ModelPath        string `yaml:"model_path"`
	Language         string `yaml:"language"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	StopTimeoutMS    int    `yaml:"stop_timeout_ms"`
	KeepAliveMS      int    `yaml:"keepalive_ms"`
	UtteranceEndMS   int    `yaml:"utterance_end_ms"`
	EndpointingMS    int    `yaml:"endpointing_ms"`
	InterimResults   bool   `yaml:"interim_results"`
}

type LLMConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Mode         string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint     string  `yaml:"endpoint"`
	APIKey       string  `yaml:"api_key"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TimeoutMS    int     `yaml:"timeout_ms"`
	SystemPrompt string  `yaml:"system_prompt"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec, elevenlabs, elevenlabs_rest, deepgram, sarvam
	FallbackMode    string `yaml:"fallback_mode"`
	APIKey          string `yaml:"api_key"`
	FallbackAPIKey  string `yaml:"fallback_api_key"`
	Endpoint        string `yaml:"endpoint"`
	Command         string `yaml:"command"`
	Voice           string `yaml:"voice"`
	Model           string `yaml:"model"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
	CancelTimeoutMS int    `yaml:"cancel_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			MetricsPath:  "/metrics",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "voice",
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			Role:              "voice-gateway",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Session: SessionConfig{
			DefaultLanguage: "en-IN",
			FallbackUtterances: map[string]string{
				"default": "Sorry, I could not put an answer together just now. Could you ask that again?",
			},
			OutboundQueueSize: 256,
			PriorityQueueSize: 16,
			WriteTimeoutMS:    5000,
			ReadLimitBytes:    1 << 20,
		},
		STT: STTConfig{
			Enabled:          true,
			Mode:             "mock",
			Endpoint:         "wss://api.deepgram.com/v1/listen",
			Model:            "nova-3",
			SampleRate:       16000,
			Channels:         1,
			ConnectTimeoutMS: 5000,
			StopTimeoutMS:    1000,
			KeepAliveMS:      5000,
			UtteranceEndMS:   1000,
			EndpointingMS:    300,
			InterimResults:   true,
		},
		LLM: LLMConfig{
			Enabled:      true,
			Mode:         "mock",
			MaxTokens:    256,
			Temperature:  0.7,
			TimeoutMS:    8000,
			SystemPrompt: "You are a patient tutor speaking with a student. Reply briefly and conversationally in {language}.",
		},
		TTS: TTSConfig{
			Enabled:         true,
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			ChunkDurationMS: 200,
			CancelTimeoutMS: 50,
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
	applyProviderKeys(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FallbackUtterance returns the configured apology for language, falling back
// to the base language ("en" for "en-IN") and then to the "default" entry.
func (c SessionConfig) FallbackUtterance(language string) string {
	if text, ok := c.FallbackUtterances[language]; ok && text != "" {
		return text
	}
	if base, _, found := strings.Cut(language, "-"); found {
		if text, ok := c.FallbackUtterances[base]; ok && text != "" {
			return text
		}
	}
	return c.FallbackUtterances["default"]
}

func (c SessionConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

func (c STTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

func (c STTConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMS) * time.Millisecond
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c TTSConfig) CancelTimeout() time.Duration {
	return time.Duration(c.CancelTimeoutMS) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.MetricsPath, "LOQA_TELEMETRY_METRICS_PATH")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Session.DefaultLanguage, "LOQA_SESSION_DEFAULT_LANGUAGE")
	overrideMapEntry(cfg.Session.FallbackUtterances, "default", "LOQA_SESSION_FALLBACK_UTTERANCE")
	overrideInt(&cfg.Session.OutboundQueueSize, "LOQA_SESSION_OUTBOUND_QUEUE_SIZE")
	overrideInt(&cfg.Session.PriorityQueueSize, "LOQA_SESSION_PRIORITY_QUEUE_SIZE")
	overrideInt(&cfg.Session.WriteTimeoutMS, "LOQA_SESSION_WRITE_TIMEOUT_MS")
	overrideStringSlice(&cfg.Session.AllowedOrigins, "LOQA_SESSION_ALLOWED_ORIGINS")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.ConnectTimeoutMS, "LOQA_STT_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.STT.StopTimeoutMS, "LOQA_STT_STOP_TIMEOUT_MS")
	overrideInt(&cfg.STT.KeepAliveMS, "LOQA_STT_KEEPALIVE_MS")
	overrideInt(&cfg.STT.UtteranceEndMS, "LOQA_STT_UTTERANCE_END_MS")
	overrideInt(&cfg.STT.EndpointingMS, "LOQA_STT_ENDPOINTING_MS")
	overrideBool(&cfg.STT.InterimResults, "LOQA_STT_INTERIM_RESULTS")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideString(&cfg.LLM.SystemPrompt, "LOQA_LLM_SYSTEM_PROMPT")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.FallbackMode, "LOQA_TTS_FALLBACK_MODE")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.FallbackAPIKey, "LOQA_TTS_FALLBACK_API_KEY")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.CancelTimeoutMS, "LOQA_TTS_CANCEL_TIMEOUT_MS")
}

// applyProviderKeys fills empty credentials from the variables each vendor
// documents, so an existing .env works without LOQA_ prefixes.
func applyProviderKeys(cfg *Config) {
	if cfg.STT.APIKey == "" && cfg.STT.Mode == "deepgram" {
		overrideString(&cfg.STT.APIKey, "DEEPGRAM_API_KEY")
	}
	if cfg.TTS.APIKey == "" {
		overrideString(&cfg.TTS.APIKey, providerKeyEnv(cfg.TTS.Mode))
	}
	if cfg.TTS.FallbackAPIKey == "" {
		overrideString(&cfg.TTS.FallbackAPIKey, providerKeyEnv(cfg.TTS.FallbackMode))
	}
	if cfg.LLM.APIKey == "" && cfg.LLM.Mode == "openai" {
		overrideString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	}
}

func providerKeyEnv(mode string) string {
	switch mode {
	case "elevenlabs", "elevenlabs_rest":
		return "ELEVENLABS_API_KEY"
	case "deepgram":
		return "DEEPGRAM_API_KEY"
	case "sarvam":
		return "SARVAM_API_KEY"
	}
	return ""
}

func overrideString(target *string, envKey string) {
	if envKey == "" {
		return
	}
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

func overrideMapEntry(target map[string]string, key, envKey string) {
	if target == nil {
		return
	}
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		target[key] = value
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.MetricsPath == "" || !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		return errors.New("telemetry.metrics_path must start with /")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
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
	if cfg.Session.DefaultLanguage == "" {
		return errors.New("session.default_language must not be empty")
	}
	if cfg.Session.FallbackUtterances["default"] == "" {
		return errors.New("session.fallback_utterances must contain a default entry")
	}
	if cfg.Session.OutboundQueueSize <= 0 || cfg.Session.PriorityQueueSize <= 0 {
		return errors.New("session queue sizes must be positive")
	}
	if cfg.Session.WriteTimeoutMS <= 0 {
		return errors.New("session.write_timeout_ms must be positive")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "deepgram", "exec":
		default:
			return errors.New("stt.mode must be one of mock|deepgram|exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.ConnectTimeoutMS <= 0 || cfg.STT.StopTimeoutMS <= 0 {
			return errors.New("stt connect and stop timeouts must be positive")
		}
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec", "openai":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec|openai")
		}
		if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
		if cfg.LLM.TimeoutMS <= 0 {
			return errors.New("llm.timeout_ms must be positive")
		}
	}
	if cfg.TTS.Enabled {
		if !validTTSMode(cfg.TTS.Mode) {
			return errors.New("tts.mode must be one of mock|exec|elevenlabs|elevenlabs_rest|deepgram|sarvam")
		}
		if cfg.TTS.FallbackMode != "" && !validTTSMode(cfg.TTS.FallbackMode) {
			return errors.New("tts.fallback_mode must be empty or a valid tts mode")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.CancelTimeoutMS <= 0 {
			return errors.New("tts.cancel_timeout_ms must be positive")
		}
	}
	return nil
}

func validTTSMode(mode string) bool {
	switch mode {
	case "mock", "exec", "elevenlabs", "elevenlabs_rest", "deepgram", "sarvam":
		return true
	}
	return false
}
