package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.STT.ConnectTimeout() != 5*time.Second {
		t.Fatalf("expected 5s connect timeout, got %s", cfg.STT.ConnectTimeout())
	}
	if cfg.STT.StopTimeout() != time.Second {
		t.Fatalf("expected 1s stop timeout, got %s", cfg.STT.StopTimeout())
	}
	if cfg.TTS.CancelTimeout() != 50*time.Millisecond {
		t.Fatalf("expected 50ms cancel timeout, got %s", cfg.TTS.CancelTimeout())
	}
	if cfg.Session.FallbackUtterance("fr-FR") == "" {
		t.Fatal("expected default fallback utterance")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_STT_MODE", "deepgram")
	t.Setenv("LOQA_LLM_TIMEOUT_MS", "2500")
	t.Setenv("LOQA_TTS_MODE", "elevenlabs")
	t.Setenv("LOQA_TTS_FALLBACK_MODE", "elevenlabs_rest")
	t.Setenv("LOQA_TTS_CANCEL_TIMEOUT_MS", "30")
	t.Setenv("LOQA_SESSION_FALLBACK_UTTERANCE", "One moment please.")

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
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Node.ID != "test-node" || cfg.Node.HeartbeatInterval != 1500 {
		t.Fatalf("expected node overrides, got %+v", cfg.Node)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.STT.Mode != "deepgram" {
		t.Fatalf("expected stt mode override, got %s", cfg.STT.Mode)
	}
	if cfg.LLM.Timeout() != 2500*time.Millisecond {
		t.Fatalf("expected llm timeout override, got %s", cfg.LLM.Timeout())
	}
	if cfg.TTS.Mode != "elevenlabs" || cfg.TTS.FallbackMode != "elevenlabs_rest" || cfg.TTS.CancelTimeoutMS != 30 {
		t.Fatalf("expected tts overrides, got %+v", cfg.TTS)
	}
	if got := cfg.Session.FallbackUtterance("en-IN"); got != "One moment please." {
		t.Fatalf("expected fallback override, got %q", got)
	}
}

func TestProviderKeysFromVendorEnv(t *testing.T) {
	t.Setenv("LOQA_STT_MODE", "deepgram")
	t.Setenv("LOQA_TTS_MODE", "elevenlabs")
	t.Setenv("LOQA_TTS_FALLBACK_MODE", "sarvam")
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("ELEVENLABS_API_KEY", "el-key")
	t.Setenv("SARVAM_API_KEY", "sv-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.APIKey != "dg-key" {
		t.Fatalf("expected deepgram key, got %q", cfg.STT.APIKey)
	}
	if cfg.TTS.APIKey != "el-key" || cfg.TTS.FallbackAPIKey != "sv-key" {
		t.Fatalf("expected tts keys, got %q / %q", cfg.TTS.APIKey, cfg.TTS.FallbackAPIKey)
	}
}

func TestLoadFileAndFallbackLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-voice.yaml")
	data := []byte(`
session:
  default_language: hi-IN
  fallback_utterances:
    hi: "maaf kijiye, phir se poochiye"
llm:
  timeout_ms: 1200
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.DefaultLanguage != "hi-IN" {
		t.Fatalf("expected language from file, got %s", cfg.Session.DefaultLanguage)
	}
	if got := cfg.Session.FallbackUtterance("hi-IN"); got != "maaf kijiye, phir se poochiye" {
		t.Fatalf("expected base-language fallback, got %q", got)
	}
	if cfg.Session.FallbackUtterances["default"] == "" {
		t.Fatal("expected default fallback to survive file merge")
	}
}

func TestValidateRejectsUnknownModes(t *testing.T) {
	cfg := Default()
	cfg.TTS.Mode = "carrier-pigeon"
	if err := validate(cfg); err == nil {
		t.Fatal("expected invalid tts mode to fail validation")
	}
	cfg = Default()
	cfg.Session.FallbackUtterances = map[string]string{}
	if err := validate(cfg); err == nil {
		t.Fatal("expected missing default fallback to fail validation")
	}
}
