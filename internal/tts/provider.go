package tts

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// NewSynthesizer builds the synthesizer selected by cfg.Mode, wrapped in a
// Fallback when cfg.FallbackMode is set.
func NewSynthesizer(cfg config.TTSConfig, log *slog.Logger) (Synthesizer, error) {
	primary, err := buildSynthesizer(providerSettings{
		mode:     cfg.Mode,
		apiKey:   cfg.APIKey,
		endpoint: cfg.Endpoint,
		voice:    cfg.Voice,
		model:    cfg.Model,
	}, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.FallbackMode == "" || cfg.FallbackMode == cfg.Mode {
		return primary, nil
	}
	// Voice and model only carry over within the same vendor.
	fallback := providerSettings{mode: cfg.FallbackMode, apiKey: cfg.FallbackAPIKey}
	if vendor(cfg.FallbackMode) == vendor(cfg.Mode) {
		fallback.voice, fallback.model = cfg.Voice, cfg.Model
		if fallback.apiKey == "" {
			fallback.apiKey = cfg.APIKey
		}
	}
	secondary, err := buildSynthesizer(fallback, cfg)
	if err != nil {
		return nil, fmt.Errorf("fallback synthesizer: %w", err)
	}
	return &Fallback{
		Primary:   primary,
		Secondary: secondary,
		Logger:    log.With(slog.String("component", "tts-fallback")),
	}, nil
}

func vendor(mode string) string {
	vendor, _, _ := strings.Cut(mode, "_")
	return vendor
}

type providerSettings struct {
	mode     string
	apiKey   string
	endpoint string
	voice    string
	model    string
}

func buildSynthesizer(p providerSettings, cfg config.TTSConfig) (Synthesizer, error) {
	switch p.mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, time.Duration(cfg.ChunkDurationMS)*time.Millisecond), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "elevenlabs":
		return &ElevenLabsSynth{APIKey: p.apiKey, Endpoint: p.endpoint, Voice: p.voice, Model: p.model, SampleRate: cfg.SampleRate}, nil
	case "elevenlabs_rest":
		return &ElevenLabsRESTSynth{APIKey: p.apiKey, Endpoint: p.endpoint, Voice: p.voice, Model: p.model, SampleRate: cfg.SampleRate}, nil
	case "deepgram":
		return &DeepgramSpeakSynth{APIKey: p.apiKey, Endpoint: p.endpoint, Voice: p.voice, SampleRate: cfg.SampleRate}, nil
	case "sarvam":
		return &SarvamSynth{APIKey: p.apiKey, Endpoint: p.endpoint, Speaker: p.voice, Model: p.model, SampleRate: cfg.SampleRate}, nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", p.mode)
	}
}
