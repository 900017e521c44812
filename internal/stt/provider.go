package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// EventKind tags a recognition event.
type EventKind int

const (
	SpeechStarted EventKind = iota + 1
	PartialTranscript
	FinalTranscript
	UtteranceEnd
	Closed
)

func (k EventKind) String() string {
	switch k {
	case SpeechStarted:
		return "speech_started"
	case PartialTranscript:
		return "partial_transcript"
	case FinalTranscript:
		return "final_transcript"
	case UtteranceEnd:
		return "utterance_end"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Reasons carried by Closed events.
const (
	ReasonStopped   = "stopped"
	ReasonFinished  = "finished"
	ReasonTransient = "transient"
)

// Event is one session-level recognition signal. Text is set for transcripts,
// Language for final transcripts, Reason and Err for Closed.
type Event struct {
	Kind     EventKind
	Text     string
	Language string
	Reason   string
	Err      error
}

var errStreamClosed = errors.New("recognition stream closed")

// StreamOptions describe the audio a provider stream will receive.
type StreamOptions struct {
	SampleRate int
	Channels   int
	Language   string
}

// Provider opens recognition streams. Implementations must return an error
// wrapping voiceerr.ErrConfig when credentials are missing and
// voiceerr.ErrProviderUnavailable when the service cannot be reached.
type Provider interface {
	Connect(ctx context.Context, opts StreamOptions) (Stream, error)
}

// Stream is one live provider connection. Events is closed when the
// connection ends; Err then reports why (nil for a clean close).
type Stream interface {
	SendAudio(pcm []byte) error
	Events() <-chan Event
	// Finish asks the provider to flush pending results and close cleanly.
	Finish() error
	// Close tears the connection down immediately.
	Close() error
	Err() error
}

// NewProvider builds the recognition provider selected by cfg.Mode.
func NewProvider(cfg config.STTConfig, log *slog.Logger) (Provider, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockProvider(true), nil
	case "deepgram":
		return NewDeepgramProvider(cfg, log), nil
	case "exec":
		return NewExecProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
