package llm

import (
	"context"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Request is one tutoring turn handed to a backend.
type Request struct {
	Prompt      string
	System      string
	Language    string
	MaxTokens   int
	Temperature float64
}

// Chunk is a piece of streamed answer text. Done marks the backend's last
// chunk; it may carry no content.
type Chunk struct {
	Content string
	Done    bool
}

// Generator is a pluggable answer backend. Backends report unreachable or
// failing services as voiceerr.ErrProviderUnavailable and rejected
// credentials as voiceerr.ErrConfig.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

func RequestFromConfig(cfg config.LLMConfig) Request {
	return Request{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}
