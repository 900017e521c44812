package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Answerer turns a recognised utterance into a reply.
type Answerer struct {
	gen    Generator
	base   Request
	system string
	log    *slog.Logger
}

func NewAnswerer(gen Generator, cfg config.LLMConfig, log *slog.Logger) *Answerer {
	return &Answerer{
		gen:    gen,
		base:   RequestFromConfig(cfg),
		system: cfg.SystemPrompt,
		log:    log.With(slog.String("component", "llm")),
	}
}

// Answer collects the generator's output into one reply. The call is bounded
// only by ctx.
func (a *Answerer) Answer(ctx context.Context, text, language string) (string, error) {
	req := a.base
	req.Prompt = text
	req.Language = language
	req.System = strings.ReplaceAll(a.system, "{language}", languageName(language))

	start := time.Now()
	var sb strings.Builder
	err := a.gen.Generate(ctx, req, func(chunk Chunk) error {
		sb.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("generate answer: %w", err)
	}
	answer := strings.TrimSpace(sb.String())
	a.log.Debug("answer generated", slog.Duration("latency", time.Since(start)), slog.Int("chars", len(answer)))
	return answer, nil
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "openai":
		return NewOpenAIGenerator(cfg.APIKey, cfg.Endpoint, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

var languageNames = map[string]string{
	"en": "English",
	"hi": "Hindi",
	"ta": "Tamil",
	"te": "Telugu",
	"bn": "Bengali",
	"mr": "Marathi",
	"gu": "Gujarati",
	"kn": "Kannada",
	"ml": "Malayalam",
	"pa": "Punjabi",
}

// languageName maps a BCP-47 tag such as "hi-IN" to a name the model
// understands, falling back to the tag itself.
func languageName(tag string) string {
	base, _, _ := strings.Cut(strings.ToLower(tag), "-")
	if name, ok := languageNames[base]; ok {
		return name
	}
	if tag == "" {
		return "English"
	}
	return tag
}
