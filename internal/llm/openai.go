package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

const defaultOpenAIModel = openai.GPT4oMini

type openAIGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGenerator streams chat completions. endpoint overrides the base
// URL for OpenAI-compatible servers.
func NewOpenAIGenerator(apiKey, endpoint, model string) (Generator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key not configured: %w", voiceerr.ErrConfig)
	}
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIGenerator{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stream:      true,
	})
	if err != nil {
		return classifyOpenAI(ctx, err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return consumer(Chunk{Done: true})
		}
		if err != nil {
			return classifyOpenAI(ctx, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if err := consumer(Chunk{Content: resp.Choices[0].Delta.Content}); err != nil {
			return err
		}
	}
}

// classifyOpenAI maps rejected credentials to a configuration error and
// everything else to an unavailable provider.
func classifyOpenAI(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && (apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden) {
		return fmt.Errorf("openai: %w: %w", voiceerr.ErrConfig, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && (reqErr.HTTPStatusCode == http.StatusUnauthorized || reqErr.HTTPStatusCode == http.StatusForbidden) {
		return fmt.Errorf("openai: %w: %w", voiceerr.ErrConfig, err)
	}
	return fmt.Errorf("openai stream: %w: %w", voiceerr.ErrProviderUnavailable, err)
}
