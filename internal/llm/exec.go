package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

// execGenerator runs a local command per turn. The request goes to stdin
// as JSON; stdout is either {"content": "..."} or the answer as plain text.
type execGenerator struct {
	cmd []string
}

type execRequest struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Language    string  `json:"language,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type execResponse struct {
	Content string `json:"content"`
}

func NewExecGenerator(command string) (Generator, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w: %w", voiceerr.ErrConfig, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty: %w", voiceerr.ErrConfig)
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execRequest(req))
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("llm command exited %d: %s: %w", exitErr.ExitCode(), strings.TrimSpace(stderr.String()), voiceerr.ErrProviderUnavailable)
		}
		return fmt.Errorf("run llm command: %w: %w", voiceerr.ErrProviderUnavailable, err)
	}

	content := strings.TrimSpace(string(output))
	var resp execResponse
	if strings.HasPrefix(content, "{") && json.Unmarshal(output, &resp) == nil {
		content = resp.Content
	}
	return consumer(Chunk{Content: content, Done: true})
}
