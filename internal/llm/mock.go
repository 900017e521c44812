package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const mockWordDelay = 5 * time.Millisecond

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

// Generate streams a canned reply word by word so callers see real chunking.
func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	reply := fmt.Sprintf("[mock answer in %s for %s]", languageName(req.Language), strings.TrimSpace(req.Prompt))
	words := strings.SplitAfter(reply, " ")
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(mockWordDelay):
		}
		if err := consumer(Chunk{Content: word, Done: i == len(words)-1}); err != nil {
			return err
		}
	}
	return nil
}
