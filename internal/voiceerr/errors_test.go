package voiceerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeUnwrapsWrappedErrors(t *testing.T) {
	cases := map[string]error{
		"config_error":          fmt.Errorf("connect deepgram: %w", ErrConfig),
		"provider_unavailable":  fmt.Errorf("dial: %w", ErrProviderUnavailable),
		"provider_disconnected": fmt.Errorf("read: %w", ErrProviderDisconnected),
		"generation_timeout":    ErrGenerationTimeout,
		"internal_error":        errors.New("boom"),
		"":                      nil,
	}
	for want, err := range cases {
		if got := Code(err); got != want {
			t.Fatalf("Code(%v) = %q, want %q", err, got, want)
		}
	}
}
