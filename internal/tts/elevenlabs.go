package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

const (
	defaultElevenLabsWSBase = "wss://api.elevenlabs.io/v1/text-to-speech"
	defaultElevenLabsVoice  = "21m00Tcm4TlvDq8ikWAM"
	defaultElevenLabsModel  = "eleven_flash_v2_5"
	elevenLabsWriteTimeout  = 5 * time.Second
)

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

var defaultVoiceSettings = elevenLabsVoiceSettings{Stability: 0.5, SimilarityBoost: 0.75}

// ElevenLabsSynth streams audio from the multi-stream-input WebSocket API.
// Each synthesis opens its own socket carrying one context.
type ElevenLabsSynth struct {
	APIKey     string
	Endpoint   string
	Voice      string
	Model      string
	SampleRate int
	Dialer     *websocket.Dialer
}

type elevenLabsTextMessage struct {
	Text          string                   `json:"text"`
	ContextID     string                   `json:"context_id"`
	Flush         bool                     `json:"flush,omitempty"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsCloseMessage struct {
	ContextID    string `json:"context_id"`
	CloseContext bool   `json:"close_context"`
}

type elevenLabsResponse struct {
	Audio       string `json:"audio"`
	IsFinal     bool   `json:"isFinal"`
	IsFinalAlt  bool   `json:"is_final"`
	ContextID   string `json:"contextId"`
	ContextIDV2 string `json:"context_id"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

func (e *ElevenLabsSynth) Synthesize(ctx context.Context, req Request) (Stream, error) {
	apiKey := strings.TrimSpace(e.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("elevenlabs api key not found: %w", voiceerr.ErrConfig)
	}
	voice := firstNonEmpty(req.Voice, e.Voice, defaultElevenLabsVoice)
	wsURL, err := e.streamURL(voice)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs endpoint: %w", voiceerr.ErrConfig)
	}

	dialer := e.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{"xi-api-key": {apiKey}})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("elevenlabs rejected credentials (%s): %w", resp.Status, voiceerr.ErrConfig)
		}
		return nil, fmt.Errorf("open elevenlabs socket: %w: %w", voiceerr.ErrProviderUnavailable, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := newFrameStream(cancel, 16)
	var closeOnce sync.Once
	s.closer = func() error {
		var err error
		closeOnce.Do(func() { err = conn.Close() })
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.closer() })

	contextID := uuid.NewString()
	text := req.Text
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	messages := []any{
		elevenLabsTextMessage{Text: " ", ContextID: contextID, VoiceSettings: &defaultVoiceSettings},
		elevenLabsTextMessage{Text: text, ContextID: contextID},
		elevenLabsTextMessage{Text: "", ContextID: contextID, Flush: true},
		elevenLabsCloseMessage{ContextID: contextID, CloseContext: true},
	}
	for _, msg := range messages {
		_ = conn.SetWriteDeadline(time.Now().Add(elevenLabsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			stop()
			_ = s.Close()
			return nil, fmt.Errorf("send elevenlabs text: %w: %w", voiceerr.ErrProviderUnavailable, err)
		}
	}

	go func() {
		defer stop()
		defer s.closer()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					s.finish(ctx.Err())
					return
				}
				s.finish(fmt.Errorf("read elevenlabs socket: %w: %w", voiceerr.ErrProviderDisconnected, err))
				return
			}
			var msg elevenLabsResponse
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if reason := firstNonEmpty(msg.Error, msg.Message); reason != "" && msg.Audio == "" {
				s.finish(fmt.Errorf("elevenlabs: %s", reason))
				return
			}
			id := firstNonEmpty(msg.ContextID, msg.ContextIDV2)
			if id != "" && id != contextID {
				continue
			}
			var pcm []byte
			if msg.Audio != "" {
				pcm, err = base64.StdEncoding.DecodeString(msg.Audio)
				if err != nil {
					s.finish(fmt.Errorf("decode elevenlabs audio: %w", err))
					return
				}
			}
			final := msg.IsFinal || msg.IsFinalAlt
			if len(pcm) == 0 && !final {
				continue
			}
			if !s.send(ctx, Frame{PCM: pcm, Final: final}) {
				s.finish(ctx.Err())
				return
			}
			if final {
				s.finish(nil)
				return
			}
		}
	}()
	return s, nil
}

func (e *ElevenLabsSynth) streamURL(voice string) (string, error) {
	base := e.Endpoint
	if base == "" {
		base = defaultElevenLabsWSBase
	}
	streamURL, err := url.Parse(strings.TrimRight(base, "/") + "/" + url.PathEscape(voice) + "/multi-stream-input")
	if err != nil {
		return "", err
	}
	query := streamURL.Query()
	query.Set("model_id", firstNonEmpty(e.Model, defaultElevenLabsModel))
	query.Set("output_format", "pcm_"+strconv.Itoa(e.SampleRate))
	streamURL.RawQuery = query.Encode()
	return streamURL.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
