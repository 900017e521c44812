package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

const (
	defaultElevenLabsRESTBase = "https://api.elevenlabs.io/v1/text-to-speech"
	defaultDeepgramSpeakURL   = "https://api.deepgram.com/v1/speak"
	defaultDeepgramVoice      = "aura-2-thalia-en"
	maxAudioResponseBytes     = 32 << 20
)

var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// ElevenLabsRESTSynth calls the request/response text-to-speech endpoint and
// yields the whole utterance as one final frame.
type ElevenLabsRESTSynth struct {
	APIKey     string
	Endpoint   string
	Voice      string
	Model      string
	SampleRate int
	Client     *http.Client
}

type elevenLabsRESTRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

func (e *ElevenLabsRESTSynth) Synthesize(ctx context.Context, req Request) (Stream, error) {
	apiKey := strings.TrimSpace(e.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("elevenlabs api key not found: %w", voiceerr.ErrConfig)
	}
	voice := firstNonEmpty(req.Voice, e.Voice, defaultElevenLabsVoice)
	base := e.Endpoint
	if base == "" {
		base = defaultElevenLabsRESTBase
	}
	endpoint := strings.TrimRight(base, "/") + "/" + url.PathEscape(voice) + "?output_format=pcm_" + strconv.Itoa(e.SampleRate)
	body := elevenLabsRESTRequest{Text: req.Text, ModelID: firstNonEmpty(e.Model, defaultElevenLabsModel), VoiceSettings: defaultVoiceSettings}
	header := http.Header{"xi-api-key": {apiKey}}

	return singleFrame(ctx, func(ctx context.Context) ([]byte, error) {
		return postForAudio(ctx, e.Client, endpoint, header, body)
	}), nil
}

// DeepgramSpeakSynth calls Deepgram's speak endpoint for raw linear16 audio.
type DeepgramSpeakSynth struct {
	APIKey     string
	Endpoint   string
	Voice      string
	SampleRate int
	Client     *http.Client
}

func (d *DeepgramSpeakSynth) Synthesize(ctx context.Context, req Request) (Stream, error) {
	apiKey := strings.TrimSpace(d.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not found: %w", voiceerr.ErrConfig)
	}
	base := d.Endpoint
	if base == "" {
		base = defaultDeepgramSpeakURL
	}
	speakURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("deepgram endpoint: %w", voiceerr.ErrConfig)
	}
	voice := firstNonEmpty(req.Voice, d.Voice, defaultDeepgramVoice)
	query := speakURL.Query()
	query.Set("model", voice)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(d.SampleRate))
	query.Set("container", "none")
	speakURL.RawQuery = query.Encode()

	header := http.Header{
		"Authorization": {"Token " + apiKey},
		"Accept":        {"audio/x-raw;encoding=linear16;rate=" + strconv.Itoa(d.SampleRate) + ";channels=1"},
	}
	body := map[string]string{"text": req.Text}
	return singleFrame(ctx, func(ctx context.Context) ([]byte, error) {
		return postForAudio(ctx, d.Client, speakURL.String(), header, body)
	}), nil
}

// postForAudio sends body as JSON and returns the raw response payload.
func postForAudio(ctx context.Context, client *http.Client, endpoint string, header http.Header, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", voiceerr.ErrConfig)
	}
	for key, values := range header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if client == nil {
		client = defaultHTTPClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("synthesis request: %w: %w", voiceerr.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read synthesis response: %w: %w", voiceerr.ErrProviderDisconnected, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("synthesis rejected credentials (%s): %w", resp.Status, voiceerr.ErrConfig)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("synthesis failed (%s): %s: %w", resp.Status, truncate(string(data), 200), voiceerr.ErrProviderUnavailable)
	}
	return data, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
