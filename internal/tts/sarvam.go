package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

const (
	defaultSarvamURL     = "https://api.sarvam.ai/text-to-speech"
	defaultSarvamSpeaker = "anushka"
	defaultSarvamModel   = "bulbul:v2"
)

// SarvamSynth calls Sarvam's text-to-speech endpoint, which answers with
// base64 WAV; the payload is unwrapped to PCM16.
type SarvamSynth struct {
	APIKey     string
	Endpoint   string
	Speaker    string
	Model      string
	Language   string
	SampleRate int
	Client     *http.Client
}

type sarvamRequest struct {
	Inputs             []string `json:"inputs"`
	TargetLanguageCode string   `json:"target_language_code"`
	Speaker            string   `json:"speaker"`
	Model              string   `json:"model"`
	SpeechSampleRate   int      `json:"speech_sample_rate"`
}

type sarvamResponse struct {
	Audios []string `json:"audios"`
}

func (s *SarvamSynth) Synthesize(ctx context.Context, req Request) (Stream, error) {
	apiKey := strings.TrimSpace(s.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("sarvam api key not found: %w", voiceerr.ErrConfig)
	}
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = defaultSarvamURL
	}
	language := req.Language
	if language == "" {
		language = s.Language
	}
	if language == "" {
		language = "en-IN"
	}
	speaker := firstNonEmpty(s.Speaker, defaultSarvamSpeaker)
	model := firstNonEmpty(s.Model, defaultSarvamModel)
	header := http.Header{"api-subscription-key": {apiKey}}
	body := sarvamRequest{
		Inputs:             []string{req.Text},
		TargetLanguageCode: language,
		Speaker:            speaker,
		Model:              model,
		SpeechSampleRate:   s.SampleRate,
	}

	return singleFrame(ctx, func(ctx context.Context) ([]byte, error) {
		data, err := postForAudio(ctx, s.Client, endpoint, header, body)
		if err != nil {
			return nil, err
		}
		var resp sarvamResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode sarvam response: %w", err)
		}
		var pcm []byte
		for _, encoded := range resp.Audios {
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("decode sarvam audio: %w", err)
			}
			samples, err := decodeWAV(raw)
			if err != nil {
				return nil, err
			}
			pcm = append(pcm, samples...)
		}
		return pcm, nil
	}), nil
}

// decodeWAV returns the little-endian PCM16 samples of a WAV payload.
func decodeWAV(data []byte) ([]byte, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("invalid wav payload")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read wav samples: %w", err)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	out := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sample)))
	}
	return out, nil
}
