package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

const (
	defaultDeepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	deepgramFinishGrace     = 3 * time.Second
	deepgramWriteTimeout    = 5 * time.Second
)

// DeepgramProvider streams audio to Deepgram's live listen API.
type DeepgramProvider struct {
	cfg    config.STTConfig
	dialer *websocket.Dialer
	log    *slog.Logger
}

func NewDeepgramProvider(cfg config.STTConfig, log *slog.Logger) *DeepgramProvider {
	return &DeepgramProvider{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		log:    log.With(slog.String("component", "stt-deepgram")),
	}
}

func (p *DeepgramProvider) Connect(ctx context.Context, opts StreamOptions) (Stream, error) {
	apiKey := strings.TrimSpace(p.cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not found: %w", voiceerr.ErrConfig)
	}
	listenURL, err := p.listenURL(opts)
	if err != nil {
		return nil, fmt.Errorf("deepgram endpoint: %w", voiceerr.ErrConfig)
	}

	conn, resp, err := p.dialer.DialContext(ctx, listenURL, http.Header{"Authorization": {"Token " + apiKey}})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("deepgram rejected credentials (%s): %w", resp.Status, voiceerr.ErrConfig)
		}
		return nil, fmt.Errorf("open deepgram socket: %w: %w", voiceerr.ErrProviderUnavailable, err)
	}

	s := &deepgramStream{
		conn:      conn,
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
		parser:    &deepgramParser{language: opts.Language},
		keepAlive: time.Duration(p.cfg.KeepAliveMS) * time.Millisecond,
		writeWait: deepgramWriteTimeout,
		log:       p.log,
	}
	s.lastAudio.Store(time.Now().UnixNano())
	go s.readLoop()
	if s.keepAlive > 0 {
		go s.keepAliveLoop()
	}
	return s, nil
}

func (p *DeepgramProvider) listenURL(opts StreamOptions) (string, error) {
	endpoint := p.cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultDeepgramEndpoint
	}
	listenURL, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	model := p.cfg.Model
	if model == "" {
		model = "nova-3"
	}
	query := listenURL.Query()
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	query.Set("channels", strconv.Itoa(opts.Channels))
	query.Set("model", model)
	if opts.Language != "" {
		query.Set("language", opts.Language)
	}
	query.Set("smart_format", "true")
	query.Set("interim_results", strconv.FormatBool(p.cfg.InterimResults))
	if p.cfg.UtteranceEndMS > 0 {
		query.Set("utterance_end_ms", strconv.Itoa(p.cfg.UtteranceEndMS))
	}
	if p.cfg.EndpointingMS > 0 {
		query.Set("endpointing", strconv.Itoa(p.cfg.EndpointingMS))
	}
	query.Set("vad_events", "true")
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}

type deepgramStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	events    chan Event
	done      chan struct{}
	closed    chan struct{}
	parser    *deepgramParser
	keepAlive time.Duration
	writeWait time.Duration
	lastAudio atomic.Int64
	closing   atomic.Bool
	closeOnce sync.Once
	err       error
	log       *slog.Logger
}

type deepgramControl struct {
	Type string `json:"type"`
}

// write sends one frame under the write lock. A provider that stops
// reading fails the write after writeWait instead of stalling the caller.
func (s *deepgramStream) write(send func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	return send()
}

func (s *deepgramStream) SendAudio(pcm []byte) error {
	s.lastAudio.Store(time.Now().UnixNano())
	err := s.write(func() error { return s.conn.WriteMessage(websocket.BinaryMessage, pcm) })
	if err != nil {
		return fmt.Errorf("write to deepgram: %w", err)
	}
	return nil
}

func (s *deepgramStream) Events() <-chan Event { return s.events }

func (s *deepgramStream) Err() error {
	<-s.done
	return s.err
}

func (s *deepgramStream) Finish() error {
	s.closing.Store(true)
	err := s.write(func() error {
		return s.conn.WriteJSON(deepgramControl{Type: string(api.TypeCloseStreamResponse)})
	})
	if err != nil {
		return fmt.Errorf("send deepgram close stream: %w", err)
	}
	time.AfterFunc(deepgramFinishGrace, func() { _ = s.Close() })
	return nil
}

func (s *deepgramStream) Close() error {
	s.closing.Store(true)
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *deepgramStream) keepAliveLoop() {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastAudio.Load()))
			if idle < s.keepAlive {
				continue
			}
			err := s.write(func() error { return s.conn.WriteJSON(deepgramControl{Type: "KeepAlive"}) })
			if err != nil {
				s.log.Debug("deepgram keepalive failed", slogError(err))
			}
		}
	}
}

func (s *deepgramStream) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case s.closing.Load():
			case websocket.IsCloseError(err, websocket.CloseNormalClosure):
			default:
				s.err = fmt.Errorf("read deepgram socket: %w: %w", voiceerr.ErrProviderDisconnected, err)
			}
			_ = s.Close()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		events, err := s.parser.parse(msg)
		if err != nil {
			s.log.Warn("failed to decode deepgram message", slogError(err))
			continue
		}
		for _, ev := range events {
			select {
			case s.events <- ev:
			case <-s.closed:
				return
			}
		}
	}
}

// deepgramParser maps listen responses onto recognition events. Finalised
// segments accumulate until speech_final or UtteranceEnd closes the utterance.
type deepgramParser struct {
	language    string
	accumulated string
	unended     bool
}

func (p *deepgramParser) parse(msg []byte) ([]Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return nil, err
	}

	switch api.TypeResponse(envelope.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			return nil, err
		}
		transcript := ""
		if len(resp.Channel.Alternatives) > 0 {
			transcript = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		}
		var events []Event
		if !resp.IsFinal {
			if transcript != "" {
				events = append(events, Event{Kind: PartialTranscript, Text: joinTranscript(p.accumulated, transcript)})
			}
			return events, nil
		}
		if transcript != "" {
			p.accumulated = joinTranscript(p.accumulated, transcript)
			events = append(events, Event{Kind: PartialTranscript, Text: p.accumulated})
		}
		if resp.SpeechFinal {
			events = append(events, p.speechEnded()...)
		}
		return events, nil

	case api.TypeUtteranceEndResponse:
		if !p.unended && p.accumulated == "" {
			return nil, nil
		}
		return p.speechEnded(), nil

	case api.TypeSpeechStartedResponse:
		p.unended = true
		return []Event{{Kind: SpeechStarted}}, nil
	}
	return nil, nil
}

func (p *deepgramParser) speechEnded() []Event {
	var events []Event
	if p.accumulated != "" {
		events = append(events, Event{Kind: FinalTranscript, Text: p.accumulated, Language: p.language})
		p.accumulated = ""
	}
	p.unended = false
	return append(events, Event{Kind: UtteranceEnd})
}

func joinTranscript(prefix, segment string) string {
	return strings.TrimSpace(prefix + " " + segment)
}

var _ Stream = (*deepgramStream)(nil)
