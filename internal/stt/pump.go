package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

// Pump opens recognition streams and bridges their events into an ordered,
// single-consumer sequence per stream.
type Pump struct {
	provider       Provider
	cfg            config.STTConfig
	connectTimeout time.Duration
	stopTimeout    time.Duration
	log            *slog.Logger
}

func NewPump(provider Provider, cfg config.STTConfig, log *slog.Logger) *Pump {
	connectTimeout := cfg.ConnectTimeout()
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	stopTimeout := cfg.StopTimeout()
	if stopTimeout <= 0 {
		stopTimeout = time.Second
	}
	return &Pump{
		provider:       provider,
		cfg:            cfg,
		connectTimeout: connectTimeout,
		stopTimeout:    stopTimeout,
		log:            log.With(slog.String("component", "stt-pump")),
	}
}

// Start connects to the provider. Errors wrap voiceerr.ErrConfig or
// voiceerr.ErrProviderUnavailable.
func (p *Pump) Start(ctx context.Context, sampleRate int, language string) (*Handle, error) {
	if sampleRate <= 0 {
		sampleRate = p.cfg.SampleRate
	}
	if language == "" {
		language = p.cfg.Language
	}
	channels := p.cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	start := time.Now()
	stream, err := p.provider.Connect(connectCtx, StreamOptions{
		SampleRate: sampleRate,
		Channels:   channels,
		Language:   language,
	})
	if err != nil {
		if errors.Is(err, voiceerr.ErrConfig) || errors.Is(err, voiceerr.ErrProviderUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("connect recognition provider: %w: %w", voiceerr.ErrProviderUnavailable, err)
	}
	p.log.Info("recognition stream open",
		slog.Int("sample_rate", sampleRate),
		slog.String("language", language),
		slog.Duration("latency", time.Since(start)))

	h := &Handle{
		stream:      stream,
		out:         make(chan Event),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
		stopTimeout: p.stopTimeout,
		log:         p.log,
	}
	h.open.Store(true)
	go h.forward()
	return h, nil
}

// Handle is one started recognition stream.
type Handle struct {
	stream      Stream
	out         chan Event
	stopped     chan struct{}
	done        chan struct{}
	open        atomic.Bool
	finishing   atomic.Bool
	stopOnce    sync.Once
	stopTimeout time.Duration
	log         *slog.Logger
}

// SendAudio forwards PCM to the provider. It drops the chunk when the stream
// is not open.
func (h *Handle) SendAudio(pcm []byte) {
	if h == nil || !h.open.Load() || len(pcm) == 0 {
		return
	}
	if err := h.stream.SendAudio(pcm); err != nil {
		h.log.Debug("dropping audio chunk", slogError(err))
	}
}

// Open reports whether audio is currently accepted.
func (h *Handle) Open() bool {
	return h != nil && h.open.Load()
}

// Events returns the event sequence. It ends with exactly one Closed event
// and is then closed.
func (h *Handle) Events() <-chan Event {
	return h.out
}

// Done is closed once the event sequence has terminated.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Finish stops accepting audio and asks the provider to deliver its remaining
// results before closing.
func (h *Handle) Finish() {
	if h == nil || !h.open.Swap(false) {
		return
	}
	h.finishing.Store(true)
	if err := h.stream.Finish(); err != nil {
		h.log.Warn("recognition finish failed", slogError(err))
		_ = h.stream.Close()
	}
}

// Stop closes the provider connection and waits, bounded by the stop
// timeout, for the event sequence to end. It is safe to call more than once.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		h.open.Store(false)
		close(h.stopped)

		deadline := time.NewTimer(h.stopTimeout)
		defer deadline.Stop()

		closed := make(chan struct{})
		go func() {
			if err := h.stream.Close(); err != nil {
				h.log.Debug("recognition close failed", slogError(err))
			}
			close(closed)
		}()
		select {
		case <-closed:
		case <-deadline.C:
			h.log.Warn("recognition provider did not close in time")
			return
		}
		select {
		case <-h.done:
		case <-deadline.C:
			h.log.Warn("recognition event pump did not stop in time")
		}
	})
}

func (h *Handle) forward() {
	defer close(h.done)
	defer close(h.out)

	in := h.stream.Events()
	var queue []Event
	for in != nil || len(queue) > 0 {
		var send chan<- Event
		var next Event
		if len(queue) > 0 {
			send = h.out
			next = queue[0]
		}
		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if ev.Kind == Closed {
				continue
			}
			queue = append(queue, ev)
		case send <- next:
			queue[0] = Event{}
			queue = queue[1:]
		case <-h.stopped:
			h.deliverClosed(Event{Kind: Closed, Reason: ReasonStopped})
			return
		}
	}

	h.open.Store(false)
	closed := Event{Kind: Closed, Reason: ReasonTransient, Err: h.stream.Err()}
	if closed.Err == nil && h.finishing.Load() {
		closed.Reason = ReasonFinished
	}
	if closed.Reason == ReasonTransient {
		switch {
		case closed.Err == nil:
			closed.Err = voiceerr.ErrProviderDisconnected
		case !errors.Is(closed.Err, voiceerr.ErrProviderDisconnected):
			closed.Err = fmt.Errorf("recognition stream: %w: %w", voiceerr.ErrProviderDisconnected, closed.Err)
		}
	}
	h.deliverClosed(closed)
}

func (h *Handle) deliverClosed(ev Event) {
	timer := time.NewTimer(h.stopTimeout)
	defer timer.Stop()
	select {
	case h.out <- ev:
	case <-timer.C:
		h.log.Warn("closed event not consumed", slog.String("reason", ev.Reason))
	case <-h.stopped:
		if ev.Reason != ReasonStopped {
			ev = Event{Kind: Closed, Reason: ReasonStopped}
		}
		select {
		case h.out <- ev:
		case <-timer.C:
		}
	}
}
