package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.STTConfig {
	cfg := config.Default().STT
	cfg.ConnectTimeoutMS = 100
	cfg.StopTimeoutMS = 200
	return cfg
}

func collect(t *testing.T, h *Handle, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("event sequence did not terminate, got %v", events)
		}
	}
}

type blockingProvider struct{}

func (blockingProvider) Connect(ctx context.Context, _ StreamOptions) (Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStartTimesOutAsUnavailable(t *testing.T) {
	pump := NewPump(blockingProvider{}, testConfig(), newLogger())
	start := time.Now()
	_, err := pump.Start(context.Background(), 16000, "en")
	if !errors.Is(err, voiceerr.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("connect timeout not honoured: %s", elapsed)
	}
}

func TestStartWithoutCredentialsIsConfigError(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "deepgram"
	cfg.APIKey = ""
	pump := NewPump(NewDeepgramProvider(cfg, newLogger()), cfg, newLogger())
	_, err := pump.Start(context.Background(), 16000, "en")
	if !errors.Is(err, voiceerr.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestEventsAreOrderedAndEndWithClosed(t *testing.T) {
	provider := NewMockProvider(false)
	pump := NewPump(provider, testConfig(), newLogger())
	h, err := pump.Start(context.Background(), 16000, "en")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := <-provider.Connected()

	stream.Emit(Event{Kind: SpeechStarted})
	stream.Emit(Event{Kind: PartialTranscript, Text: "hel"})
	stream.Emit(Event{Kind: FinalTranscript, Text: "hello"})
	stream.Emit(Event{Kind: UtteranceEnd})
	stream.Drop(errors.New("socket reset"))

	events := collect(t, h, time.Second)
	kinds := []EventKind{SpeechStarted, PartialTranscript, FinalTranscript, UtteranceEnd, Closed}
	if len(events) != len(kinds) {
		t.Fatalf("expected %d events, got %v", len(kinds), events)
	}
	for i, kind := range kinds {
		if events[i].Kind != kind {
			t.Fatalf("event %d: expected %s, got %s", i, kind, events[i].Kind)
		}
	}
	if events[4].Reason != ReasonTransient {
		t.Fatalf("expected transient close, got %q", events[4].Reason)
	}
}

func TestSendAudioIsNoOpWhenNotOpen(t *testing.T) {
	provider := NewMockProvider(false)
	pump := NewPump(provider, testConfig(), newLogger())
	h, err := pump.Start(context.Background(), 16000, "en")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := <-provider.Connected()

	h.SendAudio([]byte{1, 2, 3, 4})
	if stream.Received() != 4 {
		t.Fatalf("expected 4 bytes forwarded, got %d", stream.Received())
	}
	h.Stop()
	h.SendAudio([]byte{5, 6})
	if stream.Received() != 4 {
		t.Fatalf("expected audio after stop to be dropped, got %d bytes", stream.Received())
	}

	var nilHandle *Handle
	nilHandle.SendAudio([]byte{1})
}

func TestFinishEndsWithFinishedReason(t *testing.T) {
	provider := NewMockProvider(true)
	pump := NewPump(provider, testConfig(), newLogger())
	h, err := pump.Start(context.Background(), 16000, "hi-IN")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.SendAudio(make([]byte, 320))
	h.Finish()

	events := collect(t, h, time.Second)
	last := events[len(events)-1]
	if last.Kind != Closed || last.Reason != ReasonFinished {
		t.Fatalf("expected finished close, got %+v", last)
	}
	var final *Event
	for i := range events {
		if events[i].Kind == FinalTranscript {
			final = &events[i]
		}
	}
	if final == nil || final.Language != "hi-IN" {
		t.Fatalf("expected final transcript with language, got %v", events)
	}
}

type stuckStream struct {
	events chan Event
}

func (s *stuckStream) SendAudio([]byte) error { return nil }
func (s *stuckStream) Events() <-chan Event   { return s.events }
func (s *stuckStream) Finish() error          { return nil }
func (s *stuckStream) Close() error           { select {} }
func (s *stuckStream) Err() error             { return nil }

type stuckProvider struct{ stream *stuckStream }

func (p stuckProvider) Connect(context.Context, StreamOptions) (Stream, error) { return p.stream, nil }

func TestStopTerminatesUnresponsiveProvider(t *testing.T) {
	provider := stuckProvider{stream: &stuckStream{events: make(chan Event)}}
	pump := NewPump(provider, testConfig(), newLogger())
	h, err := pump.Start(context.Background(), 16000, "en")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	collected := make(chan []Event, 1)
	go func() {
		var events []Event
		for ev := range h.Events() {
			events = append(events, ev)
		}
		collected <- events
	}()

	start := time.Now()
	h.Stop()
	h.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop took %s", elapsed)
	}
	var events []Event
	select {
	case events = <-collected:
	case <-time.After(time.Second):
		t.Fatal("event sequence did not terminate")
	}
	if len(events) != 1 || events[0].Kind != Closed || events[0].Reason != ReasonStopped {
		t.Fatalf("expected a single stopped close, got %v", events)
	}
}
