package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeOut records every outbound message in transmission order. Like the
// session writer it re-checks the gate before accepting audio.
type fakeOut struct {
	seq *Sequencer

	mu    sync.Mutex
	msgs  []any
	err   error
	onAud func(protocol.AudioChunk)
}

func (o *fakeOut) Send(msg any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
}

func (o *fakeOut) SendPriority(msg any) { o.Send(msg) }

func (o *fakeOut) SendAudio(ctx context.Context, chunk protocol.AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	if o.err != nil {
		o.mu.Unlock()
		return o.err
	}
	if !o.seq.Admit(chunk.EpochID) {
		o.mu.Unlock()
		return nil
	}
	o.msgs = append(o.msgs, chunk)
	hook := o.onAud
	o.mu.Unlock()
	if hook != nil {
		hook(chunk)
	}
	return nil
}

func (o *fakeOut) snapshot() []any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]any(nil), o.msgs...)
}

func (o *fakeOut) count(kind string) int {
	n := 0
	for _, msg := range o.snapshot() {
		if typeOf(msg) == kind {
			n++
		}
	}
	return n
}

func (o *fakeOut) audio() []protocol.AudioChunk {
	var chunks []protocol.AudioChunk
	for _, msg := range o.snapshot() {
		if chunk, ok := msg.(protocol.AudioChunk); ok {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

func typeOf(msg any) string {
	switch v := msg.(type) {
	case protocol.Status:
		return v.Type
	case protocol.Transcript:
		return v.Type
	case protocol.AgentResponse:
		return v.Type
	case protocol.AudioChunk:
		return v.Type
	case protocol.AudioGenerationStarted:
		return v.Type
	case protocol.AudioGenerationComplete:
		return v.Type
	case protocol.TTSInterrupted:
		return v.Type
	case protocol.Failure:
		return v.Type
	default:
		return fmt.Sprintf("%T", msg)
	}
}

type answerFunc func(ctx context.Context, text, language string) (string, error)

func (f answerFunc) Answer(ctx context.Context, text, language string) (string, error) {
	return f(ctx, text, language)
}

func reply(answer string) answerFunc {
	return func(context.Context, string, string) (string, error) { return answer, nil }
}

type failingSynth struct{ err error }

func (s failingSynth) Synthesize(context.Context, tts.Request) (tts.Stream, error) {
	return nil, s.err
}

type timeline struct {
	mu    sync.Mutex
	kinds []string
}

func (r *timeline) Record(kind string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *timeline) has(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func pacedSynth(chunks int, every time.Duration) *tts.MockSynth {
	synth := tts.NewMockSynth(16000, 1, every)
	synth.Chunks = chunks
	return synth
}

func startMachine(t *testing.T, cfg Config, answerer Answerer, synth tts.Synthesizer) (*Machine, *fakeOut) {
	t.Helper()
	seq := &Sequencer{}
	out := &fakeOut{seq: seq}
	if cfg.SessionID == "" {
		cfg.SessionID = "test"
	}
	m := NewMachine(cfg, Deps{
		Out:       out,
		Answerer:  answerer,
		Synth:     synth,
		Sequencer: seq,
		Logger:    newLogger(),
	})
	m.Start(context.Background())
	t.Cleanup(m.Shutdown)
	return m, out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func assertSequenced(t *testing.T, chunks []protocol.AudioChunk) {
	t.Helper()
	next := map[uint64]uint64{}
	for _, chunk := range chunks {
		next[chunk.EpochID]++
		if chunk.Sequence != next[chunk.EpochID] {
			t.Fatalf("epoch %d: expected sequence %d, got %d", chunk.EpochID, next[chunk.EpochID], chunk.Sequence)
		}
	}
}

func TestRoundTripSpeaksOneAnswer(t *testing.T) {
	rec := &timeline{}
	seq := &Sequencer{}
	out := &fakeOut{seq: seq}
	m := NewMachine(Config{SessionID: "s1", Language: "en-US"}, Deps{
		Out:       out,
		Answerer:  reply("Four."),
		Synth:     pacedSynth(4, 5*time.Millisecond),
		Sequencer: seq,
		Recorder:  rec,
		Logger:    newLogger(),
	})
	go m.Run(context.Background())
	defer m.Shutdown()

	m.RecognitionReady()
	m.Recognition(stt.Event{Kind: stt.SpeechStarted})
	m.Recognition(stt.Event{Kind: stt.PartialTranscript, Text: "what is"})
	m.Recognition(stt.Event{Kind: stt.FinalTranscript, Text: " what is two plus two ", Language: "en-US"})
	m.Recognition(stt.Event{Kind: stt.UtteranceEnd})

	waitFor(t, "audio_generation_complete", func() bool {
		return out.count(protocol.TypeAudioGenerationComplete) == 1
	})
	waitFor(t, "listening", func() bool { return m.State() == Listening })

	if n := out.count(protocol.TypeAgentResponse); n != 1 {
		t.Fatalf("expected one agent_response, got %d", n)
	}
	msgs := out.snapshot()
	var final protocol.Transcript
	var complete protocol.AudioGenerationComplete
	answerAt, firstAudio := -1, -1
	for i, msg := range msgs {
		switch v := msg.(type) {
		case protocol.Transcript:
			if v.Type == protocol.TypeFinalTranscript {
				final = v
			}
		case protocol.AgentResponse:
			if v.Text != "Four." || v.Fallback {
				t.Fatalf("unexpected agent_response %+v", v)
			}
			answerAt = i
		case protocol.AudioChunk:
			if firstAudio < 0 {
				firstAudio = i
			}
		case protocol.AudioGenerationComplete:
			complete = v
		}
	}
	if final.Text != "what is two plus two" || final.Language != "en-US" {
		t.Fatalf("unexpected final transcript %+v", final)
	}
	if answerAt < 0 || firstAudio < answerAt {
		t.Fatal("agent_response must precede the first audio chunk")
	}

	chunks := out.audio()
	if len(chunks) != 4 || !chunks[3].IsFinal {
		t.Fatalf("expected 4 chunks ending in a final one, got %+v", chunks)
	}
	assertSequenced(t, chunks)
	if complete.EpochID != chunks[0].EpochID || complete.TotalChunks != 4 {
		t.Fatalf("unexpected completion %+v", complete)
	}
	if typeOf(msgs[len(msgs)-1]) != protocol.TypeAudioGenerationComplete {
		t.Fatal("audio_generation_complete must follow every chunk")
	}

	stats := m.Stats()
	if stats.Turns != 1 || stats.AudioChunksOut != 4 || stats.Interruptions != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	for _, kind := range []string{EventTurnStarted, EventTurnAnswered, EventEpochStarted, EventEpochCompleted} {
		if !rec.has(kind) {
			t.Fatalf("timeline missing %s", kind)
		}
	}
}

func TestBargeInStopsAudioImmediately(t *testing.T) {
	m, out := startMachine(t, Config{}, reply("a long answer"), pacedSynth(100, 5*time.Millisecond))
	out.onAud = func(chunk protocol.AudioChunk) {
		if chunk.Sequence == 3 {
			m.Recognition(stt.Event{Kind: stt.SpeechStarted})
		}
	}

	m.RecognitionReady()
	m.UserText("tell me a story", "")

	waitFor(t, "tts_interrupted", func() bool { return out.count(protocol.TypeTTSInterrupted) == 1 })
	time.Sleep(50 * time.Millisecond)

	chunks := out.audio()
	if len(chunks) != 3 {
		t.Fatalf("expected exactly 3 chunks before the barge-in, got %d", len(chunks))
	}
	assertSequenced(t, chunks)

	interruptedAt := -1
	for i, msg := range out.snapshot() {
		if v, ok := msg.(protocol.TTSInterrupted); ok {
			if v.EpochID != chunks[0].EpochID {
				t.Fatalf("interrupted epoch %d, expected %d", v.EpochID, chunks[0].EpochID)
			}
			interruptedAt = i
		}
		if _, ok := msg.(protocol.AudioChunk); ok && interruptedAt >= 0 {
			t.Fatal("audio chunk sent after tts_interrupted")
		}
	}
	if out.count(protocol.TypeSpeechStarted) != 1 || out.count(protocol.TypeAudioGenerationComplete) != 0 {
		t.Fatal("unexpected messages after barge-in")
	}
	waitFor(t, "listening", func() bool { return m.State() == Listening })
	if stats := m.Stats(); stats.Interruptions != 1 {
		t.Fatalf("expected one interruption, got %+v", stats)
	}
}

func TestNewAnswerSupersedesLiveEpoch(t *testing.T) {
	answers := map[string]string{"first": "one two three", "second": "four five six"}
	answerer := answerFunc(func(_ context.Context, text, _ string) (string, error) {
		return answers[text], nil
	})
	m, out := startMachine(t, Config{}, answerer, pacedSynth(200, 5*time.Millisecond))

	m.UserText("first", "")
	waitFor(t, "first epoch audio", func() bool { return len(out.audio()) >= 2 })
	m.UserText("second", "")
	waitFor(t, "second epoch audio", func() bool {
		chunks := out.audio()
		return len(chunks) > 0 && chunks[len(chunks)-1].EpochID == 2
	})

	last := uint64(0)
	interrupted := false
	for _, msg := range out.snapshot() {
		switch v := msg.(type) {
		case protocol.TTSInterrupted:
			if v.EpochID != 1 {
				t.Fatalf("unexpected interrupted epoch %d", v.EpochID)
			}
			interrupted = true
		case protocol.AudioChunk:
			if v.EpochID < last {
				t.Fatalf("epoch %d audio after epoch %d", v.EpochID, last)
			}
			if v.EpochID == 1 && interrupted {
				t.Fatal("epoch 1 audio after its tts_interrupted")
			}
			if v.EpochID == 2 && !interrupted {
				t.Fatal("epoch 2 started while epoch 1 was live")
			}
			last = v.EpochID
		}
	}
	assertSequenced(t, out.audio())
	if m.Sequencer().Current() != 2 {
		t.Fatalf("expected two epochs, got %d", m.Sequencer().Current())
	}
}

func TestStaleAnswerIsDropped(t *testing.T) {
	release := make(chan struct{})
	answerer := answerFunc(func(ctx context.Context, text, _ string) (string, error) {
		if text == "hello" {
			<-release
			return "answer to hello", nil
		}
		return "answer to world", nil
	})
	rec := &timeline{}
	seq := &Sequencer{}
	out := &fakeOut{seq: seq}
	m := NewMachine(Config{SessionID: "s"}, Deps{
		Out: out, Answerer: answerer, Synth: pacedSynth(2, time.Millisecond),
		Sequencer: seq, Recorder: rec, Logger: newLogger(),
	})
	go m.Run(context.Background())
	defer m.Shutdown()

	m.Recognition(stt.Event{Kind: stt.FinalTranscript, Text: "hello"})
	m.Recognition(stt.Event{Kind: stt.FinalTranscript, Text: "world"})
	waitFor(t, "world answered", func() bool { return out.count(protocol.TypeAudioGenerationComplete) == 1 })
	close(release)
	waitFor(t, "stale drop", func() bool { return rec.has(EventAnswerStale) })

	var texts []string
	for _, msg := range out.snapshot() {
		if v, ok := msg.(protocol.AgentResponse); ok {
			texts = append(texts, v.Text)
		}
	}
	if len(texts) != 1 || texts[0] != "answer to world" {
		t.Fatalf("expected only the newest answer, got %v", texts)
	}
	if seq.Current() != 1 {
		t.Fatalf("stale answer started an epoch: current=%d", seq.Current())
	}
}

func TestSlowAnswerFallsBack(t *testing.T) {
	hang := make(chan struct{})
	defer close(hang)
	answerer := answerFunc(func(context.Context, string, string) (string, error) {
		<-hang
		return "too late", nil
	})
	cfg := Config{
		Language:      "hi-IN",
		AnswerTimeout: 40 * time.Millisecond,
		Fallback: func(language string) string {
			return "sorry (" + language + ")"
		},
	}
	m, out := startMachine(t, cfg, answerer, pacedSynth(2, time.Millisecond))

	start := time.Now()
	m.UserText("anyone there", "")
	waitFor(t, "fallback agent_response", func() bool { return out.count(protocol.TypeAgentResponse) == 1 })
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("fallback took %s", elapsed)
	}
	for _, msg := range out.snapshot() {
		if v, ok := msg.(protocol.AgentResponse); ok && (v.Text != "sorry (hi-IN)" || !v.Fallback) {
			t.Fatalf("unexpected fallback %+v", v)
		}
	}
	waitFor(t, "fallback spoken", func() bool { return out.count(protocol.TypeAudioGenerationComplete) == 1 })
	waitFor(t, "idle", func() bool { return m.State() == Idle })
}

func TestAnswerErrorWithoutFallbackReturnsToRest(t *testing.T) {
	answerer := answerFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("model offline")
	})
	m, out := startMachine(t, Config{}, answerer, pacedSynth(2, time.Millisecond))
	m.RecognitionReady()
	m.UserText("hi", "")
	waitFor(t, "listening", func() bool { return m.State() == Listening && m.Stats().Turns == 1 })
	time.Sleep(20 * time.Millisecond)
	if out.count(protocol.TypeAgentResponse) != 0 || m.Sequencer().Current() != 0 {
		t.Fatal("nothing should be spoken without an answer or fallback")
	}
}

func TestInterruptIsIdempotent(t *testing.T) {
	m, out := startMachine(t, Config{}, reply("a long answer"), pacedSynth(200, 5*time.Millisecond))
	m.UserText("go", "")
	waitFor(t, "speaking", func() bool { return len(out.audio()) >= 1 })

	m.Interrupt()
	m.Interrupt()
	waitFor(t, "tts_interrupted", func() bool { return out.count(protocol.TypeTTSInterrupted) >= 1 })
	m.Interrupt()
	time.Sleep(30 * time.Millisecond)
	if n := out.count(protocol.TypeTTSInterrupted); n != 1 {
		t.Fatalf("expected one tts_interrupted, got %d", n)
	}
	if m.State() != Idle {
		t.Fatalf("expected idle, got %s", m.State())
	}
}

func TestSpeechDuringResponseDiscardsPendingAnswer(t *testing.T) {
	release := make(chan struct{})
	answerer := answerFunc(func(context.Context, string, string) (string, error) {
		<-release
		return "late answer", nil
	})
	m, out := startMachine(t, Config{}, answerer, pacedSynth(2, time.Millisecond))
	m.RecognitionReady()
	m.Recognition(stt.Event{Kind: stt.FinalTranscript, Text: "question"})
	waitFor(t, "responding", func() bool { return m.State() == Responding })

	m.Recognition(stt.Event{Kind: stt.SpeechStarted})
	waitFor(t, "listening", func() bool { return m.State() == Listening })
	close(release)
	time.Sleep(30 * time.Millisecond)
	if out.count(protocol.TypeAgentResponse) != 0 {
		t.Fatal("discarded answer was spoken")
	}
}

func TestSynthesisFailureReportsUnavailable(t *testing.T) {
	boom := fmt.Errorf("dial: %w", voiceerr.ErrProviderUnavailable)
	m, out := startMachine(t, Config{}, reply("hello"), failingSynth{err: boom})
	m.UserText("hi", "")
	waitFor(t, "tts_unavailable", func() bool { return out.count(protocol.TypeTTSUnavailable) == 1 })
	for _, msg := range out.snapshot() {
		if v, ok := msg.(protocol.Failure); ok && v.Code != "provider_unavailable" {
			t.Fatalf("unexpected failure %+v", v)
		}
	}
	waitFor(t, "idle", func() bool { return m.State() == Idle })
}

func TestClosedTransportEndsEpochQuietly(t *testing.T) {
	m, out := startMachine(t, Config{}, reply("hello"), pacedSynth(5, time.Millisecond))
	out.err = voiceerr.ErrTransportClosed
	m.UserText("hi", "")
	waitFor(t, "epoch ended", func() bool { return m.Sequencer().Current() == 1 && m.State() == Idle })
	time.Sleep(20 * time.Millisecond)
	if out.count(protocol.TypeTTSUnavailable) != 0 || out.count(protocol.TypeTTSInterrupted) != 0 {
		t.Fatal("closed transport must not produce client messages")
	}
}

func TestShutdownCancelsLiveEpoch(t *testing.T) {
	m, out := startMachine(t, Config{}, reply("a long answer"), pacedSynth(500, 2*time.Millisecond))
	m.UserText("go", "")
	waitFor(t, "speaking", func() bool { return len(out.audio()) >= 1 })

	m.Shutdown()
	after := len(out.audio())
	time.Sleep(30 * time.Millisecond)
	if len(out.audio()) != after {
		t.Fatal("audio sent after shutdown")
	}
	if m.State() != Idle {
		t.Fatalf("expected idle after shutdown, got %s", m.State())
	}
	m.UserText("ignored", "")
}

func TestSpeakVoicesTextWithoutAnswer(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	answerer := answerFunc(func(context.Context, string, string) (string, error) {
		<-release
		return "late answer", nil
	})
	m, out := startMachine(t, Config{Language: "hi-IN"}, answerer, pacedSynth(3, time.Millisecond))

	m.UserText("question", "")
	waitFor(t, "responding", func() bool { return m.State() == Responding })
	m.Speak("  namaste  ", "")
	waitFor(t, "audio_generation_complete", func() bool {
		return out.count(protocol.TypeAudioGenerationComplete) == 1
	})

	startedAt, firstAudio := -1, -1
	for i, msg := range out.snapshot() {
		switch v := msg.(type) {
		case protocol.AudioGenerationStarted:
			if v.EpochID != 1 {
				t.Fatalf("unexpected started epoch %d", v.EpochID)
			}
			startedAt = i
		case protocol.AudioChunk:
			if firstAudio < 0 {
				firstAudio = i
			}
		}
	}
	if startedAt < 0 || firstAudio < startedAt {
		t.Fatal("audio_generation_started must precede the first chunk")
	}
	if out.count(protocol.TypeAgentResponse) != 0 || len(out.audio()) != 3 {
		t.Fatalf("unexpected output %v", out.snapshot())
	}
	if m.State() != Idle {
		t.Fatalf("superseded answer left the machine in %s", m.State())
	}
}

func TestShutdownAfterStartWaitsForRun(t *testing.T) {
	for range 50 {
		m := NewMachine(Config{SessionID: "s"}, Deps{
			Out: &fakeOut{seq: &Sequencer{}}, Answerer: reply("ok"),
			Synth: pacedSynth(1, time.Millisecond), Logger: newLogger(),
		})
		m.Start(context.Background())
		m.UserText("queued", "")
		m.Shutdown()
		select {
		case <-m.done:
		default:
			t.Fatal("Shutdown returned before Run exited")
		}
	}
}
