package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedSynth yields the given frames with a delay between them and then
// ends with err.
type scriptedSynth struct {
	frames     []Frame
	delay      time.Duration
	err        error
	connectErr error
	calls      atomic.Int32
}

func (s *scriptedSynth) Synthesize(ctx context.Context, _ Request) (Stream, error) {
	s.calls.Add(1)
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	ctx, cancel := context.WithCancel(ctx)
	out := newFrameStream(cancel, 0)
	go func() {
		for _, frame := range s.frames {
			select {
			case <-ctx.Done():
				out.finish(ctx.Err())
				return
			case <-time.After(s.delay):
			}
			if !out.send(ctx, frame) {
				out.finish(ctx.Err())
				return
			}
		}
		out.finish(s.err)
	}()
	return out, nil
}

func pcmFrames(n int, markFinal bool) []Frame {
	frames := make([]Frame, n)
	for i := range frames {
		frames[i] = Frame{PCM: []byte{byte(i), 0}}
	}
	if markFinal && n > 0 {
		frames[n-1].Final = true
	}
	return frames
}

type recorder struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (r *recorder) onChunk(_ context.Context, chunk Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *recorder) snapshot() []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Chunk(nil), r.chunks...)
}

func waitDone(t *testing.T, task *Task) TaskResult {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
	return task.Result()
}

func TestTaskSequencesChunksFromOne(t *testing.T) {
	synth := &scriptedSynth{frames: pcmFrames(5, true), delay: time.Millisecond}
	rec := &recorder{}
	task := StartTask(context.Background(), 7, Request{Text: "hello"}, synth, rec.onChunk, TaskOptions{Logger: newLogger()})

	result := waitDone(t, task)
	if result.Err != nil || result.Cancelled {
		t.Fatalf("unexpected result %+v", result)
	}
	chunks := rec.snapshot()
	if len(chunks) != 5 || result.Chunks != 5 {
		t.Fatalf("expected 5 chunks, got %d (result %d)", len(chunks), result.Chunks)
	}
	for i, chunk := range chunks {
		if chunk.Epoch != 7 || chunk.Sequence != uint64(i+1) {
			t.Fatalf("chunk %d: epoch=%d sequence=%d", i, chunk.Epoch, chunk.Sequence)
		}
		if chunk.Final != (i == 4) {
			t.Fatalf("chunk %d: final=%v", i, chunk.Final)
		}
	}
}

func TestTaskAppendsTrailingFinalChunk(t *testing.T) {
	synth := &scriptedSynth{frames: pcmFrames(2, false)}
	rec := &recorder{}
	task := StartTask(context.Background(), 1, Request{}, synth, rec.onChunk, TaskOptions{})

	waitDone(t, task)
	chunks := rec.snapshot()
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	last := chunks[2]
	if !last.Final || len(last.PCM) != 0 || last.Sequence != 3 {
		t.Fatalf("unexpected trailing chunk %+v", last)
	}
	for _, chunk := range chunks[:2] {
		if chunk.Final {
			t.Fatalf("only the last chunk may be final: %+v", chunk)
		}
	}
}

func TestTaskIgnoresFramesAfterFinal(t *testing.T) {
	frames := []Frame{{PCM: []byte{1}, Final: true}, {PCM: []byte{2}}, {PCM: []byte{3}, Final: true}}
	rec := &recorder{}
	task := StartTask(context.Background(), 1, Request{}, &scriptedSynth{frames: frames}, rec.onChunk, TaskOptions{})

	waitDone(t, task)
	if chunks := rec.snapshot(); len(chunks) != 1 {
		t.Fatalf("expected a single chunk, got %v", chunks)
	}
}

func TestTaskCancelStopsDelivery(t *testing.T) {
	synth := &scriptedSynth{frames: pcmFrames(100, true), delay: 5 * time.Millisecond}
	var (
		mu        sync.Mutex
		delivered []uint64
		cancelled atomic.Bool
		late      atomic.Bool
	)
	third := make(chan struct{})
	onChunk := func(_ context.Context, chunk Chunk) error {
		if cancelled.Load() {
			late.Store(true)
		}
		mu.Lock()
		delivered = append(delivered, chunk.Sequence)
		mu.Unlock()
		if chunk.Sequence == 3 {
			close(third)
		}
		return nil
	}
	task := StartTask(context.Background(), 1, Request{}, synth, onChunk, TaskOptions{Logger: newLogger()})

	<-third
	start := time.Now()
	task.Cancel()
	cancelled.Store(true)
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("cancel took %s", elapsed)
	}

	result := waitDone(t, task)
	time.Sleep(30 * time.Millisecond)
	if late.Load() {
		t.Fatal("chunk delivered after Cancel returned")
	}
	if !result.Cancelled {
		t.Fatalf("expected cancelled result, got %+v", result)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, seq := range delivered {
		if seq != uint64(i+1) {
			t.Fatalf("sequence gap: %v", delivered)
		}
	}
}

func TestTaskCancelIsIdempotent(t *testing.T) {
	synth := &scriptedSynth{frames: pcmFrames(10, true), delay: 10 * time.Millisecond}
	task := StartTask(context.Background(), 1, Request{}, synth, (&recorder{}).onChunk, TaskOptions{})

	task.Cancel()
	task.Cancel()
	result := waitDone(t, task)
	if !result.Cancelled || result.Err != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	task.Cancel()
}

func TestTaskCancelDoesNotWaitForBlockedCallback(t *testing.T) {
	synth := &scriptedSynth{frames: pcmFrames(3, true)}
	entered := make(chan struct{})
	onChunk := func(ctx context.Context, _ Chunk) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}
	task := StartTask(context.Background(), 1, Request{}, synth, onChunk, TaskOptions{})

	<-entered
	start := time.Now()
	task.Cancel()
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("cancel blocked for %s", elapsed)
	}
	if result := waitDone(t, task); !result.Cancelled {
		t.Fatalf("expected cancelled, got %+v", result)
	}
}

func TestTaskReportsProviderErrors(t *testing.T) {
	boom := errors.New("provider exploded")
	task := StartTask(context.Background(), 1, Request{}, &scriptedSynth{connectErr: boom}, (&recorder{}).onChunk, TaskOptions{})
	if result := waitDone(t, task); !errors.Is(result.Err, boom) {
		t.Fatalf("expected connect error, got %+v", result)
	}

	rec := &recorder{}
	task = StartTask(context.Background(), 2, Request{}, &scriptedSynth{frames: pcmFrames(1, false), err: boom}, rec.onChunk, TaskOptions{})
	result := waitDone(t, task)
	if !errors.Is(result.Err, boom) {
		t.Fatalf("expected stream error, got %+v", result)
	}
	for _, chunk := range rec.snapshot() {
		if chunk.Final {
			t.Fatal("failed stream must not emit a final chunk")
		}
	}
}

func TestTaskStopsWhenCallbackFails(t *testing.T) {
	closed := errors.New("transport closed")
	calls := 0
	onChunk := func(context.Context, Chunk) error {
		calls++
		return closed
	}
	task := StartTask(context.Background(), 1, Request{}, &scriptedSynth{frames: pcmFrames(4, true)}, onChunk, TaskOptions{})
	result := waitDone(t, task)
	if !errors.Is(result.Err, closed) || calls != 1 || result.Chunks != 0 {
		t.Fatalf("unexpected result %+v after %d calls", result, calls)
	}
}

func TestMockSynthPacesSilence(t *testing.T) {
	synth := NewMockSynth(16000, 1, 10*time.Millisecond)
	synth.Chunks = 3
	rec := &recorder{}
	task := StartTask(context.Background(), 1, Request{Text: "hello"}, synth, rec.onChunk, TaskOptions{})
	waitDone(t, task)

	chunks := rec.snapshot()
	if len(chunks) != 3 || !chunks[2].Final {
		t.Fatalf("unexpected chunks %v", chunks)
	}
	if len(chunks[0].PCM) != 320 {
		t.Fatalf("expected 10ms of 16kHz mono PCM16, got %d bytes", len(chunks[0].PCM))
	}
}
