package tts

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

const defaultCancelTimeout = 50 * time.Millisecond

// ChunkFunc receives each sequenced chunk. ctx is cancelled when the task is,
// so implementations that block must select on it.
type ChunkFunc func(ctx context.Context, chunk Chunk) error

type TaskOptions struct {
	CancelTimeout time.Duration
	Logger        *slog.Logger
}

// TaskResult describes how a task ended.
type TaskResult struct {
	Epoch     uint64
	Chunks    uint64
	Err       error
	Cancelled bool
}

// Task is one epoch of synthesis. It is the only writer of the epoch's
// sequence numbers.
type Task struct {
	epoch         uint64
	ctx           context.Context
	cancel        context.CancelFunc
	onChunk       ChunkFunc
	cancelTimeout time.Duration
	log           *slog.Logger

	// emitMu is held for the duration of every onChunk call.
	emitMu sync.Mutex

	streamMu  sync.Mutex
	stream    Stream
	cancelled bool

	cancelOnce sync.Once
	done       chan struct{}
	result     TaskResult
}

// StartTask begins synthesis of req for epoch and returns immediately.
func StartTask(parent context.Context, epoch uint64, req Request, synth Synthesizer, onChunk ChunkFunc, opts TaskOptions) *Task {
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = defaultCancelTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		epoch:         epoch,
		ctx:           ctx,
		cancel:        cancel,
		onChunk:       onChunk,
		cancelTimeout: opts.CancelTimeout,
		log:           log.With(slog.Uint64("epoch", epoch)),
		done:          make(chan struct{}),
	}
	go t.run(synth, req)
	return t
}

func (t *Task) Epoch() uint64 { return t.epoch }

// Done is closed when the task has stopped producing chunks.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result is valid once Done is closed.
func (t *Task) Result() TaskResult {
	<-t.done
	return t.result
}

// Cancel stops the task. Once it returns no further chunk is delivered for
// this epoch. It never blocks longer than the cancel timeout past any
// in-flight chunk delivery, and repeated calls are no-ops.
func (t *Task) Cancel() {
	t.cancelOnce.Do(func() {
		t.cancel()
		t.closeStream()

		// Wait out an in-flight onChunk; later emits observe the cancelled ctx.
		t.emitMu.Lock()
		t.emitMu.Unlock()

		timer := time.NewTimer(t.cancelTimeout)
		defer timer.Stop()
		select {
		case <-t.done:
		case <-timer.C:
			t.log.Warn("synthesis did not stop in time", slogError(voiceerr.ErrCancellationTimeout))
			t.closeStream()
		}
	})
}

func (t *Task) closeStream() {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	t.cancelled = true
	if t.stream != nil {
		if err := t.stream.Close(); err != nil {
			t.log.Debug("close synthesis stream", slogError(err))
		}
	}
}

// attach records the stream. It reports false when the task was cancelled
// while the provider was connecting.
func (t *Task) attach(stream Stream) bool {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	t.stream = stream
	return !t.cancelled
}

func (t *Task) run(synth Synthesizer, req Request) {
	defer close(t.done)
	defer t.cancel()

	t.result.Epoch = t.epoch
	start := time.Now()

	stream, err := synth.Synthesize(t.ctx, req)
	if err != nil {
		t.finish(err)
		return
	}
	defer stream.Close()
	if !t.attach(stream) {
		t.finish(context.Canceled)
		return
	}

	var sawFinal bool
	frames := stream.Frames()
	for frames != nil {
		select {
		case <-t.ctx.Done():
			t.finish(t.ctx.Err())
			return
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if sawFinal {
				continue
			}
			if t.result.Chunks == 0 {
				t.log.Debug("first synthesis chunk", slog.Duration("latency", time.Since(start)))
			}
			if err := t.emit(frame.PCM, frame.Final); err != nil {
				t.finish(err)
				return
			}
			sawFinal = frame.Final
		}
	}

	if err := stream.Err(); err != nil && !sawFinal {
		t.finish(err)
		return
	}
	if !sawFinal {
		if err := t.emit(nil, true); err != nil {
			t.finish(err)
			return
		}
	}
	t.finish(nil)
}

func (t *Task) emit(pcm []byte, final bool) error {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if err := t.ctx.Err(); err != nil {
		return err
	}
	chunk := Chunk{Epoch: t.epoch, Sequence: t.result.Chunks + 1, PCM: pcm, Final: final}
	if err := t.onChunk(t.ctx, chunk); err != nil {
		return err
	}
	t.result.Chunks = chunk.Sequence
	return nil
}

func (t *Task) finish(err error) {
	if t.ctx.Err() != nil {
		t.result.Cancelled = true
		return
	}
	t.result.Err = err
}
