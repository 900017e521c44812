package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/turn"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

var errSlowConsumer = errors.New("client is not reading")

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// outboundFrame is one serialized message. epoch is set for audio only.
// written, when set, is closed once the frame has been written or dropped.
type outboundFrame struct {
	payload []byte
	epoch   uint64
	written chan struct{}
}

type WriterOptions struct {
	QueueSize         int
	PriorityQueueSize int
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	Sequencer         *turn.Sequencer
	Metrics           *turn.Metrics
	Logger            *slog.Logger
}

// Writer is the only goroutine that writes data frames to the socket. It
// drains the priority lane before the ordered lane and checks every audio
// frame against the sequencer immediately before writing it.
type Writer struct {
	ws   wsWriter
	opts WriterOptions
	log  *slog.Logger

	priority chan outboundFrame
	ordered  chan outboundFrame

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	started   atomic.Bool

	errMu sync.Mutex
	err   error

	audioOut atomic.Int64
	dropped  atomic.Int64
}

func NewWriter(ws wsWriter, opts WriterOptions) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.PriorityQueueSize <= 0 {
		opts.PriorityQueueSize = 16
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.Sequencer == nil {
		opts.Sequencer = &turn.Sequencer{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Writer{
		ws:       ws,
		opts:     opts,
		log:      log,
		priority: make(chan outboundFrame, opts.PriorityQueueSize),
		ordered:  make(chan outboundFrame, opts.QueueSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Send queues msg on the ordered lane.
func (w *Writer) Send(msg any) {
	if f, ok := w.encode(msg); ok {
		w.enqueue(w.ordered, f)
	}
}

// SendPriority queues msg ahead of everything on the ordered lane.
func (w *Writer) SendPriority(msg any) {
	if f, ok := w.encode(msg); ok {
		w.enqueue(w.priority, f)
	}
}

// SendAudio queues an audio chunk behind the messages already sent. For the
// final chunk of an epoch it also waits until the writer has dealt with the
// frame, so the epoch is not over while its tail is still queued.
func (w *Writer) SendAudio(ctx context.Context, chunk protocol.AudioChunk) error {
	f, ok := w.encode(chunk)
	if !ok {
		return nil
	}
	f.epoch = chunk.EpochID
	if chunk.IsFinal {
		f.written = make(chan struct{})
	}
	select {
	case <-w.closing:
		return fmt.Errorf("send audio: %w", voiceerr.ErrTransportClosed)
	default:
	}
	select {
	case w.ordered <- f:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closing:
		return fmt.Errorf("send audio: %w", voiceerr.ErrTransportClosed)
	}
	if f.written == nil {
		return nil
	}
	select {
	case <-f.written:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closing:
		return fmt.Errorf("send audio: %w", voiceerr.ErrTransportClosed)
	}
}

func (w *Writer) encode(msg any) (outboundFrame, bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		w.log.Error("failed to encode outbound message", slogError(err))
		return outboundFrame{}, false
	}
	return outboundFrame{payload: data}, true
}

// enqueue waits at most the write timeout for room; a client that stays
// behind that long is disconnected.
func (w *Writer) enqueue(lane chan outboundFrame, f outboundFrame) {
	select {
	case lane <- f:
		return
	case <-w.closing:
		return
	default:
	}
	timer := time.NewTimer(w.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case lane <- f:
	case <-w.closing:
	case <-timer.C:
		w.fail(errSlowConsumer)
	}
}

// Start runs the writer on its own goroutine.
func (w *Writer) Start(ctx context.Context) {
	w.started.Store(true)
	go func() { _ = w.run(ctx) }()
}

// run writes frames until ctx ends, Close is called or a write fails.
func (w *Writer) run(ctx context.Context) error {
	defer close(w.done)

	ping := time.NewTicker(w.opts.PingInterval)
	defer ping.Stop()

	var pending *outboundFrame
	for {
		select {
		case <-ctx.Done():
			w.shutdown(ctx, websocket.CloseGoingAway, pending)
			return nil
		case <-w.closing:
			w.shutdown(ctx, websocket.CloseNormalClosure, pending)
			return w.Err()
		default:
		}

		select {
		case f := <-w.priority:
			if err := w.write(ctx, f); err != nil {
				return err
			}
			continue
		default:
		}

		if pending != nil {
			if err := w.write(ctx, *pending); err != nil {
				return err
			}
			pending = nil
			continue
		}

		select {
		case <-ctx.Done():
		case <-w.closing:
		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.opts.WriteTimeout)); err != nil {
				return w.fail(err)
			}
		case f := <-w.priority:
			if err := w.write(ctx, f); err != nil {
				return err
			}
		case f := <-w.ordered:
			// Held back one round so a priority frame queued meanwhile goes first.
			pending = &f
		}
	}
}

func (w *Writer) write(ctx context.Context, f outboundFrame) error {
	if f.written != nil {
		defer close(f.written)
	}
	if f.epoch != 0 && !w.opts.Sequencer.Admit(f.epoch) {
		w.dropped.Add(1)
		w.opts.Metrics.Dropped(ctx, "transmit")
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout)); err != nil {
		return w.fail(err)
	}
	if err := w.ws.WriteMessage(websocket.TextMessage, f.payload); err != nil {
		return w.fail(err)
	}
	if f.epoch != 0 {
		w.audioOut.Add(1)
	}
	return nil
}

// shutdown flushes what is already queued, within a short bound, and sends
// a close frame. Stale audio is still filtered.
func (w *Writer) shutdown(ctx context.Context, code int, pending *outboundFrame) {
	if w.Err() != nil {
		return
	}
	flushCtx := context.WithoutCancel(ctx)
	if pending != nil && w.write(flushCtx, *pending) != nil {
		return
	}
	deadline := time.Now().Add(min(100*time.Millisecond, w.opts.WriteTimeout))
	for _, lane := range []chan outboundFrame{w.priority, w.ordered} {
	drain:
		for time.Now().Before(deadline) {
			select {
			case f := <-lane:
				if w.write(flushCtx, f) != nil {
					return
				}
			default:
				break drain
			}
		}
	}
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(w.opts.WriteTimeout))
}

// fail records the first write error and stops the writer.
func (w *Writer) fail(err error) error {
	w.errMu.Lock()
	if w.err == nil {
		w.err = fmt.Errorf("write to client: %w: %w", voiceerr.ErrTransportClosed, err)
		w.log.Debug("outbound writer failed", slogError(err))
	}
	err = w.err
	w.errMu.Unlock()
	w.closeOnce.Do(func() { close(w.closing) })
	return err
}

// Err reports why the writer stopped, or nil.
func (w *Writer) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Done is closed when the writer goroutine has returned.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Closed is closed once the writer stops accepting frames.
func (w *Writer) Closed() <-chan struct{} { return w.closing }

// Close stops the writer and waits for it to flush and return.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.closing) })
	if w.started.Load() {
		<-w.done
	}
}

// AudioOut is the number of audio frames written to the socket.
func (w *Writer) AudioOut() int64 { return w.audioOut.Load() }

// Dropped is the number of audio frames discarded at transmission time.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }
