package tts

import (
	"context"
	"log/slog"
)

// Request contains parameters to synthesize speech.
type Request struct {
	SessionID string
	Text      string
	Voice     string
	Language  string
}

// Frame is one piece of audio produced by a provider. Request/response
// providers yield exactly one frame with Final set.
type Frame struct {
	PCM   []byte
	Final bool
}

// Stream is one in-flight synthesis call. Frames is closed when the provider
// is done; Err then reports why (nil on success). Close releases the
// underlying connection and may be called at any time, more than once.
type Stream interface {
	Frames() <-chan Frame
	Err() error
	Close() error
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Stream, error)
}

// Chunk is one sequenced piece of audio belonging to an epoch.
type Chunk struct {
	Epoch    uint64
	Sequence uint64
	PCM      []byte
	Final    bool
}

// frameStream is a channel-backed Stream used by providers that produce
// frames from a goroutine.
type frameStream struct {
	frames chan Frame
	done   chan struct{}
	cancel context.CancelFunc
	err    error
	closer func() error
}

func newFrameStream(cancel context.CancelFunc, buffer int) *frameStream {
	return &frameStream{
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

func (s *frameStream) Frames() <-chan Frame { return s.frames }

func (s *frameStream) Err() error {
	<-s.done
	return s.err
}

func (s *frameStream) Close() error {
	s.cancel()
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

// send delivers a frame unless ctx ends first.
func (s *frameStream) send(ctx context.Context, frame Frame) bool {
	select {
	case s.frames <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish records the terminal error and closes the frame channel. It must be
// called exactly once by the producing goroutine.
func (s *frameStream) finish(err error) {
	s.err = err
	close(s.frames)
	close(s.done)
}

// singleFrame wraps a blocking fetch that returns the whole utterance.
func singleFrame(ctx context.Context, fetch func(ctx context.Context) ([]byte, error)) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := newFrameStream(cancel, 1)
	go func() {
		pcm, err := fetch(ctx)
		if err == nil {
			if !s.send(ctx, Frame{PCM: pcm, Final: true}) {
				err = ctx.Err()
			}
		}
		s.finish(err)
	}()
	return s
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
