package stt

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is an in-process recognition provider. In echo mode each
// stream reports speech on the first audio, a partial per chunk and a final
// transcript on Finish. Tests drive streams directly through Emit and Drop.
type MockProvider struct {
	echo bool

	mu         sync.Mutex
	connectErr []error
	streams    []*MockStream
	connected  chan *MockStream
}

func NewMockProvider(echo bool) *MockProvider {
	return &MockProvider{echo: echo, connected: make(chan *MockStream, 16)}
}

// FailNext makes the next Connect calls return the given errors in order.
func (p *MockProvider) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = append(p.connectErr, errs...)
}

// Connected delivers each stream as it is opened.
func (p *MockProvider) Connected() <-chan *MockStream {
	return p.connected
}

func (p *MockProvider) Streams() []*MockStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MockStream(nil), p.streams...)
}

func (p *MockProvider) Connect(ctx context.Context, opts StreamOptions) (Stream, error) {
	p.mu.Lock()
	if len(p.connectErr) > 0 {
		err := p.connectErr[0]
		p.connectErr = p.connectErr[1:]
		p.mu.Unlock()
		return nil, err
	}
	s := &MockStream{opts: opts, echo: p.echo, events: make(chan Event, 256)}
	p.streams = append(p.streams, s)
	p.mu.Unlock()

	select {
	case p.connected <- s:
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// MockStream is one stream opened by MockProvider.
type MockStream struct {
	opts StreamOptions
	echo bool

	mu       sync.Mutex
	events   chan Event
	closed   bool
	finished bool
	heard    bool
	received int
	chunks   int
	err      error
}

func (s *MockStream) Options() StreamOptions { return s.opts }

// Emit injects an event as if the provider produced it.
func (s *MockStream) Emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Drop ends the stream as an unexpected provider disconnect.
func (s *MockStream) Drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

// Received reports how many PCM bytes reached the provider.
func (s *MockStream) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished {
		return errStreamClosed
	}
	s.received += len(pcm)
	s.chunks++
	if !s.echo {
		return nil
	}
	if !s.heard {
		s.heard = true
		s.push(Event{Kind: SpeechStarted})
	}
	s.push(Event{Kind: PartialTranscript, Text: fmt.Sprintf("[partial transcript length=%d]", s.received)})
	return nil
}

func (s *MockStream) Events() <-chan Event { return s.events }

func (s *MockStream) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.finished = true
	if s.echo && s.received > 0 {
		s.push(Event{Kind: FinalTranscript, Text: fmt.Sprintf("[final transcript length=%d]", s.received), Language: s.opts.Language})
		s.push(Event{Kind: UtteranceEnd})
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *MockStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *MockStream) push(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}
