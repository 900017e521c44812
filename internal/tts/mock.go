package tts

import (
	"context"
	"strings"
	"time"
)

// MockSynth produces silence paced in real time, one frame per few words.
type MockSynth struct {
	SampleRate    int
	Channels      int
	ChunkDuration time.Duration
	// Chunks fixes the number of frames; zero derives it from the text.
	Chunks int
}

func NewMockSynth(sampleRate, channels int, chunkDuration time.Duration) *MockSynth {
	return &MockSynth{SampleRate: sampleRate, Channels: channels, ChunkDuration: chunkDuration}
}

func (m *MockSynth) Synthesize(ctx context.Context, req Request) (Stream, error) {
	count := m.Chunks
	if count <= 0 {
		count = (len(strings.Fields(req.Text)) + 2) / 3
		if count == 0 {
			count = 1
		}
	}
	size := m.SampleRate * m.Channels * 2 * int(m.ChunkDuration/time.Millisecond) / 1000
	pace := m.ChunkDuration
	if pace <= 0 {
		pace = time.Millisecond
	}

	ctx, cancel := context.WithCancel(ctx)
	s := newFrameStream(cancel, 0)
	go func() {
		ticker := time.NewTicker(pace)
		defer ticker.Stop()
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				s.finish(ctx.Err())
				return
			case <-ticker.C:
			}
			if !s.send(ctx, Frame{PCM: make([]byte, size), Final: i == count-1}) {
				s.finish(ctx.Err())
				return
			}
		}
		s.finish(nil)
	}()
	return s, nil
}
