package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// ExecProvider runs a local batch recognizer (for example a whisper.cpp
// wrapper) over the audio buffered between stream start and Finish.
type ExecProvider struct {
	cmd []string
	cfg config.STTConfig
}

type execResult struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence"`
}

func NewExecProvider(cfg config.STTConfig) (*ExecProvider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &ExecProvider{cmd: args, cfg: cfg}, nil
}

func (p *ExecProvider) Connect(_ context.Context, opts StreamOptions) (Stream, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &execStream{
		provider: p,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan Event, 8),
	}, nil
}

type execStream struct {
	provider *ExecProvider
	opts     StreamOptions
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan Event

	mu      sync.Mutex
	pcm     []byte
	heard   bool
	closed  bool
	running bool
	err     error
}

func (s *execStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.running {
		return errStreamClosed
	}
	s.pcm = append(s.pcm, pcm...)
	if !s.heard {
		s.heard = true
		s.events <- Event{Kind: SpeechStarted}
	}
	return nil
}

func (s *execStream) Events() <-chan Event { return s.events }

func (s *execStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *execStream) Finish() error {
	s.mu.Lock()
	if s.closed || s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	pcm := s.pcm
	s.pcm = nil
	s.mu.Unlock()

	go func() {
		result, err := s.provider.transcribe(s.ctx, pcm, s.opts)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		if err != nil {
			s.err = err
		} else {
			if text := strings.TrimSpace(result.Text); text != "" {
				language := result.Language
				if language == "" {
					language = s.opts.Language
				}
				s.events <- Event{Kind: FinalTranscript, Text: text, Language: language}
			}
			s.events <- Event{Kind: UtteranceEnd}
		}
		s.closed = true
		close(s.events)
	}()
	return nil
}

func (s *execStream) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (p *ExecProvider) transcribe(ctx context.Context, pcm []byte, opts StreamOptions) (execResult, error) {
	file, err := os.CreateTemp("", "loqa_voice_stt_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, opts.SampleRate, opts.Channels); err != nil {
		return execResult{}, err
	}

	base := p.cmd[0]
	cmdArgs := append([]string{}, p.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if p.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", p.cfg.ModelPath)
	}
	if opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", opts.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
