package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

// Outbound is the session's client channel. Send and SendPriority block for
// at most the transport's write timeout; SendAudio blocks on backpressure
// until ctx ends.
type Outbound interface {
	Send(msg any)
	SendPriority(msg any)
	SendAudio(ctx context.Context, chunk protocol.AudioChunk) error
}

// Answerer produces the reply to a user turn. It is best effort: the machine
// bounds it with a timeout but never relies on it honouring ctx.
type Answerer interface {
	Answer(ctx context.Context, text, language string) (string, error)
}

// Recorder receives timeline entries for the session.
type Recorder interface {
	Record(kind string, payload any)
}

// Timeline entry kinds.
const (
	EventTurnStarted      = "turn.started"
	EventTurnAnswered     = "turn.answered"
	EventAnswerStale      = "turn.stale"
	EventEpochStarted     = "epoch.started"
	EventEpochCompleted   = "epoch.completed"
	EventEpochInterrupted = "epoch.interrupted"
	EventEpochFailed      = "epoch.failed"
)

type Config struct {
	SessionID     string
	Language      string
	Voice         string
	AnswerTimeout time.Duration
	CancelTimeout time.Duration
	// Fallback returns the utterance spoken when no answer is available.
	Fallback func(language string) string
}

type Deps struct {
	Out       Outbound
	Answerer  Answerer
	Synth     tts.Synthesizer
	Sequencer *Sequencer
	Recorder  Recorder
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Stats are per-session counters.
type Stats struct {
	Turns          int64
	Interruptions  int64
	AudioChunksOut int64
	AudioDropped   int64
}

// Machine coordinates one session's turns. All transitions happen on the
// goroutine running Run; other goroutines talk to it through its input
// methods.
type Machine struct {
	cfg      Config
	out      Outbound
	answerer Answerer
	synth    tts.Synthesizer
	seq      *Sequencer
	rec      Recorder
	metrics  *Metrics
	tracer   trace.Tracer
	log      *slog.Logger

	inputs   chan any
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool

	// live is the epoch of the running task, or zero.
	live      atomic.Uint64
	stateView atomic.Int32
	turns     atomic.Int64
	interrupt atomic.Int64
	chunksOut atomic.Int64
	dropped   atomic.Int64

	// Owned by the Run goroutine.
	ctx         context.Context
	state       State
	speaking    bool
	recognizing bool
	language    string
	generation  uint64
	pending     bool
	task        *tts.Task
}

type recognitionInput struct {
	ev stt.Event
	at time.Time
}

type readyInput struct{}

type lostInput struct{}

type userTextInput struct {
	text     string
	language string
}

type speakInput struct {
	text     string
	language string
}

type interruptInput struct{ at time.Time }

type languageInput struct{ language string }

type answerResult struct {
	generation uint64
	language   string
	answer     string
	err        error
	latency    time.Duration
}

type taskDone struct{ task *tts.Task }

const inputBuffer = 64

func NewMachine(cfg Config, deps Deps) *Machine {
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	seq := deps.Sequencer
	if seq == nil {
		seq = &Sequencer{}
	}
	if cfg.Fallback == nil {
		cfg.Fallback = func(string) string { return "" }
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 8 * time.Second
	}
	return &Machine{
		cfg:      cfg,
		out:      deps.Out,
		answerer: deps.Answerer,
		synth:    deps.Synth,
		seq:      seq,
		rec:      deps.Recorder,
		metrics:  deps.Metrics,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-voice/turn"),
		log:      log.With(slog.String("component", "turn")),
		inputs:   make(chan any, inputBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		language: cfg.Language,
	}
}

// Sequencer returns the gate shared with the outbound writer.
func (m *Machine) Sequencer() *Sequencer { return m.seq }

// State reports the most recent state. Safe from any goroutine.
func (m *Machine) State() State { return State(m.stateView.Load()) }

func (m *Machine) Stats() Stats {
	return Stats{
		Turns:          m.turns.Load(),
		Interruptions:  m.interrupt.Load(),
		AudioChunksOut: m.chunksOut.Load(),
		AudioDropped:   m.dropped.Load(),
	}
}

// Recognition delivers a recognition event. A SpeechStarted retires the
// live epoch at the send gate before it is queued, so no further chunk of
// that epoch is transmitted while the machine catches up.
func (m *Machine) Recognition(ev stt.Event) {
	if ev.Kind == stt.SpeechStarted {
		if epoch := m.live.Load(); epoch != 0 {
			m.seq.Cancel(epoch)
		}
	}
	m.post(recognitionInput{ev: ev, at: time.Now()})
}

// RecognitionReady reports that the recognition stream is connected.
func (m *Machine) RecognitionReady() { m.post(readyInput{}) }

// RecognitionLost reports that recognition is gone for good.
func (m *Machine) RecognitionLost() { m.post(lostInput{}) }

// UserText submits a typed turn.
func (m *Machine) UserText(text, language string) {
	m.post(userTextInput{text: text, language: language})
}

// Speak voices text directly as a new epoch, superseding any pending answer.
func (m *Machine) Speak(text, language string) {
	m.post(speakInput{text: text, language: language})
}

// Interrupt stops any response in progress at the client's request.
func (m *Machine) Interrupt() {
	if epoch := m.live.Load(); epoch != 0 {
		m.seq.Cancel(epoch)
	}
	m.post(interruptInput{at: time.Now()})
}

func (m *Machine) SetLanguage(language string) { m.post(languageInput{language: language}) }

// Start runs the machine on its own goroutine. Shutdown called after Start
// always waits for Run to return.
func (m *Machine) Start(ctx context.Context) {
	m.started.Store(true)
	go m.Run(ctx)
}

// Run processes inputs until ctx ends or Shutdown is called. On exit any
// live epoch is cancelled.
func (m *Machine) Run(ctx context.Context) {
	m.started.Store(true)
	defer close(m.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.ctx = ctx

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return
		case <-m.stop:
			m.teardown()
			return
		case in := <-m.inputs:
			select {
			case <-m.stop:
				m.teardown()
				return
			default:
			}
			m.handle(in)
		}
	}
}

// Shutdown stops the machine and waits for Run to return.
func (m *Machine) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

func (m *Machine) post(in any) bool {
	select {
	case m.inputs <- in:
		return true
	case <-m.stop:
		return false
	case <-m.done:
		return false
	}
}

func (m *Machine) handle(in any) {
	switch in := in.(type) {
	case recognitionInput:
		m.onRecognition(in)
	case readyInput:
		m.recognizing = true
		if m.state == Idle {
			m.setState(Listening)
		}
	case lostInput:
		m.recognizing = false
		m.speaking = false
		if m.state == Listening {
			m.setState(Idle)
		}
	case userTextInput:
		text := strings.TrimSpace(in.text)
		if text != "" {
			m.startResponse(text, firstNonEmpty(in.language, m.language))
		}
	case speakInput:
		text := strings.TrimSpace(in.text)
		if text == "" {
			return
		}
		if m.pending {
			m.dropPending()
		}
		m.startSpeaking(text, firstNonEmpty(in.language, m.language))
	case interruptInput:
		if m.task != nil {
			m.cancelEpoch("client", in.at)
			return
		}
		if m.pending {
			m.dropPending()
			m.setState(m.restingState())
		}
	case languageInput:
		m.language = in.language
	case answerResult:
		m.onAnswer(in)
	case taskDone:
		m.onTaskDone(in.task)
	}
}

func (m *Machine) onRecognition(in recognitionInput) {
	ev := in.ev
	switch ev.Kind {
	case stt.SpeechStarted:
		m.speaking = true
		if m.pending {
			// The pending answer is for a turn the user is now talking over.
			m.dropPending()
		}
		if m.task != nil {
			m.cancelEpoch("barge_in", in.at)
		} else {
			m.setState(Listening)
		}
		m.out.Send(protocol.NewStatus(protocol.TypeSpeechStarted))

	case stt.PartialTranscript:
		m.out.Send(protocol.Transcript{Type: protocol.TypePartialTranscript, Text: ev.Text})

	case stt.FinalTranscript:
		text := strings.TrimSpace(ev.Text)
		language := firstNonEmpty(ev.Language, m.language)
		m.out.Send(protocol.Transcript{Type: protocol.TypeFinalTranscript, Text: text, Language: language})
		if text != "" {
			m.startResponse(text, language)
		}

	case stt.UtteranceEnd:
		m.speaking = false
		m.out.Send(protocol.NewStatus(protocol.TypeUtteranceEnd))
	}
}

// startResponse submits text for an answer. Only the most recent submission
// may go on to speak.
func (m *Machine) startResponse(text, language string) {
	m.generation++
	m.pending = true
	generation := m.generation
	m.turns.Add(1)
	m.record(EventTurnStarted, map[string]any{"text": text, "language": language, "generation": generation})
	if m.task == nil {
		m.setState(Responding)
	}

	ctx := m.ctx
	timeout := m.cfg.AnswerTimeout
	go func() {
		ctx, span := m.tracer.Start(ctx, "turn.respond", trace.WithAttributes(
			attribute.String("session.id", m.cfg.SessionID),
			attribute.String("language", language),
		))
		defer span.End()

		answerCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type reply struct {
			text string
			err  error
		}
		replies := make(chan reply, 1)
		start := time.Now()
		go func() {
			answer, err := m.answerer.Answer(answerCtx, text, language)
			replies <- reply{text: answer, err: err}
		}()

		var r reply
		select {
		case r = <-replies:
		case <-answerCtx.Done():
			if ctx.Err() != nil {
				return
			}
			r.err = fmt.Errorf("answer after %s: %w", timeout, voiceerr.ErrGenerationTimeout)
		}
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
		}
		m.post(answerResult{
			generation: generation,
			language:   language,
			answer:     strings.TrimSpace(r.text),
			err:        r.err,
			latency:    time.Since(start),
		})
	}()
}

func (m *Machine) onAnswer(res answerResult) {
	if res.generation != m.generation {
		m.metrics.stale(m.ctx)
		m.record(EventAnswerStale, map[string]any{"generation": res.generation})
		m.log.Debug("dropping stale answer", slog.Uint64("generation", res.generation))
		return
	}
	m.pending = false
	m.metrics.answered(m.ctx, res.latency)

	answer, fallback := res.answer, false
	if res.err != nil || answer == "" {
		reason := "empty"
		if res.err != nil {
			reason = voiceerr.Code(res.err)
			m.log.Warn("answer generation failed, using fallback", slogError(res.err))
		}
		m.metrics.fallback(m.ctx, reason)
		answer, fallback = m.cfg.Fallback(res.language), true
	}
	m.record(EventTurnAnswered, map[string]any{"text": answer, "fallback": fallback})
	if answer == "" {
		m.setState(m.restingState())
		return
	}
	m.out.Send(protocol.AgentResponse{Type: protocol.TypeAgentResponse, Text: answer, Fallback: fallback})
	m.startSpeaking(answer, res.language)
}

func (m *Machine) startSpeaking(text, language string) {
	if m.task != nil {
		m.cancelEpoch("superseded", time.Now())
	}

	epoch := m.seq.Begin()
	m.live.Store(epoch)
	task := tts.StartTask(m.ctx, epoch, tts.Request{
		SessionID: m.cfg.SessionID,
		Text:      text,
		Voice:     m.cfg.Voice,
		Language:  language,
	}, m.synth, m.deliver, tts.TaskOptions{CancelTimeout: m.cfg.CancelTimeout, Logger: m.log})
	m.task = task
	m.out.Send(protocol.AudioGenerationStarted{Type: protocol.TypeAudioGenerationStarted, EpochID: epoch})
	m.setState(Speaking)
	m.metrics.epochStarted(m.ctx)
	m.record(EventEpochStarted, map[string]any{"epoch_id": epoch, "chars": len(text)})
	m.log.Debug("epoch started", slog.Uint64("epoch", epoch))

	go func() {
		<-task.Done()
		m.post(taskDone{task: task})
	}()
}

// deliver runs on the synthesis goroutine for every chunk.
func (m *Machine) deliver(ctx context.Context, chunk tts.Chunk) error {
	if !m.seq.Admit(chunk.Epoch) {
		m.dropped.Add(1)
		m.metrics.Dropped(ctx, "generate")
		return nil
	}
	if err := m.out.SendAudio(ctx, protocol.EncodeAudio(chunk.Epoch, chunk.Sequence, chunk.PCM, chunk.Final)); err != nil {
		return err
	}
	m.chunksOut.Add(1)
	return nil
}

// cancelEpoch retires the live epoch. The gate flips before the task is
// cancelled, and the client hears about it on the priority lane.
func (m *Machine) cancelEpoch(reason string, detected time.Time) {
	task := m.task
	epoch := task.Epoch()
	m.seq.Cancel(epoch)
	task.Cancel()
	m.task = nil
	m.live.CompareAndSwap(epoch, 0)

	m.out.SendPriority(protocol.TTSInterrupted{Type: protocol.TypeTTSInterrupted, EpochID: epoch})
	m.interrupt.Add(1)
	m.metrics.interrupted(m.ctx, reason, time.Since(detected))
	m.record(EventEpochInterrupted, map[string]any{"epoch_id": epoch, "reason": reason})
	m.log.Debug("epoch interrupted", slog.Uint64("epoch", epoch), slog.String("reason", reason),
		slog.Duration("latency", time.Since(detected)))
	m.setState(Interrupted)
	m.setState(m.restingState())
}

func (m *Machine) onTaskDone(task *tts.Task) {
	if task != m.task {
		return
	}
	epoch := task.Epoch()
	res := task.Result()

	if res.Cancelled || !m.seq.Admit(epoch) {
		// Retired at the gate by an input still in the queue.
		m.cancelEpoch("gate", time.Now())
		return
	}

	m.task = nil
	m.live.CompareAndSwap(epoch, 0)
	if res.Err != nil {
		if errors.Is(res.Err, voiceerr.ErrTransportClosed) {
			m.setState(m.restingState())
			return
		}
		m.log.Warn("synthesis failed", slog.Uint64("epoch", epoch), slogError(res.Err))
		m.record(EventEpochFailed, map[string]any{"epoch_id": epoch, "error": res.Err.Error()})
		m.out.Send(protocol.NewFailure(protocol.TypeTTSUnavailable, res.Err, voiceerr.Code(res.Err)))
		m.setState(m.restingState())
		return
	}

	m.setState(m.restingState())
	m.out.Send(protocol.AudioGenerationComplete{Type: protocol.TypeAudioGenerationComplete, EpochID: epoch, TotalChunks: res.Chunks})
	m.record(EventEpochCompleted, map[string]any{"epoch_id": epoch, "chunks": res.Chunks})
}

func (m *Machine) teardown() {
	m.dropPending()
	if m.task != nil {
		epoch := m.task.Epoch()
		m.seq.Cancel(epoch)
		m.task.Cancel()
		m.task = nil
		m.live.Store(0)
	}
	m.setState(Idle)
}

// dropPending makes any in-flight answer stale.
func (m *Machine) dropPending() {
	m.generation++
	m.pending = false
}

func (m *Machine) restingState() State {
	if m.pending {
		return Responding
	}
	if m.recognizing {
		return Listening
	}
	return Idle
}

func (m *Machine) setState(s State) {
	if m.state != s {
		m.log.Debug("state change", slog.String("from", m.state.String()), slog.String("to", s.String()))
	}
	m.state = s
	m.stateView.Store(int32(s))
}

func (m *Machine) record(kind string, payload any) {
	if m.rec != nil {
		m.rec.Record(kind, payload)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
