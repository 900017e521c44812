package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/turn"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

// Reasons a session ends, as recorded in the timeline.
const (
	EndClientClosed   = "client_closed"
	EndTransportError = "transport_error"
	EndServerShutdown = "server_shutdown"
	EndReadLimit      = "read_limit"
)

var errRecognitionDisabled = errors.New("recognition is disabled")

// Session is one client connection: a reader (the goroutine calling serve),
// an outbound writer, a turn machine and at most one recognition stream.
type Session struct {
	id       string
	remoteIP string
	conn     *websocket.Conn
	opts     Options
	deps     Deps
	writer   *Writer
	machine  *turn.Machine
	rec      *Recorder
	log      *slog.Logger
	started  time.Time
	pongWait time.Duration

	// Owned by the reader goroutine.
	language string

	mu     sync.Mutex
	handle *stt.Handle
	closed bool
	wg     sync.WaitGroup

	audioIn    atomic.Int64
	reconnects atomic.Int64
}

func newSession(id, remoteIP, language string, conn *websocket.Conn, opts Options, deps Deps) *Session {
	log := deps.Logger.With(slog.String("session_id", id))
	seq := &turn.Sequencer{}
	s := &Session{
		id:       id,
		remoteIP: remoteIP,
		conn:     conn,
		opts:     opts,
		deps:     deps,
		log:      log,
		started:  time.Now(),
		pongWait: 3 * opts.PingInterval,
		language: language,
	}
	s.writer = NewWriter(conn, WriterOptions{
		QueueSize:         opts.Session.OutboundQueueSize,
		PriorityQueueSize: opts.Session.PriorityQueueSize,
		WriteTimeout:      opts.Session.WriteTimeout(),
		PingInterval:      opts.PingInterval,
		Sequencer:         seq,
		Metrics:           deps.Metrics,
		Logger:            log,
	})
	s.rec = newRecorder(id, deps.Timeline, deps.Publisher, log)
	s.machine = turn.NewMachine(turn.Config{
		SessionID:     id,
		Language:      language,
		Voice:         opts.Voice,
		AnswerTimeout: opts.AnswerTimeout,
		CancelTimeout: opts.CancelTimeout,
		Fallback:      opts.Session.FallbackUtterance,
	}, turn.Deps{
		Out:       s.writer,
		Answerer:  deps.Answerer,
		Synth:     deps.Synth,
		Sequencer: seq,
		Recorder:  s.rec,
		Metrics:   deps.Metrics,
		Logger:    log,
	})
	return s
}

// serve runs the session until the client goes away or ctx ends, then tears
// it down. It returns the end reason.
func (s *Session) serve(ctx context.Context) string {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.deps.Timeline != nil {
		beginCtx, done := context.WithTimeout(ctx, recorderTimeout)
		if err := s.deps.Timeline.BeginSession(beginCtx, eventstore.Session{ID: s.id, Language: s.language, RemoteIP: s.remoteIP}); err != nil {
			s.log.Warn("failed to register session", slogError(err))
		}
		done()
	}
	s.writer.Start(ctx)
	s.machine.Start(ctx)
	s.rec.Record(EventSessionStarted, map[string]any{"language": s.language, "remote_ip": s.remoteIP})
	s.writer.Send(protocol.ConnectionReady{
		Type:      protocol.TypeConnectionReady,
		SessionID: s.id,
		Language:  s.language,
		STTMode:   s.opts.STTMode,
		TTSMode:   s.opts.TTSMode,
	})
	s.log.Info("session started", slog.String("language", s.language))

	// A dead writer or a server shutdown unblocks the reader.
	readerDone := make(chan struct{})
	go func() {
		select {
		case <-s.writer.Done():
			_ = s.conn.SetReadDeadline(time.Now())
		case <-readerDone:
		}
	}()

	reason := s.read(ctx)
	close(readerDone)
	s.teardown(reason)
	cancel()
	s.wg.Wait()
	return reason
}

func (s *Session) read(ctx context.Context) string {
	s.conn.SetReadLimit(s.opts.Session.ReadLimitBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return s.endReason(ctx, err)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
		s.route(ctx, data)
	}
}

func (s *Session) endReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return EndServerShutdown
	case errors.Is(err, websocket.ErrReadLimit):
		return EndReadLimit
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return EndClientClosed
	default:
		if werr := s.writer.Err(); werr != nil {
			s.log.Info("client transport failed", slogError(werr))
		} else {
			s.log.Debug("read failed", slogError(err))
		}
		return EndTransportError
	}
}

func (s *Session) route(ctx context.Context, data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) && decodeErr.MessageType == protocol.TypeSTTAudioChunk {
			s.writer.Send(protocol.NewFailure(protocol.TypeSTTFailed, decodeErr, decodeErr.Code))
			return
		}
		code := "bad_request"
		if decodeErr != nil {
			code = decodeErr.Code
		}
		s.writer.Send(protocol.ErrorMessage{Type: protocol.TypeError, Code: code, Message: err.Error()})
		return
	}

	switch msg := msg.(type) {
	case protocol.STTStreamStart:
		s.startRecognition(ctx, msg)
	case protocol.STTAudioChunk:
		s.audioIn.Add(1)
		s.currentHandle().SendAudio(msg.PCM)
	case protocol.STTStreamEnd:
		if h := s.currentHandle(); h != nil {
			h.Finish()
		}
	case protocol.UserText:
		s.machine.UserText(msg.Text, firstNonEmpty(msg.Language, s.language))
	case protocol.SpeakText:
		s.machine.Speak(msg.Text, firstNonEmpty(msg.Language, s.language))
	case protocol.Interrupt:
		s.machine.Interrupt()
	case protocol.SetLanguage:
		s.language = msg.Language
		s.machine.SetLanguage(msg.Language)
		s.rec.Record("language.updated", map[string]any{"language": msg.Language})
		s.writer.Send(protocol.LanguageUpdated{Type: protocol.TypeLanguageUpdated, Language: msg.Language})
	case protocol.Ping:
		s.writer.Send(protocol.Pong{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
	case protocol.GetMetrics:
		s.writer.Send(s.metrics())
	}
}

// startRecognition replaces any open stream with a new one. A failure
// leaves the session usable through user_text.
func (s *Session) startRecognition(ctx context.Context, msg protocol.STTStreamStart) {
	if s.deps.Pump == nil {
		s.recognitionUnavailable(errRecognitionDisabled, voiceerr.Code(voiceerr.ErrConfig))
		return
	}
	s.stopRecognition()
	if msg.Language != "" && msg.Language != s.language {
		s.language = msg.Language
		s.machine.SetLanguage(msg.Language)
	}

	h, err := s.deps.Pump.Start(ctx, msg.SampleRate, s.language)
	if err != nil {
		s.log.Warn("recognition unavailable", slogError(err))
		s.recognitionUnavailable(err, voiceerr.Code(err))
		return
	}
	if !s.setHandle(nil, h) {
		h.Stop()
		return
	}
	s.writer.Send(protocol.NewStatus(protocol.TypeSTTReady))
	s.rec.Record(EventSTTReady, map[string]any{"language": s.language, "sample_rate": msg.SampleRate})
	s.machine.RecognitionReady()

	s.wg.Add(1)
	go s.forward(ctx, h, msg.SampleRate, s.language)
}

func (s *Session) recognitionUnavailable(err error, code string) {
	s.writer.Send(protocol.NewFailure(protocol.TypeSTTUnavailable, err, code))
	s.rec.Record(EventSTTUnavailable, map[string]any{"error": err.Error(), "code": code})
}

// forward feeds recognition events to the machine. A transient drop is
// retried once per started stream; a second failure leaves the session in
// text-only mode.
func (s *Session) forward(ctx context.Context, h *stt.Handle, sampleRate int, language string) {
	defer s.wg.Done()
	retried := false
	for {
		closed := s.pumpEvents(h)
		switch closed.Reason {
		case stt.ReasonStopped:
			return
		case stt.ReasonFinished:
			if s.setHandle(h, nil) {
				s.machine.RecognitionLost()
			}
			return
		}

		cause := closed.Err
		if cause == nil {
			cause = voiceerr.ErrProviderDisconnected
		}
		s.log.Warn("recognition stream dropped", slogError(cause), slog.Bool("retried", retried))
		s.rec.Record(EventSTTDisconnected, map[string]any{"error": cause.Error(), "retried": retried})
		if ctx.Err() != nil || !s.isCurrent(h) {
			return
		}
		if retried {
			s.lose(h, cause)
			return
		}
		retried = true
		s.reconnects.Add(1)

		next, err := s.deps.Pump.Start(ctx, sampleRate, language)
		if err != nil {
			s.lose(h, err)
			return
		}
		if !s.setHandle(h, next) {
			next.Stop()
			return
		}
		s.writer.Send(protocol.NewStatus(protocol.TypeSTTReady))
		s.rec.Record(EventSTTReconnected, nil)
		h = next
	}
}

func (s *Session) pumpEvents(h *stt.Handle) stt.Event {
	for ev := range h.Events() {
		if ev.Kind == stt.Closed {
			return ev
		}
		s.machine.Recognition(ev)
	}
	return stt.Event{Kind: stt.Closed, Reason: stt.ReasonTransient, Err: voiceerr.ErrProviderDisconnected}
}

func (s *Session) lose(h *stt.Handle, err error) {
	if !s.setHandle(h, nil) {
		return
	}
	s.recognitionUnavailable(err, voiceerr.Code(err))
	s.machine.RecognitionLost()
}

func (s *Session) currentHandle() *stt.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) isCurrent(h *stt.Handle) bool {
	return s.currentHandle() == h
}

// setHandle replaces old with next if old is still current and the session
// is open.
func (s *Session) setHandle(old, next *stt.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.handle != old {
		return false
	}
	s.handle = next
	return true
}

func (s *Session) stopRecognition() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	h.Stop()
}

// teardown releases the session in dependency order: no synthesis may
// outlive the machine and no write may outlive the writer.
func (s *Session) teardown(reason string) {
	s.machine.Shutdown()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopRecognition()

	s.writer.Close()

	stats := s.machine.Stats()
	s.rec.Record(EventSessionEnded, map[string]any{
		"reason":        reason,
		"duration_ms":   time.Since(s.started).Milliseconds(),
		"turns":         stats.Turns,
		"interruptions": stats.Interruptions,
	})
	s.rec.Close()
	if s.deps.Timeline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
		if err := s.deps.Timeline.EndSession(ctx, s.id, reason); err != nil {
			s.log.Warn("failed to close session timeline", slogError(err))
		}
		cancel()
	}

	_ = s.conn.Close()
	s.log.Info("session ended",
		slog.String("reason", reason),
		slog.Duration("duration", time.Since(s.started)),
		slog.Int64("turns", stats.Turns))
}

func (s *Session) metrics() protocol.SessionMetrics {
	stats := s.machine.Stats()
	return protocol.SessionMetrics{
		Type:               protocol.TypeMetrics,
		SessionID:          s.id,
		State:              s.machine.State().String(),
		UptimeMS:           time.Since(s.started).Milliseconds(),
		AudioChunksIn:      s.audioIn.Load(),
		AudioChunksOut:     s.writer.AudioOut(),
		AudioChunksDropped: stats.AudioDropped + s.writer.Dropped(),
		Turns:              stats.Turns,
		Interruptions:      stats.Interruptions,
		Reconnects:         s.reconnects.Load(),
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
