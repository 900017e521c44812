package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/eventstore"
)

// Timeline persists session timelines. *eventstore.Store implements it.
type Timeline interface {
	BeginSession(ctx context.Context, sess eventstore.Session) error
	Append(ctx context.Context, evt eventstore.Event) error
	EndSession(ctx context.Context, sessionID, reason string) error
}

// Publisher fans timeline entries out to the bus. *bus.Client implements it.
type Publisher interface {
	SessionSubject(sessionID, kind string) string
	Publish(subject string, data []byte) error
}

// Timeline entry kinds recorded by the session itself.
const (
	EventSessionStarted  = "session.started"
	EventSessionEnded    = "session.ended"
	EventSTTReady        = "stt.ready"
	EventSTTUnavailable  = "stt.unavailable"
	EventSTTReconnected  = "stt.reconnected"
	EventSTTDisconnected = "stt.disconnected"
)

const (
	recorderBuffer  = 128
	recorderTimeout = 2 * time.Second
)

type timelineEntry struct {
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

// Recorder writes timeline entries off the caller's goroutine. Entries are
// dropped rather than delaying the session when the buffer is full.
type Recorder struct {
	sessionID string
	store     Timeline
	pub       Publisher
	log       *slog.Logger

	mu      sync.RWMutex
	closed  bool
	entries chan timelineEntry
	done    chan struct{}
	dropped atomic.Int64
}

func newRecorder(sessionID string, store Timeline, pub Publisher, log *slog.Logger) *Recorder {
	r := &Recorder{
		sessionID: sessionID,
		store:     store,
		pub:       pub,
		log:       log,
		entries:   make(chan timelineEntry, recorderBuffer),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) Record(kind string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			r.log.Warn("failed to encode timeline entry", slog.String("kind", kind), slogError(err))
			return
		}
		raw = data
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.entries <- timelineEntry{SessionID: r.sessionID, Kind: kind, Payload: raw, At: time.Now().UTC()}:
	default:
		r.dropped.Add(1)
		r.log.Debug("timeline buffer full, dropping entry", slog.String("kind", kind))
	}
}

// Close flushes queued entries and stops the recorder.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.entries)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.entries {
		r.persist(e)
		r.publish(e)
	}
}

func (r *Recorder) persist(e timelineEntry) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
	defer cancel()
	err := r.store.Append(ctx, eventstore.Event{SessionID: e.SessionID, Kind: e.Kind, Payload: e.Payload, CreatedAt: e.At})
	if err != nil {
		r.log.Warn("failed to persist timeline entry", slog.String("kind", e.Kind), slogError(err))
	}
}

func (r *Recorder) publish(e timelineEntry) {
	if r.pub == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := r.pub.Publish(r.pub.SessionSubject(e.SessionID, e.Kind), data); err != nil {
		r.log.Debug("failed to publish timeline entry", slog.String("kind", e.Kind), slogError(err))
	}
}
