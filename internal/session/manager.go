// Package session terminates client WebSocket connections and runs one turn
// machine per connection.
package session

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/turn"
)

type Options struct {
	Session       config.SessionConfig
	STTMode       string
	TTSMode       string
	Voice         string
	AnswerTimeout time.Duration
	CancelTimeout time.Duration
	PingInterval  time.Duration
}

// Deps are shared by every session. Pump may be nil when recognition is
// disabled; Timeline and Publisher are optional.
type Deps struct {
	Pump      *stt.Pump
	Synth     tts.Synthesizer
	Answerer  turn.Answerer
	Timeline  Timeline
	Publisher Publisher
	Metrics   *turn.Metrics
	Logger    *slog.Logger
}

// Manager upgrades HTTP requests into sessions. It keeps no registry of
// sessions, only a count and a wait group for shutdown.
type Manager struct {
	opts     Options
	deps     Deps
	upgrader websocket.Upgrader
	log      *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64

	activeGauge metric.Int64UpDownCounter
	ended       metric.Int64Counter
}

func NewManager(opts Options, deps Deps) (*Manager, error) {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	deps.Logger = deps.Logger.With(slog.String("component", "session"))

	meter := otel.Meter("github.com/loqalabs/loqa-voice/session")
	activeGauge, err := meter.Int64UpDownCounter("loqa.voice.sessions.active", metric.WithDescription("Open client sessions"))
	if err != nil {
		return nil, err
	}
	ended, err := meter.Int64Counter("loqa.voice.sessions.ended", metric.WithDescription("Sessions ended, by reason"))
	if err != nil {
		return nil, err
	}

	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:        opts,
		deps:        deps,
		log:         deps.Logger,
		base:        base,
		cancel:      cancel,
		activeGauge: activeGauge,
		ended:       ended,
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16384,
		CheckOrigin:     m.checkOrigin,
	}
	return m, nil
}

// checkOrigin admits requests without an Origin header and, when origins
// are configured, only those listed. An empty list or "*" admits all.
func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	allowed := m.opts.Session.AllowedOrigins
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	m.log.Warn("rejecting websocket origin", slog.String("origin", origin))
	return false
}

func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Debug("websocket upgrade failed", slogError(err))
		return
	}

	language := m.opts.Session.DefaultLanguage
	if q := strings.TrimSpace(r.URL.Query().Get("language")); q != "" {
		language = q
	}
	sess := newSession(uuid.NewString(), remoteHost(r.RemoteAddr), language, conn, m.opts, m.deps)

	ctx := m.base
	m.active.Add(1)
	m.activeGauge.Add(ctx, 1)
	reason := sess.serve(ctx)
	m.active.Add(-1)
	m.activeGauge.Add(context.WithoutCancel(ctx), -1)
	m.ended.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Active is the number of open sessions.
func (m *Manager) Active() int64 { return m.active.Load() }

// Shutdown refuses new sessions, ends the open ones and waits for them to
// tear down or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
