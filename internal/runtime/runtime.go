// Package runtime assembles the voice gateway: providers, the session
// manager, the optional bus backplane and the HTTP surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/presence"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/turn"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	telemetry *telemetry
	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	presence  *presence.Registry
	sessions  *session.Manager
	handler   http.Handler

	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start initialises every component, serves HTTP until ctx ends and then
// shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.init(ctx); err != nil {
		return errors.Join(err, r.close(context.Background()))
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprint(r.cfg.HTTP.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Join(fmt.Errorf("listen on %s: %w", addr, err), r.close(context.Background()))
	}
	r.httpServer = &http.Server{
		Handler:           r.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("stt_mode", r.sttMode()),
		slog.String("tts_mode", r.ttsMode()),
		slog.String("llm_mode", r.llmMode()))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		r.logger.Error("http server failed", slogError(runErr))
	}
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	err = errors.Join(runErr, r.close(shutdownCtx))
	r.wg.Wait()
	return err
}

func (r *Runtime) init(ctx context.Context) error {
	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if err := r.startBackplane(ctx); err != nil {
		return err
	}

	deps, err := r.providers()
	if err != nil {
		return err
	}
	manager, err := session.NewManager(session.Options{
		Session:       r.cfg.Session,
		STTMode:       r.sttMode(),
		TTSMode:       r.ttsMode(),
		Voice:         r.cfg.TTS.Voice,
		AnswerTimeout: r.cfg.LLM.Timeout(),
		CancelTimeout: r.cfg.TTS.CancelTimeout(),
	}, deps)
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}
	r.sessions = manager

	if r.bus != nil {
		registry, err := presence.NewRegistry(ctx, r.cfg.Node, r.modes(), r.bus, manager, r.logger)
		if err != nil {
			return fmt.Errorf("start presence registry: %w", err)
		}
		r.presence = registry
	}

	r.handler = r.routes()
	return nil
}

// startBackplane brings up the embedded NATS server when configured and
// connects the bus client.
func (r *Runtime) startBackplane(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded NATS: %w", err)
	}
	r.nats = ns

	busCfg := r.cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) providers() (session.Deps, error) {
	deps := session.Deps{
		Timeline: r.store,
		Logger:   r.logger,
	}
	if r.bus != nil {
		deps.Publisher = r.bus
	}

	metrics, err := turn.NewMetrics()
	if err != nil {
		return deps, fmt.Errorf("create turn metrics: %w", err)
	}
	deps.Metrics = metrics

	if r.cfg.STT.Enabled {
		provider, err := stt.NewProvider(r.cfg.STT, r.logger)
		if err != nil {
			return deps, fmt.Errorf("create recognition provider: %w", err)
		}
		deps.Pump = stt.NewPump(provider, r.cfg.STT, r.logger)
	}

	deps.Synth = disabledSynth{}
	if r.cfg.TTS.Enabled {
		synth, err := tts.NewSynthesizer(r.cfg.TTS, r.logger)
		if err != nil {
			return deps, fmt.Errorf("create synthesizer: %w", err)
		}
		deps.Synth = synth
	}

	deps.Answerer = disabledAnswerer{}
	if r.cfg.LLM.Enabled {
		gen, err := llm.NewGenerator(r.cfg.LLM)
		if err != nil {
			return deps, fmt.Errorf("create answer generator: %w", err)
		}
		deps.Answerer = llm.NewAnswerer(gen, r.cfg.LLM, r.logger)
	}
	return deps, nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

// close releases components in reverse dependency order. Sessions go first
// so their timelines can still be written.
func (r *Runtime) close(ctx context.Context) error {
	var errs []error
	if r.sessions != nil {
		if err := r.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		}
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	r.presence.Close()
	r.bus.Close()
	r.nats.Shutdown()
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event store close: %w", err))
	}
	if r.telemetry != nil {
		if err := r.telemetry.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) modes() map[string]string {
	return map[string]string{"stt": r.sttMode(), "tts": r.ttsMode(), "llm": r.llmMode()}
}

func (r *Runtime) sttMode() string { return modeOf(r.cfg.STT.Enabled, r.cfg.STT.Mode) }
func (r *Runtime) ttsMode() string { return modeOf(r.cfg.TTS.Enabled, r.cfg.TTS.Mode) }
func (r *Runtime) llmMode() string { return modeOf(r.cfg.LLM.Enabled, r.cfg.LLM.Mode) }

func modeOf(enabled bool, mode string) string {
	if !enabled {
		return "disabled"
	}
	if mode == "" {
		return "mock"
	}
	return mode
}

// disabledSynth answers every request with a configuration error, so turns
// still produce agent_response followed by tts_unavailable.
type disabledSynth struct{}

func (disabledSynth) Synthesize(context.Context, tts.Request) (tts.Stream, error) {
	return nil, fmt.Errorf("speech synthesis is disabled: %w", voiceerr.ErrConfig)
}

// disabledAnswerer makes every turn fall back to the configured utterance.
type disabledAnswerer struct{}

func (disabledAnswerer) Answer(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("answer generation is disabled: %w", voiceerr.ErrConfig)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
