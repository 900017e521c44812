package runtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/presence"
)

const voicePath = "/ws/voice"

func (r *Runtime) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	router.Handle(r.cfg.Telemetry.MetricsPath, r.telemetry.metrics)

	// Voice sessions outlive any request span, so they stay uninstrumented.
	router.Get(voicePath, r.sessions.ServeHTTP)

	router.Group(func(api chi.Router) {
		api.Use(otelhttp.NewMiddleware(r.cfg.RuntimeName))
		api.Get("/sessions/{sessionID}", r.handleSession)
		api.Get("/gateways", r.handleGateways)
	})
	return router
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]string{"runtime": "ok"}
	status := http.StatusOK
	if !r.ready.Load() {
		checks["runtime"] = "starting"
		status = http.StatusServiceUnavailable
	}
	if r.bus != nil {
		checks["bus"] = "ok"
		if !r.bus.Healthy() {
			checks["bus"] = "disconnected"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]any{
		"status":          http.StatusText(status),
		"active_sessions": r.sessions.Active(),
		"checks":          checks,
	})
}

type sessionResponse struct {
	Session eventstore.Session `json:"session"`
	Events  []eventstore.Event `json:"events"`
}

func (r *Runtime) handleSession(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "sessionID")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))

	sess, err := r.store.Session(req.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		r.logger.Warn("session lookup failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	events, err := r.store.Events(req.Context(), id, limit)
	if err != nil {
		r.logger.Warn("timeline lookup failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "timeline lookup failed")
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess, Events: events})
}

func (r *Runtime) handleGateways(w http.ResponseWriter, _ *http.Request) {
	if r.presence == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"gateways":         []presence.Gateway{},
			"cluster_sessions": r.sessions.Active(),
		})
		return
	}
	_, sessions := r.presence.ClusterSessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"gateways":         r.presence.Gateways(),
		"cluster_sessions": sessions,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
