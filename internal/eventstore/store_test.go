package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestEphemeralStoreIsNoOp(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	ctx := context.Background()
	if err := es.BeginSession(ctx, Session{ID: "s"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := es.Append(ctx, Event{SessionID: "s", Kind: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if events, err := es.Events(ctx, "s", 10); err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v (%v)", events, err)
	}
	if _, err := es.Session(ctx, "s"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTimelineRoundTrip(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }

	if err := es.BeginSession(ctx, Session{ID: "s-1", Language: "hi-IN", RemoteIP: "10.0.0.7"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for _, kind := range []string{"session.started", "turn.started", "epoch.started", "epoch.interrupted"} {
		if err := es.Append(ctx, Event{SessionID: "s-1", Kind: kind, Payload: []byte(`{"k":"` + kind + `"}`)}); err != nil {
			t.Fatalf("append %s: %v", kind, err)
		}
	}
	if err := es.EndSession(ctx, "s-1", "client_closed"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	events, err := es.Events(ctx, "s-1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 || events[0].Kind != "session.started" || events[3].Kind != "epoch.interrupted" {
		t.Fatalf("unexpected timeline %+v", events)
	}
	if !events[1].CreatedAt.Equal(es.clock()) {
		t.Fatalf("unexpected timestamp %s", events[1].CreatedAt)
	}

	sess, err := es.Session(ctx, "s-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.Language != "hi-IN" || sess.RemoteIP != "10.0.0.7" || sess.EndReason != "client_closed" || sess.EndedAt.IsZero() {
		t.Fatalf("unexpected session %+v", sess)
	}
	if _, err := es.Session(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPruneByAgeAndCount(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, Session{ID: "old"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := es.Append(ctx, Event{SessionID: "old", Kind: "note"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid", "new"} {
		if err := es.BeginSession(ctx, Session{ID: id}); err != nil {
			t.Fatalf("begin: %v", err)
		}
		es.clock = func() time.Time { return time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC) }
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if events, _ := es.Events(ctx, "old", 10); len(events) != 0 {
		t.Fatal("expected events of the old session to be pruned")
	}
	if _, err := es.Session(ctx, "mid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected mid session pruned by count, got %v", err)
	}
	if _, err := es.Session(ctx, "new"); err != nil {
		t.Fatalf("newest session must survive: %v", err)
	}
}
