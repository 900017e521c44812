package presence

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type counter struct{ n atomic.Int64 }

func (c *counter) Active() int64 { return c.n.Load() }

func connect(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Port = -1
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "voice-gateway", HeartbeatInterval: 20, HeartbeatTimeout: 120}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGatewaysSeeEachOther(t *testing.T) {
	client := connect(t)
	ctx := context.Background()

	sessionsA := &counter{}
	a, err := NewRegistry(ctx, nodeConfig("gw-a"), map[string]string{"stt": "deepgram"}, client, sessionsA, newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer a.Close()
	sessionsB := &counter{}
	sessionsB.n.Store(3)
	b, err := NewRegistry(ctx, nodeConfig("gw-b"), map[string]string{"stt": "mock"}, client, sessionsB, newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	sessionsA.n.Store(2)

	waitFor(t, "cluster view", func() bool {
		gateways, sessions := a.ClusterSessions()
		return gateways == 2 && sessions == 5
	})
	if !a.Healthy() || !b.Healthy() {
		t.Fatal("both gateways should see their own heartbeats")
	}
	gws := a.Gateways()
	if len(gws) != 2 || gws[0].ID != "gw-a" || gws[1].Modes["stt"] != "mock" {
		t.Fatalf("unexpected gateways %+v", gws)
	}

	b.Close()
	waitFor(t, "gw-b expiry", func() bool {
		gateways, sessions := a.ClusterSessions()
		return gateways == 1 && sessions == 2
	})
}
