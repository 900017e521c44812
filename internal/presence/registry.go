// Package presence advertises this gateway on the bus and tracks its peers,
// so operators can see how many voice sessions each node is carrying.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
)

// Gateway is the last known state of one voice gateway.
type Gateway struct {
	ID             string            `json:"id"`
	Role           string            `json:"role"`
	Modes          map[string]string `json:"modes,omitempty"`
	ActiveSessions int64             `json:"active_sessions"`
	LastSeen       time.Time         `json:"last_seen"`
	Healthy        bool              `json:"healthy"`
}

// SessionCounter reports the number of live sessions on this node.
type SessionCounter interface {
	Active() int64
}

type announceMessage struct {
	NodeID    string            `json:"node_id"`
	Role      string            `json:"role"`
	Modes     map[string]string `json:"modes,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID         string    `json:"node_id"`
	ActiveSessions int64     `json:"active_sessions"`
	Timestamp      time.Time `json:"timestamp"`
}

type Registry struct {
	cfg      config.NodeConfig
	modes    map[string]string
	bus      *bus.Client
	sessions SessionCounter
	log      *slog.Logger

	mu       sync.RWMutex
	gateways map[string]*Gateway

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	reg    metric.Registration
}

// NewRegistry subscribes to peer traffic, announces this node and starts
// the heartbeat loop.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, modes map[string]string, client *bus.Client, sessions SessionCounter, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:      cfg,
		modes:    modes,
		bus:      client,
		sessions: sessions,
		log:      log.With(slog.String("component", "presence")),
		gateways: make(map[string]*Gateway),
		cancel:   cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize presence metrics", slogError(err))
	}
	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce gateway", slogError(err))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	if r.reg != nil {
		_ = r.reg.Unregister()
	}
}

func (r *Registry) announceSubject() string { return r.bus.Subject("ctrl", "gateway", "announce") }

func (r *Registry) heartbeatSubject(id string) string {
	return r.bus.Subject("ctrl", "gateway", "heartbeat", id)
}

func (r *Registry) subscribe() error {
	sub, err := r.bus.Subscribe(r.announceSubject(), r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, sub)

	sub, err = r.bus.Subscribe(r.heartbeatSubject("*"), r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, sub)
	return r.bus.Conn().Flush()
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	interval := time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:    r.cfg.ID,
		Role:      r.cfg.Role,
		Modes:     r.modes,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.update(msg.NodeID, func(g *Gateway) {
		g.Role, g.Modes = msg.Role, msg.Modes
		g.LastSeen, g.Healthy = msg.Timestamp, true
	})
	return r.bus.Publish(r.announceSubject(), payload)
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()}
	if r.sessions != nil {
		msg.ActiveSessions = r.sessions.Active()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Publish(r.heartbeatSubject(r.cfg.ID), payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	seen := stamp(a.Timestamp)
	r.update(a.NodeID, func(g *Gateway) {
		g.Role, g.Modes = a.Role, a.Modes
		g.LastSeen, g.Healthy = seen, true
	})
	if a.NodeID != r.cfg.ID {
		// A newcomer learns about us without waiting for the next heartbeat.
		if err := r.publishHeartbeat(); err != nil {
			r.log.Debug("heartbeat reply failed", slogError(err))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	seen := stamp(hb.Timestamp)
	r.update(hb.NodeID, func(g *Gateway) {
		g.ActiveSessions = hb.ActiveSessions
		g.LastSeen, g.Healthy = seen, true
	})
}

func (r *Registry) update(id string, apply func(*Gateway)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gateways[id]
	if !ok {
		g = &Gateway{ID: id}
		r.gateways[id] = g
	}
	apply(g)
}

func (r *Registry) evaluateHealth(now time.Time) {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.gateways {
		if now.Sub(g.LastSeen) > timeout {
			g.Healthy = false
		}
	}
}

// Healthy reports whether this node's own heartbeats are making it back.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[r.cfg.ID]
	return ok && g.Healthy
}

// Gateways returns every known gateway ordered by ID.
func (r *Registry) Gateways() []Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Gateway, 0, len(r.gateways))
	for _, g := range r.gateways {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClusterSessions sums the active sessions of every healthy gateway.
func (r *Registry) ClusterSessions() (gateways, sessions int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.gateways {
		if g.Healthy {
			gateways++
			sessions += g.ActiveSessions
		}
	}
	return gateways, sessions
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/presence")
	gwGauge, err := meter.Int64ObservableGauge("loqa.voice.gateways", metric.WithDescription("Healthy voice gateways on the bus"))
	if err != nil {
		return err
	}
	sessGauge, err := meter.Int64ObservableGauge("loqa.voice.cluster.sessions", metric.WithDescription("Active sessions across healthy gateways"))
	if err != nil {
		return err
	}
	r.reg, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		gateways, sessions := r.ClusterSessions()
		obs.ObserveInt64(gwGauge, gateways)
		obs.ObserveInt64(sessGauge, sessions)
		return nil
	}, gwGauge, sessGauge)
	return err
}

func stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
