package turn

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the process-wide turn-taking instruments. One value is
// shared by every session.
type Metrics struct {
	epochs         metric.Int64Counter
	interruptions  metric.Int64Counter
	fallbacks      metric.Int64Counter
	staleResults   metric.Int64Counter
	dropped        metric.Int64Counter
	bargeInLatency metric.Float64Histogram
	answerLatency  metric.Float64Histogram
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/turn")
	m := &Metrics{}
	var err error
	if m.epochs, err = meter.Int64Counter("loqa.voice.epochs", metric.WithDescription("Synthesis epochs started")); err != nil {
		return nil, err
	}
	if m.interruptions, err = meter.Int64Counter("loqa.voice.interruptions", metric.WithDescription("Synthesis epochs cancelled before completion")); err != nil {
		return nil, err
	}
	if m.fallbacks, err = meter.Int64Counter("loqa.voice.fallbacks", metric.WithDescription("Turns answered with the fallback utterance")); err != nil {
		return nil, err
	}
	if m.staleResults, err = meter.Int64Counter("loqa.voice.answers.stale", metric.WithDescription("Answers discarded because a newer turn superseded them")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("loqa.voice.audio.dropped", metric.WithDescription("Audio chunks withheld because their epoch was no longer current")); err != nil {
		return nil, err
	}
	if m.bargeInLatency, err = meter.Float64Histogram("loqa.voice.barge_in.latency", metric.WithUnit("ms"), metric.WithDescription("Time from speech detection to tts_interrupted")); err != nil {
		return nil, err
	}
	if m.answerLatency, err = meter.Float64Histogram("loqa.voice.answer.latency", metric.WithUnit("ms"), metric.WithDescription("Answer generation latency")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) epochStarted(ctx context.Context) {
	if m != nil {
		m.epochs.Add(ctx, 1)
	}
}

func (m *Metrics) interrupted(ctx context.Context, reason string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.interruptions.Add(ctx, 1, attrs)
	m.bargeInLatency.Record(ctx, float64(latency.Microseconds())/1000, attrs)
}

func (m *Metrics) fallback(ctx context.Context, reason string) {
	if m != nil {
		m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *Metrics) stale(ctx context.Context) {
	if m != nil {
		m.staleResults.Add(ctx, 1)
	}
}

// Dropped counts a chunk withheld at the send gate. The session writer uses
// it for drops it makes at transmission time.
func (m *Metrics) Dropped(ctx context.Context, stage string) {
	if m != nil {
		m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

func (m *Metrics) answered(ctx context.Context, latency time.Duration) {
	if m != nil {
		m.answerLatency.Record(ctx, float64(latency.Microseconds())/1000)
	}
}
