package conversation

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	turns         metric.Int64Counter
	failures      metric.Int64Counter
	interruptions metric.Int64Counter
	dropped       metric.Int64Counter
	latency       metric.Float64Histogram
	attrs         metric.MeasurementOption
}

func newMetrics(sessionID string, log *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-voicechat/conversation")
	m := &metrics{attrs: metric.WithAttributes(attribute.String("session.id", sessionID))}
	var err error
	if m.turns, err = meter.Int64Counter("loqa.conversation.turns", metric.WithDescription("Committed user utterances")); err != nil {
		log.Warn("failed to initialize metric", slogError(err))
	}
	if m.failures, err = meter.Int64Counter("loqa.conversation.reply_failures", metric.WithDescription("Replies answered with the apology text")); err != nil {
		log.Warn("failed to initialize metric", slogError(err))
	}
	if m.interruptions, err = meter.Int64Counter("loqa.conversation.interruptions", metric.WithDescription("Playbacks cut short to listen")); err != nil {
		log.Warn("failed to initialize metric", slogError(err))
	}
	if m.dropped, err = meter.Int64Counter("loqa.conversation.dropped_utterances", metric.WithDescription("Queued utterances dropped on overflow")); err != nil {
		log.Warn("failed to initialize metric", slogError(err))
	}
	if m.latency, err = meter.Float64Histogram("loqa.conversation.reply_latency", metric.WithUnit("s"), metric.WithDescription("Reply round trip")); err != nil {
		log.Warn("failed to initialize metric", slogError(err))
	}
	return m
}

func (m *metrics) add(c metric.Int64Counter) {
	if c != nil {
		c.Add(context.Background(), 1, m.attrs)
	}
}

func (m *metrics) observeLatency(d time.Duration) {
	if m.latency != nil {
		m.latency.Record(context.Background(), d.Seconds(), m.attrs)
	}
}
