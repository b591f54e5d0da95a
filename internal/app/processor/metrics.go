package processor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pgoutbox/internal/infra/telemetry"
)

type processorMetrics struct {
	env        string
	name       string
	delivered  metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
	reconnects metric.Int64Counter
}

func newProcessorMetrics(name string) *processorMetrics {
	meter := otel.Meter("processor")
	m := &processorMetrics{env: telemetry.Environment(), name: name}
	m.delivered, _ = meter.Int64Counter(telemetry.MetricRecordsDelivered,
		metric.WithDescription("Outbox records handed to the consumer"),
		metric.WithUnit("{record}"))
	m.failures, _ = meter.Int64Counter(telemetry.MetricConsumerFailures,
		metric.WithDescription("Consumer calls that returned an error or panicked"),
		metric.WithUnit("{record}"))
	m.duration, _ = meter.Float64Histogram(telemetry.MetricConsumeDuration,
		metric.WithDescription("Consumer call latency"),
		metric.WithUnit("ms"))
	m.reconnects, _ = meter.Int64Counter(telemetry.MetricStreamReconnects,
		metric.WithDescription("Replication stream reopen attempts after a failure"),
		metric.WithUnit("{attempt}"))
	return m
}

func (m *processorMetrics) consumed(ctx context.Context, eventType, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := append(telemetry.EventAttributes(m.env, eventType, result), telemetry.AttrHandler.String(m.name))
	if m.delivered != nil {
		m.delivered.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if result != telemetry.ResultSuccess && m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
	}
}

func (m *processorMetrics) reconnect(ctx context.Context, errorType string) {
	if m == nil || m.reconnects == nil {
		return
	}
	attrs := append(telemetry.ErrorAttributes(m.env, errorType, "stream_failed"), telemetry.AttrHandler.String(m.name))
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
}
