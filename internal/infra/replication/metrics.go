package replication

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pgoutbox/internal/infra/telemetry"
)

type readerMetrics struct {
	attrs          []attribute.KeyValue
	decodeFailures metric.Int64Counter
	transactions   metric.Int64Counter
	ackedPosition  metric.Int64Gauge
}

func newReaderMetrics(cfg Config) *readerMetrics {
	meter := otel.Meter("replication")
	m := &readerMetrics{
		attrs: telemetry.StreamAttributes(telemetry.Environment(), cfg.Slot, cfg.QualifiedTable()),
	}
	m.decodeFailures, _ = meter.Int64Counter(telemetry.MetricDecodeFailures,
		metric.WithDescription("Outbox rows skipped because they could not be decoded"),
		metric.WithUnit("{row}"))
	m.transactions, _ = meter.Int64Counter(telemetry.MetricTransactions,
		metric.WithDescription("Committed transactions observed on the replication stream"),
		metric.WithUnit("{transaction}"))
	m.ackedPosition, _ = meter.Int64Gauge(telemetry.MetricAckedPosition,
		metric.WithDescription("Last LSN confirmed to the replication slot"),
		metric.WithUnit("By"))
	return m
}

func (m *readerMetrics) rowSkipped() {
	if m == nil || m.decodeFailures == nil {
		return
	}
	m.decodeFailures.Add(context.Background(), 1, metric.WithAttributes(m.attrs...))
}

func (m *readerMetrics) transaction(ctx context.Context, matched bool) {
	if m == nil || m.transactions == nil {
		return
	}
	result := telemetry.ResultSuccess
	if !matched {
		result = telemetry.ResultSkipped
	}
	attrs := append([]attribute.KeyValue{telemetry.AttrResult.String(result)}, m.attrs...)
	m.transactions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *readerMetrics) confirmed(ctx context.Context, pos LSN) {
	if m == nil || m.ackedPosition == nil {
		return
	}
	m.ackedPosition.Record(ctx, int64(pos), metric.WithAttributes(m.attrs...))
}
