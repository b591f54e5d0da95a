package notify

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pgoutbox/internal/infra/telemetry"
)

type listenerMetrics struct {
	env        string
	attrs      []attribute.KeyValue
	received   metric.Int64Counter
	blocked    metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
	reconnects metric.Int64Counter
}

func newListenerMetrics(channel string, depth func() int) *listenerMetrics {
	meter := otel.Meter("notify")
	env := telemetry.Environment()
	m := &listenerMetrics{env: env, attrs: telemetry.ChannelAttributes(env, channel)}
	m.received, _ = meter.Int64Counter(telemetry.MetricNotificationsRecv,
		metric.WithDescription("Notifications received on the LISTEN connection"),
		metric.WithUnit("{notification}"))
	m.blocked, _ = meter.Int64Counter(telemetry.MetricNotificationsBlocked,
		metric.WithDescription("Times the receiver blocked on a full queue"),
		metric.WithUnit("{event}"))
	m.failures, _ = meter.Int64Counter(telemetry.MetricHandlerFailures,
		metric.WithDescription("Handler calls that returned an error or panicked"),
		metric.WithUnit("{call}"))
	m.duration, _ = meter.Float64Histogram(telemetry.MetricDispatchDuration,
		metric.WithDescription("Time to run every handler for one notification"),
		metric.WithUnit("ms"))
	m.reconnects, _ = meter.Int64Counter(telemetry.MetricListenerReconnects,
		metric.WithDescription("LISTEN connection reconnect attempts"),
		metric.WithUnit("{attempt}"))
	attrs := m.attrs
	_, _ = meter.Int64ObservableGauge(telemetry.MetricQueueDepth,
		metric.WithDescription("Notifications waiting for the dispatcher"),
		metric.WithUnit("{notification}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(depth()), metric.WithAttributes(attrs...))
			return nil
		}))
	return m
}

func (m *listenerMetrics) notificationReceived(ctx context.Context) {
	if m == nil || m.received == nil {
		return
	}
	m.received.Add(ctx, 1, metric.WithAttributes(m.attrs...))
}

func (m *listenerMetrics) receiverBlocked(ctx context.Context) {
	if m == nil || m.blocked == nil {
		return
	}
	m.blocked.Add(ctx, 1, metric.WithAttributes(m.attrs...))
}

func (m *listenerMetrics) handlerFailed(ctx context.Context, channel, handler, result string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(telemetry.HandlerAttributes(m.env, channel, handler, result)...))
}

func (m *listenerMetrics) dispatched(ctx context.Context, elapsed time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(m.attrs...))
}

func (m *listenerMetrics) reconnect(ctx context.Context) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(m.attrs...))
}
