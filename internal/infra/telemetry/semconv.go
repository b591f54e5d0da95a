package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys, namespaced as namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrEventType carries the outbox event type tag.
	AttrEventType = attribute.Key("outbox.event_type")
	// AttrSlot names the replication slot a signal belongs to.
	AttrSlot = attribute.Key("replication.slot")
	// AttrTable names the outbox table, schema-qualified.
	AttrTable = attribute.Key("replication.table")
	// AttrChannel names the LISTEN channel.
	AttrChannel = attribute.Key("notify.channel")
	// AttrHandler identifies a notification handler or event consumer.
	AttrHandler = attribute.Key("handler")
	// AttrResult records the outcome of an operation (success, error, panic).
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides free-form context for failures.
	AttrReason = attribute.Key("reason")
	// AttrState labels lifecycle signals (streaming, recovering, connected, ...).
	AttrState = attribute.Key("state")
	// AttrPoolName labels pgx pool gauges.
	AttrPoolName = attribute.Key("db.pool")
)

// Metric instrument names.
const (
	MetricRecordsDelivered     = "outbox.records.delivered"
	MetricConsumerFailures     = "outbox.consumer.failures"
	MetricConsumeDuration      = "outbox.consume.duration"
	MetricStreamReconnects     = "outbox.stream.reconnects"
	MetricDecodeFailures       = "replication.decode.failures"
	MetricTransactions         = "replication.transactions"
	MetricAckedPosition        = "replication.acked_lsn"
	MetricNotificationsRecv    = "notify.received"
	MetricNotificationsBlocked = "notify.blocked"
	MetricHandlerFailures      = "notify.handler.failures"
	MetricDispatchDuration     = "notify.dispatch.duration"
	MetricQueueDepth           = "notify.queue.depth"
	MetricListenerReconnects   = "notify.reconnects"
	MetricRelayPublished       = "relay.published"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultPanic   = "panic"
	ResultSkipped = "skipped"
)

// StreamAttributes returns attributes for replication stream metrics.
func StreamAttributes(environment, slot, table string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSlot.String(slot),
		AttrTable.String(table),
	}
}

// EventAttributes returns attributes for per-record metrics.
func EventAttributes(environment, eventType, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResult.String(result),
	}
	if eventType != "" {
		attrs = append(attrs, AttrEventType.String(eventType))
	}
	return attrs
}

// ChannelAttributes returns attributes for notification metrics.
func ChannelAttributes(environment, channel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
	}
}

// HandlerAttributes returns attributes for handler failure metrics.
func HandlerAttributes(environment, channel, handler, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
		AttrHandler.String(handler),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}
