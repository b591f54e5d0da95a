// Package consumer contains outbox consumers wired into the processor.
package consumer

import (
	"context"

	"github.com/coachpo/pgoutbox/errs"
	"github.com/coachpo/pgoutbox/internal/domain/events"
	"github.com/coachpo/pgoutbox/internal/domain/outbox"
	"github.com/coachpo/pgoutbox/internal/observability"
)

// Logging resolves every record against the registry and logs it. Records
// without a payload or with an unknown or malformed payload are logged as
// warnings and skipped; they are never returned as errors.
type Logging struct {
	registry *events.Registry
	logger   observability.Logger
}

// NewLogging constructs a logging consumer.
func NewLogging(registry *events.Registry, logger observability.Logger) *Logging {
	return &Logging{
		registry: registry,
		logger:   observability.OrNop(logger).With(observability.F("component", "consumer")),
	}
}

// Consume implements outbox.Consumer.
func (c *Logging) Consume(_ context.Context, record outbox.Record) error {
	if !record.HasPayload() {
		c.logger.Warn("outbox event has no JSON payload",
			observability.F("record_id", record.ID),
			observability.F("event_type", record.EventType))
		return nil
	}
	if _, err := c.registry.DecodeRecord(record); err != nil {
		msg := "outbox event payload could not be decoded"
		if errs.CodeOf(err) == errs.CodeNotFound {
			msg = "unknown outbox event type"
		}
		c.logger.Warn(msg,
			observability.F("record_id", record.ID),
			observability.F("event_type", record.EventType),
			observability.Err(err))
		return nil
	}
	c.logger.Info("processing outbox event",
		observability.F("record_id", record.ID),
		observability.F("event_type", record.EventType),
		observability.F("content", string(record.Payload)))
	return nil
}
