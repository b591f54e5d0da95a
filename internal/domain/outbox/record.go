// Package outbox defines the decoded outbox row and the consumer capability.
package outbox

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// CorrelationSlots is the number of correlation id columns on an outbox row.
const CorrelationSlots = 4

// Record is one committed outbox row as observed on the replication stream.
// Records are immutable; ID orders records within a single outbox table only.
type Record struct {
	ID             int64
	CorrelationIDs [CorrelationSlots]string
	EventType      string
	EventSource    string
	EventTime      time.Time
	Payload        json.RawMessage
	RowVersion     *uint32
	LastEditedBy   int64
}

// HasPayload reports whether the record carries a non-null JSON document.
func (r Record) HasPayload() bool {
	if len(r.Payload) == 0 {
		return false
	}
	return string(r.Payload) != "null"
}

// Consumer handles decoded outbox records. Consume is invoked at least once per
// committed row, in commit order.
type Consumer interface {
	Consume(ctx context.Context, record Record) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, record Record) error

// Consume calls f.
func (f ConsumerFunc) Consume(ctx context.Context, record Record) error {
	return f(ctx, record)
}
