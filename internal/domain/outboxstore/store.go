// Package outboxstore defines persistence contracts for appending outbox events.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/coachpo/pgoutbox/internal/domain/outbox"
)

// DefaultEventSource is stamped on events that do not name their producer.
const DefaultEventSource = "GitClub"

// Event encapsulates a single outbox entry ready to be appended.
type Event struct {
	CorrelationIDs [outbox.CorrelationSlots]string
	EventType      string
	EventSource    string
	EventTime      time.Time
	Payload        json.RawMessage
	LastEditedBy   int64
}

// Store appends events to the outbox table. Rows are never updated or deleted
// through this contract.
type Store interface {
	Enqueue(ctx context.Context, evt Event) (outbox.Record, error)
	EnqueueTx(ctx context.Context, tx pgx.Tx, evt Event) (outbox.Record, error)
}
