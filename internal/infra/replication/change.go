// Package replication reads committed outbox inserts from a PostgreSQL
// logical replication slot using the pgoutput plugin.
package replication

import (
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/coachpo/pgoutbox/internal/domain/outbox"
)

const component = "replication"

// LSN mirrors Postgres log sequence numbers.
type LSN = pglogrepl.LSN

// Change is one committed outbox insert.
type Change struct {
	Record     outbox.Record
	XID        uint32
	CommitTime time.Time
	// Position is the end LSN of the enclosing transaction on its last record
	// and zero on every other record. Acknowledging a change with a non-zero
	// Position makes the whole transaction durable on the slot.
	Position LSN
}

// Last reports whether c closes its transaction.
func (c Change) Last() bool {
	return c.Position != 0
}
