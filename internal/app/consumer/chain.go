package consumer

import (
	"context"
	"errors"

	"github.com/coachpo/pgoutbox/internal/domain/outbox"
)

// Chain calls every consumer in order with the same record. A failing
// consumer does not stop the rest; their errors are joined.
type Chain []outbox.Consumer

// Consume implements outbox.Consumer.
func (c Chain) Consume(ctx context.Context, record outbox.Record) error {
	var errs []error
	for _, next := range c {
		if next == nil {
			continue
		}
		if err := next.Consume(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
