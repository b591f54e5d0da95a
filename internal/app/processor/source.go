package processor

import (
	"context"

	"github.com/coachpo/pgoutbox/internal/infra/replication"
)

// Stream is an open, ordered change sequence.
type Stream interface {
	Changes() <-chan replication.Change
	Err() error
	Ack(change replication.Change)
	Close() error
}

// Source opens streams. Each call starts from the last acknowledged position.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (Stream, error)

// Open calls f.
func (f SourceFunc) Open(ctx context.Context) (Stream, error) {
	return f(ctx)
}

// FromReader exposes a replication reader as a Source.
func FromReader(r *replication.Reader) Source {
	return SourceFunc(func(ctx context.Context) (Stream, error) {
		stream, err := r.Open(ctx)
		if err != nil {
			return nil, err
		}
		return stream, nil
	})
}
