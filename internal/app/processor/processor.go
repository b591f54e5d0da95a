// Package processor drives outbox records from a replication source into a
// consumer, one record at a time, reopening the source whenever it fails.
package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/pgoutbox/errs"
	"github.com/coachpo/pgoutbox/internal/domain/outbox"
	"github.com/coachpo/pgoutbox/internal/infra/replication"
	"github.com/coachpo/pgoutbox/internal/infra/telemetry"
	"github.com/coachpo/pgoutbox/internal/observability"
)

const component = "processor"

// State is the processor lifecycle state.
type State int32

const (
	// Streaming means a stream is open or being opened.
	Streaming State = iota
	// Recovering means the last stream failed and the processor is waiting to reopen.
	Recovering
	// Stopped means Run has returned.
	Stopped
)

func (s State) String() string {
	switch s {
	case Streaming:
		return "streaming"
	case Recovering:
		return "recovering"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of processor progress.
type Stats struct {
	State            string    `json:"state"`
	AckPolicy        string    `json:"ackPolicy"`
	Delivered        uint64    `json:"delivered"`
	ConsumerFailures uint64    `json:"consumerFailures"`
	Reconnects       uint64    `json:"reconnects"`
	LastRecordID     int64     `json:"lastRecordId"`
	LastError        string    `json:"lastError,omitempty"`
	LastErrorAt      time.Time `json:"lastErrorAt,omitempty"`
}

// Processor consumes an ordered outbox stream. A consumer failure never stops
// the loop; a stream failure is followed by a backoff delay and a reopen.
type Processor struct {
	name          string
	source        Source
	consumer      outbox.Consumer
	logger        observability.Logger
	backoff       backoff.BackOff
	fallbackDelay time.Duration
	ackPolicy     AckPolicy
	metrics       *processorMetrics

	state      atomic.Int32
	delivered  atomic.Uint64
	failures   atomic.Uint64
	reconnects atomic.Uint64
	lastID     atomic.Int64

	errMu     sync.Mutex
	lastErr   string
	lastErrAt time.Time
}

// New constructs a processor over source and consumer.
func New(source Source, consumer outbox.Consumer, logger observability.Logger, opts ...Option) (*Processor, error) {
	if source == nil {
		return nil, errs.Configuration(component, "source required")
	}
	if consumer == nil {
		return nil, errs.Configuration(component, "consumer required")
	}
	p := &Processor{
		name:          "outbox",
		source:        source,
		consumer:      consumer,
		backoff:       backoff.NewConstantBackOff(DefaultRetryDelay),
		fallbackDelay: DefaultRetryDelay,
		ackPolicy:     AckOnDelivery,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = observability.OrNop(logger).With(
		observability.F("component", component),
		observability.F("processor", p.name),
	)
	p.metrics = newProcessorMetrics(p.name)
	p.state.Store(int32(Streaming))
	return p, nil
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

// Stats returns counters for the status endpoint.
func (p *Processor) Stats() Stats {
	p.errMu.Lock()
	lastErr, lastErrAt := p.lastErr, p.lastErrAt
	p.errMu.Unlock()
	return Stats{
		State:            p.State().String(),
		AckPolicy:        p.ackPolicy.String(),
		Delivered:        p.delivered.Load(),
		ConsumerFailures: p.failures.Load(),
		Reconnects:       p.reconnects.Load(),
		LastRecordID:     p.lastID.Load(),
		LastError:        lastErr,
		LastErrorAt:      lastErrAt,
	}
}

// Run processes records until ctx is cancelled. It returns nil on
// cancellation and a non-nil error only for configuration failures reported
// by the source.
func (p *Processor) Run(ctx context.Context) error {
	defer p.setState(Stopped)
	p.logger.Info("outbox processor starting", observability.F("ack_policy", p.ackPolicy.String()))
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := p.session(ctx)
		if ctx.Err() != nil {
			p.logger.Info("outbox processor stopped")
			return nil
		}
		if errs.IsConfiguration(err) {
			p.recordError(err)
			p.logger.Error("outbox processor stopping on configuration error", observability.Err(err))
			return err
		}
		p.recordError(err)
		p.reconnects.Add(1)
		p.metrics.reconnect(ctx, string(errs.CodeOf(err)))
		p.setState(Recovering)

		delay := p.backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = p.fallbackDelay
		}
		p.logger.Warn("outbox stream failed; reopening",
			observability.Err(err),
			observability.F("delay", delay.String()))
		select {
		case <-ctx.Done():
			p.logger.Info("outbox processor stopped")
			return nil
		case <-time.After(delay):
		}
	}
}

func (p *Processor) session(ctx context.Context) error {
	stream, err := p.source.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			p.logger.Debug("outbox stream close failed", observability.Err(cerr))
		}
	}()
	p.backoff.Reset()
	p.setState(Streaming)

	changes := stream.Changes()
	for {
		var (
			change replication.Change
			open   bool
		)
		select {
		case <-ctx.Done():
			return nil
		case change, open = <-changes:
		}
		if !open {
			break
		}
		// Buffered changes stay unconsumed once cancelled; they are redelivered on restart.
		if ctx.Err() != nil {
			return nil
		}
		ok := p.dispatch(ctx, change.Record)
		if !ok && p.ackPolicy == AckOnSuccess {
			return errs.New(component, errs.CodeUnavailable,
				errs.WithMessage("consumer failed; redelivering from last acknowledged position"),
				errs.WithField("record_id", fmt.Sprint(change.Record.ID)))
		}
		stream.Ack(change)
	}
	if err := stream.Err(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return errs.New(component, errs.CodeNetwork,
		errs.WithCanonicalCode(errs.CanonicalConnectionFailed),
		errs.WithMessage("replication stream ended"))
}

// dispatch invokes the consumer and reports whether it succeeded. Panics are
// recovered and treated as failures.
func (p *Processor) dispatch(ctx context.Context, record outbox.Record) (ok bool) {
	start := time.Now()
	p.lastID.Store(record.ID)
	p.delivered.Add(1)
	defer func() {
		if r := recover(); r != nil {
			ok = false
			p.failures.Add(1)
			p.metrics.consumed(ctx, record.EventType, telemetry.ResultPanic, time.Since(start))
			p.logger.Error("outbox consumer panicked",
				observability.F("record_id", record.ID),
				observability.F("event_type", record.EventType),
				observability.F("panic", fmt.Sprint(r)),
				observability.F("stack", string(debug.Stack())))
		}
	}()

	p.logger.Debug("dispatching outbox record",
		observability.F("record_id", record.ID),
		observability.F("event_type", record.EventType))
	if err := p.consumer.Consume(ctx, record); err != nil {
		p.failures.Add(1)
		p.metrics.consumed(ctx, record.EventType, telemetry.ResultError, time.Since(start))
		p.logger.Error("outbox consumer failed",
			observability.F("record_id", record.ID),
			observability.F("event_type", record.EventType),
			observability.Err(err))
		return false
	}
	p.metrics.consumed(ctx, record.EventType, telemetry.ResultSuccess, time.Since(start))
	return true
}

func (p *Processor) setState(next State) {
	prev := State(p.state.Swap(int32(next)))
	if prev != next {
		p.logger.Info("outbox processor state changed",
			observability.F("from", prev.String()),
			observability.F("to", next.String()))
	}
}

func (p *Processor) recordError(err error) {
	if err == nil {
		return
	}
	p.errMu.Lock()
	p.lastErr = err.Error()
	p.lastErrAt = time.Now().UTC()
	p.errMu.Unlock()
}
