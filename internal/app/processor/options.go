package processor

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultRetryDelay is the pause between a stream failure and the next open.
const DefaultRetryDelay = 200 * time.Millisecond

// AckPolicy decides when a delivered record is acknowledged.
type AckPolicy int

const (
	// AckOnDelivery acknowledges every record after the consumer returns,
	// whatever the outcome. A failing record is logged and not redelivered.
	AckOnDelivery AckPolicy = iota
	// AckOnSuccess withholds the acknowledgement when the consumer fails and
	// reopens the stream, redelivering from the last acknowledged position.
	AckOnSuccess
)

func (p AckPolicy) String() string {
	switch p {
	case AckOnSuccess:
		return "on_success"
	default:
		return "on_delivery"
	}
}

// ParseAckPolicy maps a configuration value onto an AckPolicy.
func ParseAckPolicy(value string) (AckPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "on_delivery", "delivery":
		return AckOnDelivery, nil
	case "on_success", "success":
		return AckOnSuccess, nil
	default:
		return AckOnDelivery, fmt.Errorf("unknown ack policy %q", value)
	}
}

// Option configures a Processor.
type Option func(*Processor)

// WithBackOff sets the reconnect delay policy.
func WithBackOff(b backoff.BackOff) Option {
	return func(p *Processor) {
		if b != nil {
			p.backoff = b
		}
	}
}

// WithRetryDelay uses a constant reconnect delay.
func WithRetryDelay(delay time.Duration) Option {
	return func(p *Processor) {
		if delay > 0 {
			p.backoff = backoff.NewConstantBackOff(delay)
			p.fallbackDelay = delay
		}
	}
}

// WithExponentialBackoff grows the reconnect delay from initial up to max with
// jitter, resetting after every successful open.
func WithExponentialBackoff(initial, max time.Duration) Option {
	return func(p *Processor) {
		if initial <= 0 {
			return
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		if max > 0 {
			b.MaxInterval = max
			p.fallbackDelay = max
		}
		b.Reset()
		p.backoff = b
	}
}

// WithAckPolicy selects when records are acknowledged.
func WithAckPolicy(policy AckPolicy) Option {
	return func(p *Processor) {
		p.ackPolicy = policy
	}
}

// WithName labels log entries and metrics, for processes running several processors.
func WithName(name string) Option {
	return func(p *Processor) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			p.name = trimmed
		}
	}
}
