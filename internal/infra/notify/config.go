package notify

import (
	"strings"
	"time"

	"github.com/coachpo/pgoutbox/errs"
)

const (
	// DefaultChannel is the channel producers notify on.
	DefaultChannel = "core_db_event"
	// DefaultCapacity bounds the queue between the receiver and the dispatcher.
	DefaultCapacity = 10_000
	// DefaultReconnectInitial is the first reconnect delay after the connection drops.
	DefaultReconnectInitial = 500 * time.Millisecond
	// DefaultReconnectMax caps the reconnect delay.
	DefaultReconnectMax = 30 * time.Second
	// DefaultBlockedWarnInterval throttles the queue-full warning.
	DefaultBlockedWarnInterval = 5 * time.Second
)

// Config describes a LISTEN subscription.
type Config struct {
	DSN                 string        `yaml:"dsn"`
	Channel             string        `yaml:"channel"`
	Capacity            int           `yaml:"capacity"`
	ReconnectInitial    time.Duration `yaml:"reconnectInitial"`
	ReconnectMax        time.Duration `yaml:"reconnectMax"`
	BlockedWarnInterval time.Duration `yaml:"blockedWarnInterval"`
}

// DefaultConfig returns the baseline subscription settings without a DSN.
func DefaultConfig() Config {
	return Config{
		Channel:             DefaultChannel,
		Capacity:            DefaultCapacity,
		ReconnectInitial:    DefaultReconnectInitial,
		ReconnectMax:        DefaultReconnectMax,
		BlockedWarnInterval: DefaultBlockedWarnInterval,
	}
}

// Normalise trims names and fills zero-valued settings with defaults.
func (c Config) Normalise() Config {
	c.DSN = strings.TrimSpace(c.DSN)
	c.Channel = strings.TrimSpace(c.Channel)
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = DefaultReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = c.ReconnectInitial
	}
	if c.BlockedWarnInterval <= 0 {
		c.BlockedWarnInterval = DefaultBlockedWarnInterval
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.DSN == "" {
		return errs.Configuration(component, "notification dsn required")
	}
	if len(c.Channel) > maxIdentifierLen {
		return errs.New(component, errs.CodeConfiguration,
			errs.WithMessage("channel name exceeds the identifier limit"),
			errs.WithField("channel", c.Channel))
	}
	return nil
}

// maxIdentifierLen is NAMEDATALEN-1 on a stock server build.
const maxIdentifierLen = 63
