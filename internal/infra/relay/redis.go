// Package relay republishes outbox events and notifications to Redis pub/sub.
package relay

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pgoutbox/errs"
	"github.com/coachpo/pgoutbox/internal/domain/notification"
	"github.com/coachpo/pgoutbox/internal/domain/outbox"
	"github.com/coachpo/pgoutbox/internal/infra/telemetry"
	"github.com/coachpo/pgoutbox/internal/observability"
)

const (
	component = "relay"

	DefaultEventPrefix        = "outbox:"
	DefaultNotificationPrefix = "notify:"

	messageNamespace = "GitClub.Messages."
	messageSuffix    = "Message"
)

// Config describes the Redis connection and channel naming.
type Config struct {
	Enabled            bool   `yaml:"enabled"`
	Addr               string `yaml:"addr"`
	Password           string `yaml:"password"`
	DB                 int    `yaml:"db"`
	EventPrefix        string `yaml:"eventPrefix"`
	NotificationPrefix string `yaml:"notificationPrefix"`
}

// Normalise fills channel prefixes.
func (c Config) Normalise() Config {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.EventPrefix == "" {
		c.EventPrefix = DefaultEventPrefix
	}
	if c.NotificationPrefix == "" {
		c.NotificationPrefix = DefaultNotificationPrefix
	}
	return c
}

// Validate reports configuration errors for an enabled relay.
func (c Config) Validate() error {
	if c.Enabled && c.Addr == "" {
		return errs.Configuration(component, "relay addr required when enabled")
	}
	return nil
}

// NewClient opens a Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.New(component, errs.CodeNetwork,
			errs.WithCanonicalCode(errs.CanonicalConnectionFailed),
			errs.WithMessage("redis ping failed"),
			errs.WithField("addr", cfg.Addr),
			errs.WithCause(err))
	}
	return client, nil
}

// Publisher sends a payload to a pub/sub channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type redisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher adapts a Redis client to Publisher.
func NewRedisPublisher(client *redis.Client) Publisher {
	return redisPublisher{client: client}
}

func (p redisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// Envelope is the JSON document published for an outbox record.
type Envelope struct {
	ID             int64           `json:"id"`
	EventType      string          `json:"eventType"`
	EventSource    string          `json:"eventSource,omitempty"`
	EventTime      time.Time       `json:"eventTime"`
	CorrelationIDs []string        `json:"correlationIds,omitempty"`
	LastEditedBy   int64           `json:"lastEditedBy"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// EnvelopeFor builds the published document for record.
func EnvelopeFor(record outbox.Record) Envelope {
	var ids []string
	for _, id := range record.CorrelationIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	env := Envelope{
		ID:             record.ID,
		EventType:      record.EventType,
		EventSource:    record.EventSource,
		EventTime:      record.EventTime.UTC(),
		CorrelationIDs: ids,
		LastEditedBy:   record.LastEditedBy,
	}
	if record.HasPayload() {
		env.Payload = record.Payload
	}
	return env
}

// ChannelFor maps an event type tag to its channel suffix, dropping the
// message namespace and suffix: GitClub.Messages.TeamCreatedMessage becomes
// TeamCreated.
func ChannelFor(eventType string) string {
	name := strings.TrimPrefix(strings.TrimSpace(eventType), messageNamespace)
	if trimmed := strings.TrimSuffix(name, messageSuffix); trimmed != "" {
		name = trimmed
	}
	if name == "" {
		return "unknown"
	}
	return name
}

type relayMetrics struct {
	env       string
	published metric.Int64Counter
}

func newRelayMetrics() *relayMetrics {
	meter := otel.Meter(component)
	m := &relayMetrics{env: telemetry.Environment()}
	m.published, _ = meter.Int64Counter(telemetry.MetricRelayPublished,
		metric.WithDescription("Messages published to Redis"),
		metric.WithUnit("{message}"))
	return m
}

func (m *relayMetrics) record(ctx context.Context, kind, result string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(m.env),
		telemetry.AttrHandler.String(kind),
		telemetry.AttrResult.String(result)))
}

// EventPublisher is an outbox consumer that publishes each record as an
// Envelope on prefix+ChannelFor(event type).
type EventPublisher struct {
	pub     Publisher
	prefix  string
	logger  observability.Logger
	metrics *relayMetrics
}

// NewEventPublisher constructs the outbox relay consumer.
func NewEventPublisher(pub Publisher, prefix string, logger observability.Logger) *EventPublisher {
	if prefix == "" {
		prefix = DefaultEventPrefix
	}
	return &EventPublisher{
		pub:     pub,
		prefix:  prefix,
		logger:  observability.OrNop(logger).With(observability.F("component", component)),
		metrics: newRelayMetrics(),
	}
}

// Consume implements outbox.Consumer.
func (p *EventPublisher) Consume(ctx context.Context, record outbox.Record) error {
	data, err := json.Marshal(EnvelopeFor(record))
	if err != nil {
		p.metrics.record(ctx, "event", telemetry.ResultError)
		return errs.New(component, errs.CodeDecode,
			errs.WithMessage("encode envelope"),
			errs.WithCause(err))
	}
	channel := p.prefix + ChannelFor(record.EventType)
	if err := p.pub.Publish(ctx, channel, data); err != nil {
		p.metrics.record(ctx, "event", telemetry.ResultError)
		return errs.New(component, errs.CodeNetwork,
			errs.WithMessage("publish outbox event"),
			errs.WithField("channel", channel),
			errs.WithCause(err))
	}
	p.metrics.record(ctx, "event", telemetry.ResultSuccess)
	p.logger.Debug("outbox event relayed",
		observability.F("record_id", record.ID),
		observability.F("channel", channel))
	return nil
}

// NotificationForwarder is a notification handler that republishes the raw
// payload on prefix+channel.
type NotificationForwarder struct {
	pub     Publisher
	prefix  string
	metrics *relayMetrics
}

// NewNotificationForwarder constructs the notification relay handler.
func NewNotificationForwarder(pub Publisher, prefix string) *NotificationForwarder {
	if prefix == "" {
		prefix = DefaultNotificationPrefix
	}
	return &NotificationForwarder{pub: pub, prefix: prefix, metrics: newRelayMetrics()}
}

// Handle implements notification.Handler.
func (f *NotificationForwarder) Handle(ctx context.Context, n notification.Notification) error {
	channel := f.prefix + n.Channel
	if err := f.pub.Publish(ctx, channel, []byte(n.Payload)); err != nil {
		f.metrics.record(ctx, "notification", telemetry.ResultError)
		return errs.New(component, errs.CodeNetwork,
			errs.WithMessage("forward notification"),
			errs.WithField("channel", channel),
			errs.WithCause(err))
	}
	f.metrics.record(ctx, "notification", telemetry.ResultSuccess)
	return nil
}
