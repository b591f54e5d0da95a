package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/coachpo/pgoutbox/internal/domain/messages"
	"github.com/coachpo/pgoutbox/internal/domain/outbox"
	"github.com/coachpo/pgoutbox/internal/observability"
)

type entry struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []entry
}

func (l *captureLogger) log(level, msg string, fields []observability.Field) {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	l.mu.Lock()
	l.entries = append(l.entries, entry{level: level, msg: msg, fields: m})
	l.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, f ...observability.Field) { l.log("debug", msg, f) }
func (l *captureLogger) Info(msg string, f ...observability.Field)  { l.log("info", msg, f) }
func (l *captureLogger) Warn(msg string, f ...observability.Field)  { l.log("warn", msg, f) }
func (l *captureLogger) Error(msg string, f ...observability.Field) { l.log("error", msg, f) }
func (l *captureLogger) With(...observability.Field) observability.Logger { return l }

func newLogging(t *testing.T) (*Logging, *captureLogger) {
	t.Helper()
	registry, err := messages.NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	logger := &captureLogger{}
	return NewLogging(registry, logger), logger
}

func TestLoggingConsumerLogsKnownEvent(t *testing.T) {
	c, logger := newLogging(t)
	record := outbox.Record{
		ID:        38187,
		EventType: messages.TagTeamCreated,
		Payload:   []byte(`{"teamId":7,"organizationId":3}`),
	}
	if err := c.Consume(context.Background(), record); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(logger.entries) != 1 || logger.entries[0].level != "info" {
		t.Fatalf("expected one info entry, got %+v", logger.entries)
	}
	if got := logger.entries[0].fields["content"]; got != `{"teamId":7,"organizationId":3}` {
		t.Fatalf("unexpected content field %v", got)
	}
}

func TestLoggingConsumerWarnsAndSkips(t *testing.T) {
	cases := map[string]struct {
		record outbox.Record
		msg    string
	}{
		"nil payload": {
			record: outbox.Record{ID: 1, EventType: messages.TagTeamCreated},
			msg:    "outbox event has no JSON payload",
		},
		"json null": {
			record: outbox.Record{ID: 2, EventType: messages.TagTeamCreated, Payload: []byte("null")},
			msg:    "outbox event has no JSON payload",
		},
		"unknown type": {
			record: outbox.Record{ID: 103, EventType: "UnknownWidgetEvent", Payload: []byte(`{}`)},
			msg:    "unknown outbox event type",
		},
		"malformed": {
			record: outbox.Record{ID: 4, EventType: messages.TagTeamCreated, Payload: []byte(`{"teamId":"seven"}`)},
			msg:    "outbox event payload could not be decoded",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c, logger := newLogging(t)
			if err := c.Consume(context.Background(), tc.record); err != nil {
				t.Fatalf("skipped records must not fail: %v", err)
			}
			if len(logger.entries) != 1 || logger.entries[0].level != "warn" {
				t.Fatalf("expected one warning, got %+v", logger.entries)
			}
			if got := logger.entries[0].msg; got != tc.msg {
				t.Fatalf("expected warning %q, got %q", tc.msg, got)
			}
			if logger.entries[0].fields["record_id"] != tc.record.ID {
				t.Fatalf("expected record id in warning fields")
			}
		})
	}
}

func TestChainRunsEveryConsumer(t *testing.T) {
	var calls []string
	failing := outbox.ConsumerFunc(func(context.Context, outbox.Record) error {
		calls = append(calls, "failing")
		return errors.New("relay down")
	})
	ok := outbox.ConsumerFunc(func(context.Context, outbox.Record) error {
		calls = append(calls, "ok")
		return nil
	})
	err := Chain{failing, nil, ok}.Consume(context.Background(), outbox.Record{ID: 1})
	if err == nil || err.Error() != "relay down" {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(calls) != 2 || calls[1] != "ok" {
		t.Fatalf("expected later consumers to run, got %v", calls)
	}
	if err := (Chain{ok}).Consume(context.Background(), outbox.Record{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
