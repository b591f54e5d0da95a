package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/coachpo/pgoutbox/errs"
	"github.com/coachpo/pgoutbox/internal/domain/outboxstore"
)

func TestOutboxStoreNilPool(t *testing.T) {
	store := NewOutboxStore(nil)
	ctx := context.Background()
	event := outboxstore.Event{
		EventType: "GitClub.Messages.TeamCreatedMessage",
		Payload:   json.RawMessage(`{"teamId":1}`),
	}
	if _, err := store.Enqueue(ctx, event); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.EnqueueTx(ctx, nil, event); err == nil {
		t.Fatalf("expected error when tx nil")
	}
	if _, err := store.ListAfter(ctx, 0, 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestInsertArgsValidation(t *testing.T) {
	store := NewOutboxStore(nil)
	cases := map[string]outboxstore.Event{
		"missing type":    {Payload: json.RawMessage(`{}`)},
		"missing payload": {EventType: "X"},
		"invalid payload": {EventType: "X", Payload: json.RawMessage(`{`)},
	}
	for name, evt := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := store.insertArgs(evt)
			if errs.CodeOf(err) != errs.CodeInvalid {
				t.Fatalf("expected invalid request, got %v", err)
			}
		})
	}
}

func TestInsertArgsDefaults(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	store := NewOutboxStore(nil)
	store.now = func() time.Time { return fixed }

	args, err := store.insertArgs(outboxstore.Event{
		CorrelationIDs: [4]string{"abc", " ", "", ""},
		EventType:      " GitClub.Messages.UserDeletedMessage ",
		Payload:        json.RawMessage(`{"userId":2}`),
		LastEditedBy:   7,
	})
	if err != nil {
		t.Fatalf("insertArgs: %v", err)
	}
	if c := args[0].(pgtype.Text); !c.Valid || c.String != "abc" {
		t.Fatalf("unexpected first correlation %+v", c)
	}
	if c := args[1].(pgtype.Text); c.Valid {
		t.Fatalf("blank correlation must be NULL")
	}
	if args[4] != "GitClub.Messages.UserDeletedMessage" {
		t.Fatalf("unexpected event type %v", args[4])
	}
	if args[5] != outboxstore.DefaultEventSource {
		t.Fatalf("expected default event source, got %v", args[5])
	}
	if !args[6].(time.Time).Equal(fixed) {
		t.Fatalf("expected defaulted event time, got %v", args[6])
	}
	if args[8] != int64(7) {
		t.Fatalf("unexpected actor %v", args[8])
	}
}

type stubRow struct {
	err error
}

func (r stubRow) Scan(...any) error { return r.err }

func TestScanMapsUniqueViolationToConflict(t *testing.T) {
	_, err := scanOutboxRecord(stubRow{err: &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "outbox_event_pkey"}})
	if errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if errs.CanonicalOf(err) != errs.CanonicalConcurrencyConflict {
		t.Fatalf("expected concurrency conflict canonical code")
	}

	_, err = scanOutboxRecord(stubRow{err: errors.New("boom")})
	if err == nil || errs.CodeOf(err) != "" {
		t.Fatalf("expected plain wrapped error, got %v", err)
	}
}
