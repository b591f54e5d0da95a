package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/pgoutbox/errs"
	"github.com/coachpo/pgoutbox/internal/domain/outbox"
	"github.com/coachpo/pgoutbox/internal/domain/outboxstore"
)

const (
	storeComponent     = "outbox-store"
	pgUniqueViolation  = "23505"
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

// OutboxStore appends events to gitclub.outbox_event.
type OutboxStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool, now: time.Now}
}

const (
	outboxColumns = `
    outbox_event_id,
    correlation_id_1,
    correlation_id_2,
    correlation_id_3,
    correlation_id_4,
    event_type,
    event_source,
    event_time,
    payload,
    last_edited_by,
    xmin`

	outboxInsertSQL = `
INSERT INTO gitclub.outbox_event (
    correlation_id_1,
    correlation_id_2,
    correlation_id_3,
    correlation_id_4,
    event_type,
    event_source,
    event_time,
    payload,
    last_edited_by
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
RETURNING` + outboxColumns + `;
`

	outboxRecentSQL = `
SELECT` + outboxColumns + `
FROM gitclub.outbox_event
WHERE outbox_event_id > $1
ORDER BY outbox_event_id ASC
LIMIT $2;
`
)

// Enqueue appends evt in its own transaction.
func (s *OutboxStore) Enqueue(ctx context.Context, evt outboxstore.Event) (outbox.Record, error) {
	if s.pool == nil {
		return outbox.Record{}, fmt.Errorf("outbox store: nil pool")
	}
	args, err := s.insertArgs(evt)
	if err != nil {
		return outbox.Record{}, err
	}
	return scanOutboxRecord(s.pool.QueryRow(ctx, outboxInsertSQL, args...))
}

// EnqueueTx appends evt inside the caller's transaction so the event commits
// atomically with the business write.
func (s *OutboxStore) EnqueueTx(ctx context.Context, tx pgx.Tx, evt outboxstore.Event) (outbox.Record, error) {
	if tx == nil {
		return outbox.Record{}, fmt.Errorf("outbox store: nil transaction")
	}
	args, err := s.insertArgs(evt)
	if err != nil {
		return outbox.Record{}, err
	}
	return scanOutboxRecord(tx.QueryRow(ctx, outboxInsertSQL, args...))
}

// InTx runs fn in a transaction, committing when fn returns nil.
func (s *OutboxStore) InTx(ctx context.Context, fn func(pgx.Tx) error) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	return pgx.BeginFunc(ctx, s.pool, fn)
}

// ListAfter returns up to limit rows with an id greater than afterID, oldest
// first. It is an inspection aid; delivery happens over replication.
func (s *OutboxStore) ListAfter(ctx context.Context, afterID int64, limit int) ([]outbox.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	} else if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	rows, err := s.pool.Query(ctx, outboxRecentSQL, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: list: %w", err)
	}
	defer rows.Close()

	var records []outbox.Record
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate: %w", err)
	}
	return records, nil
}

func (s *OutboxStore) insertArgs(evt outboxstore.Event) ([]any, error) {
	eventType := strings.TrimSpace(evt.EventType)
	if eventType == "" {
		return nil, errs.New(storeComponent, errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if len(evt.Payload) == 0 || !json.Valid(evt.Payload) {
		return nil, errs.New(storeComponent, errs.CodeInvalid,
			errs.WithMessage("payload must be a JSON document"),
			errs.WithField("event_type", eventType))
	}
	source := strings.TrimSpace(evt.EventSource)
	if source == "" {
		source = outboxstore.DefaultEventSource
	}
	eventTime := evt.EventTime
	if eventTime.IsZero() {
		eventTime = s.now()
	}
	return []any{
		nullableText(evt.CorrelationIDs[0]),
		nullableText(evt.CorrelationIDs[1]),
		nullableText(evt.CorrelationIDs[2]),
		nullableText(evt.CorrelationIDs[3]),
		eventType,
		source,
		eventTime.UTC(),
		string(evt.Payload),
		evt.LastEditedBy,
	}, nil
}

func nullableText(s string) pgtype.Text {
	trimmed := strings.TrimSpace(s)
	return pgtype.Text{String: trimmed, Valid: trimmed != ""}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRecord(row rowScanner) (outbox.Record, error) {
	var (
		record      outbox.Record
		correlation [outbox.CorrelationSlots]pgtype.Text
		payload     []byte
		xmin        pgtype.Uint32
	)
	if err := row.Scan(
		&record.ID,
		&correlation[0],
		&correlation[1],
		&correlation[2],
		&correlation[3],
		&record.EventType,
		&record.EventSource,
		&record.EventTime,
		&payload,
		&record.LastEditedBy,
		&xmin,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return outbox.Record{}, errs.New(storeComponent, errs.CodeConflict,
				errs.WithCanonicalCode(errs.CanonicalConcurrencyConflict),
				errs.WithMessage("outbox event id already exists"),
				errs.WithField("constraint", pgErr.ConstraintName),
				errs.WithCause(err))
		}
		return outbox.Record{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	for i, c := range correlation {
		if c.Valid {
			record.CorrelationIDs[i] = c.String
		}
	}
	record.EventTime = record.EventTime.UTC()
	record.Payload = payload
	if xmin.Valid {
		version := xmin.Uint32
		record.RowVersion = &version
	}
	return record, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
