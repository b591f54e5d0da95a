package replication

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/coachpo/pgoutbox/errs"
	"github.com/coachpo/pgoutbox/internal/domain/outbox"
	"github.com/coachpo/pgoutbox/internal/observability"
)

var (
	errRequiredNull   = errors.New("required column is null")
	errBinaryTuple    = errors.New("binary tuple data is not supported")
	errColumnMismatch = errors.New("tuple column count does not match relation")
)

// committedTx is a transaction whose matching rows are ready for delivery.
type committedTx struct {
	xid        uint32
	commitTime time.Time
	end        LSN
	records    []outbox.Record
}

type openTx struct {
	xid        uint32
	commitTime time.Time
	records    []outbox.Record
}

// decoder assembles pgoutput messages into committed transactions, keeping
// only inserts into one table.
type decoder struct {
	schema    string
	table     string
	columns   Columns
	relations map[uint32]*pglogrepl.RelationMessage
	typeMap   *pgtype.Map
	current   *openTx
	logger    observability.Logger

	// rowSkipped is invoked for every malformed row.
	rowSkipped func()
}

func newDecoder(cfg Config, logger observability.Logger) *decoder {
	return &decoder{
		schema:     cfg.Schema,
		table:      cfg.Table,
		columns:    cfg.Columns,
		relations:  make(map[uint32]*pglogrepl.RelationMessage),
		typeMap:    pgtype.NewMap(),
		current:    nil,
		logger:     observability.OrNop(logger),
		rowSkipped: func() {},
	}
}

// decode consumes one XLogData payload. It returns a non-nil transaction when
// data carried a commit. Errors are framing errors and end the stream.
func (d *decoder) decode(walStart LSN, data []byte) (*committedTx, error) {
	msg, err := pglogrepl.Parse(data)
	if err != nil {
		return nil, framingError("parse logical replication message", walStart, err)
	}
	return d.handle(walStart, msg)
}

func (d *decoder) handle(walStart LSN, msg pglogrepl.Message) (*committedTx, error) {
	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		d.relations[m.RelationID] = m
	case *pglogrepl.BeginMessage:
		d.current = &openTx{xid: m.Xid, commitTime: m.CommitTime, records: nil}
	case *pglogrepl.InsertMessage:
		return nil, d.insert(walStart, m)
	case *pglogrepl.CommitMessage:
		if d.current == nil {
			return nil, framingError("commit without begin", walStart, nil)
		}
		tx := &committedTx{
			xid:        d.current.xid,
			commitTime: m.CommitTime,
			end:        m.TransactionEndLSN,
			records:    d.current.records,
		}
		d.current = nil
		return tx, nil
	default:
		// Type, Origin, Update, Delete, Truncate and logical decoding messages
		// never describe outbox inserts.
	}
	return nil, nil
}

func (d *decoder) insert(walStart LSN, m *pglogrepl.InsertMessage) error {
	rel, ok := d.relations[m.RelationID]
	if !ok {
		return framingError(fmt.Sprintf("insert for unknown relation id %d", m.RelationID), walStart, nil)
	}
	if rel.Namespace != d.schema || rel.RelationName != d.table {
		return nil
	}
	if d.current == nil {
		return framingError("insert outside a transaction", walStart, nil)
	}
	record, err := d.decodeRow(rel, m.Tuple)
	if err != nil {
		d.logger.Error("outbox row skipped",
			observability.F("lsn", walStart.String()),
			observability.F("xid", d.current.xid),
			observability.F("relation", rel.Namespace+"."+rel.RelationName),
			observability.F("reason", err.Error()))
		d.rowSkipped()
		return nil
	}
	d.current.records = append(d.current.records, record)
	return nil
}

func (d *decoder) decodeRow(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (outbox.Record, error) {
	var record outbox.Record
	if tuple == nil || len(tuple.Columns) != len(rel.Columns) {
		return record, errColumnMismatch
	}
	var sawID, sawType bool
	for idx, col := range tuple.Columns {
		meta := rel.Columns[idx]
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull, pglogrepl.TupleDataTypeToast:
			if meta.Name == d.columns.ID || meta.Name == d.columns.EventType {
				return record, fmt.Errorf("%s: %w", meta.Name, errRequiredNull)
			}
			continue
		case pglogrepl.TupleDataTypeText:
		default:
			return record, fmt.Errorf("%s: %w", meta.Name, errBinaryTuple)
		}
		if err := d.assign(&record, meta, col.Data); err != nil {
			return record, fmt.Errorf("%s: %w", meta.Name, err)
		}
		switch meta.Name {
		case d.columns.ID:
			sawID = true
		case d.columns.EventType:
			sawType = true
		}
	}
	if !sawID {
		return record, fmt.Errorf("%s: column missing from relation", d.columns.ID)
	}
	if !sawType {
		return record, fmt.Errorf("%s: column missing from relation", d.columns.EventType)
	}
	return record, nil
}

func (d *decoder) assign(record *outbox.Record, meta *pglogrepl.RelationMessageColumn, data []byte) error {
	cols := d.columns
	switch meta.Name {
	case cols.ID:
		return d.typeMap.Scan(meta.DataType, pgtype.TextFormatCode, data, &record.ID)
	case cols.EventType:
		record.EventType = string(data)
	case cols.EventSource:
		record.EventSource = string(data)
	case cols.EventTime:
		var ts time.Time
		if err := d.typeMap.Scan(meta.DataType, pgtype.TextFormatCode, data, &ts); err != nil {
			return err
		}
		record.EventTime = ts.UTC()
	case cols.Payload:
		// The receive buffer is reused by the next message.
		record.Payload = append([]byte(nil), data...)
	case cols.LastEditedBy:
		return d.typeMap.Scan(meta.DataType, pgtype.TextFormatCode, data, &record.LastEditedBy)
	case cols.RowVersion:
		v, err := strconv.ParseUint(string(data), 10, 32)
		if err != nil {
			return err
		}
		version := uint32(v)
		record.RowVersion = &version
	default:
		for i, name := range cols.CorrelationIDs {
			if name != "" && name == meta.Name {
				record.CorrelationIDs[i] = string(data)
			}
		}
	}
	return nil
}

func framingError(msg string, lsn LSN, cause error) error {
	opts := []errs.Option{
		errs.WithCanonicalCode(errs.CanonicalFraming),
		errs.WithMessage(msg),
		errs.WithField("lsn", lsn.String()),
	}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New(component, errs.CodeNetwork, opts...)
}
