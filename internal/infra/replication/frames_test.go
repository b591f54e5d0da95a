package replication

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/coachpo/pgoutbox/internal/observability"
)

const (
	oidInt4        = 23
	oidText        = 25
	oidVarchar     = 1043
	oidTimestamptz = 1184
	oidJSONB       = 3802

	outboxRelID = 16400
	otherRelID  = 16500
)

type relColumn struct {
	name string
	oid  uint32
}

var outboxColumns = []relColumn{
	{"outbox_event_id", oidInt4},
	{"correlation_id_1", oidVarchar},
	{"correlation_id_2", oidVarchar},
	{"correlation_id_3", oidVarchar},
	{"correlation_id_4", oidVarchar},
	{"event_type", oidVarchar},
	{"event_source", oidVarchar},
	{"event_time", oidTimestamptz},
	{"payload", oidJSONB},
	{"last_edited_by", oidInt4},
}

func appendCString(b []byte, s string) []byte {
	b = append(b, s...)
	return append(b, 0)
}

func relationFrame(id uint32, namespace, name string, cols []relColumn) []byte {
	b := []byte{'R'}
	b = binary.BigEndian.AppendUint32(b, id)
	b = appendCString(b, namespace)
	b = appendCString(b, name)
	b = append(b, 'd')
	b = binary.BigEndian.AppendUint16(b, uint16(len(cols)))
	for _, c := range cols {
		b = append(b, 0)
		b = appendCString(b, c.name)
		b = binary.BigEndian.AppendUint32(b, c.oid)
		b = binary.BigEndian.AppendUint32(b, 0xFFFFFFFF)
	}
	return b
}

func beginFrame(finalLSN LSN, xid uint32) []byte {
	b := []byte{'B'}
	b = binary.BigEndian.AppendUint64(b, uint64(finalLSN))
	b = binary.BigEndian.AppendUint64(b, 0)
	return binary.BigEndian.AppendUint32(b, xid)
}

func commitFrame(commitLSN, endLSN LSN) []byte {
	b := []byte{'C', 0}
	b = binary.BigEndian.AppendUint64(b, uint64(commitLSN))
	b = binary.BigEndian.AppendUint64(b, uint64(endLSN))
	return binary.BigEndian.AppendUint64(b, 0)
}

// tupleFrame encodes a tuple; a nil value is sent as SQL NULL.
func tupleFrame(kind byte, relID uint32, values []*string) []byte {
	b := []byte{kind}
	b = binary.BigEndian.AppendUint32(b, relID)
	b = append(b, 'N')
	b = binary.BigEndian.AppendUint16(b, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			b = append(b, 'n')
			continue
		}
		b = append(b, 't')
		b = binary.BigEndian.AppendUint32(b, uint32(len(*v)))
		b = append(b, *v...)
	}
	return b
}

func insertFrame(relID uint32, values []*string) []byte {
	return tupleFrame('I', relID, values)
}

func deleteFrame(relID uint32, values []*string) []byte {
	b := tupleFrame('D', relID, values)
	b[5] = 'O'
	return b
}

func str(s string) *string { return &s }

// outboxRow returns a tuple for outboxColumns.
func outboxRow(id, eventType, payload string) []*string {
	var p *string
	if payload != "" {
		p = str(payload)
	}
	return []*string{
		str(id), str("corr-" + id), nil, nil, nil,
		str(eventType), str("GitClub"), str("2024-05-01 10:00:00+00"), p, str("1"),
	}
}

func xlogData(walStart LSN, data []byte) *pgproto3.CopyData {
	b := []byte{'w'}
	b = binary.BigEndian.AppendUint64(b, uint64(walStart))
	b = binary.BigEndian.AppendUint64(b, uint64(walStart))
	b = binary.BigEndian.AppendUint64(b, 0)
	return &pgproto3.CopyData{Data: append(b, data...)}
}

func keepalive(walEnd LSN, reply bool) *pgproto3.CopyData {
	b := []byte{'k'}
	b = binary.BigEndian.AppendUint64(b, uint64(walEnd))
	b = binary.BigEndian.AppendUint64(b, 0)
	if reply {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return &pgproto3.CopyData{Data: b}
}

// fakeConn feeds scripted backend messages and records status updates.
type fakeConn struct {
	msgs chan pgproto3.BackendMessage

	mu       sync.Mutex
	statuses []LSN
	closed   bool
	sendErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan pgproto3.BackendMessage, 64)}
}

func (c *fakeConn) push(msgs ...pgproto3.BackendMessage) {
	for _, m := range msgs {
		c.msgs <- m
	}
}

func (c *fakeConn) ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) SendStatus(_ context.Context, pos LSN) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.statuses = append(c.statuses, pos)
	return nil
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) statusCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.statuses)
}

func (c *fakeConn) lastStatus() LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.statuses) == 0 {
		return 0
	}
	return c.statuses[len(c.statuses)-1]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// recordingLogger captures entries for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level  string
	msg    string
	fields []observability.Field
}

func (l *recordingLogger) log(level, msg string, fields []observability.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) Debug(msg string, f ...observability.Field) { l.log("debug", msg, f) }
func (l *recordingLogger) Info(msg string, f ...observability.Field)  { l.log("info", msg, f) }
func (l *recordingLogger) Warn(msg string, f ...observability.Field)  { l.log("warn", msg, f) }
func (l *recordingLogger) Error(msg string, f ...observability.Field) { l.log("error", msg, f) }
func (l *recordingLogger) With(...observability.Field) observability.Logger { return l }

func (l *recordingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DSN = "postgres://localhost/test"
	cfg.StatusInterval = 20 * time.Millisecond
	cfg.BufferSize = 8
	return cfg.Normalise()
}

var errSendFailed = errors.New("send failed")
