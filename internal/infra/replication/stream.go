package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/coachpo/pgoutbox/errs"
	"github.com/coachpo/pgoutbox/internal/observability"
)

const closeTimeout = 5 * time.Second

// walConn is the subset of a replication connection the stream drives.
type walConn interface {
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)
	SendStatus(ctx context.Context, pos LSN) error
	Close(ctx context.Context) error
}

type pgWALConn struct {
	*pgconn.PgConn
}

func (c pgWALConn) SendStatus(ctx context.Context, pos LSN) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, c.PgConn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pos,
		WALFlushPosition: pos,
		WALApplyPosition: pos,
		ClientTime:       time.Now(),
		ReplyRequested:   false,
	})
}

// Stream is one open replication session. Changes are delivered in commit
// order on a bounded channel; the channel closes on a terminal error or on
// cancellation.
type Stream struct {
	interval  time.Duration
	conn      walConn
	decoder   *decoder
	tracker   *positionTracker
	logger    observability.Logger
	metrics   *readerMetrics
	onConfirm func(LSN)

	changes chan Change
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	err      error
	closeErr error

	reported LSN
}

func newStream(ctx context.Context, cfg Config, conn walConn, logger observability.Logger, metrics *readerMetrics, onConfirm func(LSN)) *Stream {
	runCtx, cancel := context.WithCancel(ctx)
	logger = observability.OrNop(logger)
	dec := newDecoder(cfg, logger)
	dec.rowSkipped = metrics.rowSkipped
	if onConfirm == nil {
		onConfirm = func(LSN) {}
	}
	s := &Stream{
		interval:  cfg.StatusInterval,
		conn:      conn,
		decoder:   dec,
		tracker:   newPositionTracker(),
		logger:    logger,
		metrics:   metrics,
		onConfirm: onConfirm,
		changes:   make(chan Change, cfg.BufferSize),
		cancel:    cancel,
		done:      make(chan struct{}),
		mu:        sync.Mutex{},
		err:       nil,
		closeErr:  nil,
		reported:  0,
	}
	go s.run(runCtx)
	return s
}

// Changes returns the ordered change sequence.
func (s *Stream) Changes() <-chan Change {
	return s.changes
}

// Err returns the terminal error once Changes is closed. Cancellation is not
// an error.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Ack acknowledges a consumed change. The slot position advances when the
// last change of a transaction is acknowledged.
func (s *Stream) Ack(change Change) {
	if change.Position == 0 {
		return
	}
	s.tracker.ack(change.Position)
}

// Confirmed returns the position that will be reported to the server.
func (s *Stream) Confirmed() LSN {
	return s.tracker.confirmed()
}

// Close stops the stream and releases its connection.
func (s *Stream) Close() error {
	s.cancel()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)

	err := s.loop(ctx)
	if ctx.Err() != nil {
		err = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err == nil {
		if statusErr := s.sendStatus(closeCtx); statusErr != nil {
			s.logger.Debug("final standby status not delivered", observability.Err(statusErr))
		}
	}
	closeErr := s.conn.Close(closeCtx)

	s.mu.Lock()
	s.err = err
	s.closeErr = closeErr
	s.mu.Unlock()
	close(s.changes)
}

func (s *Stream) loop(ctx context.Context) error {
	nextStatus := time.Now().Add(s.interval)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !time.Now().Before(nextStatus) {
			if err := s.sendStatus(ctx); err != nil {
				return err
			}
			nextStatus = time.Now().Add(s.interval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStatus)
		msg, err := s.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTimeout(err) {
				continue
			}
			return errs.New(component, errs.CodeNetwork,
				errs.WithCanonicalCode(errs.CanonicalConnectionFailed),
				errs.WithMessage("receive replication message"),
				errs.WithCause(err))
		}
		if err := s.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *Stream) handle(ctx context.Context, msg pgproto3.BackendMessage) error {
	switch m := msg.(type) {
	case *pgproto3.CopyData:
		if len(m.Data) == 0 {
			return framingError("empty copy data", s.tracker.confirmed(), nil)
		}
		switch m.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(m.Data[1:])
			if err != nil {
				return framingError("parse keepalive", s.tracker.confirmed(), err)
			}
			if pkm.ReplyRequested {
				return s.sendStatus(ctx)
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(m.Data[1:])
			if err != nil {
				return framingError("parse xlog data", s.tracker.confirmed(), err)
			}
			tx, err := s.decoder.decode(xld.WALStart, xld.WALData)
			if err != nil {
				return err
			}
			if tx != nil {
				return s.deliver(ctx, tx)
			}
		default:
			s.logger.Debug("ignoring copy data message", observability.F("type", string(m.Data[0])))
		}
	case *pgproto3.ErrorResponse:
		return errs.New(component, errs.CodeNetwork,
			errs.WithCanonicalCode(errs.CanonicalConnectionFailed),
			errs.WithMessage("server reported an error on the replication stream"),
			errs.WithCause(pgconn.ErrorResponseToPgError(m)))
	case *pgproto3.CopyDone:
		return errs.New(component, errs.CodeNetwork,
			errs.WithCanonicalCode(errs.CanonicalConnectionFailed),
			errs.WithMessage("server ended the replication stream"))
	default:
		s.logger.Debug("ignoring backend message", observability.F("type", msgType(msg)))
	}
	return nil
}

func (s *Stream) deliver(ctx context.Context, tx *committedTx) error {
	s.metrics.transaction(ctx, len(tx.records) > 0)
	if len(tx.records) == 0 {
		s.tracker.skip(tx.end)
		return nil
	}
	s.tracker.emit(tx.end)
	last := len(tx.records) - 1
	for i, record := range tx.records {
		change := Change{Record: record, XID: tx.xid, CommitTime: tx.commitTime, Position: 0}
		if i == last {
			change.Position = tx.end
		}
		if err := s.send(ctx, change); err != nil {
			return err
		}
	}
	return nil
}

// send blocks until the consumer accepts change, keeping the server session
// alive with status updates meanwhile.
func (s *Stream) send(ctx context.Context, change Change) error {
	select {
	case s.changes <- change:
		return nil
	default:
	}
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case s.changes <- change:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := s.sendStatus(ctx); err != nil {
				return err
			}
			timer.Reset(s.interval)
		}
	}
}

func (s *Stream) sendStatus(ctx context.Context) error {
	pos := s.tracker.confirmed()
	if err := s.conn.SendStatus(ctx, pos); err != nil {
		return errs.New(component, errs.CodeNetwork,
			errs.WithCanonicalCode(errs.CanonicalConnectionFailed),
			errs.WithMessage("send standby status update"),
			errs.WithField("lsn", pos.String()),
			errs.WithCause(err))
	}
	if pos != s.reported {
		s.reported = pos
		s.onConfirm(pos)
		s.metrics.confirmed(ctx, pos)
	}
	return nil
}

// isTimeout reports whether err came from the receive deadline rather than a
// broken connection.
func isTimeout(err error) bool {
	return pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded)
}

func msgType(msg pgproto3.BackendMessage) string {
	if msg == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", msg)
}
