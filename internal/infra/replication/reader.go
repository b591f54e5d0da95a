package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coachpo/pgoutbox/errs"
	"github.com/coachpo/pgoutbox/internal/observability"
)

const pgDuplicateObject = "42710"

// Reader opens replication streams over a publication and slot. At most one
// stream per slot may be open at a time.
type Reader struct {
	cfg      Config
	logger   observability.Logger
	metrics  *readerMetrics
	position atomic.Uint64
}

// NewReader validates cfg and constructs a reader.
func NewReader(cfg Config, logger observability.Logger) (*Reader, error) {
	cfg = cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = observability.OrNop(logger).With(
		observability.F("component", component),
		observability.F("slot", cfg.Slot),
		observability.F("table", cfg.QualifiedTable()),
	)
	return &Reader{
		cfg:      cfg,
		logger:   logger,
		metrics:  newReaderMetrics(cfg),
		position: atomic.Uint64{},
	}, nil
}

// Config returns the normalised configuration.
func (r *Reader) Config() Config {
	return r.cfg
}

// Position returns the last position confirmed to the server by any stream.
func (r *Reader) Position() LSN {
	return LSN(r.position.Load())
}

// Open connects, validates the publication, ensures the slot exists and starts
// streaming from the slot's confirmed position.
func (r *Reader) Open(ctx context.Context) (*Stream, error) {
	conn, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := r.start(ctx, conn)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if closeErr := conn.Close(closeCtx); closeErr != nil {
			r.logger.Debug("close replication connection", observability.Err(closeErr))
		}
		return nil, err
	}
	return stream, nil
}

func (r *Reader) start(ctx context.Context, conn *pgconn.PgConn) (*Stream, error) {
	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork,
			errs.WithCanonicalCode(errs.CanonicalConnectionFailed),
			errs.WithMessage("identify system"),
			errs.WithCause(err))
	}
	if err := r.checkPublication(ctx, conn); err != nil {
		return nil, err
	}
	if err := r.ensureSlot(ctx, conn); err != nil {
		return nil, err
	}
	err = pglogrepl.StartReplication(ctx, conn, r.cfg.Slot, 0, pglogrepl.StartReplicationOptions{
		Mode: pglogrepl.LogicalReplication,
		PluginArgs: []string{
			"proto_version '1'",
			"publication_names " + quoteLiteral(r.cfg.Publication),
		},
	})
	if err != nil {
		return nil, errs.New(component, errs.CodeUnavailable,
			errs.WithCanonicalCode(errs.CanonicalSlotUnavailable),
			errs.WithMessage("start replication"),
			errs.WithField("slot", r.cfg.Slot),
			errs.WithCause(err))
	}
	r.logger.Info("replication stream opened",
		observability.F("system_id", sys.SystemID),
		observability.F("timeline", sys.Timeline),
		observability.F("server_lsn", sys.XLogPos.String()),
		observability.F("database", sys.DBName))

	return newStream(ctx, r.cfg, pgWALConn{PgConn: conn}, r.logger, r.metrics, func(pos LSN) {
		r.position.Store(uint64(pos))
	}), nil
}

func (r *Reader) connect(ctx context.Context) (*pgconn.PgConn, error) {
	connCfg, err := pgconn.ParseConfig(r.cfg.DSN)
	if err != nil {
		return nil, errs.New(component, errs.CodeConfiguration,
			errs.WithMessage("invalid replication dsn"),
			errs.WithCause(err))
	}
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = make(map[string]string, 1)
	}
	connCfg.RuntimeParams["replication"] = "database"
	conn, err := pgconn.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork,
			errs.WithCanonicalCode(errs.CanonicalConnectionFailed),
			errs.WithMessage("connect replication source"),
			errs.WithField("host", connCfg.Host),
			errs.WithCause(err))
	}
	return conn, nil
}

func (r *Reader) checkPublication(ctx context.Context, conn *pgconn.PgConn) error {
	rows, err := simpleQuery(ctx, conn, fmt.Sprintf(
		"SELECT pubname FROM pg_catalog.pg_publication WHERE pubname = %s",
		quoteLiteral(r.cfg.Publication)))
	if err != nil {
		return errs.New(component, errs.CodeNetwork,
			errs.WithCanonicalCode(errs.CanonicalConnectionFailed),
			errs.WithMessage("look up publication"),
			errs.WithCause(err))
	}
	if len(rows) == 0 {
		return errs.New(component, errs.CodeConfiguration,
			errs.WithCanonicalCode(errs.CanonicalPublicationMissing),
			errs.WithMessage("publication does not exist"),
			errs.WithField("publication", r.cfg.Publication),
			errs.WithRemediation(fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
				r.cfg.Publication, r.cfg.QualifiedTable())))
	}

	rows, err = simpleQuery(ctx, conn, fmt.Sprintf(
		"SELECT 1 FROM pg_catalog.pg_publication_tables WHERE pubname = %s AND schemaname = %s AND tablename = %s",
		quoteLiteral(r.cfg.Publication), quoteLiteral(r.cfg.Schema), quoteLiteral(r.cfg.Table)))
	if err != nil {
		return errs.New(component, errs.CodeNetwork,
			errs.WithCanonicalCode(errs.CanonicalConnectionFailed),
			errs.WithMessage("look up publication tables"),
			errs.WithCause(err))
	}
	if len(rows) == 0 {
		r.logger.Warn("publication does not include the outbox table; no records will be delivered",
			observability.F("publication", r.cfg.Publication))
	}
	return nil
}

func (r *Reader) ensureSlot(ctx context.Context, conn *pgconn.PgConn) error {
	rows, err := simpleQuery(ctx, conn, fmt.Sprintf(
		"SELECT plugin, active FROM pg_catalog.pg_replication_slots WHERE slot_name = %s",
		quoteLiteral(r.cfg.Slot)))
	if err != nil {
		return slotError("look up replication slot", r.cfg.Slot, err)
	}
	if len(rows) > 0 {
		plugin, active := string(rows[0][0]), string(rows[0][1]) == "t"
		if plugin != outputPlugin {
			return errs.New(component, errs.CodeConfiguration,
				errs.WithCanonicalCode(errs.CanonicalSlotUnavailable),
				errs.WithMessage("replication slot uses a different output plugin"),
				errs.WithField("slot", r.cfg.Slot),
				errs.WithField("plugin", plugin))
		}
		if active {
			return slotError("replication slot is in use by another reader", r.cfg.Slot, nil)
		}
		return nil
	}
	if !r.cfg.CreateSlot {
		return errs.New(component, errs.CodeConfiguration,
			errs.WithCanonicalCode(errs.CanonicalSlotUnavailable),
			errs.WithMessage("replication slot does not exist and creation is disabled"),
			errs.WithField("slot", r.cfg.Slot))
	}
	res, err := pglogrepl.CreateReplicationSlot(ctx, conn, r.cfg.Slot, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{
			Temporary:      false,
			SnapshotAction: "NOEXPORT_SNAPSHOT",
			Mode:           pglogrepl.LogicalReplication,
		})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateObject {
			return nil
		}
		return slotError("create replication slot", r.cfg.Slot, err)
	}
	r.logger.Info("replication slot created", observability.F("consistent_point", res.ConsistentPoint))
	return nil
}

func slotError(msg, slot string, cause error) error {
	opts := []errs.Option{
		errs.WithCanonicalCode(errs.CanonicalSlotUnavailable),
		errs.WithMessage(msg),
		errs.WithField("slot", slot),
	}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New(component, errs.CodeUnavailable, opts...)
}

// simpleQuery runs sql over the simple query protocol, the only one a
// replication connection accepts, and returns the first result's rows.
func simpleQuery(ctx context.Context, conn *pgconn.PgConn, sql string) ([][][]byte, error) {
	results, err := conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return results[0].Rows, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
