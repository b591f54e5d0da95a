// Command emit writes a sample GitClub transaction to the outbox and can
// optionally raise a NOTIFY on the listener channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coachpo/pgoutbox/internal/domain/events"
	"github.com/coachpo/pgoutbox/internal/domain/messages"
	"github.com/coachpo/pgoutbox/internal/domain/outbox"
	"github.com/coachpo/pgoutbox/internal/domain/outboxstore"
	"github.com/coachpo/pgoutbox/internal/infra/config"
	"github.com/coachpo/pgoutbox/internal/infra/notify"
	"github.com/coachpo/pgoutbox/internal/infra/persistence/postgres"
	"github.com/coachpo/pgoutbox/internal/observability"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "config/app.yaml", "Path to application configuration file")
		orgID      = flag.Int("organization", 1, "Organization id used in the sample payloads")
		teamID     = flag.Int("team", 1, "Team id used in the sample payloads")
		correlate  = flag.String("correlation", "", "Correlation id stamped on every row")
		payload    = flag.String("notify", "", "Payload sent with pg_notify after the commit (empty skips)")
		timeout    = flag.Duration("timeout", defaultTimeout, "Overall deadline")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cfg, err := config.LoadOrDefault(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	zl, err := observability.NewZapLogger(cfg.Logging.Mode)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.With(observability.F("service", "pgoutbox-emit"))

	pool, err := postgres.NewPool(ctx, postgres.PoolOptions{
		DSN:               cfg.Database.DSN,
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.ObservePoolMetrics(pool, "emit"); err != nil {
		logger.Warn("pool metrics unavailable", observability.Err(err))
	}

	registry, err := messages.NewRegistry()
	if err != nil {
		return err
	}
	batch, err := sampleBatch(registry, *orgID, *teamID, strings.TrimSpace(*correlate), time.Now().UTC())
	if err != nil {
		return err
	}

	store := postgres.NewOutboxStore(pool)
	var written []outbox.Record
	err = store.InTx(ctx, func(tx pgx.Tx) error {
		for _, evt := range batch {
			record, err := store.EnqueueTx(ctx, tx, evt)
			if err != nil {
				return err
			}
			written = append(written, record)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write sample transaction: %w", err)
	}
	for _, record := range written {
		logger.Info("outbox event written",
			observability.F("record_id", record.ID),
			observability.F("event_type", record.EventType))
	}

	if *payload != "" {
		if !cfg.Notifications.Enabled {
			return errors.New("notifications are disabled in the configuration")
		}
		channel := cfg.Notifications.Listener.Channel
		if err := notify.Notify(ctx, pool, channel, *payload); err != nil {
			return err
		}
		logger.Info("notification sent", observability.F("channel", channel))
	}
	return nil
}

func sampleBatch(registry *events.Registry, orgID, teamID int, correlationID string, now time.Time) ([]outboxstore.Event, error) {
	values := []any{
		messages.OrganizationCreated{OrganizationID: orgID},
		messages.TeamCreated{TeamID: teamID, OrganizationID: orgID},
		messages.RepositoryCreated{RepositoryID: teamID},
	}
	batch := make([]outboxstore.Event, 0, len(values))
	for _, v := range values {
		evt, err := registry.Encode(v, messages.GhostUserID, now)
		if err != nil {
			return nil, err
		}
		if correlationID != "" {
			evt.CorrelationIDs[0] = correlationID
		}
		batch = append(batch, evt)
	}
	return batch, nil
}
