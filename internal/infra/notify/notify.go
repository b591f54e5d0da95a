package notify

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coachpo/pgoutbox/errs"
)

// Execer is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Notify sends payload on channel. Inside a transaction the notification is
// delivered at commit.
func Notify(ctx context.Context, db Execer, channel, payload string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if _, err := db.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return errs.New(component, errs.CodeNetwork,
			errs.WithMessage("notify failed"),
			errs.WithField("channel", channel),
			errs.WithCause(err))
	}
	return nil
}
