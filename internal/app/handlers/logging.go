// Package handlers contains notification handlers wired into the listener.
package handlers

import (
	"context"

	"github.com/coachpo/pgoutbox/internal/domain/notification"
	"github.com/coachpo/pgoutbox/internal/observability"
)

// Logging writes every notification to the debug log.
type Logging struct {
	logger observability.Logger
}

// NewLogging constructs a logging handler.
func NewLogging(logger observability.Logger) *Logging {
	return &Logging{logger: observability.OrNop(logger).With(observability.F("component", "handlers"))}
}

// Handle implements notification.Handler.
func (h *Logging) Handle(_ context.Context, n notification.Notification) error {
	h.logger.Debug("notification received",
		observability.F("pid", n.ProcessID),
		observability.F("channel", n.Channel),
		observability.F("payload", n.Payload))
	return nil
}
