// Package notify receives LISTEN/NOTIFY notifications on one long-lived
// connection and fans each one out to a fixed list of handlers.
//
// A receiver goroutine feeds a bounded queue and a dispatcher goroutine drains
// it. When the queue is full the receiver blocks, so memory stays bounded and
// the server buffers the backlog instead.
package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/pgoutbox/errs"
	"github.com/coachpo/pgoutbox/internal/domain/notification"
	"github.com/coachpo/pgoutbox/internal/infra/telemetry"
	"github.com/coachpo/pgoutbox/internal/observability"
)

const (
	component    = "notify"
	closeTimeout = 5 * time.Second
)

// subscriber is a connection that has issued LISTEN.
type subscriber interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

type dialFunc func(ctx context.Context, cfg Config) (subscriber, error)

type namedHandler struct {
	name    string
	handler notification.Handler
}

// Stats is a point-in-time view of the listener.
type Stats struct {
	Channel         string `json:"channel"`
	Capacity        int    `json:"capacity"`
	Depth           int    `json:"depth"`
	Connected       bool   `json:"connected"`
	Received        uint64 `json:"received"`
	Dispatched      uint64 `json:"dispatched"`
	Blocked         uint64 `json:"blocked"`
	HandlerFailures uint64 `json:"handlerFailures"`
	Reconnects      uint64 `json:"reconnects"`
}

// Listener owns the LISTEN connection, the queue and the dispatcher.
type Listener struct {
	cfg      Config
	logger   observability.Logger
	handlers []namedHandler
	queue    chan notification.Notification
	dial     dialFunc
	metrics  *listenerMetrics

	blockedWarn *rate.Sometimes

	connected  atomic.Bool
	received   atomic.Uint64
	dispatched atomic.Uint64
	blocked    atomic.Uint64
	failures   atomic.Uint64
	reconnects atomic.Uint64
}

// Option configures a Listener.
type Option func(*Listener)

// WithHandler appends a handler. Handlers run in registration order.
func WithHandler(name string, h notification.Handler) Option {
	return func(l *Listener) {
		if h == nil {
			return
		}
		if strings.TrimSpace(name) == "" {
			name = fmt.Sprintf("handler-%d", len(l.handlers))
		}
		l.handlers = append(l.handlers, namedHandler{name: name, handler: h})
	}
}

func withDialer(dial dialFunc) Option {
	return func(l *Listener) {
		if dial != nil {
			l.dial = dial
		}
	}
}

// New validates cfg and constructs a listener. Nothing connects until Run.
func New(cfg Config, logger observability.Logger, opts ...Option) (*Listener, error) {
	cfg = cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Listener{
		cfg:         cfg,
		queue:       make(chan notification.Notification, cfg.Capacity),
		dial:        dialPostgres,
		blockedWarn: &rate.Sometimes{Interval: cfg.BlockedWarnInterval},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.logger = observability.OrNop(logger).With(
		observability.F("component", component),
		observability.F("channel", cfg.Channel),
	)
	l.metrics = newListenerMetrics(cfg.Channel, func() int { return len(l.queue) })
	return l, nil
}

// Config returns the normalised configuration.
func (l *Listener) Config() Config {
	return l.cfg
}

// Stats returns counters for the status endpoint.
func (l *Listener) Stats() Stats {
	return Stats{
		Channel:         l.cfg.Channel,
		Capacity:        cap(l.queue),
		Depth:           len(l.queue),
		Connected:       l.connected.Load(),
		Received:        l.received.Load(),
		Dispatched:      l.dispatched.Load(),
		Blocked:         l.blocked.Load(),
		HandlerFailures: l.failures.Load(),
		Reconnects:      l.reconnects.Load(),
	}
}

// Run listens and dispatches until ctx is cancelled. Connection failures are
// retried with exponential backoff; Run returns nil on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("notification listener starting",
		observability.F("capacity", l.cfg.Capacity),
		observability.F("handlers", len(l.handlers)))
	var wg conc.WaitGroup
	wg.Go(func() { l.receive(ctx) })
	wg.Go(func() { l.dispatchLoop(ctx) })
	wg.Wait()
	if dropped := len(l.queue); dropped > 0 {
		l.logger.Info("notification listener stopped with queued notifications", observability.F("dropped", dropped))
	} else {
		l.logger.Info("notification listener stopped")
	}
	return nil
}

func (l *Listener) receive(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = l.cfg.ReconnectInitial
	retry.MaxInterval = l.cfg.ReconnectMax
	retry.Reset()

	first := true
	for ctx.Err() == nil {
		if !first {
			l.reconnects.Add(1)
			l.metrics.reconnect(ctx)
		}
		first = false

		conn, err := l.dial(ctx, l.cfg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !l.sleep(ctx, retry, "notification connect failed", err) {
				return
			}
			continue
		}
		retry.Reset()
		l.connected.Store(true)
		l.logger.Info("listening for notifications")

		err = l.listen(ctx, conn)
		l.connected.Store(false)
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		if cerr := conn.Close(closeCtx); cerr != nil {
			l.logger.Debug("notification connection close failed", observability.Err(cerr))
		}
		cancel()
		if ctx.Err() != nil {
			return
		}
		if !l.sleep(ctx, retry, "notification connection lost", err) {
			return
		}
	}
}

func (l *Listener) sleep(ctx context.Context, retry backoff.BackOff, msg string, cause error) bool {
	delay := retry.NextBackOff()
	if delay == backoff.Stop {
		delay = l.cfg.ReconnectMax
	}
	l.logger.Warn(msg, observability.Err(cause), observability.F("retry_in", delay.String()))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (l *Listener) listen(ctx context.Context, conn subscriber) error {
	for {
		msg, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		n := notification.Notification{
			ProcessID: msg.PID,
			Channel:   msg.Channel,
			Payload:   msg.Payload,
		}
		l.received.Add(1)
		l.metrics.notificationReceived(ctx)
		if err := l.enqueue(ctx, n); err != nil {
			return err
		}
	}
}

// enqueue blocks while the queue is full.
func (l *Listener) enqueue(ctx context.Context, n notification.Notification) error {
	select {
	case l.queue <- n:
		return nil
	default:
	}
	l.blocked.Add(1)
	l.metrics.receiverBlocked(ctx)
	l.blockedWarn.Do(func() {
		l.logger.Warn("notification queue full; receiver blocked",
			observability.F("capacity", cap(l.queue)),
			observability.F("blocked_total", l.blocked.Load()))
	})
	select {
	case l.queue <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) dispatchLoop(ctx context.Context) {
	// A dequeued notification reaches every handler even if ctx is cancelled mid-way.
	handlerCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-l.queue:
			l.dispatch(handlerCtx, n)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, n notification.Notification) {
	start := time.Now()
	for _, h := range l.handlers {
		l.invoke(ctx, h, n)
	}
	l.dispatched.Add(1)
	l.metrics.dispatched(ctx, time.Since(start))
}

func (l *Listener) invoke(ctx context.Context, h namedHandler, n notification.Notification) {
	defer func() {
		if r := recover(); r != nil {
			l.failures.Add(1)
			l.metrics.handlerFailed(ctx, n.Channel, h.name, telemetry.ResultPanic)
			l.logger.Error("notification handler panicked",
				observability.F("handler", h.name),
				observability.F("pid", n.ProcessID),
				observability.F("panic", fmt.Sprint(r)),
				observability.F("stack", string(debug.Stack())))
		}
	}()
	if err := h.handler.Handle(ctx, n); err != nil {
		l.failures.Add(1)
		l.metrics.handlerFailed(ctx, n.Channel, h.name, telemetry.ResultError)
		l.logger.Error("notification handler failed",
			observability.F("handler", h.name),
			observability.F("pid", n.ProcessID),
			observability.Err(err))
	}
}

func dialPostgres(ctx context.Context, cfg Config) (subscriber, error) {
	conn, err := pgx.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork,
			errs.WithCanonicalCode(errs.CanonicalConnectionFailed),
			errs.WithMessage("connect failed"),
			errs.WithCause(err))
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{cfg.Channel}.Sanitize()); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		_ = conn.Close(closeCtx)
		return nil, errs.New(component, errs.CodeNetwork,
			errs.WithCanonicalCode(errs.CanonicalConnectionFailed),
			errs.WithMessage("listen failed"),
			errs.WithCause(err))
	}
	return conn, nil
}
