// Command outboxd streams committed outbox rows to consumers and dispatches
// LISTEN/NOTIFY notifications until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/pgoutbox/internal/app/consumer"
	"github.com/coachpo/pgoutbox/internal/app/handlers"
	"github.com/coachpo/pgoutbox/internal/app/processor"
	"github.com/coachpo/pgoutbox/internal/domain/messages"
	"github.com/coachpo/pgoutbox/internal/domain/outbox"
	"github.com/coachpo/pgoutbox/internal/infra/config"
	"github.com/coachpo/pgoutbox/internal/infra/notify"
	"github.com/coachpo/pgoutbox/internal/infra/persistence/migrations"
	"github.com/coachpo/pgoutbox/internal/infra/relay"
	"github.com/coachpo/pgoutbox/internal/infra/replication"
	httpserver "github.com/coachpo/pgoutbox/internal/infra/server/http"
	"github.com/coachpo/pgoutbox/internal/infra/telemetry"
	"github.com/coachpo/pgoutbox/internal/observability"
)

const (
	defaultConfigPath         = "config/app.yaml"
	statusServerStopTimeout   = 5 * time.Second
	lifecycleShutdownTimeout  = 15 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	migrationsStartupDeadline = time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath, "Path to application configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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
	var logger observability.Logger = zl.With(observability.F("service", "outboxd"))
	logger.Info("configuration initialised",
		observability.F("environment", string(cfg.Environment)),
		observability.F("slot", cfg.Replication.Slot),
		observability.F("publication", cfg.Replication.Publication),
		observability.F("notifications", cfg.Notifications.Enabled),
		observability.F("relay", cfg.Relay.Enabled))

	telemetryProvider, err := telemetry.NewProvider(ctx, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	if cfg.Database.RunMigrations {
		migrateCtx, migrateCancel := context.WithTimeout(ctx, migrationsStartupDeadline)
		err := migrations.Apply(migrateCtx, cfg.Database.DSN, cfg.Database.MigrationsDir, logger)
		migrateCancel()
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	registry, err := messages.NewRegistry()
	if err != nil {
		return fmt.Errorf("build event registry: %w", err)
	}

	var (
		redisClient *redis.Client
		publisher   relay.Publisher
	)
	if cfg.Relay.Enabled {
		redisClient, err = relay.NewClient(ctx, cfg.Relay)
		if err != nil {
			return err
		}
		publisher = relay.NewRedisPublisher(redisClient)
		logger.Info("redis relay connected", observability.F("addr", cfg.Relay.Addr))
	}

	reader, err := replication.NewReader(cfg.Replication, logger)
	if err != nil {
		return err
	}
	consumers := consumer.Chain{consumer.NewLogging(registry, logger)}
	if publisher != nil {
		consumers = append(consumers, relay.NewEventPublisher(publisher, cfg.Relay.EventPrefix, logger))
	}
	procOpts, err := processorOptions(cfg.Processor)
	if err != nil {
		return err
	}
	proc, err := processor.New(processor.FromReader(reader), outboxConsumer(consumers), logger, procOpts...)
	if err != nil {
		return err
	}

	var listener *notify.Listener
	if cfg.Notifications.Enabled {
		listenerOpts := []notify.Option{notify.WithHandler("logging", handlers.NewLogging(logger))}
		if publisher != nil {
			listenerOpts = append(listenerOpts, notify.WithHandler("relay",
				relay.NewNotificationForwarder(publisher, cfg.Relay.NotificationPrefix)))
		}
		listener, err = notify.New(cfg.Notifications.Listener, logger, listenerOpts...)
		if err != nil {
			return err
		}
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	var lifecycle conc.WaitGroup
	fatal := make(chan error, 1)
	lifecycle.Go(func() {
		if err := proc.Run(runCtx); err != nil {
			fatal <- err
			logger.Error("outbox processor stopped with a fatal error", observability.Err(err))
			runCancel()
		}
	})
	if listener != nil {
		lifecycle.Go(func() { _ = listener.Run(runCtx) })
	}

	var server *http.Server
	if cfg.APIServer.Addr != "" {
		sources := httpserver.Sources{Processor: proc, Replication: reader}
		if listener != nil {
			sources.Listener = listener
		}
		server = httpserver.NewServer(cfg.APIServer.Addr, httpserver.NewHandler(cfg.Environment, sources))
		lifecycle.Go(func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", observability.Err(err))
			}
		})
		logger.Info("status server listening", observability.F("addr", server.Addr))
	}

	logger.Info("outboxd started; awaiting shutdown signal")
	<-runCtx.Done()
	logger.Info("shutdown initiated")

	shutdownErr := shutdown(logger, shutdownPlan{
		server:    server,
		cancel:    runCancel,
		lifecycle: &lifecycle,
		redis:     redisClient,
		telemetry: telemetryProvider,
	})
	select {
	case err := <-fatal:
		return err
	default:
		return shutdownErr
	}
}

// outboxConsumer unwraps a single-member chain.
func outboxConsumer(chain consumer.Chain) outbox.Consumer {
	if len(chain) == 1 {
		return chain[0]
	}
	return chain
}

func processorOptions(cfg config.ProcessorConfig) ([]processor.Option, error) {
	policy, err := processor.ParseAckPolicy(cfg.AckPolicy)
	if err != nil {
		return nil, err
	}
	opts := []processor.Option{processor.WithAckPolicy(policy)}
	switch cfg.Backoff {
	case config.BackoffExponential:
		opts = append(opts, processor.WithExponentialBackoff(cfg.RetryDelay, cfg.MaxRetryDelay))
	default:
		opts = append(opts, processor.WithRetryDelay(cfg.RetryDelay))
	}
	return opts, nil
}

type shutdownPlan struct {
	server    *http.Server
	cancel    context.CancelFunc
	lifecycle *conc.WaitGroup
	redis     *redis.Client
	telemetry *telemetry.Provider
}

func shutdown(logger observability.Logger, plan shutdownPlan) error {
	var errs []error
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		logger.Info("shutdown step", observability.F("step", name))
		if err := fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if plan.server != nil {
		step("stop status server", statusServerStopTimeout, plan.server.Shutdown)
	}
	plan.cancel()
	step("wait for loops", lifecycleShutdownTimeout, func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			plan.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", ctx.Err())
		}
	})
	if plan.redis != nil {
		step("close redis", statusServerStopTimeout, func(context.Context) error {
			return plan.redis.Close()
		})
	}
	step("shutdown telemetry", telemetryShutdownTimeout, plan.telemetry.Shutdown)

	return observability.AggregateErrors(logger, "shutdown", errs)
}
