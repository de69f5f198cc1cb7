package main

import (
	"context"
	"fmt"
	"time"

	"wagate/internal/constants"
	"wagate/internal/database"
	"wagate/internal/dispatch"
	"wagate/internal/metrics"
	"wagate/internal/models"
	"wagate/internal/pacing"
	"wagate/internal/queue"
	"wagate/internal/retry"
	"wagate/internal/session"
	"wagate/internal/settings"
	"wagate/internal/webhook"
	"wagate/pkg/circuitbreaker"
	"wagate/pkg/whatsapp"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// application is the wired process: one registry, the three queue worker
// pools and the background monitors around a shared database.
type application struct {
	cfg      *models.Config
	logger   *logrus.Logger
	metrics  *metrics.Registry
	broker   queue.Broker
	registry *session.Registry
	workers  []*queue.Worker
	monitor  *dispatch.StaleMonitor
	cleanup  *dispatch.Scheduler
	server   *Server
}

func newApplication(ctx context.Context, cfg *models.Config, db *database.Database, connector whatsapp.Connector, logger *logrus.Logger) (*application, error) {
	m := metrics.NewRegistry()

	broker := openBroker(ctx, cfg.Queue, logger)
	var enq queue.Enqueuer
	if broker != nil {
		enq = queue.NewClient(broker)
	}

	policies := settings.NewService(db, cfg.Pacing, logger)

	breakers := circuitbreaker.NewGroup(circuitbreaker.Settings{}, logger)
	deliverer := webhook.NewDeliverer(time.Duration(cfg.Webhook.TimeoutSec)*time.Second, breakers, logger).WithMetrics(m)
	emitter := webhook.NewEmitter(db, deliverer, enq, logger).WithMetrics(m)

	registry := session.NewRegistry(session.Config{
		CredentialsDir:      cfg.WhatsApp.CredentialsDir,
		ReconnectGrace:      time.Duration(cfg.Sessions.ReconnectGraceSec) * time.Second,
		MaxPerTenant:        cfg.Sessions.MaxPerTenant,
		RecoveryConcurrency: cfg.Sessions.RecoveryConcurrency,
	}, connector, db, policies, emitter, logger).WithMetrics(m)
	commands := session.NewCommands(registry, enq, logger)

	sends := dispatch.NewService(db, policies, enq, logger).WithMetrics(m)
	processor := dispatch.NewProcessor(db, registry, policies, emitter, pacing.NewPacer(), logger).WithMetrics(m)

	app := &application{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		broker:   broker,
		registry: registry,
		monitor: dispatch.NewStaleMonitor(db, processor,
			time.Duration(cfg.Dispatch.StaleCheckIntervalSec)*time.Second,
			time.Duration(cfg.Dispatch.StaleAfterMinutes)*time.Minute, logger),
		cleanup: dispatch.NewScheduler(db, cfg.RetentionDays, constants.RetentionIntervalHours*time.Hour, logger),
	}

	if broker != nil {
		app.workers = []*queue.Worker{
			queue.NewWorker(broker, queue.WorkerConfig{
				Queue:          constants.QueueMessages,
				Concurrency:    cfg.Dispatch.Concurrency,
				MaxAttempts:    cfg.Dispatch.MaxAttempts,
				InitialBackoff: time.Duration(cfg.Dispatch.InitialBackoffMs) * time.Millisecond,
				Limiter:        dispatchLimiter(cfg.Dispatch),
			}, processor.Process, logger).OnFailed(processor.OnFailed).WithMetrics(m),
			queue.NewWorker(broker, queue.WorkerConfig{
				Queue:          constants.QueueWebhooks,
				Concurrency:    cfg.Webhook.Concurrency,
				MaxAttempts:    cfg.Webhook.MaxAttempts,
				InitialBackoff: time.Duration(cfg.Webhook.InitialBackoffMs) * time.Millisecond,
			}, emitter.Handle, logger).WithMetrics(m),
			queue.NewWorker(broker, queue.WorkerConfig{
				Queue:          constants.QueueSessions,
				Concurrency:    cfg.Sessions.Concurrency,
				MaxAttempts:    cfg.Sessions.MaxAttempts,
				InitialBackoff: time.Duration(cfg.Sessions.InitialBackoffMs) * time.Millisecond,
			}, commands.Handle, logger).OnFailed(commands.OnFailed).WithMetrics(m),
		}
	}

	deps := Dependencies{
		Store:    db,
		Database: db,
		Registry: registry,
		Commands: commands,
		Dispatch: sends,
		Webhooks: webhook.NewSubscriptions(db),
		Breakers: breakers,
		Settings: policies,
		Metrics:  m,
	}
	if broker != nil {
		deps.Broker = broker
	}
	app.server = NewServer(cfg.Server, deps, logger)

	return app, nil
}

// dispatchLimiter spreads RateLimitJobs starts evenly over the window with
// no burst, e.g. 30 per minute is one start every two seconds.
func dispatchLimiter(cfg models.DispatchConfig) *rate.Limiter {
	if cfg.RateLimitJobs <= 0 || cfg.RateLimitWindowSec <= 0 {
		return nil
	}
	window := time.Duration(cfg.RateLimitWindowSec) * time.Second
	return rate.NewLimiter(rate.Every(window/time.Duration(cfg.RateLimitJobs)), 1)
}

// openBroker returns nil when the queue is disabled or cannot be reached. The
// service then runs degraded: sends are refused and webhooks go out directly.
func openBroker(ctx context.Context, cfg models.QueueConfig, logger *logrus.Logger) queue.Broker {
	switch cfg.Backend {
	case "none":
		logger.Warn("Queue disabled; sends will be rejected and webhooks delivered directly")
		return nil
	case "memory":
		logger.Warn("Using in-process memory queue; queued jobs do not survive a restart")
		return queue.NewMemoryBroker()
	}

	backoff := retry.NewBackoff(retry.DefaultBackoffConfig())
	var broker *queue.ValkeyBroker
	err := backoff.Retry(ctx, func() error {
		var connErr error
		broker, connErr = queue.NewValkeyBroker(ctx, cfg)
		return connErr
	})
	if err != nil {
		logger.WithError(err).WithField("address", cfg.Address).Error("Valkey unreachable, starting without queue workers")
		return nil
	}
	logger.WithField("address", cfg.Address).Info("Connected to Valkey")
	return broker
}

func (a *application) start(ctx context.Context) error {
	for _, w := range a.workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}

	restored, err := a.registry.InitializeAll(ctx)
	if err != nil {
		a.logger.WithError(err).Error("Session recovery failed")
	} else {
		a.logger.WithField("sessions", restored).Info("Session recovery finished")
	}

	go a.monitor.Start(ctx)
	go a.cleanup.Start(ctx)
	return nil
}

// stop drains workers before closing sessions, so in-flight sends finish on
// a live handle.
func (a *application) stop(ctx context.Context) {
	a.monitor.Stop()
	a.cleanup.Stop()

	for _, w := range a.workers {
		w.Stop(constants.DefaultDrainGraceSec * time.Second)
	}

	if err := a.registry.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("Session registry shutdown incomplete")
	}
	if a.broker != nil {
		a.broker.Close()
	}
}
