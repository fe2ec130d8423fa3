package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cassiomorais/eventcore/internal/application/dispatcher"
	reconApp "github.com/cassiomorais/eventcore/internal/application/reconciliation"
	sagaApp "github.com/cassiomorais/eventcore/internal/application/saga"
	"github.com/cassiomorais/eventcore/internal/controller"
	"github.com/cassiomorais/eventcore/internal/domain/reconciliation"
	"github.com/cassiomorais/eventcore/internal/infrastructure/config"
	"github.com/cassiomorais/eventcore/internal/infrastructure/kafka"
	"github.com/cassiomorais/eventcore/internal/infrastructure/observability"
	"github.com/cassiomorais/eventcore/internal/infrastructure/postgres/migrations"
	infraRedis "github.com/cassiomorais/eventcore/internal/infrastructure/redis"
	"github.com/cassiomorais/eventcore/internal/repository/postgres"
	"github.com/cassiomorais/eventcore/pkg/limiter"
	"github.com/cassiomorais/eventcore/pkg/retry"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

// App holds every long-lived component of an eventcore process.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Kafka    *kafka.Producer
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Tracer   *sdktrace.TracerProvider

	Tx          *postgres.TxManager
	Outbox      *postgres.OutboxRepository
	Sagas       *postgres.SagaRepository
	Locks       *postgres.IdempotencyRepository
	Escalations *postgres.ReconciliationRepository

	Limiter        *limiter.Limiter
	Dispatcher     *dispatcher.Dispatcher
	Coordinator    *sagaApp.Coordinator
	Guard          *sagaApp.Guard
	Reconciliation *reconApp.Service
	Server         *http.Server
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout).
		With().Str("service", serviceName).Logger()
	logger.Info().Msg("Starting")

	app := &App{Config: cfg, Logger: logger}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.Tracer = tp
			logger.Info().Msg("Tracing enabled")
		}
	}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = observability.NewMetrics(metricsNamespace, app.Registry)

	if cfg.Database.AutoMigrate {
		if err := migrations.Up(cfg.Database.DatabaseURL()); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info().Msg("Migrations applied")
	}

	app.Pool, err = postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	if cfg.Redis.Enabled {
		app.Redis, err = infraRedis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info().Msg("Connected to Redis")
	}

	if cfg.Kafka.Enabled {
		app.Kafka = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.BatchTimeout, logger)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Kafka producer ready")
	}

	app.Tx = postgres.NewTxManager(app.Pool)
	app.Outbox = postgres.NewOutboxRepository(app.Pool)
	app.Sagas = postgres.NewSagaRepository(app.Pool)
	app.Locks = postgres.NewIdempotencyRepository(app.Pool)
	app.Escalations = postgres.NewReconciliationRepository(app.Pool)

	if err := app.buildCore(); err != nil {
		app.Close()
		return nil, err
	}
	app.Server = app.buildServer()

	return app, nil
}

func (a *App) buildCore() error {
	cfg := a.Config
	tracer := observability.Tracer()

	a.Limiter = limiter.New(limiter.Config{
		Name:                 "dispatcher",
		Concurrency:          cfg.Limiter.Concurrency,
		BreakerThreshold:     cfg.Limiter.BreakerThreshold,
		BreakerMinSamples:    cfg.Limiter.BreakerMinSamples,
		BreakerTimeout:       cfg.Limiter.BreakerTimeout,
		MemoryThresholdBytes: cfg.Limiter.MemoryThreshold,
		QueueThreshold:       cfg.Limiter.QueueThreshold,
		WatchdogInterval:     cfg.Limiter.WatchdogInterval,
	},
		limiter.WithLogger(a.Logger),
		limiter.WithHighUsageCallback(func(s limiter.Stats) {
			a.Logger.Warn().
				Int("active", s.Active).
				Int("queued", s.Queued).
				Uint64("memory_bytes", s.MemoryBytes).
				Msg("Limiter under high usage, dispatcher will shrink its batches")
		}),
	)

	opts := []dispatcher.Option{
		dispatcher.WithLogger(a.Logger),
		dispatcher.WithMetrics(a.Metrics),
		dispatcher.WithTracer(tracer),
	}
	publishers := make(map[string]dispatcher.Publisher)
	if a.Redis != nil {
		streams := infraRedis.NewStreamProducer(a.Redis, cfg.Dispatcher.DeadLetterStream)
		publishers["redis"] = streams
		opts = append(opts, dispatcher.WithDeadLetterSink(streams))
	}
	if a.Kafka != nil {
		publishers["kafka"] = a.Kafka
	}

	workerID := cfg.Dispatcher.WorkerID
	if workerID == "" {
		workerID = cfg.InstanceID
	}
	a.Dispatcher = dispatcher.New(a.Outbox, a.Limiter, dispatcher.Config{
		WorkerID:          workerID,
		BatchSize:         cfg.Dispatcher.BatchSize,
		PollInterval:      cfg.Dispatcher.PollInterval,
		StaleTimeout:      cfg.Dispatcher.StaleTimeout,
		HeartbeatInterval: cfg.Dispatcher.HeartbeatInterval,
		HandlerTimeout:    cfg.Dispatcher.HandlerTimeout,
		RetryBackoff:      cfg.Dispatcher.RetryBackoff,
		MaxRetryBackoff:   cfg.Dispatcher.MaxRetryBackoff,
	}, opts...)

	routes := make([]dispatcher.Route, len(cfg.Dispatcher.Routes))
	for i, r := range cfg.Dispatcher.Routes {
		routes[i] = dispatcher.Route{EventType: r.EventType, Transport: r.Transport, Destination: r.Destination}
	}
	if err := a.Dispatcher.RegisterRoutes(routes, publishers); err != nil {
		return fmt.Errorf("register dispatcher routes: %w", err)
	}

	a.Coordinator = sagaApp.NewCoordinator(a.Sagas, a.Escalations, sagaApp.Config{
		CompensationRetry: retry.Config{
			MaxAttempts:  cfg.Saga.CompensationAttempts,
			InitialDelay: cfg.Saga.CompensationBackoff,
			MaxDelay:     cfg.Saga.CompensationMaxBackoff,
		},
		StepTimeout: cfg.Saga.StepTimeout,
		StuckAfter:  cfg.Saga.StuckAfter,
	},
		sagaApp.WithLogger(a.Logger),
		sagaApp.WithMetrics(a.Metrics),
		sagaApp.WithTracer(tracer),
	)
	a.Guard = sagaApp.NewGuard(a.Locks, a.Logger)

	reconOpts := []reconApp.Option{
		reconApp.WithLogger(a.Logger),
		reconApp.WithMetrics(a.Metrics),
		reconApp.WithOutbox(a.Outbox),
		reconApp.WithSagas(a.Sagas),
		reconApp.WithRetrier(reconciliation.KindSaga, reconApp.SagaRetrier(a.Coordinator)),
		reconApp.WithRetrier(reconciliation.KindEvent, reconApp.EventRetrier(a.Dispatcher)),
		reconApp.WithCompensator(a.Coordinator),
	}
	if a.Redis != nil {
		reconOpts = append(reconOpts, reconApp.WithLocker(infraRedis.NewLocker(a.Redis)))
	}
	a.Reconciliation = reconApp.NewService(a.Escalations, reconApp.Config{
		RecoveryRetry: retry.Config{
			MaxAttempts:  cfg.Reconciliation.RetryAttempts,
			InitialDelay: cfg.Reconciliation.RetryBackoff,
			MaxDelay:     10 * cfg.Reconciliation.RetryBackoff,
		},
		StuckAfter:   cfg.Reconciliation.StuckAfter,
		StaleTimeout: cfg.Dispatcher.StaleTimeout,
		SweepLimit:   cfg.Reconciliation.SweepLimit,
		LockTTL:      cfg.Reconciliation.LockTTL,
	}, reconOpts...)

	for _, sc := range cfg.Reconciliation.SumChecks {
		if err := a.Reconciliation.RegisterCheck(sc.Name, postgres.NewSumCheck(a.Pool, sc.ExpectedSQL, sc.ActualSQL)); err != nil {
			return fmt.Errorf("register check %s: %w", sc.Name, err)
		}
	}
	return nil
}

func (a *App) buildServer() *http.Server {
	health := map[string]controller.Pinger{
		"database": controller.PingFunc(a.Pool.Ping),
	}
	if a.Redis != nil {
		health["redis"] = controller.PingFunc(func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		})
	}

	router := controller.NewRouter(controller.RouterDeps{
		Health:     health,
		Dispatcher: a.Dispatcher,
		Sagas:      a.Coordinator,
		Reconciliation: controller.NewReconciliationController(
			a.Reconciliation, a.Locks, reconApp.NewIdempotencyReleaser(a.Locks)),
		Metrics:        a.Metrics,
		Gatherer:       a.Registry,
		Server:         a.Config.Server,
		Idempotency:    a.Guard,
		IdempotencyTTL: a.Config.Saga.IdempotencyTTL,
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run starts the dispatcher, the background sweeps and the admin server, and
// blocks until ctx is done or one of them fails. In-flight handlers are
// drained before it returns.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Dispatcher.Run(gCtx) })
	g.Go(func() error { return a.Limiter.RunWatchdog(gCtx) })
	g.Go(func() error { return a.Coordinator.RunRecovery(gCtx, cfg.Saga.RecoveryInterval) })
	g.Go(func() error {
		return a.Dispatcher.RunRetention(gCtx, cfg.Dispatcher.RetentionInterval, cfg.Dispatcher.Retention)
	})
	g.Go(func() error {
		return a.Guard.RunPurge(gCtx, cfg.Saga.IdempotencyPurge, cfg.Saga.IdempotencyRetention)
	})
	if cfg.Reconciliation.Enabled {
		g.Go(func() error { return a.Reconciliation.Run(gCtx, cfg.Reconciliation.Interval) })
	}

	g.Go(func() error {
		a.Logger.Info().Str("addr", a.Server.Addr).Msg("Starting admin HTTP server")
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		a.Logger.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("admin server shutdown: %w", err))
		}
		if err := a.Dispatcher.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func (a *App) Close() {
	if a.Kafka != nil {
		if err := a.Kafka.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close Kafka producer")
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.Tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		observability.Shutdown(shutdownCtx, a.Tracer)
	}
}
