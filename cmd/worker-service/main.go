package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/clipper/internal/config"
	"github.com/cuongbtq/clipper/internal/worker"
	"github.com/cuongbtq/clipper/internal/worker/orchestrator"
	"github.com/cuongbtq/clipper/internal/worker/processor"
	"github.com/cuongbtq/clipper/internal/worker/storage"
	"github.com/cuongbtq/clipper/internal/worker/workflow"
	"github.com/cuongbtq/clipper/shared/logger"
	"github.com/cuongbtq/clipper/shared/objectstore"
	"github.com/cuongbtq/clipper/shared/postgresql"
	"github.com/cuongbtq/clipper/shared/rabbitmq"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Step retry defaults used when the config leaves max_retries unset
const (
	defaultAdmissionRetries = 3
	defaultDispatchRetries  = 1
	defaultReconcileRetries = 1
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging, "worker-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.AutoMigrate {
		if err := dbClient.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	lister, err := initObjectStore(ctx, &cfg.Storage, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	dispatcher, err := processor.NewClient(&processor.Config{
		Endpoint:  cfg.Processor.Endpoint,
		AuthToken: cfg.Processor.AuthToken,
		Timeout:   cfg.Processor.Timeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize processor client: %w", err)
	}

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	var locker orchestrator.OwnerLocker
	switch cfg.Worker.OwnerLock {
	case config.OwnerLockLocal:
		locker = orchestrator.NewLocalLocker()
	default:
		locker = storage.NewAdvisoryLocker(dbClient.GetDB(), appLogger.Logger)
	}

	orch := orchestrator.New(&orchestrator.Config{
		Logger:      appLogger.Logger,
		Jobs:        store,
		Artifacts:   store,
		Dispatcher:  dispatcher,
		Lister:      lister,
		Locker:      locker,
		Checkpoints: store,
		Policies: orchestrator.Policies{
			Admission: retryPolicy(cfg.Workflow.Admission, defaultAdmissionRetries),
			Dispatch:  retryPolicy(cfg.Workflow.Dispatch, defaultDispatchRetries),
			Reconcile: retryPolicy(cfg.Workflow.Reconcile, defaultReconcileRetries),
		},
		PrefixRule: orchestrator.PrefixRule{
			Mode:      cfg.Reconcile.PrefixRule,
			Separator: cfg.Reconcile.Separator,
		},
		ConsumeCredits: cfg.Workflow.ShouldConsumeCredits(),
		RequireOutputs: cfg.Reconcile.RequireOutputs,
	})

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Broker:            rabbitClient,
		Runner:            orch,
		Heartbeats:        store,
		WorkerID:          workerID,
		QueueName:         cfg.RabbitMQ.Queue.Name,
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	if cfg.Sweeper.Enabled {
		sweeper := worker.NewSweeper(&worker.SweeperConfig{
			Logger:     appLogger.Logger,
			Jobs:       store,
			Publisher:  rabbitClient,
			Schedule:   cfg.Sweeper.Schedule,
			StaleAfter: cfg.Sweeper.StaleAfter,
			BatchSize:  cfg.Sweeper.BatchSize,
		})
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
	}

	appLogger.Info("Worker service started successfully")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
			return err
		}
		appLogger.Info("Worker service shutdown complete")
		return nil
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
	}

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker stopped with error", slog.Any("error", err))
		}
		appLogger.Info("Worker service shutdown complete")
		return nil
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit",
			slog.Duration("shutdown_timeout", cfg.Worker.ShutdownTimeout),
		)
		return nil
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

func retryPolicy(r config.RetryConfig, defaultRetries int) workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxRetries:        r.Retries(defaultRetries),
		InitialBackoff:    r.InitialBackoff,
		BackoffMultiplier: r.BackoffMultiplier,
		MaxBackoff:        r.MaxBackoff,
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:                 cfg.Host,
		Port:                 cfg.Port,
		User:                 cfg.User,
		Password:             cfg.Password,
		Database:             cfg.Database,
		SSLMode:              cfg.SSLMode,
		MaxOpenConns:         cfg.MaxOpenConns,
		MaxIdleConns:         cfg.MaxIdleConns,
		ConnMaxLifetime:      cfg.ConnMaxLifetime,
		ConnMaxIdleTime:      cfg.ConnMaxIdleTime,
		ConnectRetries:       cfg.ConnectRetries,
		ConnectRetryInterval: cfg.ConnectRetryInterval,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ consumer client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		DeadLetterQueue:    cfg.Queue.DeadLetterQueue,
		DeferQueue:         cfg.Queue.DeferQueue,
		DeferDelay:         cfg.Queue.DeferDelay,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// initObjectStore builds the lister used to discover job outputs
func initObjectStore(ctx context.Context, cfg *config.StorageConfig, logger *slog.Logger) (objectstore.Lister, error) {
	return objectstore.New(ctx, &objectstore.Config{
		Backend:  cfg.Backend,
		BasePath: cfg.BasePath,
		S3: objectstore.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			UsePathStyle:    cfg.S3.UsePathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PageSize:        cfg.S3.PageSize,
		},
	}, logger)
}
