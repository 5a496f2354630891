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

	"github.com/cuongbtq/cdr-ingest/internal/btslookup"
	"github.com/cuongbtq/cdr-ingest/internal/config"
	"github.com/cuongbtq/cdr-ingest/internal/enrich"
	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
	"github.com/cuongbtq/cdr-ingest/internal/notify"
	"github.com/cuongbtq/cdr-ingest/internal/storage"
	"github.com/cuongbtq/cdr-ingest/internal/worker"
	"github.com/cuongbtq/cdr-ingest/shared/logger"
	"github.com/cuongbtq/cdr-ingest/shared/rabbitmq"
	"github.com/cuongbtq/cdr-ingest/shared/sqldb"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("failed to apply environment: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize database client
	dbClient, err := initDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store, err := storage.NewStorage(dbClient, &storage.Config{
		Logger:      appLogger.Logger,
		TowerSchema: cfg.Enrichment.TowerSchema,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Jobs keep their own context so in-flight enrichments can finish
	// within the shutdown timeout
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	queue := jobqueue.New(&jobqueue.Config{
		Logger:     appLogger.Logger,
		Context:    jobsCtx,
		MaxHistory: cfg.Jobs.MaxHistory,
	})
	queue.Subscribe(notify.NewPublisher(&notify.PublisherConfig{
		Logger:     appLogger.Logger,
		Broker:     rabbitClient,
		RoutingKey: cfg.RabbitMQ.EventsRoutingKey,
	}))

	lookup := btslookup.New(store, btslookup.Options{
		Tables:    cfg.Enrichment.TowerTables,
		ChunkSize: cfg.Enrichment.ChunkSize,
	}, appLogger.Logger)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Source:      rabbitClient,
		Queue:       queue,
		Enricher:    enrich.New(lookup, enrich.Options{BaseDir: cfg.Enrichment.BaseDir}, appLogger.Logger),
		ConsumerTag: cfg.Worker.ConsumerTag,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	appLogger.Info("Worker service started successfully")

	runErr := g.Wait()
	if runErr != nil {
		appLogger.Error("Worker error",
			slog.Any("error", runErr),
		)
	} else {
		appLogger.Info("Received signal, shutting down gracefully")
	}

	// Give queued enrichments time to finish and settle their messages
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	if err := workerInstance.Stop(shutdownCtx); err != nil {
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit",
			slog.Any("error", err),
		)
		cancelJobs()
		// interrupted jobs requeue their messages before the channel closes
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = queue.Wait(drainCtx)
		drainCancel()
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	}

	return logger.New(loggerCfg)
}

// initDatabase initializes the SQL database client
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*sqldb.Client, error) {
	dbConfig := &sqldb.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return sqldb.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
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
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
