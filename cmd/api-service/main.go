package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/cdr-ingest/internal/api/handler"
	"github.com/cuongbtq/cdr-ingest/internal/api/router"
	"github.com/cuongbtq/cdr-ingest/internal/btslookup"
	"github.com/cuongbtq/cdr-ingest/internal/config"
	"github.com/cuongbtq/cdr-ingest/internal/enrich"
	"github.com/cuongbtq/cdr-ingest/internal/identifier"
	"github.com/cuongbtq/cdr-ingest/internal/ingest"
	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
	"github.com/cuongbtq/cdr-ingest/internal/notify"
	"github.com/cuongbtq/cdr-ingest/internal/storage"
	"github.com/cuongbtq/cdr-ingest/shared/logger"
	"github.com/cuongbtq/cdr-ingest/shared/rabbitmq"
	"github.com/cuongbtq/cdr-ingest/shared/sqldb"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
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
	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
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

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.Bootstrap(bootCtx)
	bootCancel()
	if err != nil {
		return err
	}

	appLogger.Info("Database connection established")

	// Jobs see this context canceled once shutdown begins
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	queue := jobqueue.New(&jobqueue.Config{
		Logger:     appLogger.Logger,
		Context:    jobsCtx,
		MaxHistory: cfg.Jobs.MaxHistory,
	})

	hub := notify.NewHub(appLogger.Logger)
	defer hub.Close()
	queue.Subscribe(hub)

	checks := map[string]router.HealthChecker{"database": dbClient}

	// RabbitMQ is optional for the API; without it events stay local
	var stats ingest.StatsInvalidator
	if cfg.RabbitMQEnabled() {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		publisher := notify.NewPublisher(&notify.PublisherConfig{
			Logger:     appLogger.Logger,
			Broker:     rabbitClient,
			RoutingKey: cfg.RabbitMQ.EventsRoutingKey,
		})
		queue.Subscribe(publisher)
		stats = publisher
		checks["rabbitmq"] = rabbitClient

		appLogger.Info("RabbitMQ connection established")
	}

	lookup := btslookup.New(store, btslookup.Options{
		Tables:    cfg.Enrichment.TowerTables,
		ChunkSize: cfg.Enrichment.ChunkSize,
	}, appLogger.Logger)

	enricher := enrich.New(lookup, enrich.Options{BaseDir: cfg.Enrichment.BaseDir}, appLogger.Logger)

	uploads := ingest.New(&ingest.Config{
		Logger:          appLogger.Logger,
		Store:           store,
		Catalog:         store,
		Stats:           stats,
		Queue:           queue,
		BatchSize:       cfg.Ingestion.BatchSize,
		MaxColumns:      cfg.Ingestion.MaxColumns,
		ErrorSampleSize: cfg.Ingestion.ErrorSampleSize,
		MinProgress:     cfg.Ingestion.MinProgress,
		DefaultSchema:   cfg.Ingestion.DefaultSchema,
	})

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		Logger:        appLogger.Logger,
		Queue:         queue,
		Uploads:       uploads,
		Enricher:      enricher,
		Data:          store,
		Hub:           hub,
		Phones:        identifier.NewPhoneNormalizer("", 0),
		UploadDir:     cfg.Ingestion.UploadDir,
		MaxUploadSize: cfg.Ingestion.MaxUploadSize,
		DefaultSchema: cfg.Ingestion.DefaultSchema,
	}, checks)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed to start",
			slog.Any("error", err),
		)
		return err
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	cancelJobs()
	if err := queue.Wait(ctx); err != nil {
		appLogger.Warn("Jobs still running at shutdown",
			slog.Any("error", err),
		)
	}

	appLogger.Info("Server shutdown complete")
	return nil
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies, checks map[string]router.HealthChecker) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, router.Options{
		ServiceName: cfg.App.Name,
		Checks:      checks,
	})
}
