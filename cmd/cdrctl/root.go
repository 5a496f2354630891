package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/cdr-ingest/internal/btslookup"
	"github.com/cuongbtq/cdr-ingest/internal/config"
	"github.com/cuongbtq/cdr-ingest/internal/storage"
	"github.com/cuongbtq/cdr-ingest/shared/logger"
	"github.com/cuongbtq/cdr-ingest/shared/sqldb"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// app holds what every subcommand needs once the config is loaded
type app struct {
	cfg    *config.Config
	logger *logger.Logger
	db     *sqldb.Client
	store  *storage.Storage
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.logger != nil {
		a.logger.Close()
	}
}

func (a *app) lookup() *btslookup.Service {
	return btslookup.New(a.store, btslookup.Options{
		Tables:    a.cfg.Enrichment.TowerTables,
		ChunkSize: a.cfg.Enrichment.ChunkSize,
	}, a.logger.Logger)
}

func newRootCmd() *cobra.Command {
	a := &app{}

	defaultConfigPath := os.Getenv("CDRCTL_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/cdrctl/config.yaml"
	}
	var configPath string

	cmd := &cobra.Command{
		Use:           "cdrctl",
		Short:         "Enrich CDR files and load tabular data",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context(), configPath)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")

	cmd.AddCommand(
		newEnrichCmd(a),
		newImportCmd(a),
		newSeedTowersCmd(a),
	)
	return cmd
}

// open loads configuration and connects to the database
func (a *app) open(ctx context.Context, configPath string) error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("failed to apply environment: %w", err)
	}
	if err := cfg.ValidateCLIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg

	a.logger, err = logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.Kitchen,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.db, err = sqldb.NewClient(&sqldb.Config{
		Driver:          cfg.Database.Driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, a.logger.Logger)
	if err != nil {
		a.close()
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	a.store, err = storage.NewStorage(a.db, &storage.Config{
		Logger:      a.logger.Logger,
		TowerSchema: cfg.Enrichment.TowerSchema,
	})
	if err != nil {
		a.close()
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := a.store.Bootstrap(ctx); err != nil {
		a.close()
		return err
	}

	a.logger.Debug("cdrctl ready",
		slog.String("driver", cfg.Database.Driver),
		slog.String("config", configPath),
	)
	return nil
}
