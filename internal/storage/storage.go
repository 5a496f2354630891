// Package storage is the relational backend of the ingestion and lookup
// services. It speaks PostgreSQL, MySQL and SQLite through sqlx.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/cdr-ingest/internal/ingest"
	"github.com/cuongbtq/cdr-ingest/shared/sqldb"
	"github.com/jmoiron/sqlx"
)

const (
	uploadHistoryTable = "upload_history"
	dataCatalogTable   = "data_catalog"
)

// Config holds storage configuration
type Config struct {
	Logger *slog.Logger
	// TowerSchema holds the generation tables (5g, 4g, ...); empty means the
	// connection's default schema
	TowerSchema string
}

// Storage implements ingest.Store, ingest.Catalog, btslookup.Querier and
// btslookup.TowerWriter over one connection pool
type Storage struct {
	db          *sqlx.DB
	d           dialect
	towerSchema string
	logger      *slog.Logger
}

// NewStorage wraps a connected client
func NewStorage(client *sqldb.Client, cfg *Config) (*Storage, error) {
	return newStorage(client.GetDB(), cfg)
}

func newStorage(db *sqlx.DB, cfg *Config) (*Storage, error) {
	d, err := dialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}
	return &Storage{
		db:          db,
		d:           d,
		towerSchema: cfg.TowerSchema,
		logger:      cfg.Logger,
	}, nil
}

// Bootstrap creates the bookkeeping tables when missing
func (s *Storage) Bootstrap(ctx context.Context) error {
	for _, stmt := range s.bootstrapStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}
	s.logger.Info("Storage schema ready", slog.String("driver", s.d.name))
	return nil
}

func (s *Storage) bootstrapStatements() []string {
	id := s.d.serialType
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			user_id BIGINT NOT NULL DEFAULT 0,
			table_name VARCHAR(255) NOT NULL DEFAULT '',
			file_name VARCHAR(512) NOT NULL DEFAULT '',
			total_rows INTEGER NOT NULL DEFAULT 0,
			success_rows INTEGER NOT NULL DEFAULT 0,
			error_rows INTEGER NOT NULL DEFAULT 0,
			upload_mode VARCHAR(16) NOT NULL,
			job_id VARCHAR(64),
			status VARCHAR(16) NOT NULL,
			errors TEXT,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NULL
		)`, s.d.quote(uploadHistoryTable), id),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			schema_name VARCHAR(128) NOT NULL,
			table_name VARCHAR(128) NOT NULL,
			upload_id BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (schema_name, table_name)
		)`, s.d.quote(dataCatalogTable)),
	}
}

var (
	_ ingest.Store   = (*Storage)(nil)
	_ ingest.Catalog = (*Storage)(nil)
)
