package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/cdr-ingest/internal/ingest"
)

// CatalogEntry records a table created by an upload
type CatalogEntry struct {
	SchemaName string    `db:"schema_name" json:"schema_name"`
	TableName  string    `db:"table_name" json:"table_name"`
	UploadID   int64     `db:"upload_id" json:"upload_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// RegisterTable records (or re-points) the catalog entry of a table
func (s *Storage) RegisterTable(ctx context.Context, ref ingest.TableRef, uploadID int64) error {
	columns := []string{"schema_name", "table_name", "upload_id", "created_at"}
	query := s.d.insert(s.d.quote(dataCatalogTable), columns, 1, []string{"schema_name", "table_name"})

	_, err := s.db.ExecContext(ctx, s.db.Rebind(query), ref.Schema, ref.Table, uploadID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to register table: %w", err)
	}
	return nil
}

func (s *Storage) UnregisterTable(ctx context.Context, ref ingest.TableRef) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE schema_name = ? AND table_name = ?", s.d.quote(dataCatalogTable))
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), ref.Schema, ref.Table); err != nil {
		return fmt.Errorf("failed to unregister table: %w", err)
	}
	return nil
}

// ListCatalog returns the tables created by uploads, most recent first
func (s *Storage) ListCatalog(ctx context.Context) ([]CatalogEntry, error) {
	query := fmt.Sprintf(`SELECT schema_name, table_name, upload_id, created_at
		FROM %s ORDER BY created_at DESC, schema_name, table_name`, s.d.quote(dataCatalogTable))

	var entries []CatalogEntry
	if err := s.db.SelectContext(ctx, &entries, query); err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	return entries, nil
}
