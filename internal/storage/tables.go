package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/cdr-ingest/internal/ingest"
)

func (s *Storage) TableExists(ctx context.Context, ref ingest.TableRef) (bool, error) {
	query, args := s.d.tableExists(ref)

	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(query), args...); err != nil {
		return false, fmt.Errorf("failed to check table: %w", err)
	}
	return count > 0, nil
}

// CreateTable creates the schema and table of a generated definition
func (s *Storage) CreateTable(ctx context.Context, def ingest.TableDef) error {
	if s.d.schemas && def.Ref.Schema != "" {
		query := "CREATE SCHEMA IF NOT EXISTS " + s.d.quote(def.Ref.Schema)
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx, s.d.createTable(def)); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	s.logger.Info("Table created",
		slog.String("table", def.Ref.String()),
		slog.Int("columns", len(def.Columns)),
		slog.String("primary_key", def.PrimaryKey),
	)
	return nil
}

func (s *Storage) DropTable(ctx context.Context, ref ingest.TableRef) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+s.d.table(ref)); err != nil {
		return fmt.Errorf("failed to drop table: %w", err)
	}
	return nil
}

func (s *Storage) PrimaryKey(ctx context.Context, ref ingest.TableRef) ([]string, error) {
	query, args := s.d.primaryKey(ref)

	var columns []string
	if err := s.db.SelectContext(ctx, &columns, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to read primary key: %w", err)
	}
	return columns, nil
}

// InsertRows writes rows in one transaction, split into as many statements
// as the driver's parameter limit requires
func (s *Storage) InsertRows(ctx context.Context, ref ingest.TableRef, columns []string, rows [][]any, conflict []string) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	table := s.d.table(ref)
	step := s.d.rowsPerStatement(len(columns))
	for start := 0; start < len(rows); start += step {
		chunk := rows[start:min(start+step, len(rows))]

		args := make([]any, 0, len(chunk)*len(columns))
		for _, row := range chunk {
			args = append(args, row...)
		}

		query := tx.Rebind(s.d.insert(table, columns, len(chunk), conflict))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insert: %w", err)
	}
	return nil
}

// ExecStatement runs one statement of a SQL script
func (s *Storage) ExecStatement(ctx context.Context, statement string) error {
	_, err := s.db.ExecContext(ctx, statement)
	return err
}

// BackslashEscapes reports whether string literals use backslash escapes
func (s *Storage) BackslashEscapes() bool {
	return s.d.name == mysqlDialect.name
}
