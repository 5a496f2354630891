package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/cdr-ingest/internal/ingest"
)

const uploadColumns = `id, user_id, table_name, file_name, total_rows, success_rows, error_rows,
	upload_mode, job_id, status, COALESCE(errors, '') AS errors, created_at, completed_at`

func (s *Storage) CreateUpload(ctx context.Context, rec *ingest.UploadRecord) error {
	rec.CreatedAt = time.Now().UTC()

	query := fmt.Sprintf(`
		INSERT INTO %s (
			user_id, table_name, file_name, total_rows, success_rows, error_rows,
			upload_mode, job_id, status, errors, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.d.quote(uploadHistoryTable))
	args := []any{
		rec.UserID, rec.TableName, rec.FileName, rec.TotalRows, rec.SuccessRows, rec.ErrorRows,
		rec.UploadMode, rec.JobID, rec.Status, rec.Errors, rec.CreatedAt,
	}

	if s.d.returning {
		err := s.db.QueryRowxContext(ctx, s.db.Rebind(query+" RETURNING id"), args...).Scan(&rec.ID)
		if err != nil {
			return fmt.Errorf("failed to create upload: %w", err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to create upload: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read upload id: %w", err)
	}
	return nil
}

// FinishUpload stores the final counts and status of an upload
func (s *Storage) FinishUpload(ctx context.Context, rec *ingest.UploadRecord) error {
	now := time.Now().UTC()
	rec.CompletedAt = &now

	query := fmt.Sprintf(`
		UPDATE %s
		SET total_rows = ?, success_rows = ?, error_rows = ?, status = ?, errors = ?, completed_at = ?
		WHERE id = ?`, s.d.quote(uploadHistoryTable))

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		rec.TotalRows, rec.SuccessRows, rec.ErrorRows, rec.Status, rec.Errors, rec.CompletedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to finish upload: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ingest.ErrUploadNotFound
	}
	return nil
}

func (s *Storage) GetUpload(ctx context.Context, id int64) (*ingest.UploadRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", uploadColumns, s.d.quote(uploadHistoryTable))

	var rec ingest.UploadRecord
	if err := s.db.GetContext(ctx, &rec, s.db.Rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ingest.ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return &rec, nil
}

// ListUploads pages through upload history, newest first
func (s *Storage) ListUploads(ctx context.Context, filter ingest.UploadFilter) ([]ingest.UploadRecord, error) {
	query, args := s.listUploadsQuery(filter)

	var records []ingest.UploadRecord
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	return records, nil
}

func (s *Storage) listUploadsQuery(filter ingest.UploadFilter) (string, []any) {
	var where []string
	var args []any

	// Filters
	if filter.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.BeforeID > 0 {
		where = append(where, "id < ?")
		args = append(args, filter.BeforeID)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", uploadColumns, s.d.quote(uploadHistoryTable))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// ids are monotonic, so they double as the pagination key
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return query, args
}

func (s *Storage) DeleteUpload(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.d.quote(uploadHistoryTable))

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), id)
	if err != nil {
		return fmt.Errorf("failed to delete upload: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ingest.ErrUploadNotFound
	}
	return nil
}
