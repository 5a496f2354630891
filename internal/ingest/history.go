package ingest

import (
	"context"
	"fmt"
	"log/slog"
)

// ListUploads returns the most recent audit records first
func (s *Service) ListUploads(ctx context.Context, filter UploadFilter) ([]UploadRecord, error) {
	records, err := s.store.ListUploads(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	return records, nil
}

// GetUpload returns one audit record or ErrUploadNotFound
func (s *Service) GetUpload(ctx context.Context, id int64) (*UploadRecord, error) {
	return s.store.GetUpload(ctx, id)
}

// DeleteUpload removes an audit record. When the upload created its table,
// the table and its catalog entry go too; rows inserted into pre-existing
// tables are not tagged with the upload and stay in place.
func (s *Service) DeleteUpload(ctx context.Context, id int64) error {
	rec, err := s.store.GetUpload(ctx, id)
	if err != nil {
		return err
	}

	if rec.UploadMode == ModeNewTable && rec.TableName != "" {
		ref := ParseTableRef(rec.TableName, s.defaultSchema)
		if err := s.store.DropTable(ctx, ref); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", ref, err)
		}
		if err := s.catalog.UnregisterTable(ctx, ref); err != nil {
			s.logger.Warn("Failed to remove table from catalog",
				slog.String("table", ref.String()),
				slog.String("error", err.Error()),
			)
		}
		s.stats.InvalidateStats(ctx, ref)
	}

	if err := s.store.DeleteUpload(ctx, id); err != nil {
		return fmt.Errorf("failed to delete upload %d: %w", id, err)
	}

	s.logger.Info("Upload deleted",
		slog.Int64("upload_id", id),
		slog.String("table", rec.TableName),
	)
	return nil
}
