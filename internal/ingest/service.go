// Package ingest streams tabular files into relational tables in batches,
// degrading to row-by-row writes when a batch is rejected, and keeps an
// audit trail of every upload.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
	"github.com/cuongbtq/cdr-ingest/internal/metrics"
	"github.com/dustin/go-humanize"
)

const (
	// DefaultBatchSize is the number of rows written per bulk statement
	DefaultBatchSize = 500
	// DefaultMaxColumns is the widest accepted file
	DefaultMaxColumns = 200
	// DefaultErrorSampleSize is the number of row errors kept in the audit trail
	DefaultErrorSampleSize = 10
	// DefaultMinProgress keeps reported progress above zero once work has started
	DefaultMinProgress = 1
)

// Config holds ingestion service configuration
type Config struct {
	Logger          *slog.Logger
	Store           Store
	Catalog         Catalog
	Stats           StatsInvalidator
	Queue           *jobqueue.Queue
	BatchSize       int
	MaxColumns      int
	ErrorSampleSize int
	MinProgress     int
	DefaultSchema   string
}

// Service ingests CSV, XLSX and SQL files
type Service struct {
	logger          *slog.Logger
	store           Store
	catalog         Catalog
	stats           StatsInvalidator
	queue           *jobqueue.Queue
	batchSize       int
	maxColumns      int
	errorSampleSize int
	minProgress     int
	defaultSchema   string
}

// New creates an ingestion service; zero limits fall back to the defaults
func New(cfg *Config) *Service {
	s := &Service{
		logger:          cfg.Logger,
		store:           cfg.Store,
		catalog:         cfg.Catalog,
		stats:           cfg.Stats,
		queue:           cfg.Queue,
		batchSize:       cfg.BatchSize,
		maxColumns:      cfg.MaxColumns,
		errorSampleSize: cfg.ErrorSampleSize,
		minProgress:     cfg.MinProgress,
		defaultSchema:   cfg.DefaultSchema,
	}

	if s.catalog == nil {
		s.catalog = nopCatalog{}
	}
	if s.stats == nil {
		s.stats = nopStats{}
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.maxColumns <= 0 {
		s.maxColumns = DefaultMaxColumns
	}
	if s.errorSampleSize <= 0 {
		s.errorSampleSize = DefaultErrorSampleSize
	}
	if s.minProgress <= 0 || s.minProgress > 99 {
		s.minProgress = DefaultMinProgress
	}
	if s.defaultSchema == "" {
		s.defaultSchema = DefaultSchema
	}

	return s
}

// QueueUpload schedules an ingestion on the job queue. The file at
// req.FilePath is removed once the job ends, whatever the outcome.
func (s *Service) QueueUpload(ctx context.Context, req Request) (jobqueue.Job, error) {
	if s.queue == nil {
		return jobqueue.Job{}, errors.New("ingestion service has no job queue")
	}
	if !req.Mode.Valid() {
		return jobqueue.Job{}, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	meta := map[string]any{
		"type":      "upload",
		"table":     ParseTableRef(req.TargetTable, s.defaultSchema).String(),
		"file_name": req.displayName(),
		"mode":      string(req.Mode),
		"user_id":   req.User.ID,
	}

	job := s.queue.Enqueue(meta, func(ctx context.Context, update jobqueue.UpdateFunc) (any, error) {
		defer func() {
			if err := os.Remove(req.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("Failed to remove uploaded file",
					slog.String("path", req.FilePath),
					slog.String("error", err.Error()),
				)
			}
		}()

		req.JobID = jobqueue.IDFromContext(ctx)
		if req.Mode == ModeSQL {
			return s.ImportSQL(ctx, req, update)
		}
		return s.UploadCSV(ctx, req, update)
	})

	s.logger.InfoContext(ctx, "Upload queued",
		slog.String("job_id", job.ID),
		slog.String("table", meta["table"].(string)),
		slog.String("mode", string(req.Mode)),
	)
	return job, nil
}

// UploadCSV ingests a CSV or XLSX file synchronously. update may be nil.
func (s *Service) UploadCSV(ctx context.Context, req Request, update jobqueue.UpdateFunc) (*Result, error) {
	if update == nil {
		update = func(jobqueue.Update) {}
	}
	if !req.Mode.Valid() || req.Mode == ModeSQL {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	ref := ParseTableRef(req.TargetTable, s.defaultSchema)
	rec := s.newRecord(req, ref)
	logger := s.logger.With(
		slog.String("table", ref.String()),
		slog.String("file", req.displayName()),
		slog.String("mode", string(req.Mode)),
	)

	src, err := openSource(req.FilePath)
	if err != nil {
		return nil, s.fail(ctx, rec, err)
	}
	defer src.Close()

	header := src.Header()
	if err := s.validateHeader(header); err != nil {
		return nil, s.fail(ctx, rec, err)
	}

	columns, err := s.prepareTable(ctx, req.Mode, ref, header)
	if err != nil {
		return nil, s.fail(ctx, rec, err)
	}

	if err := s.store.CreateUpload(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create upload record: %w", err)
	}
	logger = logger.With(slog.Int64("upload_id", rec.ID))

	if req.Mode == ModeNewTable {
		if err := s.catalog.RegisterTable(ctx, ref, rec.ID); err != nil {
			logger.Warn("Failed to register table in catalog", slog.String("error", err.Error()))
		}
	}

	var conflict []string
	if req.Mode == ModeUpsert {
		conflict, err = s.conflictColumns(ctx, ref, columns)
		if err != nil {
			return nil, s.fail(ctx, rec, err)
		}
	}

	logger.Info("Ingestion started", slog.Int("columns", len(columns)))
	update(jobqueue.Progress(s.minProgress, "Reading file"))

	w := &batchWriter{
		store:      s.store,
		ref:        ref,
		columns:    columns,
		conflict:   conflict,
		sampleSize: s.errorSampleSize,
		logger:     logger,
	}

	batch := make([]pendingRow, 0, s.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.write(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]

		percent := s.estimateProgress(w.success+w.failed, w.seen, src.Consumed())
		update(jobqueue.Update{
			Progress: &percent,
			Message:  ptr(fmt.Sprintf("Processed %s rows", humanize.Comma(int64(w.seen)))),
			Meta: map[string]any{
				"total_rows":   w.seen,
				"success_rows": w.success,
				"error_rows":   w.failed,
			},
		})
		return nil
	}

	for rowNum := 1; ; rowNum++ {
		record, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		var rowErr *RowError
		switch {
		case errors.As(err, &rowErr):
			w.reject(rowNum, rowErr)
			continue
		case err != nil:
			w.finalize(rec)
			return nil, s.fail(ctx, rec, fmt.Errorf("failed to read row %d: %w", rowNum, err))
		case len(record) != len(columns):
			w.reject(rowNum, fmt.Errorf("expected %d columns, got %d", len(columns), len(record)))
			continue
		}

		batch = append(batch, pendingRow{num: rowNum, values: toValues(record)})
		if len(batch) >= s.batchSize {
			if err := flush(); err != nil {
				w.finalize(rec)
				return nil, s.fail(ctx, rec, err)
			}
		}
	}

	if err := flush(); err != nil {
		w.finalize(rec)
		return nil, s.fail(ctx, rec, err)
	}

	w.finalize(rec)
	rec.Status = UploadStatusCompleted
	if err := s.store.FinishUpload(context.WithoutCancel(ctx), rec); err != nil {
		return nil, fmt.Errorf("failed to finalize upload record: %w", err)
	}
	s.stats.InvalidateStats(ctx, ref)

	metrics.RowsTotal.WithLabelValues(string(req.Mode), "success").Add(float64(rec.SuccessRows))
	metrics.RowsTotal.WithLabelValues(string(req.Mode), "error").Add(float64(rec.ErrorRows))

	logger.Info("Ingestion completed",
		slog.Int("total_rows", rec.TotalRows),
		slog.Int("success_rows", rec.SuccessRows),
		slog.Int("error_rows", rec.ErrorRows),
	)
	update(jobqueue.Message(fmt.Sprintf("Imported %s of %s rows into %s",
		humanize.Comma(int64(rec.SuccessRows)), humanize.Comma(int64(rec.TotalRows)), ref)))

	return &Result{
		UploadID:    rec.ID,
		Table:       ref.String(),
		TotalRows:   rec.TotalRows,
		SuccessRows: rec.SuccessRows,
		ErrorRows:   rec.ErrorRows,
		Errors:      w.samples,
	}, nil
}

func (s *Service) validateHeader(header []string) error {
	if len(header) == 0 {
		return ErrNoColumns
	}
	if len(header) > s.maxColumns {
		return fmt.Errorf("%w: %d (maximum %d)", ErrTooManyColumns, len(header), s.maxColumns)
	}
	return nil
}

// prepareTable makes sure the destination exists and returns the column
// names rows are written to
func (s *Service) prepareTable(ctx context.Context, mode Mode, ref TableRef, header []string) ([]string, error) {
	if mode == ModeNewTable {
		def := BuildTableDef(ref, header)
		if err := s.store.CreateTable(ctx, def); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", ref, err)
		}
		return def.DataColumns(), nil
	}

	exists, err := s.store.TableExists(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to check table %s: %w", ref, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, ref)
	}

	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}
	return columns, nil
}

func (s *Service) conflictColumns(ctx context.Context, ref TableRef, columns []string) ([]string, error) {
	pk, err := s.store.PrimaryKey(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s: %w", ref, err)
	}
	if len(pk) == 0 {
		return nil, fmt.Errorf("%w: %s has no primary key", ErrNoPrimaryKey, ref)
	}

	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[strings.ToLower(c)] = true
	}
	for _, k := range pk {
		if !present[strings.ToLower(k)] {
			return nil, fmt.Errorf("%w: column %s missing", ErrNoPrimaryKey, k)
		}
	}
	return pk, nil
}

// estimateProgress extrapolates the total row count from the fraction of
// input consumed and reports processed/total, capped below 100.
func (s *Service) estimateProgress(processed, seen int, consumed float64) int {
	percent := 0
	if seen > 0 && consumed > 0 {
		estimatedTotal := float64(seen) / consumed
		percent = int(float64(processed) * 100 / estimatedTotal)
	}
	return min(99, max(s.minProgress, percent))
}

func (s *Service) newRecord(req Request, ref TableRef) *UploadRecord {
	rec := &UploadRecord{
		UserID:     req.User.ID,
		TableName:  ref.String(),
		FileName:   req.displayName(),
		UploadMode: req.Mode,
		Status:     UploadStatusProcessing,
	}
	if req.JobID != "" {
		jobID := req.JobID
		rec.JobID = &jobID
	}
	return rec
}

// fail marks the audit record failed with cause prepended to its error
// sample and returns cause. A record that was never created is created
// first so every ingestion leaves a trace.
func (s *Service) fail(ctx context.Context, rec *UploadRecord, cause error) error {
	ctx = context.WithoutCancel(ctx)
	rec.Status = UploadStatusFailed
	if rec.Errors == "" {
		rec.Errors = cause.Error()
	} else {
		rec.Errors = cause.Error() + "\n" + rec.Errors
	}

	if rec.ID == 0 {
		if err := s.store.CreateUpload(ctx, rec); err != nil {
			s.logger.Error("Failed to create upload record for failed ingestion",
				slog.String("table", rec.TableName),
				slog.String("error", err.Error()),
			)
			return cause
		}
	}

	if err := s.store.FinishUpload(ctx, rec); err != nil {
		s.logger.Error("Failed to mark upload as failed",
			slog.Int64("upload_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Error("Ingestion failed",
		slog.Int64("upload_id", rec.ID),
		slog.String("table", rec.TableName),
		slog.String("error", cause.Error()),
	)
	return cause
}

func toValues(record []string) []any {
	values := make([]any, len(record))
	for i, v := range record {
		if v == "" {
			continue
		}
		values[i] = v
	}
	return values
}

func ptr[T any](v T) *T {
	return &v
}
