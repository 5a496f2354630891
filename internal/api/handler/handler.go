package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/cdr-ingest/internal/api/domain"
	"github.com/cuongbtq/cdr-ingest/internal/identifier"
	"github.com/cuongbtq/cdr-ingest/internal/ingest"
	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
	"github.com/cuongbtq/cdr-ingest/internal/notify"
	"github.com/cuongbtq/cdr-ingest/internal/storage"
	"github.com/gin-gonic/gin"
)

// UploadService queues ingestions and exposes their audit trail
type UploadService interface {
	QueueUpload(ctx context.Context, req ingest.Request) (jobqueue.Job, error)
	ListUploads(ctx context.Context, filter ingest.UploadFilter) ([]ingest.UploadRecord, error)
	GetUpload(ctx context.Context, id int64) (*ingest.UploadRecord, error)
	DeleteUpload(ctx context.Context, id int64) error
}

// Enricher schedules CDR enrichments on a queue
type Enricher interface {
	Enqueue(q *jobqueue.Queue, path string) jobqueue.Job
}

// DataStore answers search and catalog queries over uploaded tables
type DataStore interface {
	SearchRows(ctx context.Context, ref ingest.TableRef, column string, values []string, limit int) ([]map[string]any, error)
	ListCatalog(ctx context.Context) ([]storage.CatalogEntry, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	Queue         *jobqueue.Queue
	Uploads       UploadService
	Enricher      Enricher
	Data          DataStore
	Hub           *notify.Hub
	Phones        *identifier.PhoneNormalizer
	UploadDir     string
	MaxUploadSize int64
	DefaultSchema string
}

// respondError logs err and writes it with the status it maps to. Server
// errors are reported with message only; client errors carry the cause.
func respondError(c *gin.Context, logger *slog.Logger, message string, err error) {
	status := domain.HTTPStatus(err)
	if status >= 500 {
		logger.Error(message, slog.String("error", err.Error()))
		c.JSON(status, gin.H{"error": message})
		return
	}

	logger.Warn(message, slog.String("error", err.Error()))
	c.JSON(status, gin.H{"error": err.Error()})
}
