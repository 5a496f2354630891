package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/cdr-ingest/internal/api/dto"
	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
	"github.com/gin-gonic/gin"
)

// EnrichmentHandler queues CDR enrichment jobs
type EnrichmentHandler struct {
	logger   *slog.Logger
	queue    *jobqueue.Queue
	enricher Enricher
}

// NewEnrichmentHandler creates a new EnrichmentHandler instance
func NewEnrichmentHandler(deps *Dependencies) *EnrichmentHandler {
	return &EnrichmentHandler{
		logger:   deps.Logger,
		queue:    deps.Queue,
		enricher: deps.Enricher,
	}
}

// CreateEnrichment handles POST /api/v1/enrichments
// The path is checked against the base directory when the job runs
func (h *EnrichmentHandler) CreateEnrichment(c *gin.Context) {
	var req dto.CreateEnrichmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job := h.enricher.Enqueue(h.queue, req.FilePath)

	h.logger.Info("Enrichment queued",
		slog.String("job_id", job.ID),
		slog.String("file_path", req.FilePath),
	)
	c.JSON(http.StatusAccepted, dto.CreateEnrichmentResponse{Job: dto.ToJobDTO(job)})
}
