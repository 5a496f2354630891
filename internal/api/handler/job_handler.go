package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/cdr-ingest/internal/api/domain"
	"github.com/cuongbtq/cdr-ingest/internal/api/dto"
	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
	"github.com/cuongbtq/cdr-ingest/internal/notify"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultJobsLimit = 50
	maxJobsLimit     = 500
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger   *slog.Logger
	queue    *jobqueue.Queue
	hub      *notify.Hub
	upgrader websocket.Upgrader
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
		hub:    deps.Hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origins are already opened up by the CORS middleware
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, ok := h.queue.Get(jobID)
	if !ok {
		respondError(c, h.logger, "Failed to get job", domain.ErrJobNotFound)
		return
	}

	c.JSON(http.StatusOK, dto.ToJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the most recent jobs first
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultJobsLimit
	}
	if req.Limit > maxJobsLimit {
		req.Limit = maxJobsLimit
	}

	jobs := h.queue.List(req.Limit)
	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = dto.ToJobDTO(job)
	}

	c.JSON(http.StatusOK, resp)
}

// StreamJobs handles GET /api/v1/jobs/stream
// Upgrades to a websocket that receives a snapshot then every job event
func (h *JobHandler) StreamJobs(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "job streaming is disabled",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	h.hub.Serve(conn, func() []jobqueue.Job {
		return h.queue.List(defaultJobsLimit)
	})
}
