package dto

import (
	"time"

	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
)

type ListJobsRequest struct {
	Limit int `form:"limit"`
}

type ListJobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

type JobDTO struct {
	JobID       string         `json:"job_id"`
	Status      string         `json:"status"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message"`
	Meta        map[string]any `json:"meta,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   string         `json:"created_at"`
	StartedAt   string         `json:"started_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

// ToJobDTO converts a queue snapshot to its response shape
func ToJobDTO(job jobqueue.Job) JobDTO {
	return JobDTO{
		JobID:       job.ID,
		Status:      string(job.Status),
		Progress:    job.Progress,
		Message:     job.Message,
		Meta:        job.Meta,
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		StartedAt:   formatTime(job.StartedAt),
		CompletedAt: formatTime(job.CompletedAt),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
