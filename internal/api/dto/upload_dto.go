package dto

import (
	"strings"
	"time"

	"github.com/cuongbtq/cdr-ingest/internal/ingest"
)

type CreateUploadRequest struct {
	Table  string `form:"table" binding:"required"`
	Mode   string `form:"mode" binding:"required"`
	UserID int64  `form:"user_id"`
}

type CreateUploadResponse struct {
	Job JobDTO `json:"job"`
}

type ListUploadsRequest struct {
	UserID   int64  `form:"user_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListUploadsResponse struct {
	Uploads    []UploadDTO `json:"uploads"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type UploadDTO struct {
	UploadID    int64    `json:"upload_id"`
	UserID      int64    `json:"user_id"`
	TableName   string   `json:"table_name"`
	FileName    string   `json:"file_name"`
	Mode        string   `json:"mode"`
	Status      string   `json:"status"`
	JobID       string   `json:"job_id,omitempty"`
	TotalRows   int      `json:"total_rows"`
	SuccessRows int      `json:"success_rows"`
	ErrorRows   int      `json:"error_rows"`
	Errors      []string `json:"errors,omitempty"`
	CreatedAt   string   `json:"created_at"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

// ToUploadDTO converts an audit record to its response shape
func ToUploadDTO(rec ingest.UploadRecord) UploadDTO {
	out := UploadDTO{
		UploadID:    rec.ID,
		UserID:      rec.UserID,
		TableName:   rec.TableName,
		FileName:    rec.FileName,
		Mode:        string(rec.UploadMode),
		Status:      rec.Status,
		TotalRows:   rec.TotalRows,
		SuccessRows: rec.SuccessRows,
		ErrorRows:   rec.ErrorRows,
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
		CompletedAt: formatTime(rec.CompletedAt),
	}
	if rec.JobID != nil {
		out.JobID = *rec.JobID
	}
	if rec.Errors != "" {
		out.Errors = strings.Split(rec.Errors, "\n")
	}
	return out
}
