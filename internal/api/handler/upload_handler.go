package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"

	"github.com/cuongbtq/cdr-ingest/internal/api/domain"
	"github.com/cuongbtq/cdr-ingest/internal/api/dto"
	"github.com/cuongbtq/cdr-ingest/internal/ingest"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// UploadHandler handles file uploads and their history
type UploadHandler struct {
	logger        *slog.Logger
	uploads       UploadService
	uploadDir     string
	maxUploadSize int64
}

// NewUploadHandler creates a new UploadHandler instance
func NewUploadHandler(deps *Dependencies) *UploadHandler {
	dir := deps.UploadDir
	if dir == "" {
		dir = os.TempDir()
	}
	return &UploadHandler{
		logger:        deps.Logger,
		uploads:       deps.Uploads,
		uploadDir:     dir,
		maxUploadSize: deps.MaxUploadSize,
	}
}

// CreateUpload handles POST /api/v1/uploads
// Stores the multipart file and queues its ingestion
func (h *UploadHandler) CreateUpload(c *gin.Context) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)
	}

	var req dto.CreateUploadRequest
	if err := c.ShouldBind(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, h.logger, "Upload rejected", domain.ErrFileTooLarge)
			return
		}
		h.logger.Warn("Invalid upload form", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "table and mode are required",
		})
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		respondError(c, h.logger, "Upload rejected", domain.ErrMissingFile)
		return
	}

	path, err := h.save(header)
	if err != nil {
		respondError(c, h.logger, "Failed to store upload", err)
		return
	}

	job, err := h.uploads.QueueUpload(c.Request.Context(), ingest.Request{
		FilePath:    path,
		FileName:    header.Filename,
		TargetTable: req.Table,
		Mode:        ingest.Mode(req.Mode),
		User:        ingest.User{ID: req.UserID},
	})
	if err != nil {
		os.Remove(path)
		respondError(c, h.logger, "Failed to queue upload", err)
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateUploadResponse{Job: dto.ToJobDTO(job)})
}

// save copies the uploaded file into the upload directory
func (h *UploadHandler) save(header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(h.uploadDir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}
	return dst.Name(), nil
}

// ListUploads handles GET /api/v1/uploads
// Lists audit records newest first with keyset pagination
func (h *UploadHandler) ListUploads(c *gin.Context) {
	var req dto.ListUploadsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	beforeID, err := DecodeUploadCursor(req.Cursor)
	if err != nil {
		respondError(c, h.logger, "Invalid cursor", err)
		return
	}

	// one extra row tells whether another page exists
	records, err := h.uploads.ListUploads(c.Request.Context(), ingest.UploadFilter{
		UserID:   req.UserID,
		Status:   req.Status,
		BeforeID: beforeID,
		Limit:    req.PageSize + 1,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to list uploads", err)
		return
	}

	hasMore := len(records) > req.PageSize
	if hasMore {
		records = records[:req.PageSize]
	}

	resp := dto.ListUploadsResponse{Uploads: make([]dto.UploadDTO, len(records))}
	for i, rec := range records {
		resp.Uploads[i] = dto.ToUploadDTO(rec)
	}
	if hasMore {
		resp.NextCursor = EncodeUploadCursor(records[len(records)-1].ID)
	}

	c.JSON(http.StatusOK, resp)
}

// GetUpload handles GET /api/v1/uploads/:upload_id
func (h *UploadHandler) GetUpload(c *gin.Context) {
	id, ok := h.uploadID(c)
	if !ok {
		return
	}

	rec, err := h.uploads.GetUpload(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "Failed to get upload", err)
		return
	}

	c.JSON(http.StatusOK, dto.ToUploadDTO(*rec))
}

// DeleteUpload handles DELETE /api/v1/uploads/:upload_id
// Deletes the audit record, and the table when the upload created it
func (h *UploadHandler) DeleteUpload(c *gin.Context) {
	id, ok := h.uploadID(c)
	if !ok {
		return
	}

	if err := h.uploads.DeleteUpload(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, "Failed to delete upload", err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *UploadHandler) uploadID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("upload_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "upload_id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}
