package domain

import (
	"errors"
	"net/http"

	"github.com/cuongbtq/cdr-ingest/internal/enrich"
	"github.com/cuongbtq/cdr-ingest/internal/ingest"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrMissingFile   = errors.New("file is required")
	ErrFileTooLarge  = errors.New("file exceeds the upload size limit")
)

// HTTPStatus maps a service error to the response code it surfaces as
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrJobNotFound),
		errors.Is(err, ingest.ErrUploadNotFound),
		errors.Is(err, ingest.ErrTableNotFound),
		errors.Is(err, enrich.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, enrich.ErrOutsideBaseDir):
		return http.StatusForbidden
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidCursor),
		errors.Is(err, ErrMissingFile),
		errors.Is(err, ingest.ErrInvalidMode),
		errors.Is(err, ingest.ErrEmptyFile),
		errors.Is(err, ingest.ErrNoColumns),
		errors.Is(err, ingest.ErrTooManyColumns),
		errors.Is(err, ingest.ErrNoPrimaryKey):
		return http.StatusBadRequest
	case errors.Is(err, enrich.ErrMissingCGIColumn):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
