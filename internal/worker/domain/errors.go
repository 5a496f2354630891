package domain

import "errors"

var (
	// ErrInvalidPayload is returned when a message body is not a valid request
	ErrInvalidPayload = errors.New("invalid message payload")

	// ErrMissingFilePath is returned when an enrichment request names no file
	ErrMissingFilePath = errors.New("file_path is required")
)
