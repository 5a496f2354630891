package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EnrichmentRequest is the message asking for one CDR file to be enriched
type EnrichmentRequest struct {
	FilePath  string `json:"file_path"`
	RequestID string `json:"request_id,omitempty"`
}

// DecodeEnrichmentRequest parses and validates a message body
func DecodeEnrichmentRequest(body []byte) (EnrichmentRequest, error) {
	var req EnrichmentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	req.FilePath = strings.TrimSpace(req.FilePath)
	if req.FilePath == "" {
		return req, ErrMissingFilePath
	}
	return req, nil
}
