package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuongbtq/cdr-ingest/internal/api/domain"
)

const uploadCursorPrefix = "upload|"

// DecodeUploadCursor returns the id the next page must start below, or 0
// for the first page
func DecodeUploadCursor(cursorStr string) (int64, error) {
	if cursorStr == "" {
		return 0, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidCursor, err)
	}

	raw, ok := strings.CutPrefix(string(decoded), uploadCursorPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: unknown format", domain.ErrInvalidCursor)
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad upload id", domain.ErrInvalidCursor)
	}
	return id, nil
}

func EncodeUploadCursor(lastID int64) string {
	return base64.URLEncoding.EncodeToString([]byte(uploadCursorPrefix + strconv.FormatInt(lastID, 10)))
}
