package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnrichmentRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    EnrichmentRequest
		wantErr error
	}{
		{
			name: "valid request",
			body: `{"file_path":"cdr/day1.csv","request_id":"r-1"}`,
			want: EnrichmentRequest{FilePath: "cdr/day1.csv", RequestID: "r-1"},
		},
		{
			name: "path is trimmed",
			body: `{"file_path":"  day1.csv "}`,
			want: EnrichmentRequest{FilePath: "day1.csv"},
		},
		{
			name:    "not json",
			body:    `file_path=day1.csv`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "missing path",
			body:    `{"request_id":"r-2"}`,
			wantErr: ErrMissingFilePath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEnrichmentRequest([]byte(tt.body))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
