package ingest

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type harness struct {
	store   *fakeStore
	catalog *fakeCatalog
	stats   *fakeStats
	svc     *Service
}

func newHarness(t *testing.T, batchSize int) *harness {
	t.Helper()
	h := &harness{
		store:   newFakeStore(),
		catalog: &fakeCatalog{},
		stats:   &fakeStats{},
	}
	h.svc = New(&Config{
		Logger:          testLogger(),
		Store:           h.store,
		Catalog:         h.catalog,
		Stats:           h.stats,
		BatchSize:       batchSize,
		MaxColumns:      5,
		ErrorSampleSize: 10,
		MinProgress:     1,
	})
	return h
}

// updateLog records every update a body reports
type updateLog struct {
	mu      sync.Mutex
	updates []jobqueue.Update
}

func (l *updateLog) record(u jobqueue.Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, u)
}

func TestUploadCSV_InsertIsolatesConstraintViolations(t *testing.T) {
	h := newHarness(t, 500)
	h.store.addTable("autres.calls", "id", "k10", "k20", "k30")
	path := writeFile(t, "calls.csv", keyedCSV(500))

	res, err := h.svc.UploadCSV(context.Background(), Request{
		FilePath:    path,
		TargetTable: "calls",
		Mode:        ModeInsert,
		User:        User{ID: 7},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "autres.calls", res.Table)
	assert.Equal(t, 500, res.TotalRows)
	assert.Equal(t, 497, res.SuccessRows)
	assert.Equal(t, 3, res.ErrorRows)
	require.Len(t, res.Errors, 3)
	assert.Contains(t, res.Errors[0], "duplicate key")

	assert.Equal(t, 1, h.store.batchCalls)
	assert.Equal(t, 500, h.store.rowCalls)

	rec := h.store.upload(res.UploadID)
	assert.Equal(t, UploadStatusCompleted, rec.Status)
	assert.Equal(t, int64(7), rec.UserID)
	assert.Equal(t, 497, rec.SuccessRows)
	assert.Equal(t, 3, rec.ErrorRows)
	assert.Len(t, strings.Split(rec.Errors, "\n"), 3)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, []string{"autres.calls"}, h.stats.invalidated)
}

func TestUploadCSV_UpsertOverwritesDuplicates(t *testing.T) {
	existing := make([]string, 10)
	for i := range existing {
		existing[i] = fmt.Sprintf("k%d", i*100)
	}

	h := newHarness(t, 500)
	h.store.addTable("cdr.calls", "id", existing...)
	path := writeFile(t, "calls.csv", keyedCSV(1000))

	res, err := h.svc.UploadCSV(context.Background(), Request{
		FilePath:    path,
		TargetTable: "cdr.calls",
		Mode:        ModeUpsert,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1000, res.TotalRows)
	assert.Equal(t, 1000, res.SuccessRows)
	assert.Zero(t, res.ErrorRows)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, h.store.batchCalls)
	assert.Zero(t, h.store.rowCalls)
	assert.Len(t, h.store.table("cdr.calls").rows, 1000)
}

func TestUploadCSV_UpsertCollapsesKeysWithinBatch(t *testing.T) {
	h := newHarness(t, 500)
	h.store.addTable("autres.cells", "id")
	path := writeFile(t, "cells.csv", "id;value\na;1\nb;2\na;3\n")

	res, err := h.svc.UploadCSV(context.Background(), Request{
		FilePath:    path,
		TargetTable: "cells",
		Mode:        ModeUpsert,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.SuccessRows)
	assert.Zero(t, res.ErrorRows)

	tbl := h.store.table("autres.cells")
	require.Len(t, tbl.rows, 2)
	assert.Equal(t, []any{"a", "3"}, tbl.rows[tbl.keys["a"]])
}

func TestUploadCSV_OneMalformedRowKeepsTheRestOfTheBatch(t *testing.T) {
	h := newHarness(t, 10)
	h.store.addTable("autres.calls", "id")

	var b strings.Builder
	b.WriteString("id;value\n")
	for i := 0; i < 25; i++ {
		value := fmt.Sprintf("v%d", i)
		if i == 13 {
			value = "BAD"
		}
		fmt.Fprintf(&b, "k%d;%s\n", i, value)
	}
	path := writeFile(t, "calls.csv", b.String())

	log := &updateLog{}
	res, err := h.svc.UploadCSV(context.Background(), Request{
		FilePath:    path,
		TargetTable: "calls",
		Mode:        ModeInsert,
	}, log.record)
	require.NoError(t, err)

	assert.Equal(t, 24, res.SuccessRows)
	assert.Equal(t, 1, res.ErrorRows)
	require.Len(t, res.Errors, 1)
	assert.True(t, strings.HasPrefix(res.Errors[0], "row 14: "), res.Errors[0])

	batches := 0
	for _, u := range log.updates {
		if u.Meta == nil {
			continue
		}
		batches++
		total := u.Meta["total_rows"].(int)
		assert.Equal(t, total, u.Meta["success_rows"].(int)+u.Meta["error_rows"].(int))
		require.NotNil(t, u.Progress)
		assert.GreaterOrEqual(t, *u.Progress, 1)
		assert.LessOrEqual(t, *u.Progress, 99)
	}
	assert.Equal(t, 3, batches)
}

func TestUploadCSV_RaggedRowsAreRowErrors(t *testing.T) {
	h := newHarness(t, 500)
	h.store.addTable("autres.calls", "id")
	path := writeFile(t, "calls.csv", "id;value\na;1\nb;2;extra\nc;3\n")

	res, err := h.svc.UploadCSV(context.Background(), Request{
		FilePath:    path,
		TargetTable: "calls",
		Mode:        ModeInsert,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.TotalRows)
	assert.Equal(t, 2, res.SuccessRows)
	assert.Equal(t, 1, res.ErrorRows)
	assert.Equal(t, "row 2: expected 2 columns, got 3", res.Errors[0])
	assert.Zero(t, h.store.rowCalls)
}

func TestUploadCSV_EmptyCellsAreNull(t *testing.T) {
	h := newHarness(t, 500)
	h.store.addTable("autres.calls", "id")
	path := writeFile(t, "calls.csv", "id,value\na,\n")

	_, err := h.svc.UploadCSV(context.Background(), Request{
		FilePath:    path,
		TargetTable: "calls",
		Mode:        ModeInsert,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []any{"a", nil}, h.store.table("autres.calls").rows[0])
}

func TestUploadCSV_NewTable(t *testing.T) {
	h := newHarness(t, 500)
	path := writeFile(t, "towers.csv", "\ufeffCGI;Nom BTS;Nom BTS\r\n608-01-1;Dakar;x\r\n608-01-2;Thies;y\r\n")

	res, err := h.svc.UploadCSV(context.Background(), Request{
		FilePath:    path,
		FileName:    "towers.csv",
		TargetTable: "ref.towers",
		Mode:        ModeNewTable,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessRows)

	require.Len(t, h.store.created, 1)
	def := h.store.created[0]
	assert.Equal(t, TableRef{Schema: "ref", Table: "towers"}, def.Ref)
	assert.Equal(t, "id", def.PrimaryKey)
	assert.Equal(t, ColumnSerial, def.Columns[0].Type)
	assert.Equal(t, []string{"CGI", "Nom_BTS", "Nom_BTS_2"}, def.DataColumns())

	assert.Equal(t, []string{"CGI", "Nom_BTS", "Nom_BTS_2"}, h.store.table("ref.towers").cols)
	assert.Equal(t, res.UploadID, h.catalog.registered["ref.towers"])

	rec := h.store.upload(res.UploadID)
	assert.Equal(t, "towers.csv", rec.FileName)
	assert.Equal(t, ModeNewTable, rec.UploadMode)
}

func TestUploadCSV_XLSX(t *testing.T) {
	book := excelize.NewFile()
	defer book.Close()
	require.NoError(t, book.SetSheetRow("Sheet1", "A1", &[]any{"id", "msisdn", "cgi"}))
	require.NoError(t, book.SetSheetRow("Sheet1", "A2", &[]any{"1", "221771234567", "608-01-1"}))
	require.NoError(t, book.SetSheetRow("Sheet1", "A3", &[]any{"2", "221781234567"}))
	require.NoError(t, book.SetSheetRow("Sheet1", "A5", &[]any{"3", "221701234567", "608-01-3"}))

	// the extension is irrelevant, the format is detected from content
	path := filepath.Join(t.TempDir(), "upload.tmp")
	require.NoError(t, book.SaveAs(path+".xlsx"))
	require.NoError(t, os.Rename(path+".xlsx", path))

	h := newHarness(t, 500)
	res, err := h.svc.UploadCSV(context.Background(), Request{
		FilePath:    path,
		TargetTable: "subscribers",
		Mode:        ModeNewTable,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.TotalRows)
	assert.Equal(t, 3, res.SuccessRows)

	def := h.store.created[0]
	assert.Equal(t, "id", def.PrimaryKey)
	assert.Equal(t, ColumnKey, def.Columns[0].Type)

	rows := h.store.table("autres.subscribers").rows
	require.Len(t, rows, 3)
	assert.Equal(t, []any{"2", "221781234567", nil}, rows[1])
}

func TestUploadCSV_FatalErrors(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		missing   bool
		table     string
		mode      Mode
		wantErr   error
		wantAudit bool
	}{
		{
			name:      "missing file",
			missing:   true,
			table:     "calls",
			mode:      ModeInsert,
			wantErr:   ErrFileNotFound,
			wantAudit: true,
		},
		{
			name:      "empty file",
			content:   "",
			table:     "calls",
			mode:      ModeInsert,
			wantErr:   ErrEmptyFile,
			wantAudit: true,
		},
		{
			name:      "too many columns",
			content:   "a;b;c;d;e;f\n1;2;3;4;5;6\n",
			table:     "calls",
			mode:      ModeNewTable,
			wantErr:   ErrTooManyColumns,
			wantAudit: true,
		},
		{
			name:      "unknown table",
			content:   "id;value\na;1\n",
			table:     "nowhere",
			mode:      ModeInsert,
			wantErr:   ErrTableNotFound,
			wantAudit: true,
		},
		{
			name:      "upsert without key column",
			content:   "value\n1\n",
			table:     "calls",
			mode:      ModeUpsert,
			wantErr:   ErrNoPrimaryKey,
			wantAudit: true,
		},
		{
			name:    "invalid mode",
			content: "id\n1\n",
			table:   "calls",
			mode:    "replace",
			wantErr: ErrInvalidMode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 500)
			h.store.addTable("autres.calls", "id")

			path := filepath.Join(t.TempDir(), "missing.csv")
			if !tt.missing {
				path = writeFile(t, "upload.csv", tt.content)
			}

			res, err := h.svc.UploadCSV(context.Background(), Request{
				FilePath:    path,
				TargetTable: tt.table,
				Mode:        tt.mode,
			}, nil)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, res)
			assert.Empty(t, h.store.created)
			assert.Empty(t, h.store.table("autres.calls").rows)

			if !tt.wantAudit {
				assert.Empty(t, h.store.uploads)
				return
			}
			rec := h.store.onlyUpload(t)
			assert.Equal(t, UploadStatusFailed, rec.Status)
			assert.Equal(t, err.Error(), rec.Errors)
		})
	}
}

func TestUploadCSV_InfrastructureErrorFailsUpload(t *testing.T) {
	h := newHarness(t, 2)
	h.store.addTable("autres.calls", "id")
	h.store.insertErr = driver.ErrBadConn
	path := writeFile(t, "calls.csv", "id;value\na;1\nb;2;3\nc;3\n")

	_, err := h.svc.UploadCSV(context.Background(), Request{
		FilePath:    path,
		TargetTable: "calls",
		Mode:        ModeInsert,
	}, nil)
	require.ErrorIs(t, err, driver.ErrBadConn)

	rec := h.store.onlyUpload(t)
	assert.Equal(t, UploadStatusFailed, rec.Status)
	assert.Equal(t, 3, rec.TotalRows)
	assert.Equal(t, 1, rec.ErrorRows)
	lines := strings.Split(rec.Errors, "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "driver: bad connection")
	assert.Equal(t, "row 2: expected 2 columns, got 3", lines[1])
}

func TestUploadCSV_UnreachableDatabaseFailsUpload(t *testing.T) {
	h := newHarness(t, 2)
	h.store.addTable("autres.calls", "id")
	h.store.insertErr = fmt.Errorf("failed to begin transaction: %w",
		&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED})
	path := writeFile(t, "calls.csv", "id;value\na;1\nb;2\nc;3\n")

	_, err := h.svc.UploadCSV(context.Background(), Request{
		FilePath:    path,
		TargetTable: "calls",
		Mode:        ModeInsert,
	}, nil)
	require.ErrorIs(t, err, syscall.ECONNREFUSED)

	rec := h.store.onlyUpload(t)
	assert.Equal(t, UploadStatusFailed, rec.Status)
	assert.Equal(t, 0, rec.SuccessRows)
	assert.Equal(t, 0, rec.ErrorRows, "rows are not blamed for the outage")
	assert.Contains(t, rec.Errors, "connection refused")
	assert.Zero(t, h.store.rowCalls, "no row by row fallback")
}

func TestQueueUpload(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantStatus jobqueue.Status
	}{
		{name: "success", content: "id;value\na;1\n", wantStatus: jobqueue.StatusCompleted},
		{name: "failure", content: "", wantStatus: jobqueue.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 500)
			h.store.addTable("autres.calls", "id")
			queue := jobqueue.New(&jobqueue.Config{Logger: testLogger()})
			h.svc.queue = queue

			path := writeFile(t, "upload.csv", tt.content)
			job, err := h.svc.QueueUpload(context.Background(), Request{
				FilePath:    path,
				FileName:    "calls.csv",
				TargetTable: "calls",
				Mode:        ModeInsert,
				User:        User{ID: 3},
			})
			require.NoError(t, err)
			assert.Equal(t, jobqueue.StatusQueued, job.Status)
			assert.Equal(t, "upload", job.Meta["type"])
			assert.Equal(t, "autres.calls", job.Meta["table"])
			assert.Equal(t, "calls.csv", job.Meta["file_name"])

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, queue.Wait(ctx))

			got, ok := queue.Get(job.ID)
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, got.Status)

			_, statErr := os.Stat(path)
			assert.True(t, os.IsNotExist(statErr), "uploaded file should be removed")

			rec := h.store.onlyUpload(t)
			require.NotNil(t, rec.JobID)
			assert.Equal(t, job.ID, *rec.JobID)

			if tt.wantStatus == jobqueue.StatusCompleted {
				res, ok := got.Result.(*Result)
				require.True(t, ok)
				assert.Equal(t, 1, res.SuccessRows)
			}
		})
	}
}

func TestQueueUpload_RejectsInvalidMode(t *testing.T) {
	h := newHarness(t, 500)
	h.svc.queue = jobqueue.New(&jobqueue.Config{Logger: testLogger()})

	_, err := h.svc.QueueUpload(context.Background(), Request{FilePath: "x.csv", Mode: "merge"})
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestEstimateProgress(t *testing.T) {
	h := newHarness(t, 500)

	tests := []struct {
		name      string
		processed int
		seen      int
		consumed  float64
		want      int
	}{
		{name: "nothing read", want: 1},
		{name: "quarter", processed: 100, seen: 100, consumed: 0.25, want: 25},
		{name: "tiny fraction floors", processed: 1, seen: 1, consumed: 0.001, want: 1},
		{name: "whole input caps", processed: 400, seen: 400, consumed: 1, want: 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.svc.estimateProgress(tt.processed, tt.seen, tt.consumed))
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want Service
	}{
		{
			name: "zero values",
			cfg:  Config{},
			want: Service{
				batchSize:       DefaultBatchSize,
				maxColumns:      DefaultMaxColumns,
				errorSampleSize: DefaultErrorSampleSize,
				minProgress:     DefaultMinProgress,
				defaultSchema:   DefaultSchema,
			},
		},
		{
			name: "negative values",
			cfg:  Config{BatchSize: -1, MaxColumns: -1, ErrorSampleSize: -1, MinProgress: -1},
			want: Service{
				batchSize:       DefaultBatchSize,
				maxColumns:      DefaultMaxColumns,
				errorSampleSize: DefaultErrorSampleSize,
				minProgress:     DefaultMinProgress,
				defaultSchema:   DefaultSchema,
			},
		},
		{
			name: "progress floor out of range",
			cfg:  Config{MinProgress: 100},
			want: Service{
				batchSize:       DefaultBatchSize,
				maxColumns:      DefaultMaxColumns,
				errorSampleSize: DefaultErrorSampleSize,
				minProgress:     DefaultMinProgress,
				defaultSchema:   DefaultSchema,
			},
		},
		{
			name: "explicit values kept",
			cfg:  Config{BatchSize: 50, MaxColumns: 8, ErrorSampleSize: 3, MinProgress: 5, DefaultSchema: "raw"},
			want: Service{
				batchSize:       50,
				maxColumns:      8,
				errorSampleSize: 3,
				minProgress:     5,
				defaultSchema:   "raw",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New(&tt.cfg)
			assert.Equal(t, tt.want.batchSize, svc.batchSize)
			assert.Equal(t, tt.want.maxColumns, svc.maxColumns)
			assert.Equal(t, tt.want.errorSampleSize, svc.errorSampleSize)
			assert.Equal(t, tt.want.minProgress, svc.minProgress)
			assert.Equal(t, tt.want.defaultSchema, svc.defaultSchema)
			assert.NotNil(t, svc.catalog)
			assert.NotNil(t, svc.stats)
		})
	}
}
