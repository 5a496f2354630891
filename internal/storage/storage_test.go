package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/cdr-ingest/internal/btslookup"
	"github.com/cuongbtq/cdr-ingest/internal/ingest"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	db := sqlx.MustOpen("sqlite3", ":memory:")
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := newStorage(db, &Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap(context.Background()))
	return s
}

func createCalls(t *testing.T, s *Storage) ingest.TableRef {
	t.Helper()

	ref := ingest.TableRef{Schema: "autres", Table: "calls"}
	require.NoError(t, s.CreateTable(context.Background(), ingest.TableDef{
		Ref:        ref,
		PrimaryKey: "id",
		Columns: []ingest.ColumnDef{
			{Name: "id", Type: ingest.ColumnKey},
			{Name: "value", Type: ingest.ColumnText},
		},
	}))
	return ref
}

func countRows(t *testing.T, s *Storage, ref ingest.TableRef) int {
	t.Helper()

	var n int
	require.NoError(t, s.db.Get(&n, "SELECT COUNT(*) FROM "+s.d.table(ref)))
	return n
}

func TestStorage_Bootstrap(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	// a second run is a no-op
	require.NoError(t, s.Bootstrap(ctx))

	for _, table := range []string{uploadHistoryTable, dataCatalogTable} {
		ok, err := s.TableExists(ctx, ingest.TableRef{Table: table})
		require.NoError(t, err)
		assert.True(t, ok, table)
	}
	assert.False(t, s.BackslashEscapes())
}

func TestStorage_TableLifecycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	ref := ingest.TableRef{Schema: "autres", Table: "calls"}
	ok, err := s.TableExists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)

	createCalls(t, s)

	ok, err = s.TableExists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	pk, err := s.PrimaryKey(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, pk)

	require.NoError(t, s.DropTable(ctx, ref))
	ok, err = s.TableExists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_InsertRows(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ref := createCalls(t, s)
	columns := []string{"id", "value"}

	require.NoError(t, s.InsertRows(ctx, ref, columns, [][]any{{"a", "1"}, {"b", "2"}}, nil))
	assert.Equal(t, 2, countRows(t, s, ref))

	err := s.InsertRows(ctx, ref, columns, [][]any{{"c", "3"}, {"a", "9"}}, nil)
	require.Error(t, err, "a already exists")
	assert.Equal(t, 2, countRows(t, s, ref), "c is rolled back with the batch")

	err = s.InsertRows(ctx, ref, columns, [][]any{{"x", "1"}, {"y", "2"}, {"x", "3"}}, nil)
	require.Error(t, err, "duplicate key within the batch")
	assert.Equal(t, 2, countRows(t, s, ref))

	require.NoError(t, s.InsertRows(ctx, ref, columns, nil, nil))
}

func TestStorage_InsertRowsSpanningStatements(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ref := createCalls(t, s)
	columns := []string{"id", "value"}

	step := s.d.rowsPerStatement(len(columns))
	rows := make([][]any, 0, step+100)
	for i := 0; i < step+100; i++ {
		rows = append(rows, []any{fmt.Sprintf("r%04d", i), "v"})
	}

	// the duplicate sits in the second statement, after the first committed
	// its rows to the transaction
	failing := append(append([][]any(nil), rows...), []any{"r0000", "dup"})
	require.Error(t, s.InsertRows(ctx, ref, columns, failing, nil))
	assert.Zero(t, countRows(t, s, ref))

	require.NoError(t, s.InsertRows(ctx, ref, columns, rows, nil))
	assert.Equal(t, step+100, countRows(t, s, ref))
}

func TestStorage_InsertRowsUpsert(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ref := createCalls(t, s)
	columns := []string{"id", "value"}
	conflict := []string{"id"}

	require.NoError(t, s.InsertRows(ctx, ref, columns, [][]any{{"a", "1"}, {"b", "2"}}, conflict))
	require.NoError(t, s.InsertRows(ctx, ref, columns, [][]any{{"a", "10"}, {"c", "3"}}, conflict))
	assert.Equal(t, 3, countRows(t, s, ref))

	var value string
	require.NoError(t, s.db.Get(&value, `SELECT value FROM "calls" WHERE id = ?`, "a"))
	assert.Equal(t, "10", value)
}

func TestStorage_Towers(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	n, err := s.UpsertTowers(ctx, "4g", []btslookup.Tower{
		{CGI: "608-01-1", TowerName: "Dakar Plateau", Longitude: "-17.44", Latitude: "14.69", Azimuth: "120"},
		{CGI: "608-01-2", TowerName: "Thies", Longitude: "-16.92", Latitude: "14.79"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.UpsertTowers(ctx, "4g", []btslookup.Tower{
		{CGI: "608-01-1", TowerName: "Dakar Plateau", Longitude: "-17.44", Latitude: "14.69", Azimuth: "240"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	found, err := s.QueryTowers(ctx, "4g", []string{"608-01-1", "608-01-2", "608-01-9"})
	require.NoError(t, err)
	assert.Equal(t, map[string]btslookup.Info{
		"608-01-1": {Longitude: "-17.44", Latitude: "14.69", Azimuth: "240", TowerName: "Dakar Plateau"},
		"608-01-2": {Longitude: "-16.92", Latitude: "14.79", TowerName: "Thies"},
	}, found)

	found, err = s.QueryTowers(ctx, "4g", nil)
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = s.QueryTowers(ctx, "5g", []string{"608-01-1"})
	assert.Error(t, err, "table was never loaded")
}

func TestStorage_Uploads(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	jobID := "job-1"
	first := &ingest.UploadRecord{
		UserID:     7,
		TableName:  "autres.calls",
		FileName:   "calls.csv",
		UploadMode: ingest.ModeInsert,
		JobID:      &jobID,
		Status:     ingest.UploadStatusProcessing,
	}
	require.NoError(t, s.CreateUpload(ctx, first))
	assert.NotZero(t, first.ID)

	second := &ingest.UploadRecord{
		UserID:     8,
		TableName:  "autres.sms",
		FileName:   "sms.csv",
		UploadMode: ingest.ModeUpsert,
		Status:     ingest.UploadStatusProcessing,
	}
	require.NoError(t, s.CreateUpload(ctx, second))
	assert.Greater(t, second.ID, first.ID)

	first.TotalRows = 3
	first.SuccessRows = 2
	first.ErrorRows = 1
	first.Status = ingest.UploadStatusCompleted
	first.Errors = "row 2: UNIQUE constraint failed"
	require.NoError(t, s.FinishUpload(ctx, first))

	got, err := s.GetUpload(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.UserID)
	assert.Equal(t, "autres.calls", got.TableName)
	assert.Equal(t, ingest.ModeInsert, got.UploadMode)
	require.NotNil(t, got.JobID)
	assert.Equal(t, "job-1", *got.JobID)
	assert.Equal(t, ingest.UploadStatusCompleted, got.Status)
	assert.Equal(t, 3, got.TotalRows)
	assert.Equal(t, 2, got.SuccessRows)
	assert.Equal(t, 1, got.ErrorRows)
	assert.Equal(t, first.Errors, got.Errors)
	assert.WithinDuration(t, first.CreatedAt, got.CreatedAt, time.Second)
	require.NotNil(t, got.CompletedAt)

	pending, err := s.GetUpload(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, pending.JobID)
	assert.Nil(t, pending.CompletedAt)
	assert.Empty(t, pending.Errors)

	all, err := s.ListUploads(ctx, ingest.UploadFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	page, err := s.ListUploads(ctx, ingest.UploadFilter{BeforeID: second.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, first.ID, page[0].ID)

	byStatus, err := s.ListUploads(ctx, ingest.UploadFilter{Status: ingest.UploadStatusProcessing, UserID: 8})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, second.ID, byStatus[0].ID)

	require.NoError(t, s.DeleteUpload(ctx, first.ID))
	_, err = s.GetUpload(ctx, first.ID)
	assert.ErrorIs(t, err, ingest.ErrUploadNotFound)
	assert.ErrorIs(t, s.DeleteUpload(ctx, first.ID), ingest.ErrUploadNotFound)
	assert.ErrorIs(t, s.FinishUpload(ctx, &ingest.UploadRecord{ID: first.ID}), ingest.ErrUploadNotFound)
}

func TestStorage_Catalog(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	calls := ingest.TableRef{Schema: "autres", Table: "calls"}
	sms := ingest.TableRef{Schema: "autres", Table: "sms"}
	require.NoError(t, s.RegisterTable(ctx, calls, 1))
	require.NoError(t, s.RegisterTable(ctx, sms, 2))
	require.NoError(t, s.RegisterTable(ctx, calls, 3))

	entries, err := s.ListCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	uploads := map[string]int64{}
	for _, e := range entries {
		uploads[e.SchemaName+"."+e.TableName] = e.UploadID
	}
	assert.Equal(t, map[string]int64{"autres.calls": 3, "autres.sms": 2}, uploads)

	require.NoError(t, s.UnregisterTable(ctx, calls))
	entries, err = s.ListCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sms", entries[0].TableName)
}

func TestStorage_SearchRows(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ref := createCalls(t, s)

	require.NoError(t, s.InsertRows(ctx, ref, []string{"id", "value"},
		[][]any{{"a", "221770000001"}, {"b", "221770000002"}, {"c", "221770000001"}}, nil))

	rows, err := s.SearchRows(ctx, ref, "value", []string{"221770000001", "+221770000001"}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	ids := []any{rows[0]["id"], rows[1]["id"]}
	assert.ElementsMatch(t, []any{"a", "c"}, ids)

	limited, err := s.SearchRows(ctx, ref, "value", []string{"221770000001"}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.SearchRows(ctx, ref, "value", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.SearchRows(ctx, ingest.TableRef{Table: "missing"}, "value", []string{"x"}, 0)
	assert.Error(t, err)
}
