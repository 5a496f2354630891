package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode selects how uploaded rows reach the destination table
type Mode string

// Upload mode constants
const (
	ModeInsert   Mode = "insert"
	ModeUpsert   Mode = "upsert"
	ModeNewTable Mode = "new_table"
	ModeSQL      Mode = "sql"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	switch m {
	case ModeInsert, ModeUpsert, ModeNewTable, ModeSQL:
		return true
	}
	return false
}

// Upload status constants
const (
	UploadStatusProcessing = "processing"
	UploadStatusCompleted  = "completed"
	UploadStatusFailed     = "failed"
)

var (
	// ErrFileNotFound is returned when the upload file does not exist
	ErrFileNotFound = errors.New("file not found")

	// ErrEmptyFile is returned when the file has no header row
	ErrEmptyFile = errors.New("file is empty")

	// ErrNoColumns is returned when the first row has zero columns
	ErrNoColumns = errors.New("file has zero columns")

	// ErrTooManyColumns is returned when the first row exceeds the column limit
	ErrTooManyColumns = errors.New("file has too many columns")

	// ErrTableNotFound is returned when inserting into a table that does not exist
	ErrTableNotFound = errors.New("table does not exist")

	// ErrNoPrimaryKey is returned when an upsert has no usable conflict key
	ErrNoPrimaryKey = errors.New("upsert requires a primary key present in the file")

	// ErrInvalidMode is returned for an unknown upload mode
	ErrInvalidMode = errors.New("invalid upload mode")

	// ErrUploadNotFound is returned when an audit record does not exist
	ErrUploadNotFound = errors.New("upload not found")
)

// User identifies who requested an upload
type User struct {
	ID int64 `json:"id"`
}

// Request describes one ingestion
type Request struct {
	FilePath    string
	FileName    string
	TargetTable string
	Mode        Mode
	User        User
	JobID       string
}

func (r Request) displayName() string {
	if r.FileName != "" {
		return r.FileName
	}
	return r.FilePath
}

// Result summarizes a finished ingestion
type Result struct {
	UploadID    int64    `json:"upload_id"`
	Table       string   `json:"table"`
	TotalRows   int      `json:"total_rows"`
	SuccessRows int      `json:"success_rows"`
	ErrorRows   int      `json:"error_rows"`
	Errors      []string `json:"errors,omitempty"`
}

// UploadRecord is the audit trail of one ingestion
type UploadRecord struct {
	ID          int64      `db:"id" json:"id"`
	UserID      int64      `db:"user_id" json:"user_id"`
	TableName   string     `db:"table_name" json:"table_name"`
	FileName    string     `db:"file_name" json:"file_name"`
	TotalRows   int        `db:"total_rows" json:"total_rows"`
	SuccessRows int        `db:"success_rows" json:"success_rows"`
	ErrorRows   int        `db:"error_rows" json:"error_rows"`
	UploadMode  Mode       `db:"upload_mode" json:"upload_mode"`
	JobID       *string    `db:"job_id" json:"job_id,omitempty"`
	Status      string     `db:"status" json:"status"`
	Errors      string     `db:"errors" json:"errors"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// UploadFilter selects audit records, newest first. BeforeID is an
// exclusive keyset cursor; Limit <= 0 returns everything.
type UploadFilter struct {
	UserID   int64
	Status   string
	BeforeID int64
	Limit    int
}

// TableRef is a schema-qualified table name
type TableRef struct {
	Schema string
	Table  string
}

// String renders schema.table, or table when the schema is empty
func (r TableRef) String() string {
	if r.Schema == "" {
		return r.Table
	}
	return fmt.Sprintf("%s.%s", r.Schema, r.Table)
}

// Store is the relational backend the ingestion service writes to
type Store interface {
	TableExists(ctx context.Context, ref TableRef) (bool, error)
	CreateTable(ctx context.Context, def TableDef) error
	DropTable(ctx context.Context, ref TableRef) error
	PrimaryKey(ctx context.Context, ref TableRef) ([]string, error)
	// InsertRows writes all rows in one all-or-nothing operation. A non-empty
	// conflict list turns the insert into an upsert on those columns.
	InsertRows(ctx context.Context, ref TableRef, columns []string, rows [][]any, conflict []string) error
	ExecStatement(ctx context.Context, statement string) error

	CreateUpload(ctx context.Context, rec *UploadRecord) error
	FinishUpload(ctx context.Context, rec *UploadRecord) error
	GetUpload(ctx context.Context, id int64) (*UploadRecord, error)
	ListUploads(ctx context.Context, filter UploadFilter) ([]UploadRecord, error)
	DeleteUpload(ctx context.Context, id int64) error
}

// Catalog tracks tables created by uploads
type Catalog interface {
	RegisterTable(ctx context.Context, ref TableRef, uploadID int64) error
	UnregisterTable(ctx context.Context, ref TableRef) error
}

// StatsInvalidator drops cached aggregates for a table after it changes
type StatsInvalidator interface {
	InvalidateStats(ctx context.Context, ref TableRef)
}

type nopCatalog struct{}

func (nopCatalog) RegisterTable(context.Context, TableRef, int64) error { return nil }
func (nopCatalog) UnregisterTable(context.Context, TableRef) error      { return nil }

type nopStats struct{}

func (nopStats) InvalidateStats(context.Context, TableRef) {}
