package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTable enforces uniqueness on one column, like a primary key
type fakeTable struct {
	unique string
	pk     []string
	rows   [][]any
	keys   map[string]int
	cols   []string
}

type fakeStore struct {
	mu sync.Mutex

	tables     map[string]*fakeTable
	created    []TableDef
	dropped    []TableRef
	uploads    map[int64]*UploadRecord
	nextID     int64
	statements []string
	batchCalls int
	rowCalls   int

	insertErr error
	execErr   func(stmt string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tables:  make(map[string]*fakeTable),
		uploads: make(map[int64]*UploadRecord),
	}
}

// addTable registers a table whose column unique is its primary key,
// pre-populated with the given keys
func (f *fakeStore) addTable(name, unique string, existing ...string) {
	t := &fakeTable{unique: unique, keys: make(map[string]int)}
	if unique != "" {
		t.pk = []string{unique}
	}
	for _, k := range existing {
		t.keys[k] = len(t.rows)
		t.rows = append(t.rows, []any{k})
	}
	f.tables[name] = t
}

func (f *fakeStore) table(name string) *fakeTable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[name]
}

func (f *fakeStore) upload(id int64) UploadRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.uploads[id]
}

func (f *fakeStore) onlyUpload(t *testing.T) UploadRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.uploads, 1)
	for _, rec := range f.uploads {
		return *rec
	}
	return UploadRecord{}
}

func (f *fakeStore) TableExists(_ context.Context, ref TableRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tables[ref.String()]
	return ok, nil
}

func (f *fakeStore) CreateTable(_ context.Context, def TableDef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, def)
	if _, ok := f.tables[def.Ref.String()]; !ok {
		f.tables[def.Ref.String()] = &fakeTable{
			unique: def.PrimaryKey,
			pk:     []string{def.PrimaryKey},
			keys:   make(map[string]int),
		}
	}
	return nil
}

func (f *fakeStore) DropTable(_ context.Context, ref TableRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, ref)
	delete(f.tables, ref.String())
	return nil
}

func (f *fakeStore) PrimaryKey(_ context.Context, ref TableRef) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[ref.String()]
	if !ok {
		return nil, ErrTableNotFound
	}
	return t.pk, nil
}

// InsertRows is all-or-nothing: every row is validated before any is applied
func (f *fakeStore) InsertRows(_ context.Context, ref TableRef, columns []string, rows [][]any, conflict []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertErr != nil {
		return f.insertErr
	}
	if len(rows) > 1 {
		f.batchCalls++
	} else {
		f.rowCalls++
	}

	t, ok := f.tables[ref.String()]
	if !ok {
		return fmt.Errorf("relation %q does not exist", ref)
	}
	t.cols = columns

	keyIdx := -1
	for i, c := range columns {
		if strings.EqualFold(c, t.unique) {
			keyIdx = i
		}
	}

	inStatement := make(map[string]bool, len(rows))
	for _, row := range rows {
		for _, v := range row {
			if v == "BAD" {
				return errors.New(`invalid input syntax for type integer: "BAD"`)
			}
		}
		if keyIdx < 0 {
			continue
		}
		key, _ := row[keyIdx].(string)
		if inStatement[key] {
			if len(conflict) > 0 {
				return errors.New("ON CONFLICT DO UPDATE command cannot affect row a second time")
			}
			return fmt.Errorf("duplicate key value violates unique constraint: %s", key)
		}
		inStatement[key] = true
		if _, exists := t.keys[key]; exists && len(conflict) == 0 {
			return fmt.Errorf("duplicate key value violates unique constraint: %s", key)
		}
	}

	for _, row := range rows {
		if keyIdx < 0 {
			t.rows = append(t.rows, row)
			continue
		}
		key, _ := row[keyIdx].(string)
		if i, exists := t.keys[key]; exists {
			t.rows[i] = row
			continue
		}
		t.keys[key] = len(t.rows)
		t.rows = append(t.rows, row)
	}
	return nil
}

func (f *fakeStore) ExecStatement(_ context.Context, stmt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statements = append(f.statements, stmt)
	if f.execErr != nil {
		return f.execErr(stmt)
	}
	return nil
}

func (f *fakeStore) CreateUpload(_ context.Context, rec *UploadRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec.ID = f.nextID
	rec.CreatedAt = time.Now()
	cp := *rec
	f.uploads[rec.ID] = &cp
	return nil
}

func (f *fakeStore) FinishUpload(_ context.Context, rec *UploadRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.uploads[rec.ID]; !ok {
		return ErrUploadNotFound
	}
	now := time.Now()
	rec.CompletedAt = &now
	cp := *rec
	f.uploads[rec.ID] = &cp
	return nil
}

func (f *fakeStore) GetUpload(_ context.Context, id int64) (*UploadRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.uploads[id]
	if !ok {
		return nil, ErrUploadNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) ListUploads(_ context.Context, filter UploadFilter) ([]UploadRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := f.nextID
	if filter.BeforeID > 0 {
		start = filter.BeforeID - 1
	}
	var out []UploadRecord
	for id := start; id > 0; id-- {
		rec, ok := f.uploads[id]
		if !ok || (filter.Status != "" && rec.Status != filter.Status) || (filter.UserID != 0 && rec.UserID != filter.UserID) {
			continue
		}
		out = append(out, *rec)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteUpload(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.uploads[id]; !ok {
		return ErrUploadNotFound
	}
	delete(f.uploads, id)
	return nil
}

type fakeCatalog struct {
	mu           sync.Mutex
	registered   map[string]int64
	unregistered []string
}

func (c *fakeCatalog) RegisterTable(_ context.Context, ref TableRef, uploadID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered == nil {
		c.registered = make(map[string]int64)
	}
	c.registered[ref.String()] = uploadID
	return nil
}

func (c *fakeCatalog) UnregisterTable(_ context.Context, ref TableRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unregistered = append(c.unregistered, ref.String())
	return nil
}

type fakeStats struct {
	mu          sync.Mutex
	invalidated []string
}

func (s *fakeStats) InvalidateStats(_ context.Context, ref TableRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, ref.String())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// keyedCSV builds a two-column CSV with keys k0..k<n-1>
func keyedCSV(n int) string {
	var b strings.Builder
	b.WriteString("id;value\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "k%d;v%d\n", i, i)
	}
	return b.String()
}
