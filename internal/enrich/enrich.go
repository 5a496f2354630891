// Package enrich rewrites call detail record files in place, filling the
// tower columns of every row from its cell global identifier.
package enrich

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/cdr-ingest/internal/btslookup"
	"github.com/cuongbtq/cdr-ingest/internal/csvdialect"
	"github.com/cuongbtq/cdr-ingest/internal/identifier"
	"github.com/cuongbtq/cdr-ingest/internal/metrics"
)

// Column names read and written by the enrichment
const (
	ColumnCGI       = "CGI"
	ColumnLongitude = "LONGITUDE"
	ColumnLatitude  = "LATITUDE"
	ColumnAzimuth   = "AZIMUT"
	ColumnTowerName = "NOM_BTS"
)

// OutputColumns are appended to the header, in this order, when absent
var OutputColumns = []string{ColumnLongitude, ColumnLatitude, ColumnAzimuth, ColumnTowerName}

var (
	// ErrOutsideBaseDir is returned for paths resolving outside the base directory
	ErrOutsideBaseDir = errors.New("path is outside the enrichment directory")

	// ErrMissingCGIColumn is returned when the header has no CGI column
	ErrMissingCGIColumn = errors.New("CGI column missing")

	// ErrFileNotFound is returned when the file does not exist
	ErrFileNotFound = errors.New("file not found")
)

// Resolver resolves CGIs to tower metadata in bulk
type Resolver interface {
	LookupMultiple(ctx context.Context, cgis []string) (map[string]*btslookup.Info, error)
}

// Options configures a Service
type Options struct {
	// BaseDir confines every enriched file; relative paths are joined to it
	BaseDir string
}

// Result summarizes one enrichment run
type Result struct {
	FilePath      string `json:"file_path"`
	Rows          int    `json:"rows"`
	EnrichedRows  int    `json:"enriched_rows"`
	UpdatedValues int    `json:"updated_values"`
}

// Service enriches CDR files
type Service struct {
	resolver Resolver
	baseDir  string
	logger   *slog.Logger

	// rename replaces the original with the rewritten file
	rename func(oldpath, newpath string) error
}

// New creates an enrichment service. An empty BaseDir confines files to
// the working directory.
func New(resolver Resolver, opts Options, logger *slog.Logger) *Service {
	baseDir := opts.BaseDir
	if baseDir == "" {
		baseDir = "."
	}
	return &Service{
		resolver: resolver,
		baseDir:  baseDir,
		logger:   logger,
		rename:   os.Rename,
	}
}

// EnrichFile fills LONGITUDE, LATITUDE, AZIMUT and NOM_BTS for every row
// whose CGI is known, then atomically replaces the file. On error the
// original file is left untouched.
func (s *Service) EnrichFile(ctx context.Context, path string) (*Result, error) {
	res, err := s.enrich(ctx, path)
	if err != nil {
		metrics.EnrichedFiles.WithLabelValues("error").Inc()
		s.logger.Error("Enrichment failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	metrics.EnrichedFiles.WithLabelValues("success").Inc()
	s.logger.Info("Enrichment completed",
		slog.String("path", res.FilePath),
		slog.Int("rows", res.Rows),
		slog.Int("enriched_rows", res.EnrichedRows),
		slog.Int("updated_values", res.UpdatedValues),
	)
	return res, nil
}

func (s *Service) enrich(ctx context.Context, path string) (*Result, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	doc, err := readDocument(resolved)
	if err != nil {
		return nil, err
	}

	cgiIdx := indexOf(doc.header, ColumnCGI)
	if cgiIdx < 0 {
		return nil, fmt.Errorf("%w in %s", ErrMissingCGIColumn, filepath.Base(resolved))
	}
	outIdx := doc.ensureColumns(OutputColumns)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	towers, err := s.resolver.LookupMultiple(ctx, doc.distinct(cgiIdx))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve CGIs: %w", err)
	}

	res := &Result{FilePath: resolved, Rows: len(doc.rows)}
	for _, row := range doc.rows {
		if info := towers[identifier.NormalizeCGI(row[cgiIdx])]; info != nil {
			values := []string{info.Longitude, info.Latitude, info.Azimuth, info.TowerName}
			for i, idx := range outIdx {
				if row[idx] != values[i] {
					row[idx] = values[i]
					res.UpdatedValues++
				}
			}
		}

		for _, idx := range outIdx {
			if row[idx] != "" {
				res.EnrichedRows++
				break
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.replace(resolved, doc); err != nil {
		return nil, err
	}
	return res, nil
}

// resolve confines path to the base directory, following symlinks
func (s *Service) resolve(path string) (string, error) {
	base, err := filepath.Abs(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory: %w", err)
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(base, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !within(base, candidate) {
		return "", fmt.Errorf("%w: %s", ErrOutsideBaseDir, path)
	}

	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory: %w", err)
	}
	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if !within(realBase, real) {
		return "", fmt.Errorf("%w: %s", ErrOutsideBaseDir, path)
	}
	return real, nil
}

func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// replace writes doc next to path and renames it over the original
func (s *Service) replace(path string, doc *document) (err error) {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := doc.write(tmp); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := s.rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// document is a parsed CDR file held in memory with the dialect it was
// written in
type document struct {
	dialect csvdialect.Dialect
	header  []string
	rows    [][]string
}

func readDocument(path string) (*document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	dialect, body, err := csvdialect.Sniff(f)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(body)
	reader.Comma = dialect.Delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w in %s", ErrMissingCGIColumn, filepath.Base(path))
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	doc := &document{dialect: dialect, header: header}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		doc.rows = append(doc.rows, record)
	}
	return doc, nil
}

// ensureColumns appends missing columns to the header, pads every row to
// the header width and returns the index of each requested column
func (d *document) ensureColumns(names []string) []int {
	idx := make([]int, len(names))
	for i, name := range names {
		idx[i] = indexOf(d.header, name)
		if idx[i] < 0 {
			idx[i] = len(d.header)
			d.header = append(d.header, name)
		}
	}

	for i, row := range d.rows {
		if len(row) < len(d.header) {
			d.rows[i] = append(row, make([]string, len(d.header)-len(row))...)
		}
	}
	return idx
}

func (d *document) distinct(col int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, row := range d.rows {
		cgi := identifier.NormalizeCGI(row[col])
		if cgi == "" {
			continue
		}
		if _, ok := seen[cgi]; ok {
			continue
		}
		seen[cgi] = struct{}{}
		out = append(out, cgi)
	}
	return out
}

func (d *document) write(w io.Writer) error {
	if d.dialect.BOM {
		if _, err := w.Write(csvdialect.BOM); err != nil {
			return err
		}
	}

	cw := csv.NewWriter(w)
	cw.Comma = d.dialect.Delimiter
	cw.UseCRLF = d.dialect.CRLF()

	if err := cw.Write(d.header); err != nil {
		return err
	}
	if err := cw.WriteAll(d.rows); err != nil {
		return err
	}
	return cw.Error()
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}
