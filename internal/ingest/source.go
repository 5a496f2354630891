package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cuongbtq/cdr-ingest/internal/csvdialect"
	"github.com/xuri/excelize/v2"
)

// zipMagic starts every XLSX workbook
var zipMagic = []byte("PK\x03\x04")

// rowSource yields the header then data rows of a tabular file
type rowSource interface {
	Header() []string
	// Next returns the next data row or io.EOF. A *RowError reports a row
	// that could not be parsed; reading may continue after it.
	Next() ([]string, error)
	// Consumed estimates the fraction of the input read so far (0..1)
	Consumed() float64
	Close() error
}

// RowError is a data row that could not be parsed
type RowError struct {
	Err error
}

func (e *RowError) Error() string { return e.Err.Error() }
func (e *RowError) Unwrap() error { return e.Err }

// openSource detects the file format and returns a source positioned on the
// first data row
func openSource(path string) (rowSource, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	magic := make([]byte, len(zipMagic))
	n, err := io.ReadFull(f, magic)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if n == len(zipMagic) && bytes.Equal(magic, zipMagic) {
		f.Close()
		return openXLSX(path)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rewind file: %w", err)
	}
	return openCSV(f)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type csvSource struct {
	file    *os.File
	counter *countingReader
	size    int64
	reader  *csv.Reader
	header  []string
}

func openCSV(f *os.File) (*csvSource, error) {
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	counter := &countingReader{r: f}
	dialect, body, err := csvdialect.Sniff(counter)
	if err != nil {
		f.Close()
		return nil, err
	}

	reader := csv.NewReader(body)
	reader.Comma = dialect.Delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyFile
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	return &csvSource{
		file:    f,
		counter: counter,
		size:    info.Size(),
		reader:  reader,
		header:  header,
	}, nil
}

func (s *csvSource) Header() []string { return s.header }

func (s *csvSource) Next() ([]string, error) {
	record, err := s.reader.Read()
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return nil, &RowError{Err: err}
		}
		return nil, err
	}
	return record, nil
}

func (s *csvSource) Consumed() float64 {
	if s.size <= 0 {
		return 1
	}
	return min(1, float64(s.counter.n)/float64(s.size))
}

func (s *csvSource) Close() error { return s.file.Close() }

type xlsxSource struct {
	book      *excelize.File
	rows      *excelize.Rows
	header    []string
	read      int
	totalRows int
}

// openXLSX streams the first sheet of a workbook
func openXLSX(path string) (*xlsxSource, error) {
	book, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		book.Close()
		return nil, ErrEmptyFile
	}
	sheet := sheets[0]

	totalRows := 0
	if dim, err := book.GetSheetDimension(sheet); err == nil {
		totalRows = dimensionRows(dim)
	}

	rows, err := book.Rows(sheet)
	if err != nil {
		book.Close()
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}

	s := &xlsxSource{book: book, rows: rows, totalRows: totalRows}
	header, err := s.Next()
	if err != nil {
		s.Close()
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyFile
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	s.header = header
	return s, nil
}

func (s *xlsxSource) Header() []string { return s.header }

func (s *xlsxSource) Next() ([]string, error) {
	for s.rows.Next() {
		s.read++
		cols, err := s.rows.Columns()
		if err != nil {
			return nil, &RowError{Err: err}
		}
		// excelize yields nil for blank rows; encoding/csv skips them as well
		if len(cols) == 0 {
			continue
		}
		if s.header != nil && len(cols) < len(s.header) {
			cols = append(cols, make([]string, len(s.header)-len(cols))...)
		}
		return cols, nil
	}
	if err := s.rows.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return nil, io.EOF
}

func (s *xlsxSource) Consumed() float64 {
	if s.totalRows <= 0 {
		return 1
	}
	return min(1, float64(s.read)/float64(s.totalRows))
}

func (s *xlsxSource) Close() error {
	if err := s.rows.Close(); err != nil {
		s.book.Close()
		return err
	}
	return s.book.Close()
}

// dimensionRows returns the last row number of a range like "A1:F250"
func dimensionRows(dim string) int {
	last := dim
	if _, end, ok := strings.Cut(dim, ":"); ok {
		last = end
	}
	_, row, err := excelize.SplitCellName(last)
	if err != nil {
		return 0
	}
	return row
}
