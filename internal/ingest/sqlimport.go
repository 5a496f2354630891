package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"unicode"

	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
	"github.com/cuongbtq/cdr-ingest/internal/metrics"
	"github.com/dustin/go-humanize"
)

// ImportSQL executes a SQL dump one statement at a time. A failing
// statement is counted and sampled like a failing row; the rest still run.
func (s *Service) ImportSQL(ctx context.Context, req Request, update jobqueue.UpdateFunc) (*Result, error) {
	if update == nil {
		update = func(jobqueue.Update) {}
	}

	rec := &UploadRecord{
		UserID:     req.User.ID,
		FileName:   req.displayName(),
		UploadMode: ModeSQL,
		Status:     UploadStatusProcessing,
	}
	var ref TableRef
	if req.TargetTable != "" {
		ref = ParseTableRef(req.TargetTable, s.defaultSchema)
		rec.TableName = ref.String()
	}
	if req.JobID != "" {
		jobID := req.JobID
		rec.JobID = &jobID
	}
	logger := s.logger.With(slog.String("file", rec.FileName), slog.String("mode", string(ModeSQL)))

	f, err := os.Open(req.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, s.fail(ctx, rec, fmt.Errorf("%w: %s", ErrFileNotFound, req.FilePath))
		}
		return nil, s.fail(ctx, rec, fmt.Errorf("failed to open file: %w", err))
	}
	defer f.Close()

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	if err := s.store.CreateUpload(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create upload record: %w", err)
	}
	logger = logger.With(slog.Int64("upload_id", rec.ID))
	logger.Info("SQL import started")
	update(jobqueue.Progress(s.minProgress, "Executing statements"))

	w := &batchWriter{sampleSize: s.errorSampleSize, unit: "statement"}
	scanner := newStatementScanner(f, backslashEscapes(s.store))

	for n := 1; ; n++ {
		stmt, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.finalize(rec)
			return nil, s.fail(ctx, rec, fmt.Errorf("failed to read statement %d: %w", n, err))
		}

		w.seen++
		err = s.store.ExecStatement(ctx, stmt)
		switch {
		case err == nil:
			w.success++
		case isFatal(ctx, err):
			w.finalize(rec)
			return nil, s.fail(ctx, rec, fmt.Errorf("failed to execute statement %d: %w", n, err))
		default:
			w.record(n, err)
		}

		if n%s.batchSize == 0 {
			consumed := 0.0
			if size > 0 {
				consumed = float64(scanner.Offset()) / float64(size)
			}
			percent := s.estimateProgress(w.success+w.failed, w.seen, consumed)
			update(jobqueue.Update{
				Progress: &percent,
				Message:  ptr(fmt.Sprintf("Executed %s statements", humanize.Comma(int64(w.seen)))),
			})
		}
	}

	if w.seen == 0 {
		return nil, s.fail(ctx, rec, ErrEmptyFile)
	}

	w.finalize(rec)
	rec.Status = UploadStatusCompleted
	if err := s.store.FinishUpload(context.WithoutCancel(ctx), rec); err != nil {
		return nil, fmt.Errorf("failed to finalize upload record: %w", err)
	}
	if rec.TableName != "" {
		s.stats.InvalidateStats(ctx, ref)
	}

	metrics.RowsTotal.WithLabelValues(string(ModeSQL), "success").Add(float64(rec.SuccessRows))
	metrics.RowsTotal.WithLabelValues(string(ModeSQL), "error").Add(float64(rec.ErrorRows))

	logger.Info("SQL import completed",
		slog.Int("statements", rec.TotalRows),
		slog.Int("failed", rec.ErrorRows),
	)
	update(jobqueue.Message(fmt.Sprintf("Executed %s of %s statements",
		humanize.Comma(int64(rec.SuccessRows)), humanize.Comma(int64(rec.TotalRows)))))

	return &Result{
		UploadID:    rec.ID,
		Table:       rec.TableName,
		TotalRows:   rec.TotalRows,
		SuccessRows: rec.SuccessRows,
		ErrorRows:   rec.ErrorRows,
		Errors:      w.samples,
	}, nil
}

// BackslashEscaper is implemented by stores whose string literals treat a
// backslash as an escape character (MySQL)
type BackslashEscaper interface {
	BackslashEscapes() bool
}

func backslashEscapes(store Store) bool {
	e, ok := store.(BackslashEscaper)
	return ok && e.BackslashEscapes()
}

// statementScanner splits a SQL script on top-level semicolons. Quoted
// strings and identifiers are kept intact; comments are dropped. Without
// backslash escapes, PostgreSQL $tag$ quoting is recognized instead.
type statementScanner struct {
	r                *bufio.Reader
	offset           int64
	backslashEscapes bool
}

func newStatementScanner(r io.Reader, backslashEscapes bool) *statementScanner {
	return &statementScanner{
		r:                bufio.NewReaderSize(r, 64*1024),
		backslashEscapes: backslashEscapes,
	}
}

// Offset returns the number of bytes consumed so far
func (s *statementScanner) Offset() int64 {
	return s.offset
}

// Next returns the next non-empty statement without its terminating
// semicolon, or io.EOF.
func (s *statementScanner) Next() (string, error) {
	var (
		b     strings.Builder
		quote rune
		prev  rune
		// dollar is the open $tag$ delimiter; body starts at dollarStart
		dollar      string
		dollarStart int
	)

	for {
		r, err := s.read()
		if errors.Is(err, io.EOF) {
			switch {
			case quote != 0:
				return "", fmt.Errorf("unterminated %c quote", quote)
			case dollar != "":
				return "", fmt.Errorf("unterminated %s quoted string", dollar)
			}
			if stmt := strings.TrimSpace(b.String()); stmt != "" {
				return stmt, nil
			}
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		last := prev
		prev = r

		if dollar != "" {
			b.WriteRune(r)
			if r == '$' && b.Len()-len(dollar) >= dollarStart && strings.HasSuffix(b.String(), dollar) {
				dollar = ""
			}
			continue
		}

		if quote != 0 {
			b.WriteRune(r)
			switch {
			case r == '\\' && quote != '`' && s.backslashEscapes:
				next, err := s.read()
				if err != nil {
					continue
				}
				b.WriteRune(next)
				prev = next
			case r == quote:
				quote = 0
			}
			continue
		}

		switch r {
		case '\'', '"', '`':
			quote = r
			b.WriteRune(r)
		case '$':
			if !s.backslashEscapes && !isIdentRune(last) {
				if tag, ok := s.dollarTag(); ok {
					b.WriteString(tag)
					dollar = tag
					dollarStart = b.Len()
					continue
				}
			}
			b.WriteRune(r)
		case '-':
			if s.peek('-') {
				if err := s.skipLine(); err != nil && !errors.Is(err, io.EOF) {
					return "", err
				}
				b.WriteByte('\n')
				continue
			}
			b.WriteRune(r)
		case '/':
			if s.peek('*') {
				if err := s.skipBlock(); err != nil {
					return "", err
				}
				b.WriteByte(' ')
				continue
			}
			b.WriteRune(r)
		case ';':
			if stmt := strings.TrimSpace(b.String()); stmt != "" {
				return stmt, nil
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
}

// dollarTag consumes the rest of an opening $tag$ (the first $ is already
// read) and returns the whole delimiter. Nothing is consumed when the input
// is not a tag, e.g. a $1 placeholder.
func (s *statementScanner) dollarTag() (string, bool) {
	const maxTag = 64
	for n := 1; n <= maxTag; n++ {
		buf, err := s.r.Peek(n)
		if err != nil {
			return "", false
		}
		c := buf[n-1]
		if c == '$' {
			tag := "$" + string(buf)
			_, _ = s.r.Discard(n)
			s.offset += int64(n)
			return tag, true
		}
		if !(c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || (n > 1 && '0' <= c && c <= '9')) {
			return "", false
		}
	}
	return "", false
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (s *statementScanner) read() (rune, error) {
	r, size, err := s.r.ReadRune()
	s.offset += int64(size)
	return r, err
}

// peek consumes the next byte when it equals want
func (s *statementScanner) peek(want byte) bool {
	next, err := s.r.Peek(1)
	if err != nil || next[0] != want {
		return false
	}
	_, _ = s.r.ReadByte()
	s.offset++
	return true
}

func (s *statementScanner) skipLine() error {
	line, err := s.r.ReadString('\n')
	s.offset += int64(len(line))
	return err
}

func (s *statementScanner) skipBlock() error {
	for {
		r, err := s.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("unterminated block comment")
			}
			return err
		}
		if r == '*' && s.peek('/') {
			return nil
		}
	}
}
