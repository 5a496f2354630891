package ingest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"

	"github.com/cuongbtq/cdr-ingest/internal/metrics"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

type pendingRow struct {
	num    int
	values []any
}

// batchWriter writes rows in bulk and retries a rejected batch one row at a
// time so a single bad row cannot sink its neighbours. It is not safe for
// concurrent use.
type batchWriter struct {
	store      Store
	ref        TableRef
	columns    []string
	conflict   []string
	sampleSize int
	logger     *slog.Logger
	// unit names what is counted in error samples, "row" when empty
	unit       string

	seen    int
	success int
	failed  int
	samples []string
}

func (w *batchWriter) write(ctx context.Context, batch []pendingRow) error {
	w.seen += len(batch)

	rows := w.collapse(batch)
	err := w.store.InsertRows(ctx, w.ref, w.columns, rows, w.conflict)
	if err == nil {
		w.success += len(batch)
		return nil
	}
	if isFatal(ctx, err) {
		return fmt.Errorf("failed to write batch: %w", err)
	}

	metrics.BatchFallbacks.Inc()
	w.logger.Warn("Batch rejected, retrying row by row",
		slog.Int("first_row", batch[0].num),
		slog.Int("rows", len(batch)),
		slog.String("error", err.Error()),
	)

	for _, row := range batch {
		err := w.store.InsertRows(ctx, w.ref, w.columns, [][]any{row.values}, w.conflict)
		switch {
		case err == nil:
			w.success++
		case isFatal(ctx, err):
			return fmt.Errorf("failed to write row %d: %w", row.num, err)
		default:
			w.record(row.num, err)
		}
	}
	return nil
}

// reject counts a row that never reached the database
func (w *batchWriter) reject(rowNum int, err error) {
	w.seen++
	w.record(rowNum, err)
}

func (w *batchWriter) record(rowNum int, err error) {
	w.failed++
	if len(w.samples) < w.sampleSize {
		unit := w.unit
		if unit == "" {
			unit = "row"
		}
		w.samples = append(w.samples, fmt.Sprintf("%s %d: %s", unit, rowNum, err))
	}
}

func (w *batchWriter) finalize(rec *UploadRecord) {
	rec.TotalRows = w.seen
	rec.SuccessRows = w.success
	rec.ErrorRows = w.failed
	rec.Errors = strings.Join(w.samples, "\n")
}

// collapse keeps the last occurrence of each conflict key. Two rows with the
// same key in one upsert statement are rejected by most databases, while
// applying them in order would leave the last one anyway.
func (w *batchWriter) collapse(batch []pendingRow) [][]any {
	keyIdx := w.keyIndexes()
	if len(keyIdx) == 0 {
		rows := make([][]any, len(batch))
		for i, r := range batch {
			rows[i] = r.values
		}
		return rows
	}

	position := make(map[string]int, len(batch))
	rows := make([][]any, 0, len(batch))
	for _, r := range batch {
		key := rowKey(r.values, keyIdx)
		if i, ok := position[key]; ok {
			rows[i] = r.values
			continue
		}
		position[key] = len(rows)
		rows = append(rows, r.values)
	}
	return rows
}

func (w *batchWriter) keyIndexes() []int {
	if len(w.conflict) == 0 {
		return nil
	}
	idx := make([]int, 0, len(w.conflict))
	for _, k := range w.conflict {
		for i, c := range w.columns {
			if strings.EqualFold(c, k) {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}

func rowKey(values []any, idx []int) string {
	var b strings.Builder
	for _, i := range idx {
		if v, ok := values[i].(string); ok {
			b.WriteString(v)
		}
		b.WriteByte(0)
	}
	return b.String()
}

// isFatal separates infrastructure failures, which abort the ingestion,
// from data errors confined to the rows being written
func isFatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// connection exception, insufficient resources, operator intervention,
	// system error
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "58":
			return true
		}
	}
	return false
}
