package storage

import (
	"context"
	"fmt"

	"github.com/cuongbtq/cdr-ingest/internal/ingest"
	"github.com/jmoiron/sqlx"
)

// DefaultSearchLimit caps search results when no limit is given
const DefaultSearchLimit = 100

// SearchRows returns rows of ref whose column equals any of values. Rows
// come back as column name to value maps since uploaded tables have no
// static shape.
func (s *Storage) SearchRows(ctx context.Context, ref ingest.TableRef, column string, values []string, limit int) ([]map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s IN (?) LIMIT ?", s.d.table(ref), s.d.quote(column))
	query, args, err := sqlx.In(query, values, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build search query: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", ref, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for k, v := range row {
			// text columns arrive as []byte from most drivers
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read search results: %w", err)
	}
	return out, nil
}
