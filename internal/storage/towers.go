package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/cdr-ingest/internal/btslookup"
	"github.com/cuongbtq/cdr-ingest/internal/ingest"
	"github.com/jmoiron/sqlx"
)

// tower columns are written lower case and unquoted in lookups so that the
// same table answers on every driver, whatever case folding it applies
var towerColumns = []string{"cgi", "nom_bts", "longitude", "latitude", "azimut"}

const towerLookupQuery = `SELECT CGI AS cgi, NOM_BTS AS nom_bts, LONGITUDE AS longitude,
	LATITUDE AS latitude, AZIMUT AS azimut FROM %s WHERE CGI IN (?)`

type towerRow struct {
	CGI       string         `db:"cgi"`
	TowerName sql.NullString `db:"nom_bts"`
	Longitude sql.NullString `db:"longitude"`
	Latitude  sql.NullString `db:"latitude"`
	Azimuth   sql.NullString `db:"azimut"`
}

func (s *Storage) towerTable(table string) string {
	return s.d.table(ingest.TableRef{Schema: s.towerSchema, Table: table})
}

// QueryTowers returns the rows of one generation table matching cgis
func (s *Storage) QueryTowers(ctx context.Context, table string, cgis []string) (map[string]btslookup.Info, error) {
	if len(cgis) == 0 {
		return map[string]btslookup.Info{}, nil
	}

	query, args, err := sqlx.In(fmt.Sprintf(towerLookupQuery, s.towerTable(table)), cgis)
	if err != nil {
		return nil, fmt.Errorf("failed to build tower query: %w", err)
	}

	var rows []towerRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query towers: %w", err)
	}

	found := make(map[string]btslookup.Info, len(rows))
	for _, r := range rows {
		found[r.CGI] = btslookup.Info{
			Longitude: r.Longitude.String,
			Latitude:  r.Latitude.String,
			Azimuth:   r.Azimuth.String,
			TowerName: r.TowerName.String,
		}
	}
	return found, nil
}

// UpsertTowers creates the generation table if needed and loads towers
// into it, replacing rows with the same CGI
func (s *Storage) UpsertTowers(ctx context.Context, table string, towers []btslookup.Tower) (int, error) {
	ref := ingest.TableRef{Schema: s.towerSchema, Table: table}
	def := ingest.TableDef{Ref: ref, PrimaryKey: "cgi"}
	for _, c := range towerColumns {
		col := ingest.ColumnDef{Name: c, Type: ingest.ColumnText}
		if c == "cgi" {
			col.Type = ingest.ColumnKey
		}
		def.Columns = append(def.Columns, col)
	}
	if err := s.CreateTable(ctx, def); err != nil {
		return 0, err
	}

	rows := make([][]any, len(towers))
	for i, t := range towers {
		rows[i] = []any{t.CGI, t.TowerName, t.Longitude, t.Latitude, t.Azimuth}
	}

	// bounded batches keep a single transaction from growing with the file
	const batch = 1000
	for start := 0; start < len(rows); start += batch {
		end := min(start+batch, len(rows))
		if err := s.InsertRows(ctx, ref, towerColumns, rows[start:end], []string{"cgi"}); err != nil {
			return start, fmt.Errorf("failed to load towers into %s: %w", ref, err)
		}
	}

	s.logger.Info("Towers loaded",
		slog.String("table", ref.String()),
		slog.Int("towers", len(rows)),
	)
	return len(rows), nil
}

var (
	_ btslookup.Querier     = (*Storage)(nil)
	_ btslookup.TowerWriter = (*Storage)(nil)
)
