package storage

import (
	"fmt"
	"strings"

	"github.com/cuongbtq/cdr-ingest/internal/ingest"
)

// dialect captures the SQL differences between the supported drivers
type dialect struct {
	name string
	// quoteChar wraps identifiers
	quoteChar string
	// maxParams is the bind parameter limit of one statement
	maxParams int
	// returning reports whether INSERT ... RETURNING id is available
	returning bool
	// schemas reports whether tables can live in a named schema
	schemas bool

	keyType    string
	serialType string
}

var (
	postgresDialect = dialect{
		name:       "postgres",
		quoteChar:  `"`,
		maxParams:  65535,
		returning:  true,
		schemas:    true,
		keyType:    "VARCHAR(255) PRIMARY KEY",
		serialType: "BIGSERIAL PRIMARY KEY",
	}

	mysqlDialect = dialect{
		name:       "mysql",
		quoteChar:  "`",
		maxParams:  65535,
		schemas:    true,
		keyType:    "VARCHAR(255) PRIMARY KEY",
		serialType: "BIGINT AUTO_INCREMENT PRIMARY KEY",
	}

	// sqlite keeps every table in the main database; the schema part of a
	// reference is dropped
	sqliteDialect = dialect{
		name:       "sqlite3",
		quoteChar:  `"`,
		maxParams:  999,
		keyType:    "VARCHAR(255) PRIMARY KEY",
		serialType: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return postgresDialect, nil
	case "mysql":
		return mysqlDialect, nil
	case "sqlite3":
		return sqliteDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

func (d dialect) quote(ident string) string {
	return d.quoteChar + strings.ReplaceAll(ident, d.quoteChar, d.quoteChar+d.quoteChar) + d.quoteChar
}

func (d dialect) table(ref ingest.TableRef) string {
	if !d.schemas || ref.Schema == "" {
		return d.quote(ref.Table)
	}
	return d.quote(ref.Schema) + "." + d.quote(ref.Table)
}

func (d dialect) columnType(c ingest.ColumnDef) string {
	switch c.Type {
	case ingest.ColumnKey:
		return d.keyType
	case ingest.ColumnSerial:
		return d.serialType
	}
	return "TEXT"
}

// createTable renders CREATE TABLE IF NOT EXISTS for a generated table
func (d dialect) createTable(def ingest.TableDef) string {
	cols := make([]string, len(def.Columns))
	for i, c := range def.Columns {
		cols[i] = d.quote(c.Name) + " " + d.columnType(c)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.table(def.Ref), strings.Join(cols, ", "))
}

// rowsPerStatement bounds a multi-row insert by the parameter limit
func (d dialect) rowsPerStatement(columns int) int {
	if columns <= 0 {
		return 1
	}
	return max(1, d.maxParams/columns)
}

// insert renders a multi-row INSERT with '?' placeholders. A non-empty
// conflict list makes it an upsert that overwrites every other column.
func (d dialect) insert(table string, columns []string, rows int, conflict []string) string {
	var b strings.Builder

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.quote(c)
	}
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(quoted, ", "))

	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
	}

	if len(conflict) > 0 {
		b.WriteString(d.upsertClause(columns, conflict))
	}
	return b.String()
}

func (d dialect) upsertClause(columns, conflict []string) string {
	isKey := make(map[string]bool, len(conflict))
	for _, k := range conflict {
		isKey[strings.ToLower(k)] = true
	}

	var updates []string
	for _, c := range columns {
		if isKey[strings.ToLower(c)] {
			continue
		}
		q := d.quote(c)
		if d.name == "mysql" {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", q, q))
		} else {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", q, q))
		}
	}

	if d.name == "mysql" {
		if len(updates) == 0 {
			// a no-op assignment keeps duplicate keys from failing
			q := d.quote(conflict[0])
			updates = append(updates, fmt.Sprintf("%s = %s", q, q))
		}
		return " ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
	}

	keys := make([]string, len(conflict))
	for i, k := range conflict {
		keys[i] = d.quote(k)
	}
	if len(updates) == 0 {
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(keys, ", "))
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(updates, ", "))
}

// tableExists returns a COUNT query and its arguments
func (d dialect) tableExists(ref ingest.TableRef) (string, []any) {
	if !d.schemas {
		return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", []any{ref.Table}
	}
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?",
		[]any{ref.Schema, ref.Table}
}

// primaryKey returns a query listing primary key columns in key order
func (d dialect) primaryKey(ref ingest.TableRef) (string, []any) {
	if !d.schemas {
		return "SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk", []any{ref.Table}
	}
	return `SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = ?
			AND tc.table_name = ?
		ORDER BY kcu.ordinal_position`, []any{ref.Schema, ref.Table}
}
