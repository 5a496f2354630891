package ingest

import (
	"fmt"
	"strings"
	"unicode"
)

// DefaultSchema receives tables named without a schema
const DefaultSchema = "autres"

// maxIdentifierLength is the longest identifier accepted by PostgreSQL
const maxIdentifierLength = 63

// ColumnType is the storage class of a generated column
type ColumnType int

const (
	// ColumnText holds arbitrary text
	ColumnText ColumnType = iota
	// ColumnKey is a bounded string used as primary key
	ColumnKey
	// ColumnSerial is an auto-incrementing surrogate key
	ColumnSerial
)

// ColumnDef is one column of a generated table
type ColumnDef struct {
	Name string
	Type ColumnType
}

// TableDef is a table schema decided at runtime from a file header
type TableDef struct {
	Ref        TableRef
	Columns    []ColumnDef
	PrimaryKey string
}

// DataColumns returns the columns fed from the file, in file order
func (d TableDef) DataColumns() []string {
	cols := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		if c.Type != ColumnSerial {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// ParseTableRef splits "schema.table" on the first dot; a bare name is
// placed in fallbackSchema.
func ParseTableRef(name, fallbackSchema string) TableRef {
	name = strings.TrimSpace(name)
	if schema, table, ok := strings.Cut(name, "."); ok {
		return TableRef{Schema: strings.TrimSpace(schema), Table: strings.TrimSpace(table)}
	}
	return TableRef{Schema: fallbackSchema, Table: name}
}

// BuildTableDef derives a table from a file header. Every column is text;
// a column named "id" becomes a bounded string primary key, otherwise a
// surrogate auto-incrementing "id" is prepended.
func BuildTableDef(ref TableRef, header []string) TableDef {
	names := SanitizeColumns(header)
	def := TableDef{Ref: ref}

	for _, name := range names {
		if def.PrimaryKey == "" && strings.EqualFold(name, "id") {
			def.PrimaryKey = name
			def.Columns = append(def.Columns, ColumnDef{Name: name, Type: ColumnKey})
			continue
		}
		def.Columns = append(def.Columns, ColumnDef{Name: name, Type: ColumnText})
	}

	if def.PrimaryKey == "" {
		surrogate := uniqueName("id", names)
		def.PrimaryKey = surrogate
		def.Columns = append([]ColumnDef{{Name: surrogate, Type: ColumnSerial}}, def.Columns...)
	}

	return def
}

// SanitizeColumns turns raw header cells into distinct column identifiers
func SanitizeColumns(header []string) []string {
	seen := make(map[string]int, len(header))
	out := make([]string, len(header))

	for i, raw := range header {
		name := sanitizeIdentifier(raw)
		if name == "" {
			name = fmt.Sprintf("col_%d", i+1)
		}

		key := strings.ToLower(name)
		if n, dup := seen[key]; dup {
			seen[key] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
			key = strings.ToLower(name)
		}
		seen[key] = 1
		out[i] = name
	}
	return out
}

func sanitizeIdentifier(raw string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.TrimSpace(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}

	name := []rune(strings.TrimRight(b.String(), "_"))
	if len(name) > maxIdentifierLength {
		name = name[:maxIdentifierLength]
	}
	return strings.TrimRight(string(name), "_")
}

func uniqueName(base string, taken []string) string {
	used := make(map[string]bool, len(taken))
	for _, t := range taken {
		used[strings.ToLower(t)] = true
	}
	name := base
	for i := 2; used[strings.ToLower(name)]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	return name
}
