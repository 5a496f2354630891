package btslookup

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/cuongbtq/cdr-ingest/internal/csvdialect"
	"github.com/cuongbtq/cdr-ingest/internal/identifier"
	"github.com/jszwec/csvutil"
)

// ErrNoTowers is returned when a reference file holds no usable rows
var ErrNoTowers = errors.New("reference file contains no towers")

// Tower is one row of a generation reference table
type Tower struct {
	CGI       string `csv:"CGI" db:"cgi"`
	TowerName string `csv:"NOM_BTS" db:"nom_bts"`
	Longitude string `csv:"LONGITUDE" db:"longitude"`
	Latitude  string `csv:"LATITUDE" db:"latitude"`
	Azimuth   string `csv:"AZIMUT" db:"azimut"`
}

// Info returns the lookup view of the tower
func (t Tower) Info() Info {
	return Info{
		Longitude: t.Longitude,
		Latitude:  t.Latitude,
		Azimuth:   t.Azimuth,
		TowerName: t.TowerName,
	}
}

// TowerWriter persists reference rows into a generation table
type TowerWriter interface {
	UpsertTowers(ctx context.Context, table string, towers []Tower) (int, error)
}

// ParseTowers decodes a reference CSV (';' or ',' delimited, optional BOM)
// whose header names the CGI, NOM_BTS, LONGITUDE, LATITUDE and AZIMUT columns.
// Rows without a CGI are skipped; the last row wins for a repeated CGI.
func ParseTowers(r io.Reader) ([]Tower, error) {
	dialect, body, err := csvdialect.Sniff(r)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(body)
	reader.Comma = dialect.Delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	decoder, err := csvutil.NewDecoder(reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoTowers
		}
		return nil, fmt.Errorf("failed to create tower decoder: %w", err)
	}

	index := make(map[string]int)
	var towers []Tower
	for {
		var t Tower
		if err := decoder.Decode(&t); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode tower row: %w", err)
		}

		t.CGI = identifier.NormalizeCGI(t.CGI)
		if t.CGI == "" {
			continue
		}
		if i, ok := index[t.CGI]; ok {
			towers[i] = t
			continue
		}
		index[t.CGI] = len(towers)
		towers = append(towers, t)
	}

	if len(towers) == 0 {
		return nil, ErrNoTowers
	}
	return towers, nil
}
