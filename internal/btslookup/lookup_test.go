package btslookup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queryCall struct {
	table string
	cgis  []string
}

type fakeQuerier struct {
	mu     sync.Mutex
	tables map[string]map[string]Info
	calls  []queryCall
	err    error
}

func (f *fakeQuerier) QueryTowers(ctx context.Context, table string, cgis []string) (map[string]Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, queryCall{table: table, cgis: append([]string(nil), cgis...)})
	if f.err != nil {
		return nil, f.err
	}

	out := make(map[string]Info)
	for _, cgi := range cgis {
		if info, ok := f.tables[table][cgi]; ok {
			out[cgi] = info
		}
	}
	return out, nil
}

func (f *fakeQuerier) callsFor(table string) []queryCall {
	var out []queryCall
	for _, c := range f.calls {
		if c.table == table {
			out = append(out, c)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLookup_CachesHitsAndMisses(t *testing.T) {
	q := &fakeQuerier{tables: map[string]map[string]Info{
		"4g": {"A": {Longitude: "1.5", Latitude: "2.5", Azimuth: "90", TowerName: "Plateau"}},
	}}
	svc := New(q, Options{}, testLogger())
	ctx := context.Background()

	info, err := svc.Lookup(ctx, " A ")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "Plateau", info.TowerName)
	callsAfterFirst := len(q.calls)

	info, err = svc.Lookup(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, callsAfterFirst, len(q.calls), "second lookup must be served from cache")

	missing, err := svc.Lookup(ctx, "Z")
	require.NoError(t, err)
	assert.Nil(t, missing)
	callsAfterMiss := len(q.calls)

	missing, err = svc.Lookup(ctx, "Z")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Equal(t, callsAfterMiss, len(q.calls), "confirmed miss must be cached")
	assert.Equal(t, 2, svc.CacheSize())
}

func TestLookup_EmptyIdentifier(t *testing.T) {
	q := &fakeQuerier{}
	svc := New(q, Options{}, testLogger())

	info, err := svc.Lookup(context.Background(), "   ")
	require.NoError(t, err)
	assert.Nil(t, info)
	assert.Empty(t, q.calls)
}

func TestLookupMultiple_ChunksPerTable(t *testing.T) {
	const n, chunk = 23, 5

	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("CGI-%02d", i)
	}

	q := &fakeQuerier{tables: map[string]map[string]Info{}}
	svc := New(q, Options{Tables: []string{"5g", "4g", "3g", "2g"}, ChunkSize: chunk}, testLogger())

	result, err := svc.LookupMultiple(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, result, n)

	for _, table := range []string{"5g", "4g", "3g", "2g"} {
		calls := q.callsFor(table)
		assert.Len(t, calls, 5, "ceil(%d/%d) queries expected on %s", n, chunk, table)
		for _, c := range calls {
			assert.LessOrEqual(t, len(c.cgis), chunk)
		}
	}
}

func TestLookupMultiple_EarlierTableIsAuthoritative(t *testing.T) {
	q := &fakeQuerier{tables: map[string]map[string]Info{
		"5g": {"A": {TowerName: "five"}},
		"4g": {"A": {TowerName: "four"}, "B": {TowerName: "four-b"}},
		"2g": {"C": {TowerName: "two-c"}},
	}}
	svc := New(q, Options{}, testLogger())

	result, err := svc.LookupMultiple(context.Background(), []string{"A", "B", "C", "D", "A", ""})
	require.NoError(t, err)

	require.NotNil(t, result["A"])
	assert.Equal(t, "five", result["A"].TowerName)
	assert.Equal(t, "four-b", result["B"].TowerName)
	assert.Equal(t, "two-c", result["C"].TowerName)
	assert.Contains(t, result, "D")
	assert.Nil(t, result["D"])
	assert.NotContains(t, result, "")

	for _, c := range q.callsFor("4g") {
		assert.NotContains(t, c.cgis, "A", "A was resolved by 5g")
	}
	for _, c := range q.callsFor("2g") {
		assert.ElementsMatch(t, []string{"C", "D"}, c.cgis)
	}
}

func TestLookupMultiple_StopsWhenEverythingResolved(t *testing.T) {
	q := &fakeQuerier{tables: map[string]map[string]Info{
		"5g": {"A": {TowerName: "five"}},
	}}
	svc := New(q, Options{}, testLogger())

	_, err := svc.LookupMultiple(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Len(t, q.calls, 1)
}

func TestLookupMultiple_NoRequeryOfCachedIdentifiers(t *testing.T) {
	q := &fakeQuerier{tables: map[string]map[string]Info{
		"3g": {"A": {TowerName: "three"}},
	}}
	svc := New(q, Options{}, testLogger())
	ctx := context.Background()

	_, err := svc.LookupMultiple(ctx, []string{"A", "B"})
	require.NoError(t, err)
	before := len(q.calls)

	result, err := svc.LookupMultiple(ctx, []string{"A", "B", "C"})
	require.NoError(t, err)
	assert.Len(t, result, 3)

	for _, c := range q.calls[before:] {
		assert.Equal(t, []string{"C"}, c.cgis)
	}
}

func TestLookupMultiple_QueryErrorIsNotCached(t *testing.T) {
	q := &fakeQuerier{err: errors.New("connection refused")}
	svc := New(q, Options{}, testLogger())

	_, err := svc.LookupMultiple(context.Background(), []string{"A"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query table 5g")
	assert.Zero(t, svc.CacheSize())
}

func TestLookupMultiple_ReturnsCopies(t *testing.T) {
	q := &fakeQuerier{tables: map[string]map[string]Info{
		"5g": {"A": {TowerName: "five"}},
	}}
	svc := New(q, Options{}, testLogger())
	ctx := context.Background()

	first, err := svc.Lookup(ctx, "A")
	require.NoError(t, err)
	first.TowerName = "mutated"

	second, err := svc.Lookup(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "five", second.TowerName)
}

func TestParseTowers(t *testing.T) {
	t.Run("semicolon file with BOM", func(t *testing.T) {
		input := "\xEF\xBB\xBFCGI;NOM_BTS;LONGITUDE;LATITUDE;AZIMUT\r\n" +
			"A;Plateau;-17.44;14.69;120\r\n" +
			";skipped;0;0;0\r\n" +
			"B;Medina;-17.45;14.68;240\r\n" +
			"A;Plateau Nord;-17.44;14.70;130\r\n"

		towers, err := ParseTowers(strings.NewReader(input))
		require.NoError(t, err)
		require.Len(t, towers, 2)
		assert.Equal(t, Tower{CGI: "A", TowerName: "Plateau Nord", Longitude: "-17.44", Latitude: "14.70", Azimuth: "130"}, towers[0])
		assert.Equal(t, "Medina", towers[1].Info().TowerName)
	})

	t.Run("empty file", func(t *testing.T) {
		_, err := ParseTowers(strings.NewReader(""))
		assert.ErrorIs(t, err, ErrNoTowers)
	})

	t.Run("header only", func(t *testing.T) {
		_, err := ParseTowers(strings.NewReader("CGI,NOM_BTS,LONGITUDE,LATITUDE,AZIMUT\n"))
		assert.ErrorIs(t, err, ErrNoTowers)
	})
}
