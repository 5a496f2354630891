// Package btslookup resolves cell global identifiers to base station metadata
// stored in one table per radio generation, memoizing hits and misses.
package btslookup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cuongbtq/cdr-ingest/internal/identifier"
	"github.com/cuongbtq/cdr-ingest/internal/metrics"
)

const (
	// DefaultChunkSize bounds the number of parameters in one IN (...) query
	DefaultChunkSize = 500
)

// DefaultTables lists the generation tables, most authoritative first
var DefaultTables = []string{"5g", "4g", "3g", "2g"}

// Info is the tower metadata attached to a CGI
type Info struct {
	Longitude string `json:"longitude"`
	Latitude  string `json:"latitude"`
	Azimuth   string `json:"azimuth"`
	TowerName string `json:"tower_name"`
}

// Querier fetches tower rows for a set of CGIs from one table.
// Identifiers absent from the table are simply missing from the result.
type Querier interface {
	QueryTowers(ctx context.Context, table string, cgis []string) (map[string]Info, error)
}

// Options configures a Service
type Options struct {
	Tables    []string
	ChunkSize int
}

// Service is the process-wide lookup cache. Construct it once and share it.
type Service struct {
	querier   Querier
	tables    []string
	chunkSize int
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Info
}

// New creates a lookup service over the given querier
func New(querier Querier, opts Options, logger *slog.Logger) *Service {
	tables := opts.Tables
	if len(tables) == 0 {
		tables = DefaultTables
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Service{
		querier:   querier,
		tables:    append([]string(nil), tables...),
		chunkSize: chunkSize,
		logger:    logger,
		cache:     make(map[string]*Info),
	}
}

// Lookup resolves a single CGI. A nil result means the CGI is unknown.
func (s *Service) Lookup(ctx context.Context, cgi string) (*Info, error) {
	key := identifier.NormalizeCGI(cgi)
	if key == "" {
		return nil, nil
	}

	resolved, err := s.LookupMultiple(ctx, []string{key})
	if err != nil {
		return nil, err
	}
	return resolved[key], nil
}

// LookupMultiple resolves a set of CGIs. The returned map is keyed by the
// normalized identifier and holds nil for confirmed misses.
func (s *Service) LookupMultiple(ctx context.Context, cgis []string) (map[string]*Info, error) {
	result := make(map[string]*Info, len(cgis))
	outstanding := make(map[string]struct{})

	s.mu.RLock()
	for _, raw := range cgis {
		key := identifier.NormalizeCGI(raw)
		if key == "" {
			continue
		}
		if info, ok := s.cache[key]; ok {
			result[key] = copyInfo(info)
			continue
		}
		outstanding[key] = struct{}{}
	}
	s.mu.RUnlock()

	metrics.LookupCacheHits.Add(float64(len(result)))
	if len(outstanding) == 0 {
		return result, nil
	}
	metrics.LookupCacheMisses.Add(float64(len(outstanding)))

	found := make(map[string]Info, len(outstanding))
	for _, table := range s.tables {
		if len(outstanding) == 0 {
			break
		}

		pending := sortedKeys(outstanding)
		for start := 0; start < len(pending); start += s.chunkSize {
			end := min(start+s.chunkSize, len(pending))

			rows, err := s.querier.QueryTowers(ctx, table, pending[start:end])
			metrics.LookupQueries.WithLabelValues(table).Inc()
			if err != nil {
				return nil, fmt.Errorf("failed to query table %s: %w", table, err)
			}

			for cgi, info := range rows {
				key := identifier.NormalizeCGI(cgi)
				if _, ok := outstanding[key]; !ok {
					continue
				}
				found[key] = info
				delete(outstanding, key)
			}
		}

		s.logger.Debug("Tower table consulted",
			slog.String("table", table),
			slog.Int("queried", len(pending)),
			slog.Int("remaining", len(outstanding)),
		)
	}

	s.mu.Lock()
	for key, info := range found {
		info := info
		s.cache[key] = &info
		result[key] = copyInfo(&info)
	}
	for key := range outstanding {
		s.cache[key] = nil
		result[key] = nil
	}
	s.mu.Unlock()

	return result, nil
}

// CacheSize returns the number of memoized identifiers, hits and misses alike
func (s *Service) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func copyInfo(info *Info) *Info {
	if info == nil {
		return nil
	}
	c := *info
	return &c
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
