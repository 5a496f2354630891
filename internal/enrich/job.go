package enrich

import (
	"context"
	"path/filepath"

	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
)

// JobType is the meta type of enrichment jobs
const JobType = "enrichment"

// JobMeta returns the queue metadata of an enrichment of path
func JobMeta(path string) map[string]any {
	return map[string]any{
		"type":      JobType,
		"file_path": path,
	}
}

// Body returns a queue job body enriching path. The job result is the
// *Result of the run.
func (s *Service) Body(path string) jobqueue.Body {
	return func(ctx context.Context, update jobqueue.UpdateFunc) (any, error) {
		update(jobqueue.Progress(0, "Enriching "+filepath.Base(path)))

		res, err := s.EnrichFile(ctx, path)
		if err != nil {
			return nil, err
		}
		update(jobqueue.Update{Meta: map[string]any{
			"rows":          res.Rows,
			"enriched_rows": res.EnrichedRows,
		}})
		return res, nil
	}
}

// Enqueue schedules an enrichment of path on q
func (s *Service) Enqueue(q *jobqueue.Queue, path string) jobqueue.Job {
	return q.Enqueue(JobMeta(path), s.Body(path))
}
