// Package jobqueue runs asynchronous jobs one at a time in FIFO order and
// tracks their status, progress and lifecycle events.
package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/cuongbtq/cdr-ingest/internal/metrics"
	"github.com/google/uuid"
)

// Config holds queue configuration
type Config struct {
	Logger *slog.Logger
	// Context is handed to every job body; canceling it asks bodies to stop
	Context context.Context
	// MaxHistory bounds the number of retained jobs; 0 keeps everything
	MaxHistory int
}

type entry struct {
	job  Job
	body Body
}

// Queue is a single-consumer, multi-producer job queue
type Queue struct {
	ctx        context.Context
	logger     *slog.Logger
	maxHistory int
	now        func() time.Time

	mu       sync.Mutex
	jobs     map[string]*entry
	order    []string
	pending  []*entry
	draining bool
	idle     chan struct{}

	// emitMu serializes state transitions with their event delivery so
	// observers see events in the order transitions happened.
	emitMu    sync.Mutex
	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

// New creates an idle queue
func New(cfg *Config) *Queue {
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}

	idle := make(chan struct{})
	close(idle)

	return &Queue{
		ctx:        ctx,
		logger:     cfg.Logger,
		maxHistory: cfg.MaxHistory,
		now:        time.Now,
		jobs:       make(map[string]*entry),
		idle:       idle,
		observers:  make(map[int]Observer),
	}
}

// Enqueue registers a job and returns it in the queued state. The drain
// loop is started only if it is not already running.
func (q *Queue) Enqueue(meta map[string]any, body Body) Job {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()

	q.mu.Lock()
	e := &entry{
		job: Job{
			ID:        uuid.NewString(),
			Status:    StatusQueued,
			Message:   "Queued",
			Meta:      maps.Clone(meta),
			CreatedAt: q.now(),
		},
		body: body,
	}
	q.jobs[e.job.ID] = e
	q.order = append(q.order, e.job.ID)
	q.pending = append(q.pending, e)
	metrics.QueueDepth.Set(float64(len(q.pending)))

	start := !q.draining
	if start {
		q.draining = true
		q.idle = make(chan struct{})
	}
	snapshot := e.job.clone()
	q.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(string(EventQueued)).Inc()
	q.logger.Info("Job queued",
		slog.String("job_id", snapshot.ID),
		slog.Any("meta", snapshot.Meta),
	)
	q.emit(Event{Type: EventQueued, Job: snapshot})

	if start {
		go q.drain()
	}

	return snapshot
}

// Get returns a copy of the job with the given id
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job.clone(), true
}

// List returns up to limit jobs, newest first. limit <= 0 returns all.
func (q *Queue) List(limit int) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.order)
	if limit > 0 && limit < n {
		n = limit
	}

	jobs := make([]Job, 0, n)
	for i := len(q.order) - 1; i >= 0 && len(jobs) < n; i-- {
		jobs = append(jobs, q.jobs[q.order[i]].job.clone())
	}
	return jobs
}

// Subscribe registers an observer and returns a function removing it
func (q *Queue) Subscribe(o Observer) func() {
	q.obsMu.Lock()
	id := q.nextObs
	q.nextObs++
	q.observers[id] = o
	q.obsMu.Unlock()

	return func() {
		q.obsMu.Lock()
		delete(q.observers, id)
		q.obsMu.Unlock()
	}
}

// Wait blocks until no job is queued or running, or ctx is done
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain is the single worker loop; it exits when the pending list is empty
func (q *Queue) drain() {
	for {
		e, ok := q.next()
		if !ok {
			return
		}

		result, err := q.run(e)
		q.finish(e, result, err)
	}
}

func (q *Queue) next() (*entry, bool) {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()

	q.mu.Lock()
	if len(q.pending) == 0 {
		q.draining = false
		close(q.idle)
		q.mu.Unlock()
		return nil, false
	}

	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	metrics.QueueDepth.Set(float64(len(q.pending)))

	started := q.now()
	e.job.Status = StatusRunning
	e.job.Message = "Running"
	e.job.StartedAt = &started
	snapshot := e.job.clone()
	q.mu.Unlock()

	q.logger.Info("Job started",
		slog.String("job_id", snapshot.ID),
	)
	q.emit(Event{Type: EventStarted, Job: snapshot})

	return e, true
}

// run executes the body, converting a panic into a job failure
func (q *Queue) run(e *entry) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	ctx := context.WithValue(q.ctx, jobIDKey{}, e.job.ID)
	return e.body(ctx, func(u Update) {
		q.update(e, u)
	})
}

func (q *Queue) update(e *entry, u Update) {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()

	q.mu.Lock()
	if e.job.Status != StatusRunning {
		q.mu.Unlock()
		return
	}
	if u.Progress != nil {
		e.job.Progress = min(max(*u.Progress, 0), 100)
	}
	if u.Message != nil {
		e.job.Message = *u.Message
	}
	if len(u.Meta) > 0 {
		if e.job.Meta == nil {
			e.job.Meta = make(map[string]any, len(u.Meta))
		}
		for k, v := range u.Meta {
			e.job.Meta[k] = v
		}
	}
	snapshot := e.job.clone()
	q.mu.Unlock()

	q.emit(Event{Type: EventProgress, Job: snapshot})
}

func (q *Queue) finish(e *entry, result any, err error) {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()

	q.mu.Lock()
	completed := q.now()
	e.job.CompletedAt = &completed
	e.body = nil

	eventType := EventCompleted
	if err != nil {
		eventType = EventFailed
		e.job.Status = StatusFailed
		e.job.Error = err.Error()
		e.job.Message = err.Error()
	} else {
		e.job.Status = StatusCompleted
		e.job.Progress = 100
		e.job.Result = result
		if e.job.Message == "Running" {
			e.job.Message = "Completed"
		}
	}
	snapshot := e.job.clone()
	q.prune()
	q.mu.Unlock()

	duration := completed.Sub(*snapshot.StartedAt)
	metrics.JobsTotal.WithLabelValues(string(eventType)).Inc()
	metrics.JobDurationSeconds.WithLabelValues(string(snapshot.Status)).Observe(duration.Seconds())

	if err != nil {
		q.logger.Error("Job failed",
			slog.String("job_id", snapshot.ID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
	} else {
		q.logger.Info("Job completed",
			slog.String("job_id", snapshot.ID),
			slog.Duration("duration", duration),
		)
	}

	q.emit(Event{Type: eventType, Job: snapshot})
}

// prune drops the oldest terminal jobs beyond maxHistory. Caller holds q.mu.
func (q *Queue) prune() {
	if q.maxHistory <= 0 || len(q.order) <= q.maxHistory {
		return
	}

	excess := len(q.order) - q.maxHistory
	kept := q.order[:0]
	for _, id := range q.order {
		if excess > 0 && q.jobs[id].job.Status.Terminal() {
			delete(q.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}

func (q *Queue) emit(e Event) {
	q.obsMu.RLock()
	defer q.obsMu.RUnlock()

	for _, o := range q.observers {
		o.OnJobEvent(e)
	}
}

type jobIDKey struct{}

// IDFromContext returns the id of the job whose body received ctx
func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}
