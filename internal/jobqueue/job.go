package jobqueue

import (
	"context"
	"maps"
	"time"
)

// Status is the lifecycle state of a job
type Status string

// Job status constants
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition can happen
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a snapshot of one unit of queued work
type Job struct {
	ID          string         `json:"id"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func (j *Job) clone() Job {
	c := *j
	c.Meta = maps.Clone(j.Meta)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Update is a partial job state reported by a running body.
// Nil fields are left untouched; Meta keys are merged.
type Update struct {
	Progress *int
	Message  *string
	Meta     map[string]any
}

// Progress builds an update carrying a percentage and a message
func Progress(percent int, message string) Update {
	return Update{Progress: &percent, Message: &message}
}

// Message builds an update carrying only a message
func Message(message string) Update {
	return Update{Message: &message}
}

// UpdateFunc reports progress from inside a job body
type UpdateFunc func(Update)

// Body is the work executed for a job. The returned value becomes the job
// result; a returned error fails the job.
type Body func(ctx context.Context, update UpdateFunc) (any, error)

// EventType names a lifecycle transition
type EventType string

// Event type constants
const (
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event carries the job state right after a transition
type Event struct {
	Type EventType `json:"type"`
	Job  Job       `json:"job"`
}

// Observer receives job events in emission order. Observers are called
// synchronously and must not call back into the queue.
type Observer interface {
	OnJobEvent(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

// OnJobEvent calls f(e)
func (f ObserverFunc) OnJobEvent(e Event) {
	f(e)
}
