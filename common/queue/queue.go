package queue

import (
	"context"
	"time"
)

// JobState tracks where a job is in its lifecycle.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Job is one unit of work on a named queue.
type Job struct {
	ID        string        `json:"id"`
	Queue     string        `json:"queue"`
	Payload   []byte        `json:"payload"`
	Timeout   time.Duration `json:"timeout"`
	Attempts  int           `json:"attempts"` // max delivery attempts
	Made      int           `json:"made"`     // attempts made so far
	State     JobState      `json:"state"`
	CreatedAt time.Time     `json:"createdAt"`
}

// JobOptions tunes a single enqueue.
type JobOptions struct {
	Timeout  time.Duration
	Attempts int
}

// Handler processes one job. A returned error counts the delivery as
// failed; the job is redelivered while attempts remain.
type Handler func(ctx context.Context, job *Job) error

// Queue is a durable at-least-once job queue.
type Queue interface {
	Add(ctx context.Context, queue string, payload []byte, opts JobOptions) (*Job, error)
	Process(ctx context.Context, queue string, concurrency int, handler Handler) error
	Remove(ctx context.Context, job *Job) error
	GetJobs(ctx context.Context, queue string, states ...JobState) ([]*Job, error)
	Close() error
}
