package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// MemoryQueue is an in-process queue for development and tests. Delivery is
// at-least-once: failed jobs are redelivered while attempts remain.
type MemoryQueue struct {
	channels map[string]chan string
	jobs     map[string]*Job
	removed  map[string]bool
	mu       sync.Mutex
	log      Logger
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(log Logger) *MemoryQueue {
	return &MemoryQueue{
		channels: make(map[string]chan string),
		jobs:     make(map[string]*Job),
		removed:  make(map[string]bool),
		log:      log,
	}
}

func (q *MemoryQueue) channel(name string) chan string {
	ch, exists := q.channels[name]
	if !exists {
		ch = make(chan string, 1000)
		q.channels[name] = ch
	}
	return ch
}

// Add enqueues a job on the named queue
func (q *MemoryQueue) Add(ctx context.Context, queueName string, payload []byte, opts JobOptions) (*Job, error) {
	job := &Job{
		ID:        uuid.New().String(),
		Queue:     queueName,
		Payload:   payload,
		Timeout:   opts.Timeout,
		Attempts:  opts.Attempts,
		State:     JobStateWaiting,
		CreatedAt: time.Now(),
	}
	if job.Attempts <= 0 {
		job.Attempts = 1
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	ch := q.channel(queueName)
	q.mu.Unlock()

	select {
	case ch <- job.ID:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Process starts workers consuming the named queue. Returns when ctx ends.
func (q *MemoryQueue) Process(ctx context.Context, queueName string, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	q.mu.Lock()
	ch := q.channel(queueName)
	q.mu.Unlock()

	q.log.Info("queue processing started", "queue", queueName, "concurrency", concurrency)

	for i := 0; i < concurrency; i++ {
		go q.worker(ctx, queueName, ch, handler)
	}

	return nil
}

func (q *MemoryQueue) worker(ctx context.Context, queueName string, ch chan string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-ch:
			q.deliver(ctx, queueName, jobID, ch, handler)
		}
	}
}

func (q *MemoryQueue) deliver(ctx context.Context, queueName, jobID string, ch chan string, handler Handler) {
	q.mu.Lock()
	job, exists := q.jobs[jobID]
	if !exists || q.removed[jobID] {
		delete(q.removed, jobID)
		q.mu.Unlock()
		return
	}
	job.State = JobStateActive
	job.Made++
	q.mu.Unlock()

	jobCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	err := handler(jobCtx, job)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.removed[jobID] {
		delete(q.removed, jobID)
		delete(q.jobs, jobID)
		return
	}

	if err != nil {
		if job.Made < job.Attempts {
			job.State = JobStateWaiting
			select {
			case ch <- jobID:
			default:
				q.log.Warn("queue full, dropping redelivery", "queue", queueName, "job_id", jobID)
				job.State = JobStateFailed
			}
			return
		}
		job.State = JobStateFailed
		q.log.Error("job failed", "queue", queueName, "job_id", jobID, "error", err)
		return
	}

	job.State = JobStateCompleted
	delete(q.jobs, jobID)
}

// Remove removes a job; active jobs are dropped once their handler returns
func (q *MemoryQueue) Remove(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, exists := q.jobs[job.ID]
	if !exists {
		return nil
	}
	if stored.State == JobStateActive {
		q.removed[job.ID] = true
		return nil
	}
	delete(q.jobs, job.ID)
	q.removed[job.ID] = true
	return nil
}

// GetJobs returns jobs on the named queue in any of the given states
func (q *MemoryQueue) GetJobs(ctx context.Context, queueName string, states ...JobState) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	want := make(map[JobState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	var jobs []*Job
	for id, job := range q.jobs {
		if job.Queue != queueName || q.removed[id] {
			continue
		}
		if len(states) == 0 || want[job.State] {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Close closes the queue
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for name, ch := range q.channels {
		close(ch)
		q.log.Info("closed queue", "queue", name)
	}
	q.channels = make(map[string]chan string)
	return nil
}
