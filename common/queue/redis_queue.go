package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	redisWrapper "github.com/loomflow/loomflow/common/redis"
)

// RedisQueue is a Redis-backed durable queue. Jobs are serialized onto a
// list per queue name and claimed with BLPOP; job state lives in a hash so
// it survives worker restarts and is visible across processes.
type RedisQueue struct {
	redis *redisWrapper.Client
	log   Logger
}

// NewRedisQueue creates a Redis-backed queue
func NewRedisQueue(redis *redisWrapper.Client, log Logger) *RedisQueue {
	return &RedisQueue{
		redis: redis,
		log:   log,
	}
}

func listKey(queueName string) string  { return "queue:" + queueName }
func stateKey(queueName string) string { return "queue:" + queueName + ":jobs" }

// Add enqueues a job on the named queue
func (q *RedisQueue) Add(ctx context.Context, queueName string, payload []byte, opts JobOptions) (*Job, error) {
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

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.redis.SetHash(ctx, stateKey(queueName), job.ID, string(data)); err != nil {
		return nil, err
	}
	if err := q.redis.PushToList(ctx, listKey(queueName), job.ID); err != nil {
		return nil, err
	}

	return job, nil
}

// Process starts workers consuming the named queue. Returns when ctx ends.
func (q *RedisQueue) Process(ctx context.Context, queueName string, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	q.log.Info("queue processing started", "queue", queueName, "concurrency", concurrency)

	for i := 0; i < concurrency; i++ {
		go q.worker(ctx, queueName, handler)
	}

	return nil
}

func (q *RedisQueue) worker(ctx context.Context, queueName string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := q.redis.BlockingPopList(ctx, 5*time.Second, listKey(queueName))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		q.deliver(ctx, queueName, result[1], handler)
	}
}

func (q *RedisQueue) deliver(ctx context.Context, queueName, jobID string, handler Handler) {
	job, err := q.loadJob(ctx, queueName, jobID)
	if err != nil || job == nil {
		// Removed or unreadable; nothing to run
		return
	}

	job.State = JobStateActive
	job.Made++
	q.storeJob(ctx, job)

	jobCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	if err := handler(jobCtx, job); err != nil {
		if job.Made < job.Attempts {
			job.State = JobStateWaiting
			q.storeJob(ctx, job)
			if pushErr := q.redis.PushToList(ctx, listKey(queueName), job.ID); pushErr != nil {
				q.log.Error("failed to redeliver job", "queue", queueName, "job_id", job.ID, "error", pushErr)
			}
			return
		}
		job.State = JobStateFailed
		q.storeJob(ctx, job)
		q.log.Error("job failed", "queue", queueName, "job_id", job.ID, "error", err)
		return
	}

	if delErr := q.redis.DeleteHashField(ctx, stateKey(queueName), job.ID); delErr != nil {
		q.log.Warn("failed to clear completed job", "queue", queueName, "job_id", job.ID, "error", delErr)
	}
}

func (q *RedisQueue) loadJob(ctx context.Context, queueName, jobID string) (*Job, error) {
	all, err := q.redis.GetAllHash(ctx, stateKey(queueName))
	if err != nil {
		return nil, err
	}
	raw, exists := all[jobID]
	if !exists {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func (q *RedisQueue) storeJob(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		q.log.Error("failed to marshal job state", "job_id", job.ID, "error", err)
		return
	}
	if err := q.redis.SetHash(ctx, stateKey(job.Queue), job.ID, string(data)); err != nil {
		q.log.Error("failed to store job state", "job_id", job.ID, "error", err)
	}
}

// Remove removes a job from its queue and clears its state
func (q *RedisQueue) Remove(ctx context.Context, job *Job) error {
	if _, err := q.redis.RemoveFromList(ctx, listKey(job.Queue), job.ID); err != nil {
		return err
	}
	return q.redis.DeleteHashField(ctx, stateKey(job.Queue), job.ID)
}

// GetJobs returns jobs on the named queue in any of the given states
func (q *RedisQueue) GetJobs(ctx context.Context, queueName string, states ...JobState) ([]*Job, error) {
	all, err := q.redis.GetAllHash(ctx, stateKey(queueName))
	if err != nil {
		return nil, err
	}

	want := make(map[JobState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	var jobs []*Job
	for id, raw := range all {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.log.Warn("skipping unreadable job state", "queue", queueName, "job_id", id, "error", err)
			continue
		}
		if len(states) == 0 || want[job.State] {
			jobs = append(jobs, &job)
		}
	}
	return jobs, nil
}

// Close closes the queue (connections are owned by the shared Redis client)
func (q *RedisQueue) Close() error {
	return nil
}
