package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/repository"
	"github.com/gantryhq/gantry/internal/telemetry"
)

const (
	inflightKey   = "gantry:inflight"
	dlqKey        = "gantry:dlq"
	jobMetaPrefix = "gantry:jobmeta:"

	claimPollEvery = 250 * time.Millisecond
)

// Queue is the Redis-coordinated durable job queue.
type Queue struct {
	client        *redis.Client
	jobs          repository.JobRepository
	log           *slog.Logger
	visibilityTTL time.Duration
	maxAttempts   int
	backoffBase   time.Duration
	backoffMax    time.Duration
}

// Config collects queue tuning knobs.
type Config struct {
	VisibilityTimeout time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// New builds a queue around an existing Redis client and job repository.
func New(client *redis.Client, jobs repository.JobRepository, log *slog.Logger, cfg Config) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	return &Queue{
		client:        client,
		jobs:          jobs,
		log:           log,
		visibilityTTL: cfg.VisibilityTimeout,
		maxAttempts:   cfg.MaxAttempts,
		backoffBase:   cfg.BackoffBase,
		backoffMax:    cfg.BackoffMax,
	}
}

func readyKey(queueName string) string {
	return "gantry:ready:" + queueName
}

func scheduledKey(queueName string) string {
	return "gantry:scheduled:" + queueName
}

func metaKey(jobID string) string {
	return jobMetaPrefix + jobID
}

// Enqueue persists a job row and pushes it to the named queue. The row is
// inserted first, so a Redis failure surfaces as ErrQueueUnavailable
// without losing the job record.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload any, opts Options) (string, error) {
	if queueName == "" {
		return "", errors.New("queue name required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	now := time.Now().UTC()
	job := &domain.Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Payload:     raw,
		Status:      domain.JobStatusWaiting,
		MaxAttempts: maxAttempts,
		RunAt:       now.Add(opts.Delay),
		CreatedAt:   now,
	}
	if err := q.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	if err := q.push(ctx, job.ID, queueName, job.RunAt); err != nil {
		return job.ID, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	telemetry.JobsEnqueued.WithLabelValues(queueName).Inc()
	q.log.Info("job enqueued", "job_id", job.ID, "queue", queueName)
	return job.ID, nil
}

func (q *Queue) push(ctx context.Context, jobID, queueName string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), "queue", queueName)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, scheduledKey(queueName), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, readyKey(queueName), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetStatus reports job state for polling callers.
func (q *Queue) GetStatus(ctx context.Context, jobID string) (Status, error) {
	job, err := q.jobs.GetJob(ctx, jobID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		State:        job.Status,
		Progress:     job.Progress,
		AttemptsMade: job.Attempts,
		ReturnValue:  job.Result,
	}
	if job.LastError != nil {
		st.FailureReason = *job.LastError
	}
	return st, nil
}

// ClaimNext blocks up to wait for the next job on the queue. It promotes
// due scheduled jobs and reclaims expired leases on every cycle, then pops
// atomically into the in-flight set. Returns nil when nothing arrives.
func (q *Queue) ClaimNext(ctx context.Context, queueName string, wait time.Duration) (*domain.Job, error) {
	deadline := time.Now().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.promoteScheduled(ctx, queueName)
		q.reclaimExpired(ctx)

		jobID, err := q.dequeue(ctx, queueName)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		if jobID != "" {
			job, err := q.jobs.GetJob(ctx, jobID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					// Row deleted out from under the queue; drop the ghost entry.
					q.forget(ctx, jobID)
					continue
				}
				return nil, err
			}
			if err := q.jobs.MarkJobActive(ctx, jobID); err != nil {
				return nil, err
			}
			job.Status = domain.JobStatusActive
			return job, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(claimPollEvery):
		}
	}
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

func (q *Queue) dequeue(ctx context.Context, queueName string) (string, error) {
	lease := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey(queueName), inflightKey}, lease).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

func (q *Queue) promoteScheduled(ctx context.Context, queueName string) {
	now := time.Now()
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey(queueName), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey(queueName), id)
		pipe.RPush(ctx, readyKey(queueName), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warn("promote scheduled jobs failed", "queue", queueName, "error", err)
	}
}

// reclaimExpired returns in-flight jobs whose lease elapsed to their ready
// queue so another worker can claim them. A crashed worker's job reappears
// here after the visibility timeout.
func (q *Queue) reclaimExpired(ctx context.Context) {
	now := time.Now()
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		queueName, err := q.client.HGet(ctx, metaKey(id), "queue").Result()
		if err != nil || queueName == "" {
			queueName = domain.QueueBuild
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey, id)
		pipe.RPush(ctx, readyKey(queueName), id)
		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Warn("reclaim expired lease failed", "job_id", id, "error", err)
			continue
		}
		if job, err := q.jobs.GetJob(ctx, id); err == nil {
			_ = q.jobs.MarkJobWaiting(ctx, id, job.Attempts, now, "lease expired")
		}
		telemetry.JobsReclaimed.Inc()
		q.log.Warn("reclaimed expired job lease", "job_id", id, "queue", queueName)
	}
}

// Claim takes one specific waiting job into the in-flight set. Serves
// workers that pick a named job off a listing rather than the queue
// head; losing the race to another worker yields ErrNotClaimable.
func (q *Queue) Claim(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := q.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusWaiting {
		return nil, ErrNotClaimable
	}

	removed, err := q.client.LRem(ctx, readyKey(job.Queue), 1, jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if removed == 0 {
		zr, err := q.client.ZRem(ctx, scheduledKey(job.Queue), jobID).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		if zr == 0 {
			return nil, ErrNotClaimable
		}
	}

	lease := time.Now().Add(q.visibilityTTL).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), "queue", job.Queue)
	pipe.ZAdd(ctx, inflightKey, redis.Z{Score: float64(lease), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if err := q.jobs.MarkJobActive(ctx, jobID); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatusActive
	return job, nil
}

// ExtendLease pushes the visibility deadline forward for a long-running job.
func (q *Queue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack marks a claimed job completed and removes it from dispatch state.
func (q *Queue) Ack(ctx context.Context, jobID string, result json.RawMessage) error {
	if err := q.jobs.MarkJobCompleted(ctx, jobID, result); err != nil {
		return err
	}
	q.forget(ctx, jobID)
	telemetry.JobsCompleted.Inc()
	return nil
}

// Fail records a failed attempt. Jobs under their attempt limit are
// rescheduled with exponential backoff; exhausted jobs dead-letter.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error) error {
	job, err := q.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	reason := "unknown error"
	if jobErr != nil {
		reason = jobErr.Error()
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		if err := q.jobs.MarkJobDeadLettered(ctx, jobID, reason); err != nil {
			return err
		}
		q.forget(ctx, jobID)
		if err := q.client.RPush(ctx, dlqKey, jobID).Err(); err != nil {
			q.log.Warn("dead-letter push failed", "job_id", jobID, "error", err)
		}
		telemetry.JobsDeadLettered.Inc()
		q.log.Error("job dead-lettered", "job_id", jobID, "queue", job.Queue, "attempts", attempts, "error", reason)
		return nil
	}

	backoff := backoffWithJitter(q.backoffBase, q.backoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	if err := q.jobs.MarkJobWaiting(ctx, jobID, attempts, nextRun, reason); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.ZAdd(ctx, scheduledKey(job.Queue), redis.Z{Score: float64(nextRun.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	telemetry.JobsRetried.Inc()
	q.log.Warn("job retry scheduled", "job_id", jobID, "queue", job.Queue, "attempts", attempts,
		"next_run", nextRun.UTC().Format(time.RFC3339), "error", reason)
	return nil
}

// DeadLetters returns the most recent dead-lettered job IDs.
func (q *Queue) DeadLetters(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, dlqKey, 0, count-1).Result()
}

// Depth returns the ready-queue length for a queue name.
func (q *Queue) Depth(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, readyKey(queueName)).Result()
}

func (q *Queue) forget(ctx context.Context, jobID string) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.Del(ctx, metaKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warn("clear job dispatch state failed", "job_id", jobID, "error", err)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
