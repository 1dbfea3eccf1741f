package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/repository"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]*domain.Job)}
}

func (m *memJobs) CreateJob(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobs) GetJob(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memJobs) MarkJobActive(_ context.Context, id string) error {
	return m.set(id, func(j *domain.Job) { j.Status = domain.JobStatusActive })
}

func (m *memJobs) MarkJobWaiting(_ context.Context, id string, attempts int, runAt time.Time, lastError string) error {
	return m.set(id, func(j *domain.Job) {
		j.Status = domain.JobStatusWaiting
		j.Attempts = attempts
		j.RunAt = runAt
		j.LastError = &lastError
	})
}

func (m *memJobs) MarkJobCompleted(_ context.Context, id string, result json.RawMessage) error {
	return m.set(id, func(j *domain.Job) {
		j.Status = domain.JobStatusCompleted
		j.Progress = 100
		j.Result = result
	})
}

func (m *memJobs) MarkJobDeadLettered(_ context.Context, id string, lastError string) error {
	return m.set(id, func(j *domain.Job) {
		if j.Status != domain.JobStatusDeadLetter {
			j.Status = domain.JobStatusDeadLetter
			j.LastError = &lastError
		}
	})
}

func (m *memJobs) UpdateJobProgress(_ context.Context, id string, progress int) error {
	return m.set(id, func(j *domain.Job) { j.Progress = progress })
}

func (m *memJobs) ListWaitingJobs(_ context.Context, queueName string, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if j.Queue == queueName && j.Status == domain.JobStatusWaiting && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobs) set(id string, fn func(*domain.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(job)
	return nil
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *memJobs, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	jobs := newMemJobs()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(client, jobs, log, cfg), jobs, mr
}

func TestEnqueueClaimAck(t *testing.T) {
	q, jobs, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, domain.QueueBuild, domain.BuildPayload{ApplicationID: "app-1", GitURL: "https://example.com/repo.git"}, Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := q.ClaimNext(ctx, domain.QueueBuild, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job == nil || job.ID != jobID {
		t.Fatalf("claimed %+v, want job %s", job, jobID)
	}
	if job.Status != domain.JobStatusActive {
		t.Fatalf("status = %s, want active", job.Status)
	}

	if err := q.Ack(ctx, jobID, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	stored, _ := jobs.GetJob(ctx, jobID)
	if stored.Status != domain.JobStatusCompleted {
		t.Fatalf("status after ack = %s", stored.Status)
	}

	st, err := q.GetStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.State != domain.JobStatusCompleted || st.Progress != 100 {
		t.Fatalf("status = %+v", st)
	}
}

func TestClaimNextEmptyQueue(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	job, err := q.ClaimNext(context.Background(), domain.QueueDeploy, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job, got %+v", job)
	}
}

func TestFailRetriesWithBackoff(t *testing.T) {
	q, jobs, mr := newTestQueue(t, Config{MaxAttempts: 3, BackoffBase: 50 * time.Millisecond})
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, domain.QueueDeploy, domain.DeployPayload{DeploymentID: "d-1"}, Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.ClaimNext(ctx, domain.QueueDeploy, 100*time.Millisecond)
	if err != nil || job == nil {
		t.Fatalf("ClaimNext: job=%v err=%v", job, err)
	}

	if err := q.Fail(ctx, jobID, errors.New("node unreachable")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	stored, _ := jobs.GetJob(ctx, jobID)
	if stored.Status != domain.JobStatusWaiting {
		t.Fatalf("status after first failure = %s, want waiting", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", stored.Attempts)
	}

	// The retry is schedule-delayed, not dropped: fast-forward past the
	// backoff and claim it again.
	mr.FastForward(time.Second)
	job, err = q.ClaimNext(ctx, domain.QueueDeploy, 2*time.Second)
	if err != nil {
		t.Fatalf("ClaimNext after retry: %v", err)
	}
	if job == nil || job.ID != jobID {
		t.Fatalf("retried job not claimable, got %+v", job)
	}
	if string(job.Payload) == "" {
		t.Fatal("retry must preserve the original payload")
	}
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	q, jobs, mr := newTestQueue(t, Config{MaxAttempts: 2, BackoffBase: 10 * time.Millisecond})
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, domain.QueueScale, domain.ControlPayload{ApplicationID: "app-1", Replicas: 2}, Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		mr.FastForward(time.Second)
		job, err := q.ClaimNext(ctx, domain.QueueScale, 2*time.Second)
		if err != nil || job == nil {
			t.Fatalf("attempt %d: job=%v err=%v", attempt, job, err)
		}
		if err := q.Fail(ctx, jobID, errors.New("still broken")); err != nil {
			t.Fatalf("Fail attempt %d: %v", attempt, err)
		}
	}

	stored, _ := jobs.GetJob(ctx, jobID)
	if stored.Status != domain.JobStatusDeadLetter {
		t.Fatalf("status = %s, want dead_lettered", stored.Status)
	}

	dead, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0] != jobID {
		t.Fatalf("dead letters = %v, want [%s]", dead, jobID)
	}

	mr.FastForward(time.Minute)
	job, err := q.ClaimNext(ctx, domain.QueueScale, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ClaimNext after dead-letter: %v", err)
	}
	if job != nil {
		t.Fatalf("dead-lettered job must not be claimable, got %+v", job)
	}
}

func TestExpiredLeaseReclaimed(t *testing.T) {
	q, jobs, mr := newTestQueue(t, Config{VisibilityTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, domain.QueueBuild, domain.BuildPayload{ApplicationID: "app-1", GitURL: "u"}, Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.ClaimNext(ctx, domain.QueueBuild, 100*time.Millisecond)
	if err != nil || job == nil {
		t.Fatalf("first claim: job=%v err=%v", job, err)
	}

	// Simulate a worker crash: never ack, let the lease expire.
	time.Sleep(60 * time.Millisecond)
	mr.FastForward(time.Second)

	job, err = q.ClaimNext(ctx, domain.QueueBuild, 2*time.Second)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if job == nil || job.ID != jobID {
		t.Fatalf("expected reclaimed job %s, got %+v", jobID, job)
	}
	stored, _ := jobs.GetJob(ctx, jobID)
	if stored.Status != domain.JobStatusActive {
		t.Fatalf("status = %s, want active after reclaim", stored.Status)
	}
}

func TestExtendedLeaseNotReclaimed(t *testing.T) {
	q, jobs, mr := newTestQueue(t, Config{VisibilityTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, domain.QueueBuild, domain.BuildPayload{ApplicationID: "app-1", GitURL: "u"}, Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.ClaimNext(ctx, domain.QueueBuild, 100*time.Millisecond)
	if err != nil || job == nil {
		t.Fatalf("first claim: job=%v err=%v", job, err)
	}

	if err := q.ExtendLease(ctx, jobID, time.Hour); err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}

	// Wait out the original lease; the extension must keep the job ours.
	time.Sleep(60 * time.Millisecond)
	mr.FastForward(time.Second)

	stolen, err := q.ClaimNext(ctx, domain.QueueBuild, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ClaimNext after extension: %v", err)
	}
	if stolen != nil {
		t.Fatalf("extended job was reclaimed: %+v", stolen)
	}
	stored, _ := jobs.GetJob(ctx, jobID)
	if stored.Status != domain.JobStatusActive {
		t.Fatalf("status = %s, want still active", stored.Status)
	}
}

func TestClaimSpecificJob(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, domain.QueueBuild, domain.BuildPayload{ApplicationID: "app-1", GitURL: "u"}, Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := q.Claim(ctx, jobID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job.Status != domain.JobStatusActive {
		t.Fatalf("status = %s, want active", job.Status)
	}

	if _, err := q.Claim(ctx, jobID); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("second claim err = %v, want ErrNotClaimable", err)
	}
}

func TestBackoffWithJitterBounds(t *testing.T) {
	base := 5 * time.Second
	max := 5 * time.Minute
	for attempt := 1; attempt <= 10; attempt++ {
		got := backoffWithJitter(base, max, attempt)
		if got <= 0 || got > max {
			t.Fatalf("attempt %d: backoff %s out of bounds", attempt, got)
		}
	}
}
