package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/repository"
)

const jobColumns = `id, queue, payload, status, attempts, max_attempts, progress,
	last_error, result, run_at, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	if err := row.Scan(
		&j.ID,
		&j.Queue,
		&j.Payload,
		&j.Status,
		&j.Attempts,
		&j.MaxAttempts,
		&j.Progress,
		&j.LastError,
		&j.Result,
		&j.RunAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a job row.
func (r *Repository) CreateJob(ctx context.Context, job *domain.Job) error {
	const query = `INSERT INTO jobs (id, queue, payload, status, attempts, max_attempts, progress, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)`
	_, err := r.pool.Exec(ctx, query, job.ID, job.Queue, job.Payload, job.Status,
		job.Attempts, job.MaxAttempts, job.RunAt, job.CreatedAt)
	return err
}

// GetJob fetches a job by id.
func (r *Repository) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// MarkJobActive flags a job as claimed by a worker.
func (r *Repository) MarkJobActive(ctx context.Context, id string) error {
	const query = `UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, domain.JobStatusActive)
	return err
}

// MarkJobWaiting returns a job to the pending set after a failed attempt
// or a lease expiry, recording the attempt count and next run time.
func (r *Repository) MarkJobWaiting(ctx context.Context, id string, attempts int, runAt time.Time, lastError string) error {
	const query = `UPDATE jobs SET status = $2, attempts = $3, run_at = $4,
			last_error = NULLIF($5, ''), updated_at = NOW()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, domain.JobStatusWaiting, attempts, runAt, lastError)
	return err
}

// MarkJobCompleted records the terminal success state and return value.
func (r *Repository) MarkJobCompleted(ctx context.Context, id string, result json.RawMessage) error {
	const query = `UPDATE jobs SET status = $2, progress = 100, result = $3, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, domain.JobStatusCompleted, result)
	return err
}

// MarkJobDeadLettered records the terminal failure state once attempts are
// exhausted. The guard keeps the transition idempotent under races.
func (r *Repository) MarkJobDeadLettered(ctx context.Context, id string, lastError string) error {
	const query = `UPDATE jobs SET status = $2, last_error = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1 AND status <> $2`
	_, err := r.pool.Exec(ctx, query, id, domain.JobStatusDeadLetter, lastError)
	return err
}

// ListWaitingJobs returns waiting jobs for a queue, oldest first. Serves
// the worker build listing endpoint.
func (r *Repository) ListWaitingJobs(ctx context.Context, queueName string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + jobColumns + ` FROM jobs
		WHERE queue = $1 AND status = $2 AND run_at <= NOW()
		ORDER BY created_at ASC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, queueName, domain.JobStatusWaiting, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// UpdateJobProgress sets the UI-facing progress percentage.
func (r *Repository) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	const query = `UPDATE jobs SET progress = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, progress)
	return err
}
