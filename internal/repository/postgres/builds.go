package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/repository"
)

const buildColumns = `id, application_id, build_number, status, buildpack, cache_key,
	artifact_key, artifact_size, error, started_at, completed_at, created_at`

func scanBuild(row pgx.Row) (*domain.Build, error) {
	var b domain.Build
	if err := row.Scan(
		&b.ID,
		&b.ApplicationID,
		&b.BuildNumber,
		&b.Status,
		&b.Buildpack,
		&b.CacheKey,
		&b.ArtifactKey,
		&b.ArtifactSize,
		&b.Error,
		&b.StartedAt,
		&b.CompletedAt,
		&b.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// NextBuild bumps the application's build sequence and inserts a pending
// build row in one transaction. The UPDATE takes the row lock, so
// concurrent build requests for the same application serialize here and
// never observe the same number.
func (r *Repository) NextBuild(ctx context.Context, applicationID string) (*domain.Build, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op after commit

	var seq int
	err = tx.QueryRow(ctx, `UPDATE applications SET build_seq = build_seq + 1, updated_at = NOW()
		WHERE id = $1 RETURNING build_seq`, applicationID).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("allocate build number: %w", err)
	}

	now := time.Now().UTC()
	build := &domain.Build{
		ID:            uuid.NewString(),
		ApplicationID: applicationID,
		BuildNumber:   seq,
		Status:        domain.BuildStatusPending,
		StartedAt:     now,
		CreatedAt:     now,
	}
	_, err = tx.Exec(ctx, `INSERT INTO builds (id, application_id, build_number, status, started_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		build.ID, build.ApplicationID, build.BuildNumber, build.Status, now)
	if err != nil {
		return nil, fmt.Errorf("insert build: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return build, nil
}

// GetBuildByID fetches a build.
func (r *Repository) GetBuildByID(ctx context.Context, id string) (*domain.Build, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)
	return scanBuild(row)
}

// UpdateBuildStatus applies mutable build fields.
func (r *Repository) UpdateBuildStatus(ctx context.Context, update repository.BuildStatusUpdate) error {
	const query = `UPDATE builds SET
			status = $2,
			buildpack = COALESCE(NULLIF($3, ''), buildpack),
			cache_key = COALESCE(NULLIF($4, ''), cache_key),
			artifact_key = COALESCE(NULLIF($5, ''), artifact_key),
			artifact_size = GREATEST(artifact_size, $6),
			error = $7,
			completed_at = COALESCE($8, completed_at)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.BuildID, update.Status, update.Buildpack, update.CacheKey,
		update.ArtifactKey, update.ArtifactSize, update.Error, update.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListBuildsByApplication returns recent builds, newest first.
func (r *Repository) ListBuildsByApplication(ctx context.Context, applicationID string, limit int) ([]domain.Build, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `SELECT `+buildColumns+` FROM builds
		WHERE application_id = $1 ORDER BY build_number DESC LIMIT $2`, applicationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	builds := make([]domain.Build, 0)
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *b)
	}
	return builds, rows.Err()
}
