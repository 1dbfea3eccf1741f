package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ApplicationRepository = (*Repository)(nil)
	_ repository.BuildRepository       = (*Repository)(nil)
	_ repository.DeploymentRepository  = (*Repository)(nil)
	_ repository.NodeRepository        = (*Repository)(nil)
	_ repository.JobRepository         = (*Repository)(nil)
)

const appColumns = `id, owner_id, slug, name, plan_id, region, repo_url, branch, commit_sha,
	status, instance_count, build_seq, current_build_id, current_deployment_id, created_at, updated_at`

func scanApplication(row pgx.Row) (*domain.Application, error) {
	var app domain.Application
	if err := row.Scan(
		&app.ID,
		&app.OwnerID,
		&app.Slug,
		&app.Name,
		&app.PlanID,
		&app.Region,
		&app.RepoURL,
		&app.Branch,
		&app.Commit,
		&app.Status,
		&app.InstanceCount,
		&app.BuildSeq,
		&app.CurrentBuildID,
		&app.CurrentDeployID,
		&app.CreatedAt,
		&app.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &app, nil
}

// CreateApplication inserts an application. The slug is immutable once
// assigned; a duplicate insert fails on the unique constraint.
func (r *Repository) CreateApplication(ctx context.Context, app *domain.Application) error {
	const query = `INSERT INTO applications (id, owner_id, slug, name, plan_id, region, repo_url, branch, commit_sha,
			status, instance_count, build_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $12)`
	_, err := r.pool.Exec(ctx, query, app.ID, app.OwnerID, app.Slug, app.Name, app.PlanID, app.Region,
		app.RepoURL, app.Branch, app.Commit, app.Status, app.InstanceCount, app.CreatedAt)
	return err
}

// GetApplicationByID fetches an application.
func (r *Repository) GetApplicationByID(ctx context.Context, id string) (*domain.Application, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appColumns+` FROM applications WHERE id = $1`, id)
	return scanApplication(row)
}

// GetApplicationBySlug fetches an application by its URL-safe slug.
func (r *Repository) GetApplicationBySlug(ctx context.Context, slug string) (*domain.Application, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appColumns+` FROM applications WHERE slug = $1`, slug)
	return scanApplication(row)
}

// UpdateApplicationStatus sets the application status. The write is
// validated against the lifecycle table under a row lock, so an illegal
// transition fails instead of corrupting the state machine.
func (r *Repository) UpdateApplicationStatus(ctx context.Context, id, status string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM applications WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	if err := domain.CheckAppTransition(current, status); err != nil {
		return fmt.Errorf("application %s: %w", id, err)
	}
	const query = `UPDATE applications SET status = $2, updated_at = NOW() WHERE id = $1`
	if _, err := tx.Exec(ctx, query, id, status); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateInstanceCount sets the desired replica count.
func (r *Repository) UpdateInstanceCount(ctx context.Context, id string, count int) error {
	const query = `UPDATE applications SET instance_count = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, count)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetCurrentBuild points the application at its latest build.
func (r *Repository) SetCurrentBuild(ctx context.Context, id, buildID string) error {
	const query = `UPDATE applications SET current_build_id = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, buildID)
	return err
}

// SetCurrentDeployment points the application at its active deployment.
func (r *Repository) SetCurrentDeployment(ctx context.Context, id, deploymentID string) error {
	const query = `UPDATE applications SET current_deployment_id = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, deploymentID)
	return err
}

// DeleteApplication removes an application and cascades to its builds and
// deployments via foreign keys.
func (r *Repository) DeleteApplication(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM applications WHERE id = $1`, id)
	return err
}

// GetPlan fetches a resource plan.
func (r *Repository) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	const query = `SELECT id, name, cpu_millicores, memory_mb, disk_mb, max_replicas FROM plans WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var plan domain.Plan
	if err := row.Scan(&plan.ID, &plan.Name, &plan.CPUMillicores, &plan.MemoryMB, &plan.DiskMB, &plan.MaxReplicas); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &plan, nil
}
