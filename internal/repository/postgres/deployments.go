package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/repository"
)

const deploymentColumns = `id, application_id, build_id, version, node_id, status, artifact_key,
	replicas, rollback_of, error, deployed_at, created_at, updated_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := row.Scan(
		&d.ID,
		&d.ApplicationID,
		&d.BuildID,
		&d.Version,
		&d.NodeID,
		&d.Status,
		&d.ArtifactKey,
		&d.Replicas,
		&d.RollbackOf,
		&d.Error,
		&d.DeployedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreateDeployment inserts a deployment. When Version is zero the next
// version for the application is assigned inside the insert statement.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, application_id, build_id, version, node_id, status, artifact_key,
			replicas, rollback_of, error, created_at, updated_at)
		VALUES ($1, $2, $3,
			CASE WHEN $4 > 0 THEN $4
				ELSE (SELECT COALESCE(MAX(version), 0) + 1 FROM deployments WHERE application_id = $2) END,
			$5, $6, $7, $8, $9, '', $10, $10)
		RETURNING version`
	return r.pool.QueryRow(ctx, query, d.ID, d.ApplicationID, d.BuildID, d.Version, d.NodeID,
		d.Status, d.ArtifactKey, d.Replicas, d.RollbackOf, d.CreatedAt).Scan(&d.Version)
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	return scanDeployment(row)
}

// UpdateDeploymentStatus sets status, error and optionally the deployed
// timestamp. The change is checked against the lifecycle table under a
// row lock; an illegal transition fails the write.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, id, status, errMsg string, deployedAt *time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM deployments WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	if err := domain.CheckDeployTransition(current, status); err != nil {
		return fmt.Errorf("deployment %s: %w", id, err)
	}
	const query = `UPDATE deployments SET status = $2, error = $3,
			deployed_at = COALESCE($4, deployed_at), updated_at = NOW()
		WHERE id = $1`
	if _, err := tx.Exec(ctx, query, id, status, errMsg, deployedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SupersedeDeployments retires every other deployed row for the
// application once a newer deployment takes over, keeping at most one
// active deployment per application.
func (r *Repository) SupersedeDeployments(ctx context.Context, applicationID, keepID string) error {
	const query = `UPDATE deployments SET status = $3, updated_at = NOW()
		WHERE application_id = $1 AND id <> $2 AND status = $4`
	_, err := r.pool.Exec(ctx, query, applicationID, keepID, domain.DeployStatusSuperseded, domain.DeployStatusDeployed)
	return err
}

// AssignDeploymentNode records the node a deployment was placed on.
func (r *Repository) AssignDeploymentNode(ctx context.Context, id, nodeID string) error {
	const query = `UPDATE deployments SET node_id = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, nodeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetActiveDeployment returns the single deployment currently serving
// traffic for the application, if any.
func (r *Repository) GetActiveDeployment(ctx context.Context, applicationID string) (*domain.Deployment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments
		WHERE application_id = $1 AND status = $2
		ORDER BY version DESC LIMIT 1`, applicationID, domain.DeployStatusDeployed)
	return scanDeployment(row)
}

// ListDeploymentsByApplication returns recent deployments, newest first.
func (r *Repository) ListDeploymentsByApplication(ctx context.Context, applicationID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `SELECT `+deploymentColumns+` FROM deployments
		WHERE application_id = $1 ORDER BY version DESC LIMIT $2`, applicationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// ListQueuedDeployments returns pending deployments for applications in a
// region, oldest first, for worker polling.
func (r *Repository) ListQueuedDeployments(ctx context.Context, region string) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, `SELECT d.id, d.application_id, d.build_id, d.version, d.node_id, d.status,
			d.artifact_key, d.replicas, d.rollback_of, d.error, d.deployed_at, d.created_at, d.updated_at
		FROM deployments d
		INNER JOIN applications a ON a.id = d.application_id
		WHERE d.status = $1 AND a.region = $2
		ORDER BY d.created_at ASC`, domain.DeployStatusPending, region)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}
