package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/repository"
)

const nodeColumns = `id, hostname, region, status, cpu_total_millicores, cpu_used_millicores,
	memory_total_mb, memory_used_mb, disk_total_mb, disk_used_mb, container_count,
	last_heartbeat, registered_at`

func scanNode(row pgx.Row) (*domain.WorkerNode, error) {
	var n domain.WorkerNode
	if err := row.Scan(
		&n.ID,
		&n.Hostname,
		&n.Region,
		&n.Status,
		&n.Resources.CPUTotalMillicores,
		&n.Resources.CPUUsedMillicores,
		&n.Resources.MemoryTotalMB,
		&n.Resources.MemoryUsedMB,
		&n.Resources.DiskTotalMB,
		&n.Resources.DiskUsedMB,
		&n.ContainerCount,
		&n.LastHeartbeat,
		&n.RegisteredAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

// RegisterNode inserts a worker node with its hashed registration credential.
// Re-registration under the same ID replaces the credential and capacity.
func (r *Repository) RegisterNode(ctx context.Context, node *domain.WorkerNode, credentialHash []byte) error {
	const query = `INSERT INTO worker_nodes (id, hostname, region, status, cpu_total_millicores, cpu_used_millicores,
			memory_total_mb, memory_used_mb, disk_total_mb, disk_used_mb, container_count,
			credential_hash, last_heartbeat, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			region = EXCLUDED.region,
			status = EXCLUDED.status,
			cpu_total_millicores = EXCLUDED.cpu_total_millicores,
			memory_total_mb = EXCLUDED.memory_total_mb,
			disk_total_mb = EXCLUDED.disk_total_mb,
			credential_hash = EXCLUDED.credential_hash,
			last_heartbeat = EXCLUDED.last_heartbeat`
	_, err := r.pool.Exec(ctx, query, node.ID, node.Hostname, node.Region, node.Status,
		node.Resources.CPUTotalMillicores, node.Resources.CPUUsedMillicores,
		node.Resources.MemoryTotalMB, node.Resources.MemoryUsedMB,
		node.Resources.DiskTotalMB, node.Resources.DiskUsedMB,
		node.ContainerCount, credentialHash, node.LastHeartbeat)
	return err
}

// GetNodeByID fetches a worker node.
func (r *Repository) GetNodeByID(ctx context.Context, id string) (*domain.WorkerNode, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM worker_nodes WHERE id = $1`, id)
	return scanNode(row)
}

// GetNodeCredentialHash returns the stored registration credential hash.
func (r *Repository) GetNodeCredentialHash(ctx context.Context, id string) ([]byte, error) {
	var hash []byte
	err := r.pool.QueryRow(ctx, `SELECT credential_hash FROM worker_nodes WHERE id = $1`, id).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return hash, err
}

// RecordHeartbeat applies a node's self-reported capacity and liveness.
// The heartbeat is the single writer for the used counters.
func (r *Repository) RecordHeartbeat(ctx context.Context, id string, res domain.NodeResources, containers int, status string) error {
	const query = `UPDATE worker_nodes SET
			status = $2,
			cpu_total_millicores = $3, cpu_used_millicores = $4,
			memory_total_mb = $5, memory_used_mb = $6,
			disk_total_mb = $7, disk_used_mb = $8,
			container_count = $9,
			last_heartbeat = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, status,
		res.CPUTotalMillicores, res.CPUUsedMillicores,
		res.MemoryTotalMB, res.MemoryUsedMB,
		res.DiskTotalMB, res.DiskUsedMB, containers)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListNodesByRegion returns all nodes in a region.
func (r *Repository) ListNodesByRegion(ctx context.Context, region string) ([]domain.WorkerNode, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+nodeColumns+` FROM worker_nodes WHERE region = $1`, region)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := make([]domain.WorkerNode, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// MarkStaleNodesOffline flips nodes whose heartbeat predates the cutoff to
// offline and returns how many were affected.
func (r *Repository) MarkStaleNodesOffline(ctx context.Context, olderThan time.Time) (int, error) {
	const query = `UPDATE worker_nodes SET status = $1
		WHERE last_heartbeat < $2 AND status IN ($3, $4)`
	tag, err := r.pool.Exec(ctx, query, domain.NodeStatusOffline, olderThan,
		domain.NodeStatusOnline, domain.NodeStatusDegraded)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
