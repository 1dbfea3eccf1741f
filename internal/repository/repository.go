package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gantryhq/gantry/internal/domain"
)

// ApplicationRepository persists applications and plans.
type ApplicationRepository interface {
	CreateApplication(ctx context.Context, app *domain.Application) error
	GetApplicationByID(ctx context.Context, id string) (*domain.Application, error)
	GetApplicationBySlug(ctx context.Context, slug string) (*domain.Application, error)
	UpdateApplicationStatus(ctx context.Context, id, status string) error
	UpdateInstanceCount(ctx context.Context, id string, count int) error
	SetCurrentBuild(ctx context.Context, id, buildID string) error
	SetCurrentDeployment(ctx context.Context, id, deploymentID string) error
	DeleteApplication(ctx context.Context, id string) error
	GetPlan(ctx context.Context, id string) (*domain.Plan, error)
}

// BuildStatusUpdate captures mutable fields for a build.
type BuildStatusUpdate struct {
	BuildID      string
	Status       string
	Buildpack    string
	CacheKey     string
	ArtifactKey  string
	ArtifactSize int64
	Error        string
	CompletedAt  *time.Time
}

// BuildRepository persists build attempts. NextBuild allocates the next
// build number for the application and inserts a pending row in one
// transaction, serialized against concurrent callers.
type BuildRepository interface {
	NextBuild(ctx context.Context, applicationID string) (*domain.Build, error)
	GetBuildByID(ctx context.Context, id string) (*domain.Build, error)
	UpdateBuildStatus(ctx context.Context, update BuildStatusUpdate) error
	ListBuildsByApplication(ctx context.Context, applicationID string, limit int) ([]domain.Build, error)
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, d *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, id, status, errMsg string, deployedAt *time.Time) error
	SupersedeDeployments(ctx context.Context, applicationID, keepID string) error
	AssignDeploymentNode(ctx context.Context, id, nodeID string) error
	GetActiveDeployment(ctx context.Context, applicationID string) (*domain.Deployment, error)
	ListDeploymentsByApplication(ctx context.Context, applicationID string, limit int) ([]domain.Deployment, error)
	ListQueuedDeployments(ctx context.Context, region string) ([]domain.Deployment, error)
}

// NodeRepository tracks worker nodes. Capacity fields are written only by
// the owning node's heartbeat.
type NodeRepository interface {
	RegisterNode(ctx context.Context, node *domain.WorkerNode, credentialHash []byte) error
	GetNodeByID(ctx context.Context, id string) (*domain.WorkerNode, error)
	GetNodeCredentialHash(ctx context.Context, id string) ([]byte, error)
	RecordHeartbeat(ctx context.Context, id string, res domain.NodeResources, containers int, status string) error
	ListNodesByRegion(ctx context.Context, region string) ([]domain.WorkerNode, error)
	MarkStaleNodesOffline(ctx context.Context, olderThan time.Time) (int, error)
}

// JobRepository persists job records for the queue subsystem.
type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	MarkJobActive(ctx context.Context, id string) error
	MarkJobWaiting(ctx context.Context, id string, attempts int, runAt time.Time, lastError string) error
	MarkJobCompleted(ctx context.Context, id string, result json.RawMessage) error
	MarkJobDeadLettered(ctx context.Context, id string, lastError string) error
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	ListWaitingJobs(ctx context.Context, queueName string, limit int) ([]domain.Job, error)
}
