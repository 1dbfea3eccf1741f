package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/queue"
	"github.com/gantryhq/gantry/internal/repository"
)

// ErrSuspended blocks all scheduling except delete for suspended
// applications. In-flight jobs are allowed to finish.
var ErrSuspended = errors.New("application is suspended")

// ErrNoRollbackTarget indicates no prior successful deployment exists.
var ErrNoRollbackTarget = errors.New("no previous successful deployment to roll back to")

// Service exposes the control-plane scheduling operations consumed by the
// CRUD surface. Every operation validates and enqueues; the work itself
// runs on worker agents.
type Service struct {
	apps        repository.ApplicationRepository
	deployments repository.DeploymentRepository
	queue       *queue.Queue
	log         *slog.Logger
}

// NewService constructs the deployment scheduler.
func NewService(apps repository.ApplicationRepository, deployments repository.DeploymentRepository, q *queue.Queue, log *slog.Logger) *Service {
	return &Service{apps: apps, deployments: deployments, queue: q, log: log}
}

// ScheduleDeployment enqueues a build for the application's source and
// returns the job ID for polling.
func (s *Service) ScheduleDeployment(ctx context.Context, appID, gitCommit, userID string) (string, error) {
	app, err := s.apps.GetApplicationByID(ctx, appID)
	if err != nil {
		return "", err
	}
	if app.Suspended() {
		return "", ErrSuspended
	}
	if strings.TrimSpace(app.RepoURL) == "" {
		return "", errors.New("application has no source repository")
	}
	commit := gitCommit
	if commit == "" {
		commit = app.Commit
	}
	jobID, err := s.queue.Enqueue(ctx, domain.QueueBuild, domain.BuildPayload{
		ApplicationID: app.ID,
		GitURL:        app.RepoURL,
		GitBranch:     app.Branch,
		GitCommit:     commit,
		UserID:        userID,
		Replicas:      app.InstanceCount,
	}, queue.Options{})
	if err != nil {
		return jobID, err
	}
	s.log.Info("build scheduled", "application_id", app.ID, "job_id", jobID, "commit", commit)
	return jobID, nil
}

// ScheduleRestart enqueues a restart of the running deployment.
func (s *Service) ScheduleRestart(ctx context.Context, appID string) (string, error) {
	return s.scheduleControl(ctx, appID, domain.QueueRestart, 0)
}

// ScheduleStop enqueues a stop of the running deployment.
func (s *Service) ScheduleStop(ctx context.Context, appID string) (string, error) {
	return s.scheduleControl(ctx, appID, domain.QueueStop, 0)
}

// ScheduleStart enqueues a start of a stopped deployment.
func (s *Service) ScheduleStart(ctx context.Context, appID string) (string, error) {
	return s.scheduleControl(ctx, appID, domain.QueueStart, 0)
}

// ScheduleScale validates the replica count against the plan and enqueues
// a scale job. The desired instance count is only recorded after
// validation passes, so a rejected request leaves the application
// untouched.
func (s *Service) ScheduleScale(ctx context.Context, appID string, replicas int) (string, error) {
	app, err := s.apps.GetApplicationByID(ctx, appID)
	if err != nil {
		return "", err
	}
	if app.Suspended() {
		return "", ErrSuspended
	}
	plan, err := s.apps.GetPlan(ctx, app.PlanID)
	if err != nil {
		return "", err
	}
	if replicas < 0 {
		return "", errors.New("replica count cannot be negative")
	}
	if replicas > plan.MaxReplicas {
		return "", fmt.Errorf("Plan limit: maximum %d replicas", plan.MaxReplicas)
	}
	jobID, err := s.queue.Enqueue(ctx, domain.QueueScale, domain.ControlPayload{
		ApplicationID: app.ID,
		Replicas:      replicas,
	}, queue.Options{})
	if err != nil {
		return jobID, err
	}
	if err := s.apps.UpdateInstanceCount(ctx, app.ID, replicas); err != nil {
		return jobID, err
	}
	s.log.Info("scale scheduled", "application_id", app.ID, "job_id", jobID, "replicas", replicas)
	return jobID, nil
}

// ScheduleDelete enqueues application teardown. Delete is the one
// operation a suspended application may still schedule.
func (s *Service) ScheduleDelete(ctx context.Context, appID string) (string, error) {
	app, err := s.apps.GetApplicationByID(ctx, appID)
	if err != nil {
		return "", err
	}
	jobID, err := s.queue.Enqueue(ctx, domain.QueueDelete, domain.ControlPayload{ApplicationID: app.ID}, queue.Options{})
	if err != nil {
		return jobID, err
	}
	s.log.Info("delete scheduled", "application_id", app.ID, "job_id", jobID)
	return jobID, nil
}

// Rollback points the application at its previous successful deployment
// without rebuilding: the active deployment is marked rolled back and a
// new deployment reusing the target's artifact is enqueued.
func (s *Service) Rollback(ctx context.Context, appID string) (string, error) {
	app, err := s.apps.GetApplicationByID(ctx, appID)
	if err != nil {
		return "", err
	}
	if app.Suspended() {
		return "", ErrSuspended
	}
	current, err := s.deployments.GetActiveDeployment(ctx, appID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrNoRollbackTarget
		}
		return "", err
	}
	history, err := s.deployments.ListDeploymentsByApplication(ctx, appID, 50)
	if err != nil {
		return "", err
	}
	var target *domain.Deployment
	for i := range history {
		d := &history[i]
		if d.Version < current.Version && d.RollbackEligible() {
			target = d
			break
		}
	}
	if target == nil {
		return "", ErrNoRollbackTarget
	}

	if err := s.deployments.UpdateDeploymentStatus(ctx, current.ID, domain.DeployStatusRolledBack, "", nil); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	replacement := &domain.Deployment{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		BuildID:       target.BuildID,
		Status:        domain.DeployStatusPending,
		ArtifactKey:   target.ArtifactKey,
		Replicas:      app.InstanceCount,
		RollbackOf:    &current.ID,
		CreatedAt:     now,
	}
	if err := s.deployments.CreateDeployment(ctx, replacement); err != nil {
		return "", err
	}
	jobID, err := s.queue.Enqueue(ctx, domain.QueueDeploy, domain.DeployPayload{
		DeploymentID:   replacement.ID,
		Replicas:       app.InstanceCount,
		CachedSlugPath: target.ArtifactKey,
	}, queue.Options{})
	if err != nil {
		return jobID, err
	}
	s.log.Info("rollback scheduled", "application_id", app.ID, "from", current.ID, "to_build", target.BuildID, "job_id", jobID)
	return jobID, nil
}

func (s *Service) scheduleControl(ctx context.Context, appID, queueName string, replicas int) (string, error) {
	app, err := s.apps.GetApplicationByID(ctx, appID)
	if err != nil {
		return "", err
	}
	if app.Suspended() {
		return "", ErrSuspended
	}
	jobID, err := s.queue.Enqueue(ctx, queueName, domain.ControlPayload{
		ApplicationID: app.ID,
		Replicas:      replicas,
	}, queue.Options{})
	if err != nil {
		return jobID, err
	}
	s.log.Info("control job scheduled", "application_id", app.ID, "queue", queueName, "job_id", jobID)
	return jobID, nil
}
