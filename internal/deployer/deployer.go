// Package deployer executes deploy and lifecycle jobs on the node that
// claimed them, against the local container backend.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/gantryhq/gantry/internal/blob"
	"github.com/gantryhq/gantry/internal/buildpack"
	"github.com/gantryhq/gantry/internal/builder/archive"
	"github.com/gantryhq/gantry/internal/billing"
	"github.com/gantryhq/gantry/internal/container"
	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/repository"
	"github.com/gantryhq/gantry/internal/scheduler"
)

const appPort = nat.Port("3000/tcp")

// ErrNoCapacity marks a retryable placement failure: either no node in
// the region has headroom, or this node specifically lacks it. The queue
// backs the job off rather than dead-lettering it immediately.
var ErrNoCapacity = errors.New("deployer: no capacity")

// Config fixes the identity and storage layout of the executing node.
type Config struct {
	NodeID      string
	RunnerImage string
	SlugDir     string
}

// Executor runs deploy and control jobs claimed from the queue.
type Executor struct {
	apps        repository.ApplicationRepository
	builds      repository.BuildRepository
	deployments repository.DeploymentRepository
	nodes       repository.NodeRepository
	selector    *scheduler.NodeSelector
	backend     container.Backend
	store       blob.Store
	sampler     billing.Sampler
	log         *slog.Logger
	cfg         Config
}

// New constructs an Executor. The sampler may be nil when usage metering
// is not wired.
func New(
	apps repository.ApplicationRepository,
	builds repository.BuildRepository,
	deployments repository.DeploymentRepository,
	nodes repository.NodeRepository,
	selector *scheduler.NodeSelector,
	backend container.Backend,
	store blob.Store,
	sampler billing.Sampler,
	log *slog.Logger,
	cfg Config,
) *Executor {
	if cfg.RunnerImage == "" {
		cfg.RunnerImage = "debian:bookworm-slim"
	}
	return &Executor{
		apps:        apps,
		builds:      builds,
		deployments: deployments,
		nodes:       nodes,
		selector:    selector,
		backend:     backend,
		store:       store,
		sampler:     sampler,
		log:         log,
		cfg:         cfg,
	}
}

// SetNodeID installs the node identity once registration assigns it.
func (e *Executor) SetNodeID(id string) {
	e.cfg.NodeID = id
}

// Deploy places one deployment on this node. Headroom is re-validated at
// placement time: the enqueue-time node pick reserves nothing, so a
// region-wide check runs first and then this node's own capacity.
func (e *Executor) Deploy(ctx context.Context, payload domain.DeployPayload) error {
	deployment, err := e.deployments.GetDeploymentByID(ctx, payload.DeploymentID)
	if err != nil {
		return fmt.Errorf("load deployment: %w", err)
	}
	if deployment.Status == domain.DeployStatusDeployed {
		e.log.Info("deployment already placed, skipping", "deployment_id", deployment.ID)
		return nil
	}
	app, err := e.apps.GetApplicationByID(ctx, deployment.ApplicationID)
	if err != nil {
		return fmt.Errorf("load application: %w", err)
	}
	plan, err := e.apps.GetPlan(ctx, app.PlanID)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}

	replicas := payload.Replicas
	if replicas <= 0 {
		replicas = deployment.Replicas
	}
	req := requirement(plan, replicas)

	picked, err := e.selector.SelectNode(ctx, app.Region, req)
	if err != nil {
		return fmt.Errorf("select node: %w", err)
	}
	if picked == nil {
		return fmt.Errorf("%w: region %s has no headroom for %d replicas", ErrNoCapacity, app.Region, replicas)
	}
	self, err := e.nodes.GetNodeByID(ctx, e.cfg.NodeID)
	if err != nil {
		return fmt.Errorf("load own node: %w", err)
	}
	if scheduler.Pick([]domain.WorkerNode{*self}, req) == nil {
		return fmt.Errorf("%w: node %s lacks headroom, deferring to %s", ErrNoCapacity, self.ID, picked.ID)
	}

	if err := e.deployments.UpdateDeploymentStatus(ctx, deployment.ID, domain.DeployStatusDeploying, "", nil); err != nil {
		return fmt.Errorf("mark deploying: %w", err)
	}
	if err := e.deployments.AssignDeploymentNode(ctx, deployment.ID, self.ID); err != nil {
		return fmt.Errorf("assign node: %w", err)
	}

	artifactKey := payload.CachedSlugPath
	if artifactKey == "" {
		artifactKey = deployment.ArtifactKey
	}
	slugDir, err := e.fetchSlug(ctx, app.ID, deployment.ID, artifactKey)
	if err != nil {
		return e.failDeployment(ctx, deployment.ID, fmt.Errorf("fetch slug: %w", err))
	}

	spec, err := e.containerSpec(ctx, app, deployment, plan, slugDir)
	if err != nil {
		return e.failDeployment(ctx, deployment.ID, err)
	}
	// Surviving replicas still run the previous slug; take them down
	// before starting the new set so the count converging is never
	// mistaken for a release.
	if _, err := e.backend.ScaleService(ctx, serviceName(app), spec, 0); err != nil {
		return e.failDeployment(ctx, deployment.ID, fmt.Errorf("remove previous containers: %w", err))
	}
	if _, err := e.backend.ScaleService(ctx, serviceName(app), spec, replicas); err != nil {
		return e.failDeployment(ctx, deployment.ID, fmt.Errorf("run containers: %w", err))
	}

	now := time.Now().UTC()
	if err := e.deployments.UpdateDeploymentStatus(ctx, deployment.ID, domain.DeployStatusDeployed, "", &now); err != nil {
		return fmt.Errorf("mark deployed: %w", err)
	}
	if err := e.deployments.SupersedeDeployments(ctx, app.ID, deployment.ID); err != nil {
		return fmt.Errorf("supersede previous deployments: %w", err)
	}
	if err := e.apps.SetCurrentDeployment(ctx, app.ID, deployment.ID); err != nil {
		return fmt.Errorf("update current deployment: %w", err)
	}
	if err := e.apps.UpdateApplicationStatus(ctx, app.ID, domain.AppStatusRunning); err != nil {
		return fmt.Errorf("mark application running: %w", err)
	}
	e.log.Info("deployment placed",
		"deployment_id", deployment.ID,
		"application_id", app.ID,
		"node_id", self.ID,
		"replicas", replicas,
	)
	e.recordUsage(ctx, app)
	return nil
}

// Restart tears the service down and brings it back at the current scale.
func (e *Executor) Restart(ctx context.Context, payload domain.ControlPayload) error {
	app, deployment, plan, err := e.loadActive(ctx, payload.ApplicationID)
	if err != nil {
		return err
	}
	slugDir := e.slugPath(app.ID, deployment.ID)
	spec, err := e.containerSpec(ctx, app, deployment, plan, slugDir)
	if err != nil {
		return err
	}
	if _, err := e.backend.ScaleService(ctx, serviceName(app), spec, 0); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	if _, err := e.backend.ScaleService(ctx, serviceName(app), spec, app.InstanceCount); err != nil {
		return fmt.Errorf("restart service: %w", err)
	}
	return e.apps.UpdateApplicationStatus(ctx, app.ID, domain.AppStatusRunning)
}

// Stop scales the service to zero and marks the application stopped.
func (e *Executor) Stop(ctx context.Context, payload domain.ControlPayload) error {
	app, deployment, plan, err := e.loadActive(ctx, payload.ApplicationID)
	if err != nil {
		return err
	}
	spec, err := e.containerSpec(ctx, app, deployment, plan, e.slugPath(app.ID, deployment.ID))
	if err != nil {
		return err
	}
	if _, err := e.backend.ScaleService(ctx, serviceName(app), spec, 0); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	return e.apps.UpdateApplicationStatus(ctx, app.ID, domain.AppStatusStopped)
}

// Start brings a stopped service back to the desired instance count.
func (e *Executor) Start(ctx context.Context, payload domain.ControlPayload) error {
	app, deployment, plan, err := e.loadActive(ctx, payload.ApplicationID)
	if err != nil {
		return err
	}
	spec, err := e.containerSpec(ctx, app, deployment, plan, e.slugPath(app.ID, deployment.ID))
	if err != nil {
		return err
	}
	if _, err := e.backend.ScaleService(ctx, serviceName(app), spec, app.InstanceCount); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return e.apps.UpdateApplicationStatus(ctx, app.ID, domain.AppStatusRunning)
}

// Scale converges the service to the requested replica count.
func (e *Executor) Scale(ctx context.Context, payload domain.ControlPayload) error {
	app, deployment, plan, err := e.loadActive(ctx, payload.ApplicationID)
	if err != nil {
		return err
	}
	spec, err := e.containerSpec(ctx, app, deployment, plan, e.slugPath(app.ID, deployment.ID))
	if err != nil {
		return err
	}
	if _, err := e.backend.ScaleService(ctx, serviceName(app), spec, payload.Replicas); err != nil {
		return fmt.Errorf("scale service: %w", err)
	}
	e.log.Info("service scaled", "application_id", app.ID, "replicas", payload.Replicas)
	e.recordUsage(ctx, app)
	return nil
}

// recordUsage forwards a usage sample after the service footprint
// changes. Metering is best effort and never fails the job.
func (e *Executor) recordUsage(ctx context.Context, app *domain.Application) {
	if e.sampler == nil {
		return
	}
	stats, err := e.backend.ServiceStats(ctx, serviceName(app))
	if err != nil {
		e.log.Debug("service stats unavailable", "application_id", app.ID, "error", err)
		return
	}
	sample := billing.Sample{
		ApplicationID: app.ID,
		CPUMillicores: stats.CPUMillicores,
		MemoryMB:      stats.MemoryMB,
	}
	if err := e.sampler.Record(ctx, sample); err != nil {
		e.log.Debug("usage sample rejected", "application_id", app.ID, "error", err)
	}
}

// Delete removes the application's containers, artifacts, caches, and rows.
func (e *Executor) Delete(ctx context.Context, payload domain.ControlPayload) error {
	app, err := e.apps.GetApplicationByID(ctx, payload.ApplicationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load application: %w", err)
	}

	if _, err := e.backend.ScaleService(ctx, serviceName(app), container.Spec{Image: e.cfg.RunnerImage}, 0); err != nil {
		e.log.Warn("remove containers failed", "application_id", app.ID, "error", err)
	}
	for _, prefix := range []string{"slugs/" + app.ID + "/", "caches/" + app.ID + "/"} {
		objects, err := e.store.List(ctx, prefix)
		if err != nil {
			e.log.Warn("list blobs for delete failed", "prefix", prefix, "error", err)
			continue
		}
		for _, obj := range objects {
			if err := e.store.Delete(ctx, obj.Key); err != nil {
				e.log.Warn("delete blob failed", "key", obj.Key, "error", err)
			}
		}
	}
	if err := os.RemoveAll(filepath.Join(e.cfg.SlugDir, app.ID)); err != nil {
		e.log.Warn("remove local slugs failed", "application_id", app.ID, "error", err)
	}
	if err := e.apps.DeleteApplication(ctx, app.ID); err != nil {
		return fmt.Errorf("delete application: %w", err)
	}
	e.log.Info("application deleted", "application_id", app.ID, "slug", app.Slug)
	return nil
}

func (e *Executor) loadActive(ctx context.Context, applicationID string) (*domain.Application, *domain.Deployment, *domain.Plan, error) {
	app, err := e.apps.GetApplicationByID(ctx, applicationID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load application: %w", err)
	}
	deployment, err := e.deployments.GetActiveDeployment(ctx, applicationID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load active deployment: %w", err)
	}
	plan, err := e.apps.GetPlan(ctx, app.PlanID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load plan: %w", err)
	}
	return app, deployment, plan, nil
}

// fetchSlug downloads and extracts the artifact, reusing a previous
// extraction when present.
func (e *Executor) fetchSlug(ctx context.Context, appID, deploymentID, artifactKey string) (string, error) {
	dir := e.slugPath(appID, deploymentID)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create slug dir: %w", err)
	}
	rc, err := e.store.Get(ctx, artifactKey)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	defer rc.Close()
	if err := archive.Unpack(rc, dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func (e *Executor) slugPath(appID, deploymentID string) string {
	return filepath.Join(e.cfg.SlugDir, appID, deploymentID)
}

func (e *Executor) containerSpec(ctx context.Context, app *domain.Application, deployment *domain.Deployment, plan *domain.Plan, slugDir string) (container.Spec, error) {
	build, err := e.builds.GetBuildByID(ctx, deployment.BuildID)
	if err != nil {
		return container.Spec{}, fmt.Errorf("load build: %w", err)
	}
	start := "./start.sh"
	if bp, ok := buildpack.Lookup(build.Buildpack); ok && bp.StartCommand != "" {
		start = bp.StartCommand
	}
	return container.Spec{
		Image:      e.cfg.RunnerImage,
		Cmd:        []string{"sh", "-c", start},
		Env:        []string{"PORT=3000"},
		Labels:     map[string]string{"gantry.application": app.ID},
		Binds:      []string{slugDir + ":/app"},
		WorkingDir: "/app",
		Ports: nat.PortMap{
			appPort: []nat.PortBinding{{HostIP: "0.0.0.0"}},
		},
		CPUMillicores: plan.CPUMillicores,
		MemoryMB:      plan.MemoryMB,
	}, nil
}

func (e *Executor) failDeployment(ctx context.Context, deploymentID string, err error) error {
	if uerr := e.deployments.UpdateDeploymentStatus(ctx, deploymentID, domain.DeployStatusFailed, err.Error(), nil); uerr != nil {
		e.log.Error("record deployment failure failed", "deployment_id", deploymentID, "error", uerr)
	}
	return err
}

func serviceName(app *domain.Application) string {
	return "gantry-" + strings.ToLower(app.Slug)
}

func requirement(plan *domain.Plan, replicas int) domain.ResourceRequirement {
	n := int64(replicas)
	if n <= 0 {
		n = 1
	}
	return domain.ResourceRequirement{
		CPUMillicores: plan.CPUMillicores * n,
		MemoryMB:      plan.MemoryMB * n,
		DiskMB:        plan.DiskMB * n,
	}
}
