// Package builder turns an application's source into a deployable slug.
// The pipeline runs stage by stage; the first failing stage records the
// build as failed and aborts, and the workspace is removed on both
// success and failure paths.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/blob"
	"github.com/gantryhq/gantry/internal/buildpack"
	"github.com/gantryhq/gantry/internal/builder/archive"
	"github.com/gantryhq/gantry/internal/builder/cache"
	"github.com/gantryhq/gantry/internal/builder/git"
	"github.com/gantryhq/gantry/internal/builder/workspace"
	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/queue"
	"github.com/gantryhq/gantry/internal/repository"
	"github.com/gantryhq/gantry/internal/telemetry"
)

// Pipeline stage names, recorded with failures.
const (
	stageLoad      = "load"
	stageAllocate  = "allocate"
	stageWorkspace = "workspace"
	stageClone     = "clone"
	stageDetect    = "detect"
	stageCache     = "cache_restore"
	stageCompile   = "compile"
	stagePackage   = "package"
	stagePersist   = "cache_persist"
	stageUpload    = "upload"
	stageRelease   = "release"
)

// LogSink receives live build log lines for streaming to clients.
type LogSink interface {
	Publish(applicationID, level, message string)
}

// Config tunes pipeline timeouts and defaults.
type Config struct {
	GitTimeout       time.Duration
	BuildTimeout     time.Duration
	DefaultBuildpack string
}

// Request carries one build job through the pipeline.
type Request struct {
	domain.BuildPayload

	// Progress, when set, receives coarse completion percentages as
	// stages finish.
	Progress func(pct int)
}

// Result names what a successful build produced.
type Result struct {
	BuildID      string
	BuildNumber  int
	DeploymentID string
	ArtifactKey  string
}

// Pipeline executes build jobs against shared storage and the blob store.
type Pipeline struct {
	apps        repository.ApplicationRepository
	builds      repository.BuildRepository
	deployments repository.DeploymentRepository
	queue       *queue.Queue
	store       blob.Store
	cache       *cache.Cache
	workspace   *workspace.Manager
	logs        LogSink
	log         *slog.Logger
	cfg         Config
}

// New constructs a Pipeline. The log sink may be nil when no live
// streaming is wired.
func New(
	apps repository.ApplicationRepository,
	builds repository.BuildRepository,
	deployments repository.DeploymentRepository,
	q *queue.Queue,
	store blob.Store,
	c *cache.Cache,
	ws *workspace.Manager,
	logs LogSink,
	log *slog.Logger,
	cfg Config,
) *Pipeline {
	return &Pipeline{
		apps:        apps,
		builds:      builds,
		deployments: deployments,
		queue:       q,
		store:       store,
		cache:       c,
		workspace:   ws,
		logs:        logs,
		log:         log,
		cfg:         cfg,
	}
}

// Run executes the pipeline for one build job. The returned error is the
// first failing stage's error; the build row carries the same message.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	telemetry.BuildsStarted.Inc()

	app, err := p.apps.GetApplicationByID(ctx, req.ApplicationID)
	if err != nil {
		telemetry.BuildsFailed.WithLabelValues(stageLoad).Inc()
		return nil, fmt.Errorf("load application: %w", err)
	}
	if strings.TrimSpace(req.GitURL) == "" {
		telemetry.BuildsFailed.WithLabelValues(stageLoad).Inc()
		return nil, fmt.Errorf("repository url required")
	}
	if err := p.apps.UpdateApplicationStatus(ctx, app.ID, domain.AppStatusBuilding); err != nil {
		telemetry.BuildsFailed.WithLabelValues(stageLoad).Inc()
		return nil, fmt.Errorf("mark application building: %w", err)
	}
	p.progress(req, 5)

	build, err := p.builds.NextBuild(ctx, app.ID)
	if err != nil {
		p.revertApp(app)
		telemetry.BuildsFailed.WithLabelValues(stageAllocate).Inc()
		return nil, fmt.Errorf("allocate build number: %w", err)
	}
	p.emit(app.ID, "info", fmt.Sprintf("build #%d started", build.BuildNumber))
	p.log.Info("build started", "application_id", app.ID, "build_id", build.ID, "build_number", build.BuildNumber)
	p.progress(req, 10)

	workdir, err := p.workspace.Prepare(build.ID)
	if err != nil {
		return nil, p.fail(ctx, app, build, stageWorkspace, err)
	}
	defer func() {
		if err := p.workspace.Cleanup(workdir); err != nil {
			p.log.Error("workspace cleanup failed", "build_id", build.ID, "error", err)
		}
	}()

	if err := p.setStatus(ctx, build.ID, domain.BuildStatusCloning, nil); err != nil {
		return nil, p.fail(ctx, app, build, stageClone, err)
	}
	p.emit(app.ID, "info", "cloning repository")
	gitCtx, cancelGit := context.WithTimeout(ctx, p.cfg.GitTimeout)
	err = git.Clone(gitCtx, req.GitURL, workdir, git.CloneOptions{Branch: req.GitBranch, Commit: req.GitCommit})
	cancelGit()
	if err != nil {
		return nil, p.fail(ctx, app, build, stageClone, err)
	}
	if commit, cerr := git.HeadCommit(ctx, workdir); cerr != nil {
		p.log.Warn("resolve head commit failed", "application_id", app.ID, "error", cerr)
	} else {
		p.emit(app.ID, "info", fmt.Sprintf("checked out %s", commit))
	}
	p.progress(req, 25)

	files, err := listWorkspace(workdir)
	if err != nil {
		return nil, p.fail(ctx, app, build, stageDetect, err)
	}
	bp := p.resolveBuildpack(req, files)
	build.Buildpack = bp.Name
	p.emit(app.ID, "info", fmt.Sprintf("detected buildpack %q", bp.Name))
	p.progress(req, 30)

	cacheKey, hit, err := p.restoreCache(ctx, app.ID, bp, files, workdir)
	if err != nil {
		return nil, p.fail(ctx, app, build, stageCache, err)
	}
	build.CacheKey = cacheKey
	if hit {
		p.emit(app.ID, "info", "build cache restored")
	}
	if err := p.recordDetection(ctx, build); err != nil {
		return nil, p.fail(ctx, app, build, stageDetect, err)
	}
	p.progress(req, 40)

	if bp.BuildCommand != "" {
		p.emit(app.ID, "info", "running build command")
		if err := p.compile(ctx, app.ID, bp, workdir); err != nil {
			return nil, p.fail(ctx, app, build, stageCompile, err)
		}
	}
	p.progress(req, 65)

	slugPath, size, err := p.packageSlug(build.ID, workdir)
	if err != nil {
		return nil, p.fail(ctx, app, build, stagePackage, err)
	}
	defer os.Remove(slugPath)
	build.ArtifactSize = size
	p.emit(app.ID, "info", fmt.Sprintf("slug packaged (%d bytes)", size))
	p.progress(req, 75)

	if err := p.cache.Persist(ctx, app.ID, cacheKey, workdir, bp.CachePaths); err != nil {
		return nil, p.fail(ctx, app, build, stagePersist, err)
	}
	p.progress(req, 80)

	if err := p.setStatus(ctx, build.ID, domain.BuildStatusUploading, nil); err != nil {
		return nil, p.fail(ctx, app, build, stageUpload, err)
	}
	artifactKey := fmt.Sprintf("slugs/%s/%s.tar.gz", app.ID, build.ID)
	if err := p.uploadSlug(ctx, artifactKey, slugPath); err != nil {
		return nil, p.fail(ctx, app, build, stageUpload, err)
	}
	build.ArtifactKey = artifactKey
	p.emit(app.ID, "info", "artifact uploaded")
	p.progress(req, 90)

	deployment, err := p.release(ctx, app, build, req)
	if err != nil {
		return nil, p.fail(ctx, app, build, stageRelease, err)
	}
	p.progress(req, 100)

	telemetry.BuildDuration.Observe(time.Since(started).Seconds())
	p.emit(app.ID, "info", fmt.Sprintf("build #%d completed", build.BuildNumber))
	p.log.Info("build completed",
		"application_id", app.ID,
		"build_id", build.ID,
		"deployment_id", deployment.ID,
		"duration", time.Since(started).Round(time.Millisecond).String(),
	)
	return &Result{
		BuildID:      build.ID,
		BuildNumber:  build.BuildNumber,
		DeploymentID: deployment.ID,
		ArtifactKey:  artifactKey,
	}, nil
}

func (p *Pipeline) resolveBuildpack(req Request, files []string) buildpack.Buildpack {
	if req.Buildpack != "" {
		if bp, ok := buildpack.Lookup(req.Buildpack); ok {
			return bp
		}
		p.log.Warn("unknown buildpack requested, detecting instead", "buildpack", req.Buildpack)
	}
	return buildpack.Detect(files, p.cfg.DefaultBuildpack)
}

func (p *Pipeline) restoreCache(ctx context.Context, appID string, bp buildpack.Buildpack, files []string, workdir string) (string, bool, error) {
	var manifest []byte
	if name := bp.Manifest(files); name != "" {
		data, err := os.ReadFile(filepath.Join(workdir, name))
		if err != nil {
			return "", false, fmt.Errorf("read manifest %s: %w", name, err)
		}
		manifest = data
	}
	key := cache.Key(appID, bp.Name, manifest)
	hit, err := p.cache.Restore(ctx, appID, key, workdir)
	if err != nil {
		return key, false, err
	}
	return key, hit, nil
}

func (p *Pipeline) recordDetection(ctx context.Context, build *domain.Build) error {
	return p.builds.UpdateBuildStatus(ctx, repository.BuildStatusUpdate{
		BuildID:   build.ID,
		Status:    domain.BuildStatusBuilding,
		Buildpack: build.Buildpack,
		CacheKey:  build.CacheKey,
	})
}

func (p *Pipeline) compile(ctx context.Context, appID string, bp buildpack.Buildpack, workdir string) error {
	buildCtx, cancel := context.WithTimeout(ctx, p.cfg.BuildTimeout)
	defer cancel()

	cmd := exec.CommandContext(buildCtx, "sh", "-c", bp.BuildCommand)
	cmd.Dir = workdir
	output, err := cmd.CombinedOutput()
	for _, line := range strings.Split(strings.TrimRight(string(output), "\n"), "\n") {
		if line == "" {
			continue
		}
		p.emit(appID, "info", line)
	}
	if buildCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("build timed out after %s", p.cfg.BuildTimeout)
	}
	if err != nil {
		return fmt.Errorf("build command failed: %w", err)
	}
	return nil
}

func (p *Pipeline) packageSlug(buildID, workdir string) (string, int64, error) {
	f, err := os.CreateTemp("", "slug-"+buildID+"-*.tar.gz")
	if err != nil {
		return "", 0, fmt.Errorf("create slug file: %w", err)
	}
	if err := archive.Pack(f, workdir); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("pack slug: %w", err)
	}
	info, err := f.Stat()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("finalize slug: %w", err)
	}
	return f.Name(), info.Size(), nil
}

func (p *Pipeline) uploadSlug(ctx context.Context, key, slugPath string) error {
	f, err := os.Open(slugPath)
	if err != nil {
		return fmt.Errorf("open slug: %w", err)
	}
	defer f.Close()
	if _, err := p.store.Put(ctx, key, f, "application/gzip"); err != nil {
		return fmt.Errorf("upload slug: %w", err)
	}
	return nil
}

// release inserts the deployment row, completes the build, points the
// application at it, and chains the deploy job.
func (p *Pipeline) release(ctx context.Context, app *domain.Application, build *domain.Build, req Request) (*domain.Deployment, error) {
	replicas := req.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	deployment := &domain.Deployment{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		BuildID:       build.ID,
		Status:        domain.DeployStatusPending,
		ArtifactKey:   build.ArtifactKey,
		Replicas:      replicas,
		CreatedAt:     time.Now().UTC(),
	}
	if err := p.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("insert deployment: %w", err)
	}

	now := time.Now().UTC()
	err := p.builds.UpdateBuildStatus(ctx, repository.BuildStatusUpdate{
		BuildID:      build.ID,
		Status:       domain.BuildStatusCompleted,
		ArtifactKey:  build.ArtifactKey,
		ArtifactSize: build.ArtifactSize,
		CompletedAt:  &now,
	})
	if err != nil {
		return nil, fmt.Errorf("complete build: %w", err)
	}
	if err := p.apps.SetCurrentBuild(ctx, app.ID, build.ID); err != nil {
		return nil, fmt.Errorf("update current build: %w", err)
	}

	_, err = p.queue.Enqueue(ctx, domain.QueueDeploy, domain.DeployPayload{
		DeploymentID:   deployment.ID,
		Replicas:       replicas,
		CachedSlugPath: build.ArtifactKey,
	}, queue.Options{})
	if err != nil {
		return nil, fmt.Errorf("chain deploy job: %w", err)
	}
	return deployment, nil
}

// fail records the failing stage on the build row, reverts the
// application, and returns the wrapped error for the queue to retry or
// dead-letter.
func (p *Pipeline) fail(ctx context.Context, app *domain.Application, build *domain.Build, stage string, err error) error {
	telemetry.BuildsFailed.WithLabelValues(stage).Inc()
	p.log.Error("build stage failed", "application_id", app.ID, "build_id", build.ID, "stage", stage, "error", err)
	p.emit(app.ID, "error", fmt.Sprintf("%s failed: %v", stage, err))

	now := time.Now().UTC()
	update := repository.BuildStatusUpdate{
		BuildID:     build.ID,
		Status:      domain.BuildStatusFailed,
		Buildpack:   build.Buildpack,
		CacheKey:    build.CacheKey,
		Error:       fmt.Sprintf("%s: %v", stage, err),
		CompletedAt: &now,
	}
	if uerr := p.builds.UpdateBuildStatus(ctx, update); uerr != nil {
		p.log.Error("record build failure failed", "build_id", build.ID, "error", uerr)
	}
	p.revertApp(app)
	return fmt.Errorf("%s: %w", stage, err)
}

// revertApp returns the application to the status it held before the
// build claimed it. First builds have nothing to return to and land on
// failed.
func (p *Pipeline) revertApp(app *domain.Application) {
	prior := app.Status
	switch prior {
	case domain.AppStatusRunning, domain.AppStatusStopped, domain.AppStatusFailed:
	default:
		prior = domain.AppStatusFailed
	}
	if err := p.apps.UpdateApplicationStatus(context.Background(), app.ID, prior); err != nil {
		p.log.Error("revert application status failed", "application_id", app.ID, "error", err)
	}
}

func (p *Pipeline) setStatus(ctx context.Context, buildID, status string, completedAt *time.Time) error {
	return p.builds.UpdateBuildStatus(ctx, repository.BuildStatusUpdate{
		BuildID:     buildID,
		Status:      status,
		CompletedAt: completedAt,
	})
}

func (p *Pipeline) emit(applicationID, level, message string) {
	if p.logs == nil {
		return
	}
	p.logs.Publish(applicationID, level, message)
}

func (p *Pipeline) progress(req Request, pct int) {
	if req.Progress != nil {
		req.Progress(pct)
	}
}

func listWorkspace(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
