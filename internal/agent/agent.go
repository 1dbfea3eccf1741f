// Package agent runs the long-lived worker process on each node: it
// registers with the control plane, heartbeats capacity, and executes
// build and lifecycle jobs from the queue.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/builder"
	"github.com/gantryhq/gantry/internal/builder/workspace"
	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/container"
	"github.com/gantryhq/gantry/internal/deployer"
	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/queue"
	"github.com/gantryhq/gantry/internal/repository"
)

// Agent lifecycle states.
const (
	stateStarting    = "starting"
	stateRegistering = "registering"
	stateRunning     = "running"
	stateStopping    = "stopping"
	stateStopped     = "stopped"
)

const (
	// Lease keepalive cadence for claimed builds. Extensions outlive
	// the tick so a crashed worker's job still gets reclaimed.
	leaseEvery     = 30 * time.Second
	leaseExtension = 2 * time.Minute

	// Pending deployments older than this have lost their queue job
	// (a Redis flush, a dead-lettered duplicate) and get re-enqueued.
	stalledDeployAge = 15 * time.Minute
)

// controlQueues are the job kinds executed by the deployer, in the order
// each poll cycle drains them.
var controlQueues = []string{
	domain.QueueDeploy,
	domain.QueueRestart,
	domain.QueueStop,
	domain.QueueStart,
	domain.QueueScale,
	domain.QueueDelete,
}

// Agent is one worker node's runtime loop.
type Agent struct {
	cfg         config.AgentConfig
	client      *Client
	backend     container.Backend
	queue       *queue.Queue
	jobs        repository.JobRepository
	deployments repository.DeploymentRepository
	pipeline    *builder.Pipeline
	executor    *deployer.Executor
	workspace   *workspace.Manager
	log         *slog.Logger

	// buildSlots bounds how many builds run at once; builds execute on
	// their own goroutines so the ticker loop keeps heartbeating.
	buildSlots chan struct{}
	builds     sync.WaitGroup

	nodeID string
	state  string
}

// New constructs an Agent.
func New(
	cfg config.AgentConfig,
	client *Client,
	backend container.Backend,
	q *queue.Queue,
	jobs repository.JobRepository,
	deployments repository.DeploymentRepository,
	pipeline *builder.Pipeline,
	executor *deployer.Executor,
	ws *workspace.Manager,
	log *slog.Logger,
) *Agent {
	slots := cfg.MaxConcurrentBuilds
	if slots < 1 {
		slots = 1
	}
	return &Agent{
		cfg:         cfg,
		client:      client,
		backend:     backend,
		queue:       q,
		jobs:        jobs,
		deployments: deployments,
		pipeline:    pipeline,
		executor:    executor,
		workspace:   ws,
		log:         log,
		buildSlots:  make(chan struct{}, slots),
		state:       stateStarting,
	}
}

// NodeID returns the registered node identity; empty until registration.
func (a *Agent) NodeID() string {
	return a.nodeID
}

// Run drives the agent until the context is cancelled. The container
// backend must be reachable at startup; the control plane gets a bounded
// wait since it commonly starts at the same time in development.
func (a *Agent) Run(ctx context.Context) error {
	a.setState(stateStarting)
	if err := a.backend.Ping(ctx); err != nil {
		return fmt.Errorf("container backend unreachable: %w", err)
	}
	if err := a.waitForControlPlane(ctx); err != nil {
		return err
	}

	a.setState(stateRegistering)
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	a.setState(stateRunning)
	a.log.Info("agent running", "node_id", a.nodeID, "region", a.cfg.Region)

	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	buildPoll := time.NewTicker(a.cfg.BuildPollInterval)
	cleanup := time.NewTicker(a.cfg.CleanupInterval)
	defer heartbeat.Stop()
	defer buildPoll.Stop()
	defer cleanup.Stop()

	a.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			a.setState(stateStopping)
			a.builds.Wait()
			a.runCleanup(context.Background())
			a.setState(stateStopped)
			a.log.Info("agent stopped", "node_id", a.nodeID)
			return nil
		case <-heartbeat.C:
			a.heartbeat(ctx)
		case <-buildPoll.C:
			a.pollBuilds(ctx)
			a.pollControlJobs(ctx)
		case <-cleanup.C:
			a.runCleanup(ctx)
			a.resumeStalledDeployments(ctx)
		}
	}
}

func (a *Agent) setState(state string) {
	a.state = state
	a.log.Debug("agent state changed", "state", state)
}

func (a *Agent) waitForControlPlane(ctx context.Context) error {
	deadline := time.Now().Add(a.cfg.StartupWait)
	backoff := a.cfg.StartupBackoff
	for {
		err := a.client.Ping(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("control plane unreachable after %s: %w", a.cfg.StartupWait, err)
		}
		a.log.Warn("control plane not ready, retrying", "error", err, "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// register reuses persisted credentials when the control plane still
// accepts them. A stale token re-registers under the saved identity with
// the saved credential; only a rejected credential starts over as a
// brand-new node, since the control plane will not rotate the credential
// of an identity it already knows.
func (a *Agent) register(ctx context.Context) error {
	creds, err := LoadCredentials(a.cfg.CredentialsPath)
	if err != nil {
		a.log.Warn("stored credentials unreadable, re-registering", "error", err)
	}
	if creds != nil {
		a.client.SetToken(creds.Token)
		hbErr := a.client.Heartbeat(ctx, a.heartbeatRequest(ctx))
		if hbErr == nil {
			a.nodeID = creds.NodeID
			a.executor.SetNodeID(a.nodeID)
			a.log.Info("reusing stored registration", "node_id", a.nodeID)
			return nil
		}
		if !errors.Is(hbErr, ErrUnauthorized) {
			return hbErr
		}
		a.log.Info("stored token rejected, re-registering", "node_id", creds.NodeID)
		regErr := a.registerAs(ctx, creds.NodeID, creds.Credential)
		if regErr == nil {
			return nil
		}
		if !errors.Is(regErr, ErrUnauthorized) {
			return regErr
		}
		a.log.Warn("stored credential rejected, registering as a new node", "old_node_id", creds.NodeID)
	}
	return a.registerAs(ctx, uuid.NewString(), newCredential())
}

func (a *Agent) registerAs(ctx context.Context, nodeID, credential string) error {
	resp, err := a.client.Register(ctx, RegisterRequest{
		NodeID:     nodeID,
		Hostname:   a.hostname(),
		Region:     a.cfg.Region,
		Credential: credential,
		Resources:  a.totalResources(),
	})
	if err != nil {
		return err
	}
	a.nodeID = resp.NodeID
	a.executor.SetNodeID(a.nodeID)
	if err := SaveCredentials(a.cfg.CredentialsPath, &Credentials{
		NodeID:     resp.NodeID,
		Credential: credential,
		Token:      resp.Token,
	}); err != nil {
		a.log.Warn("persist credentials failed", "error", err)
	}
	a.log.Info("worker registered", "node_id", a.nodeID, "region", a.cfg.Region)
	return nil
}

// heartbeat reports capacity; a rejected token triggers re-registration
// instead of crashing the agent.
func (a *Agent) heartbeat(ctx context.Context) {
	err := a.client.Heartbeat(ctx, a.heartbeatRequest(ctx))
	if err == nil {
		return
	}
	if errors.Is(err, ErrUnauthorized) {
		a.log.Warn("heartbeat rejected, re-registering")
		if rerr := a.register(ctx); rerr != nil {
			a.log.Error("re-registration failed", "error", rerr)
		}
		return
	}
	a.log.Warn("heartbeat failed", "error", err)
}

func (a *Agent) heartbeatRequest(ctx context.Context) HeartbeatRequest {
	res := a.totalResources()
	containers := 0
	if stats, err := a.backend.NodeStats(ctx); err == nil {
		containers = stats.Containers
		res.CPUUsedMillicores = stats.CPUMillicores
		res.MemoryUsedMB = stats.MemoryMB
	}
	return HeartbeatRequest{
		Status:     domain.NodeStatusOnline,
		Containers: containers,
		Resources:  res,
	}
}

func (a *Agent) totalResources() domain.NodeResources {
	return domain.NodeResources{
		CPUTotalMillicores: a.cfg.TotalCPUMillicores,
		MemoryTotalMB:      a.cfg.TotalMemoryMB,
		DiskTotalMB:        a.cfg.TotalDiskMB,
	}
}

// pollBuilds claims queued builds and hands each to its own goroutine,
// bounded by the configured slot count. Builds never run on the caller's
// goroutine, so heartbeat and cleanup ticks keep firing while they run.
func (a *Agent) pollBuilds(ctx context.Context) {
	offered, err := a.client.QueuedBuilds(ctx)
	if err != nil {
		a.log.Warn("build poll failed", "error", err)
		return
	}
	for _, offer := range offered {
		if ctx.Err() != nil {
			return
		}
		select {
		case a.buildSlots <- struct{}{}:
		default:
			return
		}
		claimed, err := a.client.AcceptBuild(ctx, offer.JobID)
		if err != nil || claimed == nil {
			<-a.buildSlots
			if err != nil {
				a.log.Warn("accept build failed", "job_id", offer.JobID, "error", err)
			}
			continue
		}
		a.builds.Add(1)
		go func(job *BuildJob) {
			defer a.builds.Done()
			defer func() { <-a.buildSlots }()
			a.runBuild(ctx, job)
		}(claimed)
	}
}

func (a *Agent) runBuild(ctx context.Context, job *BuildJob) {
	a.log.Info("build claimed", "job_id", job.JobID, "application_id", job.Payload.ApplicationID)
	stopLease := a.keepLeaseAlive(ctx, job.JobID)
	defer stopLease()
	result, err := a.pipeline.Run(ctx, builder.Request{
		BuildPayload: job.Payload,
		Progress: func(pct int) {
			if perr := a.jobs.UpdateJobProgress(ctx, job.JobID, pct); perr != nil {
				a.log.Debug("progress update failed", "job_id", job.JobID, "error", perr)
			}
		},
	})
	if err != nil {
		a.log.Error("build failed", "job_id", job.JobID, "error", err)
		if ferr := a.queue.Fail(ctx, job.JobID, err); ferr != nil {
			a.log.Error("report build failure failed", "job_id", job.JobID, "error", ferr)
		}
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"buildId":      result.BuildID,
		"deploymentId": result.DeploymentID,
	})
	if aerr := a.queue.Ack(ctx, job.JobID, payload); aerr != nil {
		a.log.Error("ack build failed", "job_id", job.JobID, "error", aerr)
	}
}

// keepLeaseAlive extends the job's visibility lease periodically while a
// build runs, so long builds are not reclaimed and handed to another
// worker mid-flight. The returned stop function must be called when the
// build finishes.
func (a *Agent) keepLeaseAlive(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(leaseEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.queue.ExtendLease(ctx, jobID, leaseExtension); err != nil {
					a.log.Warn("extend lease failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// resumeStalledDeployments re-enqueues pending deployments in this
// region whose queue job has gone missing. Fresh pending rows are left
// alone; their job is usually still in flight.
func (a *Agent) resumeStalledDeployments(ctx context.Context) {
	stalled, err := a.deployments.ListQueuedDeployments(ctx, a.cfg.Region)
	if err != nil {
		a.log.Warn("list queued deployments failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-stalledDeployAge)
	for _, d := range stalled {
		if d.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := a.queue.Enqueue(ctx, domain.QueueDeploy, domain.DeployPayload{
			DeploymentID:   d.ID,
			Replicas:       d.Replicas,
			CachedSlugPath: d.ArtifactKey,
		}, queue.Options{}); err != nil {
			a.log.Warn("re-enqueue stalled deployment failed", "deployment_id", d.ID, "error", err)
			continue
		}
		a.log.Info("stalled deployment re-enqueued", "deployment_id", d.ID, "application_id", d.ApplicationID)
	}
}

// pollControlJobs drains one job per control queue per cycle.
func (a *Agent) pollControlJobs(ctx context.Context) {
	for _, queueName := range controlQueues {
		job, err := a.queue.ClaimNext(ctx, queueName, 0)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				a.log.Warn("claim failed", "queue", queueName, "error", err)
			}
			continue
		}
		if job == nil {
			continue
		}
		a.runControlJob(ctx, job)
	}
}

func (a *Agent) runControlJob(ctx context.Context, job *domain.Job) {
	var err error
	switch job.Queue {
	case domain.QueueDeploy:
		var payload domain.DeployPayload
		if err = json.Unmarshal(job.Payload, &payload); err == nil {
			err = a.executor.Deploy(ctx, payload)
		}
	default:
		var payload domain.ControlPayload
		if err = json.Unmarshal(job.Payload, &payload); err == nil {
			switch job.Queue {
			case domain.QueueRestart:
				err = a.executor.Restart(ctx, payload)
			case domain.QueueStop:
				err = a.executor.Stop(ctx, payload)
			case domain.QueueStart:
				err = a.executor.Start(ctx, payload)
			case domain.QueueScale:
				err = a.executor.Scale(ctx, payload)
			case domain.QueueDelete:
				err = a.executor.Delete(ctx, payload)
			default:
				err = fmt.Errorf("unknown queue %q", job.Queue)
			}
		}
	}

	if err != nil {
		level := a.log.Error
		if errors.Is(err, deployer.ErrNoCapacity) {
			level = a.log.Warn
		}
		level("job failed", "job_id", job.ID, "queue", job.Queue, "error", err)
		if ferr := a.queue.Fail(ctx, job.ID, err); ferr != nil {
			a.log.Error("report job failure failed", "job_id", job.ID, "error", ferr)
		}
		return
	}
	if aerr := a.queue.Ack(ctx, job.ID, nil); aerr != nil {
		a.log.Error("ack job failed", "job_id", job.ID, "error", aerr)
	}
	a.log.Info("job completed", "job_id", job.ID, "queue", job.Queue)
}

// runCleanup sweeps stale workspaces and garbage-collects the container
// backend. Failures are logged, never fatal.
func (a *Agent) runCleanup(ctx context.Context) {
	removed, err := a.workspace.Sweep(a.cfg.WorkspaceRetention)
	if err != nil {
		a.log.Warn("workspace sweep failed", "error", err)
	} else if removed > 0 {
		a.log.Info("workspaces swept", "removed", removed)
	}
	if err := a.backend.Prune(ctx); err != nil {
		a.log.Warn("container prune failed", "error", err)
	}
}

func (a *Agent) hostname() string {
	if a.cfg.Hostname != "" {
		return a.cfg.Hostname
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func newCredential() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
