// Package httpapi is the control plane's HTTP surface: worker
// registration and heartbeats, build hand-off, job status polling, and
// live log streaming.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/queue"
	"github.com/gantryhq/gantry/internal/repository"
	"github.com/gantryhq/gantry/internal/scheduler"
	"github.com/gantryhq/gantry/internal/telemetry"
	"github.com/gantryhq/gantry/internal/ws"
)

// registerRequest is the worker registration payload.
type registerRequest struct {
	NodeID     string               `json:"nodeId,omitempty"`
	Hostname   string               `json:"hostname"`
	Region     string               `json:"region"`
	Credential string               `json:"credential"`
	Resources  domain.NodeResources `json:"resources"`
}

type registerResponse struct {
	NodeID string `json:"nodeId"`
	Token  string `json:"token"`
}

type heartbeatRequest struct {
	Status     string               `json:"status"`
	Containers int                  `json:"containers"`
	Resources  domain.NodeResources `json:"resources"`
}

// buildJob is one claimable build offered to workers.
type buildJob struct {
	JobID   string              `json:"jobId"`
	Payload domain.BuildPayload `json:"payload"`
}

type scheduleResponse struct {
	JobID string `json:"jobId"`
}

// Router wires the HTTP routes to their backing services.
type Router struct {
	mux      *http.ServeMux
	log      *slog.Logger
	nodes    repository.NodeRepository
	jobs     repository.JobRepository
	apps     repository.ApplicationRepository
	queue    *queue.Queue
	sched    *scheduler.Service
	hub      *ws.Hub
	issuer   *TokenIssuer
	dbHealth func(context.Context) error
	upgrader websocket.Upgrader
}

// NewRouter assembles the route table.
func NewRouter(
	log *slog.Logger,
	nodes repository.NodeRepository,
	jobs repository.JobRepository,
	apps repository.ApplicationRepository,
	q *queue.Queue,
	sched *scheduler.Service,
	hub *ws.Hub,
	issuer *TokenIssuer,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		log:      log,
		nodes:    nodes,
		jobs:     jobs,
		apps:     apps,
		queue:    q,
		sched:    sched,
		hub:      hub,
		issuer:   issuer,
		dbHealth: dbHealth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	r.register()
	return r
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", telemetry.Handler())

	r.mux.HandleFunc("POST /v1/workers/register", r.handleWorkerRegister)
	r.mux.HandleFunc("POST /v1/workers/heartbeat", r.withWorkerAuth(r.handleWorkerHeartbeat))
	r.mux.HandleFunc("GET /v1/workers/builds", r.withWorkerAuth(r.handleListBuilds))
	r.mux.HandleFunc("POST /v1/workers/builds/{id}/accept", r.withWorkerAuth(r.handleAcceptBuild))

	r.mux.HandleFunc("GET /v1/jobs/{id}", r.handleJobStatus)
	r.mux.HandleFunc("GET /v1/queues", r.handleQueueStats)

	r.mux.HandleFunc("POST /v1/applications", r.handleCreateApplication)
	r.mux.HandleFunc("POST /v1/applications/{id}/deployments", r.handleScheduleDeployment)
	r.mux.HandleFunc("POST /v1/applications/{id}/restart", r.scheduleHandler(r.sched.ScheduleRestart))
	r.mux.HandleFunc("POST /v1/applications/{id}/stop", r.scheduleHandler(r.sched.ScheduleStop))
	r.mux.HandleFunc("POST /v1/applications/{id}/start", r.scheduleHandler(r.sched.ScheduleStart))
	r.mux.HandleFunc("POST /v1/applications/{id}/scale", r.handleScale)
	r.mux.HandleFunc("POST /v1/applications/{id}/rollback", r.scheduleHandler(r.sched.Rollback))
	r.mux.HandleFunc("DELETE /v1/applications/{id}", r.scheduleHandler(r.sched.ScheduleDelete))

	r.mux.HandleFunc("GET /v1/applications/{id}/logs/stream", r.handleLogStream)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := map[string]string{"db": "ok"}
	status := http.StatusOK
	if err := r.dbHealth(req.Context()); err != nil {
		components["db"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":     http.StatusText(status),
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleWorkerRegister creates or refreshes a worker node identity. A
// returning node must present the credential that hashes to what we
// stored; a fresh credential on an unknown ID simply registers it.
func (r *Router) handleWorkerRegister(w http.ResponseWriter, req *http.Request) {
	var in registerRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(in.Hostname) == "" || strings.TrimSpace(in.Credential) == "" {
		writeError(w, http.StatusBadRequest, "hostname and credential are required")
		return
	}

	nodeID := in.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	} else {
		stored, err := r.nodes.GetNodeCredentialHash(req.Context(), nodeID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			// Unknown ID: treat as a fresh registration under it.
		case err != nil:
			r.log.Error("load node credential", "node_id", nodeID, "error", err)
			writeError(w, http.StatusInternalServerError, "registration failed")
			return
		default:
			if bcrypt.CompareHashAndPassword(stored, []byte(in.Credential)) != nil {
				writeError(w, http.StatusForbidden, "credential mismatch")
				return
			}
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Credential), bcrypt.DefaultCost)
	if err != nil {
		r.log.Error("hash node credential", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	node := &domain.WorkerNode{
		ID:        nodeID,
		Hostname:  in.Hostname,
		Region:    in.Region,
		Status:    domain.NodeStatusOnline,
		Resources: in.Resources,
	}
	if err := r.nodes.RegisterNode(req.Context(), node, hash); err != nil {
		r.log.Error("register node", "node_id", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	token, err := r.issuer.Issue(nodeID)
	if err != nil {
		r.log.Error("issue worker token", "node_id", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	r.log.Info("worker registered", "node_id", nodeID, "hostname", in.Hostname, "region", in.Region)
	writeJSON(w, http.StatusOK, registerResponse{NodeID: nodeID, Token: token})
}

func (r *Router) handleWorkerHeartbeat(w http.ResponseWriter, req *http.Request, nodeID string) {
	var in heartbeatRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status := in.Status
	switch status {
	case "":
		status = domain.NodeStatusOnline
	case domain.NodeStatusOnline, domain.NodeStatusDegraded, domain.NodeStatusDraining:
	default:
		writeError(w, http.StatusBadRequest, "unknown node status")
		return
	}
	if err := r.nodes.RecordHeartbeat(req.Context(), nodeID, in.Resources, in.Containers, status); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unknown node")
			return
		}
		r.log.Error("record heartbeat", "node_id", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	telemetry.HeartbeatsReceived.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListBuilds offers waiting build jobs. Workers race to accept;
// listing is advisory and carries no claim.
func (r *Router) handleListBuilds(w http.ResponseWriter, req *http.Request, nodeID string) {
	waiting, err := r.jobs.ListWaitingJobs(req.Context(), domain.QueueBuild, 20)
	if err != nil {
		r.log.Error("list waiting builds", "node_id", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list builds")
		return
	}
	offers := make([]buildJob, 0, len(waiting))
	for _, job := range waiting {
		var payload domain.BuildPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			r.log.Warn("skipping build job with bad payload", "job_id", job.ID, "error", err)
			continue
		}
		offers = append(offers, buildJob{JobID: job.ID, Payload: payload})
	}
	writeJSON(w, http.StatusOK, offers)
}

func (r *Router) handleAcceptBuild(w http.ResponseWriter, req *http.Request, nodeID string) {
	jobID := req.PathValue("id")
	job, err := r.queue.Claim(req.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrNotClaimable):
			writeError(w, http.StatusConflict, "job already claimed")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		default:
			r.log.Error("claim build job", "job_id", jobID, "node_id", nodeID, "error", err)
			writeError(w, http.StatusInternalServerError, "claim failed")
		}
		return
	}
	var payload domain.BuildPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		r.log.Error("decode claimed build payload", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "claim failed")
		return
	}
	r.log.Info("build claimed", "job_id", jobID, "node_id", nodeID)
	writeJSON(w, http.StatusOK, buildJob{JobID: job.ID, Payload: payload})
}

func (r *Router) handleJobStatus(w http.ResponseWriter, req *http.Request) {
	status, err := r.queue.GetStatus(req.Context(), req.PathValue("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		r.log.Error("job status", "job_id", req.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

var statQueues = []string{
	domain.QueueBuild,
	domain.QueueDeploy,
	domain.QueueRestart,
	domain.QueueStop,
	domain.QueueStart,
	domain.QueueScale,
	domain.QueueDelete,
}

// handleQueueStats reports ready-queue depths and recent dead letters
// for operators watching backlog.
func (r *Router) handleQueueStats(w http.ResponseWriter, req *http.Request) {
	depths := make(map[string]int64, len(statQueues))
	for _, name := range statQueues {
		depth, err := r.queue.Depth(req.Context(), name)
		if err != nil {
			r.log.Error("queue depth", "queue", name, "error", err)
			writeError(w, http.StatusServiceUnavailable, "queue unreachable")
			return
		}
		depths[name] = depth
	}
	dead, err := r.queue.DeadLetters(req.Context(), 20)
	if err != nil {
		r.log.Error("dead letters", "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"depths":      depths,
		"deadLetters": dead,
	})
}

type createApplicationRequest struct {
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	OwnerID  string `json:"ownerId"`
	PlanID   string `json:"planId"`
	Region   string `json:"region"`
	RepoURL  string `json:"repoUrl"`
	Branch   string `json:"branch"`
	Replicas int    `json:"replicas"`
}

// handleCreateApplication registers a new application in pending state.
// Slugs are unique across tenants; the first deployment is scheduled
// separately.
func (r *Router) handleCreateApplication(w http.ResponseWriter, req *http.Request) {
	var in createApplicationRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in.Slug = strings.TrimSpace(in.Slug)
	if in.Slug == "" || strings.TrimSpace(in.Name) == "" ||
		strings.TrimSpace(in.PlanID) == "" || strings.TrimSpace(in.RepoURL) == "" {
		writeError(w, http.StatusBadRequest, "slug, name, planId and repoUrl are required")
		return
	}
	plan, err := r.apps.GetPlan(req.Context(), in.PlanID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown plan")
			return
		}
		r.log.Error("load plan", "plan_id", in.PlanID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create application")
		return
	}
	replicas := in.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	if replicas > plan.MaxReplicas {
		writeError(w, http.StatusBadRequest, "replicas exceed plan limit")
		return
	}
	if _, err := r.apps.GetApplicationBySlug(req.Context(), in.Slug); err == nil {
		writeError(w, http.StatusConflict, "slug already in use")
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		r.log.Error("check slug", "slug", in.Slug, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create application")
		return
	}
	branch := in.Branch
	if branch == "" {
		branch = "main"
	}
	now := time.Now().UTC()
	app := &domain.Application{
		ID:            uuid.NewString(),
		OwnerID:       in.OwnerID,
		Slug:          in.Slug,
		Name:          in.Name,
		PlanID:        plan.ID,
		Region:        in.Region,
		RepoURL:       in.RepoURL,
		Branch:        branch,
		Status:        domain.AppStatusPending,
		InstanceCount: replicas,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.apps.CreateApplication(req.Context(), app); err != nil {
		r.log.Error("create application", "slug", in.Slug, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create application")
		return
	}
	r.log.Info("application created", "application_id", app.ID, "slug", app.Slug)
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     app.ID,
		"slug":   app.Slug,
		"status": app.Status,
	})
}

func (r *Router) handleScheduleDeployment(w http.ResponseWriter, req *http.Request) {
	var in struct {
		GitCommit string `json:"gitCommit"`
		UserID    string `json:"userId"`
	}
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&in)
	}
	jobID, err := r.sched.ScheduleDeployment(req.Context(), req.PathValue("id"), in.GitCommit, in.UserID)
	if err != nil {
		r.writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduleResponse{JobID: jobID})
}

func (r *Router) handleScale(w http.ResponseWriter, req *http.Request) {
	var in struct {
		Replicas int `json:"replicas"`
	}
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	jobID, err := r.sched.ScheduleScale(req.Context(), req.PathValue("id"), in.Replicas)
	if err != nil {
		r.writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduleResponse{JobID: jobID})
}

// scheduleHandler adapts the single-argument scheduler operations.
func (r *Router) scheduleHandler(op func(context.Context, string) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		jobID, err := op(req.Context(), req.PathValue("id"))
		if err != nil {
			r.writeScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, scheduleResponse{JobID: jobID})
	}
}

func (r *Router) writeScheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "application not found")
	case errors.Is(err, scheduler.ErrSuspended):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNoRollbackTarget):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// handleLogStream upgrades to a websocket and subscribes the caller to
// the application's live build log feed. The read loop exists only to
// notice disconnects.
func (r *Router) handleLogStream(w http.ResponseWriter, req *http.Request) {
	appID := req.PathValue("id")
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", "application_id", appID, "error", err)
		return
	}
	client := ws.NewClient(conn, r.log)
	r.hub.Register(appID, client)
	defer func() {
		r.hub.Unregister(appID, client)
		client.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// withWorkerAuth verifies the bearer token and passes the node ID along.
func (r *Router) withWorkerAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		header := req.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		nodeID, err := r.issuer.Verify(token)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, "token expired")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, req, nodeID)
	}
}
