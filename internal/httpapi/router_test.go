package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/queue"
	"github.com/gantryhq/gantry/internal/repository"
	"github.com/gantryhq/gantry/internal/scheduler"
	"github.com/gantryhq/gantry/internal/ws"
)

type memNodes struct {
	repository.NodeRepository
	mu     sync.Mutex
	nodes  map[string]*domain.WorkerNode
	hashes map[string][]byte
}

func newMemNodes() *memNodes {
	return &memNodes{nodes: map[string]*domain.WorkerNode{}, hashes: map[string][]byte{}}
}

func (m *memNodes) RegisterNode(_ context.Context, node *domain.WorkerNode, credentialHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *node
	m.nodes[node.ID] = &cp
	m.hashes[node.ID] = credentialHash
	return nil
}

func (m *memNodes) GetNodeCredentialHash(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.hashes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return hash, nil
}

func (m *memNodes) RecordHeartbeat(_ context.Context, id string, res domain.NodeResources, containers int, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[id]
	if !ok {
		return repository.ErrNotFound
	}
	node.Resources = res
	node.ContainerCount = containers
	node.Status = status
	node.LastHeartbeat = time.Now()
	return nil
}

type memJobs struct {
	repository.JobRepository
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[string]*domain.Job{}}
}

func (m *memJobs) CreateJob(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobs) GetJob(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memJobs) MarkJobActive(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = domain.JobStatusActive
	return nil
}

func (m *memJobs) ListWaitingJobs(_ context.Context, queueName string, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if j.Queue == queueName && j.Status == domain.JobStatusWaiting && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

type appStore struct {
	repository.ApplicationRepository
	apps  map[string]*domain.Application
	plans map[string]*domain.Plan
}

func (s *appStore) CreateApplication(_ context.Context, app *domain.Application) error {
	cp := *app
	s.apps[app.ID] = &cp
	return nil
}

func (s *appStore) GetApplicationBySlug(_ context.Context, slug string) (*domain.Application, error) {
	for _, app := range s.apps {
		if app.Slug == slug {
			cp := *app
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *appStore) GetApplicationByID(_ context.Context, id string) (*domain.Application, error) {
	app, ok := s.apps[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *app
	return &cp, nil
}

func (s *appStore) GetPlan(_ context.Context, id string) (*domain.Plan, error) {
	plan, ok := s.plans[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *plan
	return &cp, nil
}

func (s *appStore) UpdateInstanceCount(_ context.Context, id string, count int) error {
	app, ok := s.apps[id]
	if !ok {
		return repository.ErrNotFound
	}
	app.InstanceCount = count
	return nil
}

type deployStore struct {
	repository.DeploymentRepository
}

type env struct {
	server *httptest.Server
	nodes  *memNodes
	jobs   *memJobs
	apps   *appStore
	queue  *queue.Queue
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	nodes := newMemNodes()
	jobs := newMemJobs()
	apps := &appStore{
		apps: map[string]*domain.Application{
			"app-1": {ID: "app-1", PlanID: "hobby", Status: domain.AppStatusRunning, InstanceCount: 1},
		},
		plans: map[string]*domain.Plan{
			"hobby": {ID: "hobby", MaxReplicas: 3},
		},
	}
	q := queue.New(client, jobs, log, queue.Config{})
	sched := scheduler.NewService(apps, &deployStore{}, q, log)
	issuer := NewTokenIssuer("test-secret", time.Hour)
	router := NewRouter(log, nodes, jobs, apps, q, sched, ws.NewHub(8), issuer,
		func(context.Context) error { return nil })

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &env{server: server, nodes: nodes, jobs: jobs, apps: apps, queue: q}
}

func register(t *testing.T, e *env) (*agent.Client, string) {
	t.Helper()
	client := agent.NewClient(e.server.URL, 5*time.Second)
	resp, err := client.Register(context.Background(), agent.RegisterRequest{
		Hostname:   "worker-1",
		Region:     "us-east",
		Credential: "topsecret",
		Resources:  domain.NodeResources{CPUTotalMillicores: 4000, MemoryTotalMB: 8192},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return client, resp.NodeID
}

func TestWorkerRegisterAndHeartbeat(t *testing.T) {
	e := newEnv(t)
	client, nodeID := register(t, e)

	if nodeID == "" {
		t.Fatal("expected a node id")
	}
	if e.nodes.nodes[nodeID] == nil {
		t.Fatal("node not persisted")
	}
	if e.nodes.nodes[nodeID].Status != domain.NodeStatusOnline {
		t.Errorf("registered status = %q, want online", e.nodes.nodes[nodeID].Status)
	}

	err := client.Heartbeat(context.Background(), agent.HeartbeatRequest{
		Status:     domain.NodeStatusOnline,
		Containers: 2,
		Resources:  domain.NodeResources{MemoryTotalMB: 8192, MemoryUsedMB: 1024},
	})
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if got := e.nodes.nodes[nodeID].ContainerCount; got != 2 {
		t.Errorf("container count = %d, want 2", got)
	}
}

func TestHeartbeatRejectsMissingToken(t *testing.T) {
	e := newEnv(t)
	client := agent.NewClient(e.server.URL, 5*time.Second)

	err := client.Heartbeat(context.Background(), agent.HeartbeatRequest{Status: domain.NodeStatusOnline})
	if !errors.Is(err, agent.ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

func TestReregisterVerifiesCredential(t *testing.T) {
	e := newEnv(t)
	_, nodeID := register(t, e)

	fresh := agent.NewClient(e.server.URL, 5*time.Second)
	_, err := fresh.Register(context.Background(), agent.RegisterRequest{
		NodeID:     nodeID,
		Hostname:   "imposter",
		Region:     "us-east",
		Credential: "wrong",
	})
	if !errors.Is(err, agent.ErrUnauthorized) {
		t.Fatalf("wrong credential: error = %v, want ErrUnauthorized", err)
	}

	_, err = fresh.Register(context.Background(), agent.RegisterRequest{
		NodeID:     nodeID,
		Hostname:   "worker-1",
		Region:     "us-east",
		Credential: "topsecret",
	})
	if err != nil {
		t.Fatalf("matching credential: error = %v", err)
	}
}

func TestBuildOfferAndAccept(t *testing.T) {
	e := newEnv(t)
	client, _ := register(t, e)
	ctx := context.Background()

	jobID, err := e.queue.Enqueue(ctx, domain.QueueBuild, domain.BuildPayload{
		ApplicationID: "app-1",
		GitURL:        "https://example.com/repo.git",
	}, queue.Options{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	offered, err := client.QueuedBuilds(ctx)
	if err != nil {
		t.Fatalf("QueuedBuilds() error = %v", err)
	}
	if len(offered) != 1 || offered[0].JobID != jobID {
		t.Fatalf("offered = %+v, want one job %s", offered, jobID)
	}
	if offered[0].Payload.ApplicationID != "app-1" {
		t.Errorf("payload application = %q, want app-1", offered[0].Payload.ApplicationID)
	}

	claimed, err := client.AcceptBuild(ctx, jobID)
	if err != nil {
		t.Fatalf("AcceptBuild() error = %v", err)
	}
	if claimed == nil || claimed.JobID != jobID {
		t.Fatalf("claimed = %+v, want job %s", claimed, jobID)
	}

	// Second accept loses the race and reports it as a nil claim.
	again, err := client.AcceptBuild(ctx, jobID)
	if err != nil {
		t.Fatalf("second AcceptBuild() error = %v", err)
	}
	if again != nil {
		t.Fatalf("second accept = %+v, want nil", again)
	}
}

func TestJobStatusEndpoint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	jobID, err := e.queue.Enqueue(ctx, domain.QueueScale, domain.ControlPayload{ApplicationID: "app-1", Replicas: 2}, queue.Options{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	resp, err := http.Get(e.server.URL + "/v1/jobs/" + jobID)
	if err != nil {
		t.Fatalf("GET job status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var status queue.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != domain.JobStatusWaiting {
		t.Errorf("state = %q, want waiting", status.State)
	}

	missing, err := http.Get(e.server.URL + "/v1/jobs/nope")
	if err != nil {
		t.Fatalf("GET missing job: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", missing.StatusCode)
	}
}

func TestScaleRoute(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Post(e.server.URL+"/v1/applications/app-1/scale", "application/json",
		strings.NewReader(`{"replicas": 5}`))
	if err != nil {
		t.Fatalf("POST scale: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("over-limit status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(string(body), "Plan limit: maximum 3 replicas") {
		t.Errorf("body = %s, want plan limit message", body)
	}

	resp, err = http.Post(e.server.URL+"/v1/applications/app-1/scale", "application/json",
		strings.NewReader(`{"replicas": 2}`))
	if err != nil {
		t.Fatalf("POST scale: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("valid scale status = %d, want 202", resp.StatusCode)
	}
	var out struct {
		JobID string `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.JobID == "" {
		t.Error("expected a job id")
	}
	if got := e.apps.apps["app-1"].InstanceCount; got != 2 {
		t.Errorf("instance count = %d, want 2", got)
	}
}

func TestQueueStats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.queue.Enqueue(ctx, domain.QueueBuild, domain.BuildPayload{ApplicationID: "app-1", GitURL: "u"}, queue.Options{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	resp, err := http.Get(e.server.URL + "/v1/queues")
	if err != nil {
		t.Fatalf("GET queues: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Depths      map[string]int64 `json:"depths"`
		DeadLetters []string         `json:"deadLetters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Depths[domain.QueueBuild] != 1 {
		t.Errorf("build depth = %d, want 1", out.Depths[domain.QueueBuild])
	}
	if out.Depths[domain.QueueDeploy] != 0 {
		t.Errorf("deploy depth = %d, want 0", out.Depths[domain.QueueDeploy])
	}
	if len(out.DeadLetters) != 0 {
		t.Errorf("dead letters = %v, want none", out.DeadLetters)
	}
}

func TestCreateApplication(t *testing.T) {
	e := newEnv(t)

	body := `{"slug":"web","name":"Web","planId":"hobby","repoUrl":"https://example.com/web.git"}`
	resp, err := http.Post(e.server.URL+"/v1/applications", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST application: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var out struct {
		ID     string `json:"id"`
		Slug   string `json:"slug"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.ID == "" || out.Slug != "web" || out.Status != domain.AppStatusPending {
		t.Fatalf("response = %+v, want pending app with slug web", out)
	}
	created := e.apps.apps[out.ID]
	if created == nil {
		t.Fatal("application not persisted")
	}
	if created.Branch != "main" || created.InstanceCount != 1 {
		t.Errorf("defaults = branch %q, replicas %d, want main/1", created.Branch, created.InstanceCount)
	}

	t.Run("duplicate slug", func(t *testing.T) {
		resp, err := http.Post(e.server.URL+"/v1/applications", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST application: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("unknown plan", func(t *testing.T) {
		resp, err := http.Post(e.server.URL+"/v1/applications", "application/json",
			strings.NewReader(`{"slug":"api","name":"API","planId":"enterprise","repoUrl":"https://example.com/api.git"}`))
		if err != nil {
			t.Fatalf("POST application: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		resp, err := http.Post(e.server.URL+"/v1/applications", "application/json",
			strings.NewReader(`{"slug":"bare"}`))
		if err != nil {
			t.Fatalf("POST application: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("replicas over plan limit", func(t *testing.T) {
		resp, err := http.Post(e.server.URL+"/v1/applications", "application/json",
			strings.NewReader(`{"slug":"big","name":"Big","planId":"hobby","repoUrl":"https://example.com/big.git","replicas":9}`))
		if err != nil {
			t.Fatalf("POST application: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var payload struct {
		Components map[string]string `json:"components"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if payload.Components["db"] != "ok" {
		t.Errorf("db component = %q, want ok", payload.Components["db"])
	}
}
