package deployer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gantryhq/gantry/internal/blob"
	"github.com/gantryhq/gantry/internal/builder/archive"
	"github.com/gantryhq/gantry/internal/container"
	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/repository"
	"github.com/gantryhq/gantry/internal/scheduler"
)

type memStore struct {
	repository.ApplicationRepository
	repository.BuildRepository
	repository.DeploymentRepository
	repository.NodeRepository

	mu          sync.Mutex
	apps        map[string]*domain.Application
	plans       map[string]*domain.Plan
	builds      map[string]*domain.Build
	deployments map[string]*domain.Deployment
	nodes       map[string]*domain.WorkerNode
}

func newMemStore() *memStore {
	return &memStore{
		apps:        map[string]*domain.Application{},
		plans:       map[string]*domain.Plan{},
		builds:      map[string]*domain.Build{},
		deployments: map[string]*domain.Deployment{},
		nodes:       map[string]*domain.WorkerNode{},
	}
}

func (m *memStore) GetApplicationByID(_ context.Context, id string) (*domain.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *app
	return &cp, nil
}

func (m *memStore) GetPlan(_ context.Context, id string) (*domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *plan
	return &cp, nil
}

func (m *memStore) UpdateApplicationStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[id].Status = status
	return nil
}

func (m *memStore) SetCurrentDeployment(_ context.Context, id, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[id].CurrentDeployID = &deploymentID
	return nil
}

func (m *memStore) DeleteApplication(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.apps, id)
	return nil
}

func (m *memStore) GetBuildByID(_ context.Context, id string) (*domain.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	build, ok := m.builds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *build
	return &cp, nil
}

func (m *memStore) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) GetActiveDeployment(_ context.Context, applicationID string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deployments {
		if d.ApplicationID == applicationID && d.Status == domain.DeployStatusDeployed {
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) UpdateDeploymentStatus(_ context.Context, id, status, errMsg string, deployedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deployments[id]
	d.Status = status
	d.Error = errMsg
	if deployedAt != nil {
		d.DeployedAt = deployedAt
	}
	return nil
}

func (m *memStore) SupersedeDeployments(_ context.Context, applicationID, keepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deployments {
		if d.ApplicationID == applicationID && d.ID != keepID && d.Status == domain.DeployStatusDeployed {
			d.Status = domain.DeployStatusSuperseded
		}
	}
	return nil
}

func (m *memStore) AssignDeploymentNode(_ context.Context, id, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployments[id].NodeID = &nodeID
	return nil
}

func (m *memStore) GetNodeByID(_ context.Context, id string) (*domain.WorkerNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *node
	return &cp, nil
}

func (m *memStore) ListNodesByRegion(_ context.Context, region string) ([]domain.WorkerNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkerNode
	for _, n := range m.nodes {
		if n.Region == region {
			out = append(out, *n)
		}
	}
	return out, nil
}

type scaleCall struct {
	service  string
	replicas int
}

type fakeBackend struct {
	mu     sync.Mutex
	scales []scaleCall
}

func (f *fakeBackend) Ping(context.Context) error { return nil }
func (f *fakeBackend) RunContainer(context.Context, container.Spec) (container.Info, error) {
	return container.Info{}, nil
}
func (f *fakeBackend) StopContainer(context.Context, string) error   { return nil }
func (f *fakeBackend) RemoveContainer(context.Context, string) error { return nil }
func (f *fakeBackend) ScaleService(_ context.Context, service string, _ container.Spec, replicas int) ([]container.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scales = append(f.scales, scaleCall{service: service, replicas: replicas})
	return nil, nil
}
func (f *fakeBackend) ServiceStats(context.Context, string) (container.Stats, error) {
	return container.Stats{Containers: 1, CPUMillicores: 100, MemoryMB: 64}, nil
}
func (f *fakeBackend) NodeStats(context.Context) (container.Stats, error) {
	return container.Stats{}, nil
}
func (f *fakeBackend) Prune(context.Context) error { return nil }
func (f *fakeBackend) Close() error                { return nil }

func (f *fakeBackend) lastScale(t *testing.T) scaleCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scales) == 0 {
		t.Fatal("no scale calls recorded")
	}
	return f.scales[len(f.scales)-1]
}

func testNode(id, region string, usedMB int64) *domain.WorkerNode {
	return &domain.WorkerNode{
		ID:     id,
		Region: region,
		Status: domain.NodeStatusOnline,
		Resources: domain.NodeResources{
			CPUTotalMillicores: 8000,
			MemoryTotalMB:      8192,
			MemoryUsedMB:       usedMB,
		},
	}
}

func newTestExecutor(t *testing.T) (*Executor, *memStore, *fakeBackend, blob.Store) {
	t.Helper()
	repo := newMemStore()
	backend := &fakeBackend{}
	store, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := New(repo, repo, repo, repo, scheduler.NewNodeSelector(repo), backend, store, nil, log, Config{
		NodeID:      "node-1",
		RunnerImage: "debian:bookworm-slim",
		SlugDir:     t.TempDir(),
	})
	return exec, repo, backend, store
}

func seedDeployable(t *testing.T, repo *memStore, store blob.Store) {
	t.Helper()
	repo.plans["hobby"] = &domain.Plan{ID: "hobby", CPUMillicores: 500, MemoryMB: 512, MaxReplicas: 3}
	repo.apps["app-1"] = &domain.Application{
		ID: "app-1", Slug: "My-App", PlanID: "hobby", Region: "us-east",
		Status: domain.AppStatusBuilding, InstanceCount: 1,
	}
	repo.builds["b1"] = &domain.Build{ID: "b1", ApplicationID: "app-1", Buildpack: "node", Status: domain.BuildStatusCompleted}
	repo.deployments["d1"] = &domain.Deployment{
		ID: "d1", ApplicationID: "app-1", BuildID: "b1", Version: 1,
		Status: domain.DeployStatusPending, ArtifactKey: "slugs/app-1/b1.tar.gz", Replicas: 1,
	}

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "server.js"), []byte("// app"), 0o644); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := archive.Pack(&buf, srcDir); err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if _, err := store.Put(context.Background(), "slugs/app-1/b1.tar.gz", &buf, "application/gzip"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

func TestDeploy(t *testing.T) {
	exec, repo, backend, store := newTestExecutor(t)
	seedDeployable(t, repo, store)
	repo.nodes["node-1"] = testNode("node-1", "us-east", 1024)

	if err := exec.Deploy(context.Background(), domain.DeployPayload{DeploymentID: "d1", Replicas: 1}); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	d := repo.deployments["d1"]
	if d.Status != domain.DeployStatusDeployed {
		t.Errorf("deployment status = %q, want deployed", d.Status)
	}
	if d.NodeID == nil || *d.NodeID != "node-1" {
		t.Errorf("deployment node = %v, want node-1", d.NodeID)
	}
	app := repo.apps["app-1"]
	if app.Status != domain.AppStatusRunning {
		t.Errorf("application status = %q, want running", app.Status)
	}
	if app.CurrentDeployID == nil || *app.CurrentDeployID != "d1" {
		t.Errorf("current deployment = %v, want d1", app.CurrentDeployID)
	}
	call := backend.lastScale(t)
	if call.service != "gantry-my-app" || call.replicas != 1 {
		t.Errorf("scale call = %+v, want gantry-my-app x1", call)
	}
}

func TestDeployReplacesPreviousDeployment(t *testing.T) {
	exec, repo, backend, store := newTestExecutor(t)
	seedDeployable(t, repo, store)
	repo.nodes["node-1"] = testNode("node-1", "us-east", 1024)

	// A previous version is live with the same replica count; its
	// containers run the old slug.
	repo.deployments["d0"] = &domain.Deployment{
		ID: "d0", ApplicationID: "app-1", BuildID: "b1", Version: 0,
		Status: domain.DeployStatusDeployed, ArtifactKey: "slugs/app-1/b0.tar.gz", Replicas: 1,
	}

	if err := exec.Deploy(context.Background(), domain.DeployPayload{DeploymentID: "d1", Replicas: 1}); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	backend.mu.Lock()
	scales := append([]scaleCall(nil), backend.scales...)
	backend.mu.Unlock()
	if len(scales) != 2 {
		t.Fatalf("scale calls = %+v, want teardown then start", scales)
	}
	if scales[0].replicas != 0 || scales[1].replicas != 1 {
		t.Errorf("scale sequence = %+v, want 0 then 1", scales)
	}
	if got := repo.deployments["d0"].Status; got != domain.DeployStatusSuperseded {
		t.Errorf("previous deployment status = %q, want superseded", got)
	}
	if got := repo.deployments["d1"].Status; got != domain.DeployStatusDeployed {
		t.Errorf("new deployment status = %q, want deployed", got)
	}
}

func TestDeployNoRegionCapacity(t *testing.T) {
	exec, repo, _, store := newTestExecutor(t)
	seedDeployable(t, repo, store)
	// No nodes registered in the region at all.

	err := exec.Deploy(context.Background(), domain.DeployPayload{DeploymentID: "d1", Replicas: 1})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("error = %v, want ErrNoCapacity", err)
	}
	if got := repo.deployments["d1"].Status; got != domain.DeployStatusPending {
		t.Errorf("deployment status = %q, want pending so the retry can place it", got)
	}
}

func TestDeployDefersWhenSelfIsFull(t *testing.T) {
	exec, repo, _, store := newTestExecutor(t)
	seedDeployable(t, repo, store)
	repo.nodes["node-1"] = testNode("node-1", "us-east", 8192)
	repo.nodes["node-2"] = testNode("node-2", "us-east", 0)

	err := exec.Deploy(context.Background(), domain.DeployPayload{DeploymentID: "d1", Replicas: 1})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("error = %v, want ErrNoCapacity when another node should take it", err)
	}
}

func TestDeploySkipsAlreadyDeployed(t *testing.T) {
	exec, repo, backend, store := newTestExecutor(t)
	seedDeployable(t, repo, store)
	repo.deployments["d1"].Status = domain.DeployStatusDeployed

	if err := exec.Deploy(context.Background(), domain.DeployPayload{DeploymentID: "d1"}); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.scales) != 0 {
		t.Errorf("scale calls = %d, want 0 for an already placed deployment", len(backend.scales))
	}
}

func TestStopAndStart(t *testing.T) {
	exec, repo, backend, store := newTestExecutor(t)
	seedDeployable(t, repo, store)
	repo.deployments["d1"].Status = domain.DeployStatusDeployed
	repo.apps["app-1"].Status = domain.AppStatusRunning
	repo.apps["app-1"].InstanceCount = 2
	ctx := context.Background()

	if err := exec.Stop(ctx, domain.ControlPayload{ApplicationID: "app-1"}); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := repo.apps["app-1"].Status; got != domain.AppStatusStopped {
		t.Errorf("status after stop = %q, want stopped", got)
	}
	if call := backend.lastScale(t); call.replicas != 0 {
		t.Errorf("stop scaled to %d, want 0", call.replicas)
	}

	if err := exec.Start(ctx, domain.ControlPayload{ApplicationID: "app-1"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := repo.apps["app-1"].Status; got != domain.AppStatusRunning {
		t.Errorf("status after start = %q, want running", got)
	}
	if call := backend.lastScale(t); call.replicas != 2 {
		t.Errorf("start scaled to %d, want 2", call.replicas)
	}
}

func TestDelete(t *testing.T) {
	exec, repo, _, store := newTestExecutor(t)
	seedDeployable(t, repo, store)
	ctx := context.Background()

	if err := exec.Delete(ctx, domain.ControlPayload{ApplicationID: "app-1"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := repo.apps["app-1"]; ok {
		t.Error("application row still present")
	}
	objects, err := store.List(ctx, "slugs/app-1/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("artifacts remaining = %d, want 0", len(objects))
	}

	// Deleting a vanished application is not an error.
	if err := exec.Delete(ctx, domain.ControlPayload{ApplicationID: "app-1"}); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
}
