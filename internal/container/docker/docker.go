// Package docker implements the container backend against the Docker
// Engine API.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	gantrycontainer "github.com/gantryhq/gantry/internal/container"
)

// serviceLabel groups replicas of one deployed service.
const serviceLabel = "gantry.service"

// Backend wraps the Docker SDK client.
type Backend struct {
	inner *client.Client
}

var _ gantrycontainer.Backend = (*Backend)(nil)

// New creates a Docker backend using environment defaults; host, when
// set, overrides DOCKER_HOST.
func New(host string) (*Backend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Backend{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (b *Backend) Ping(ctx context.Context) error {
	if b == nil || b.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := b.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// RunContainer creates and starts one container with the spec's resource
// limits applied.
func (b *Backend) RunContainer(ctx context.Context, spec gantrycontainer.Spec) (gantrycontainer.Info, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return gantrycontainer.Info{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return gantrycontainer.Info{}, fmt.Errorf("image name cannot be empty")
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       spec.Labels,
		WorkingDir:   spec.WorkingDir,
		ExposedPorts: map[nat.Port]struct{}{},
	}
	for p := range spec.Ports {
		cfg.ExposedPorts[p] = struct{}{}
	}

	hostCfg := &container.HostConfig{
		PortBindings:  spec.Ports,
		Binds:         spec.Binds,
		RestartPolicy: container.RestartPolicy{Name: "always"},
	}
	if spec.CPUMillicores > 0 {
		hostCfg.NanoCPUs = spec.CPUMillicores * 1_000_000
	}
	if spec.MemoryMB > 0 {
		hostCfg.Memory = spec.MemoryMB * 1024 * 1024
	}

	r, err := b.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return gantrycontainer.Info{}, fmt.Errorf("container create: %w", err)
	}
	if err := b.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return gantrycontainer.Info{}, fmt.Errorf("container start: %w", err)
	}

	inspect, err := b.inner.ContainerInspect(ctx, r.ID)
	if err != nil {
		return gantrycontainer.Info{}, fmt.Errorf("container inspect: %w", err)
	}
	info := gantrycontainer.Info{ID: r.ID, Name: spec.Name}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		info.PortBinding = inspect.NetworkSettings.Ports
	}
	return info, nil
}

// StopContainer stops a container by name or id; already-gone is not an error.
func (b *Backend) StopContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := b.inner.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container and its volumes.
func (b *Backend) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := b.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ScaleService converges the service's replica set to the requested
// count, starting or removing labeled containers as needed.
func (b *Backend) ScaleService(ctx context.Context, service string, spec gantrycontainer.Spec, replicas int) ([]gantrycontainer.Info, error) {
	if replicas < 0 {
		return nil, fmt.Errorf("replica count cannot be negative")
	}
	existing, err := b.serviceContainers(ctx, service)
	if err != nil {
		return nil, err
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].Names[0] < existing[j].Names[0] })

	for len(existing) > replicas {
		victim := existing[len(existing)-1]
		if err := b.RemoveContainer(ctx, victim.ID); err != nil {
			return nil, err
		}
		existing = existing[:len(existing)-1]
	}

	infos := make([]gantrycontainer.Info, 0, replicas)
	for _, c := range existing {
		infos = append(infos, gantrycontainer.Info{ID: c.ID, Name: strings.TrimPrefix(c.Names[0], "/")})
	}
	for i := len(existing); i < replicas; i++ {
		replica := spec
		replica.Name = fmt.Sprintf("%s-%d", service, i)
		if replica.Labels == nil {
			replica.Labels = map[string]string{}
		}
		replica.Labels[serviceLabel] = service
		info, err := b.RunContainer(ctx, replica)
		if err != nil {
			return infos, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ServiceStats sums one-shot usage stats across the service's containers.
func (b *Backend) ServiceStats(ctx context.Context, service string) (gantrycontainer.Stats, error) {
	containers, err := b.serviceContainers(ctx, service)
	if err != nil {
		return gantrycontainer.Stats{}, err
	}
	return b.sumStats(ctx, containers)
}

// NodeStats sums usage across every managed container on this host,
// feeding the heartbeat's self-reported capacity figures.
func (b *Backend) NodeStats(ctx context.Context) (gantrycontainer.Stats, error) {
	list, err := b.inner.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", serviceLabel)),
	})
	if err != nil {
		return gantrycontainer.Stats{}, fmt.Errorf("list managed containers: %w", err)
	}
	return b.sumStats(ctx, list)
}

func (b *Backend) sumStats(ctx context.Context, containers []types.Container) (gantrycontainer.Stats, error) {
	stats := gantrycontainer.Stats{Containers: len(containers)}
	for _, c := range containers {
		resp, err := b.inner.ContainerStatsOneShot(ctx, c.ID)
		if err != nil {
			return stats, fmt.Errorf("container stats: %w", err)
		}
		var raw container.StatsResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&raw)
		resp.Body.Close()
		if decodeErr != nil {
			return stats, fmt.Errorf("decode container stats: %w", decodeErr)
		}
		stats.CPUMillicores += cpuMillicores(raw)
		stats.MemoryMB += int64(raw.MemoryStats.Usage) / (1024 * 1024)
	}
	return stats, nil
}

func cpuMillicores(s container.StatsResponse) int64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	return int64(cpuDelta / sysDelta * cpus * 1000)
}

// Prune garbage-collects stopped containers and dangling images.
func (b *Backend) Prune(ctx context.Context) error {
	if _, err := b.inner.ContainersPrune(ctx, filters.NewArgs()); err != nil {
		return fmt.Errorf("prune containers: %w", err)
	}
	danglingOnly := filters.NewArgs(filters.Arg("dangling", "true"))
	if _, err := b.inner.ImagesPrune(ctx, danglingOnly); err != nil {
		return fmt.Errorf("prune images: %w", err)
	}
	return nil
}

func (b *Backend) serviceContainers(ctx context.Context, service string) ([]types.Container, error) {
	if strings.TrimSpace(service) == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}
	list, err := b.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", serviceLabel+"="+service)),
	})
	if err != nil {
		return nil, fmt.Errorf("list service containers: %w", err)
	}
	return list, nil
}

// Close releases resources held by the Docker client.
func (b *Backend) Close() error {
	if b.inner == nil {
		return nil
	}
	return b.inner.Close()
}
