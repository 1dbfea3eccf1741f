// Package container defines the capability interface the control plane
// and agents use to run workloads. The wire protocol behind it is
// deliberately opaque.
package container

import (
	"context"

	"github.com/docker/go-connections/nat"
)

// Spec describes one container to run, including plan resource limits.
type Spec struct {
	Name          string
	Image         string
	Cmd           []string
	Env           []string
	Labels        map[string]string
	Binds         []string
	WorkingDir    string
	CPUMillicores int64
	MemoryMB      int64
	Ports         nat.PortMap
}

// Info captures minimal runtime details about a started container.
type Info struct {
	ID          string
	Name        string
	PortBinding nat.PortMap
}

// Stats aggregates resource usage across a service's containers.
type Stats struct {
	Containers    int
	CPUMillicores int64
	MemoryMB      int64
}

// Backend is the container-runtime capability. Service operations act on
// all containers sharing a service label.
type Backend interface {
	Ping(ctx context.Context) error
	RunContainer(ctx context.Context, spec Spec) (Info, error)
	StopContainer(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string) error
	ScaleService(ctx context.Context, service string, spec Spec, replicas int) ([]Info, error)
	ServiceStats(ctx context.Context, service string) (Stats, error)
	NodeStats(ctx context.Context) (Stats, error)
	Prune(ctx context.Context) error
	Close() error
}
