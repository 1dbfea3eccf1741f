package domain

import "time"

// WorkerNode statuses.
const (
	NodeStatusOnline   = "online"
	NodeStatusDegraded = "degraded"
	NodeStatusOffline  = "offline"
	NodeStatusDraining = "draining"
)

// NodeResources reports total and used capacity for one node. The used
// figures come from the node's own heartbeat; the control plane treats
// them as a cache, never as ground truth for actual resource pressure.
type NodeResources struct {
	CPUTotalMillicores int64
	CPUUsedMillicores  int64
	MemoryTotalMB      int64
	MemoryUsedMB       int64
	DiskTotalMB        int64
	DiskUsedMB         int64
}

// ResourceRequirement is the capacity a placement asks for. A zero
// dimension means no stated requirement.
type ResourceRequirement struct {
	CPUMillicores int64
	MemoryMB      int64
	DiskMB        int64
}

// WorkerNode is a host able to run containers.
type WorkerNode struct {
	ID             string
	Hostname       string
	Region         string
	Status         string
	Resources      NodeResources
	ContainerCount int
	LastHeartbeat  time.Time
	RegisteredAt   time.Time
}

// Schedulable reports whether the node may receive new placements.
func (n *WorkerNode) Schedulable() bool {
	return n.Status == NodeStatusOnline || n.Status == NodeStatusDegraded
}

// HasHeadroom reports whether every stated dimension of the requirement
// fits within total-used on this node.
func (n *WorkerNode) HasHeadroom(req ResourceRequirement) bool {
	r := n.Resources
	if req.CPUMillicores > 0 && r.CPUTotalMillicores-r.CPUUsedMillicores < req.CPUMillicores {
		return false
	}
	if req.MemoryMB > 0 && r.MemoryTotalMB-r.MemoryUsedMB < req.MemoryMB {
		return false
	}
	if req.DiskMB > 0 && r.DiskTotalMB-r.DiskUsedMB < req.DiskMB {
		return false
	}
	return true
}

// MemoryUtilization returns used/total memory, treating an unset total as
// fully loaded so such nodes sort last.
func (n *WorkerNode) MemoryUtilization() float64 {
	if n.Resources.MemoryTotalMB <= 0 {
		return 1.0
	}
	return float64(n.Resources.MemoryUsedMB) / float64(n.Resources.MemoryTotalMB)
}
