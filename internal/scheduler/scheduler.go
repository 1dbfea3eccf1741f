// Package scheduler decides where work runs: capacity-aware node
// selection and the control-plane operations that enqueue jobs.
package scheduler

import (
	"context"
	"sort"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/repository"
	"github.com/gantryhq/gantry/internal/telemetry"
)

// Pick returns the best node for the requirement, or nil when none
// qualifies. Candidates must be schedulable (online or degraded) and have
// headroom in every stated dimension. Online nodes win over degraded
// ones; within a status tier the least memory-loaded node wins, memory
// being the first resource container workloads tend to exhaust.
//
// The decision is greedy and reserves nothing. Callers must re-validate
// headroom at placement time; the window between pick and place is racy
// by design.
func Pick(nodes []domain.WorkerNode, req domain.ResourceRequirement) *domain.WorkerNode {
	candidates := make([]domain.WorkerNode, 0, len(nodes))
	for _, n := range nodes {
		if !n.Schedulable() {
			continue
		}
		if !n.HasHeadroom(req) {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Status != b.Status {
			return a.Status == domain.NodeStatusOnline
		}
		return a.MemoryUtilization() < b.MemoryUtilization()
	})
	return &candidates[0]
}

// NodeSelector picks nodes from the registry for a region.
type NodeSelector struct {
	nodes repository.NodeRepository
}

// NewNodeSelector constructs a NodeSelector.
func NewNodeSelector(nodes repository.NodeRepository) *NodeSelector {
	return &NodeSelector{nodes: nodes}
}

// SelectNode returns the best eligible node in the region, or nil when
// the region is unknown, empty, or out of capacity. Callers treat nil as
// a retryable no-capacity condition, not a hard failure.
func (s *NodeSelector) SelectNode(ctx context.Context, region string, req domain.ResourceRequirement) (*domain.WorkerNode, error) {
	nodes, err := s.nodes.ListNodesByRegion(ctx, region)
	if err != nil {
		return nil, err
	}
	node := Pick(nodes, req)
	if node == nil {
		telemetry.SchedulerNoCapacity.WithLabelValues(region).Inc()
	}
	return node, nil
}
