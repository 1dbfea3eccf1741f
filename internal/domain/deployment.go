package domain

import (
	"fmt"
	"time"
)

// Deployment statuses.
const (
	DeployStatusPending     = "pending"
	DeployStatusBuilding    = "building"
	DeployStatusDeploying   = "deploying"
	DeployStatusDeployed    = "deployed"
	DeployStatusBuildFailed = "build_failed"
	DeployStatusFailed      = "failed"
	DeployStatusRolledBack  = "rolled_back"
	DeployStatusSuperseded  = "superseded"
)

// Deployment is a released, placed instance of a build.
type Deployment struct {
	ID            string
	ApplicationID string
	BuildID       string
	Version       int
	NodeID        *string
	Status        string
	ArtifactKey   string
	Replicas      int
	RollbackOf    *string
	Error         string
	DeployedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

var deployTransitions = map[string][]string{
	DeployStatusPending:   {DeployStatusBuilding, DeployStatusDeploying},
	DeployStatusBuilding:  {DeployStatusDeploying, DeployStatusBuildFailed},
	DeployStatusDeploying: {DeployStatusDeployed, DeployStatusFailed},
	DeployStatusDeployed:  {DeployStatusRolledBack, DeployStatusFailed, DeployStatusSuperseded},
	DeployStatusFailed:    {DeployStatusDeploying},
}

// DeployCanTransition reports whether a deployment may move between statuses.
func DeployCanTransition(from, to string) bool {
	for _, s := range deployTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckDeployTransition validates a status change before it is written.
// Writing the current status again is a permitted no-op.
func CheckDeployTransition(from, to string) error {
	if from == to || DeployCanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: deployment %s -> %s", ErrInvalidTransition, from, to)
}

// RollbackEligible reports whether the deployment can serve as a rollback
// target. Only deployments that previously reached deployed qualify.
func (d *Deployment) RollbackEligible() bool {
	switch d.Status {
	case DeployStatusDeployed, DeployStatusRolledBack, DeployStatusSuperseded:
		return true
	}
	return false
}
