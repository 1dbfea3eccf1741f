package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition rejects a status write the state machine forbids.
var ErrInvalidTransition = errors.New("illegal status transition")

// Application statuses.
const (
	AppStatusPending   = "pending"
	AppStatusBuilding  = "building"
	AppStatusRunning   = "running"
	AppStatusStopped   = "stopped"
	AppStatusFailed    = "failed"
	AppStatusSuspended = "suspended"
)

// Application is a tenant-owned deployable unit.
type Application struct {
	ID              string
	OwnerID         string
	Slug            string
	Name            string
	PlanID          string
	Region          string
	RepoURL         string
	Branch          string
	Commit          string
	Status          string
	InstanceCount   int
	BuildSeq        int
	CurrentBuildID  *string
	CurrentDeployID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Plan bounds the resources an application may consume.
type Plan struct {
	ID            string
	Name          string
	CPUMillicores int64
	MemoryMB      int64
	DiskMB        int64
	MaxReplicas   int
}

var appTransitions = map[string][]string{
	AppStatusPending:   {AppStatusBuilding, AppStatusSuspended},
	AppStatusBuilding:  {AppStatusRunning, AppStatusFailed, AppStatusPending, AppStatusStopped, AppStatusSuspended},
	AppStatusRunning:   {AppStatusBuilding, AppStatusStopped, AppStatusFailed, AppStatusSuspended},
	AppStatusStopped:   {AppStatusBuilding, AppStatusRunning, AppStatusSuspended},
	AppStatusFailed:    {AppStatusBuilding, AppStatusSuspended},
	AppStatusSuspended: {AppStatusPending, AppStatusRunning, AppStatusStopped, AppStatusFailed},
}

// AppCanTransition reports whether an application may move between statuses.
func AppCanTransition(from, to string) bool {
	for _, s := range appTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckAppTransition validates a status change before it is written.
// Writing the current status again is a permitted no-op.
func CheckAppTransition(from, to string) error {
	if from == to || AppCanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: application %s -> %s", ErrInvalidTransition, from, to)
}

// Suspended reports whether new work is blocked for the application.
// In-flight jobs run to completion; only delete may be scheduled.
func (a *Application) Suspended() bool {
	return a.Status == AppStatusSuspended
}
