package domain

import (
	"encoding/json"
	"time"
)

// Job statuses.
const (
	JobStatusWaiting    = "waiting"
	JobStatusActive     = "active"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusDeadLetter = "dead_lettered"
)

// Job queue names, one per operation kind.
const (
	QueueBuild   = "build"
	QueueDeploy  = "deploy"
	QueueRestart = "restart"
	QueueStop    = "stop"
	QueueStart   = "start"
	QueueScale   = "scale"
	QueueDelete  = "delete"
	QueueBilling = "billing"
)

// Job is a unit of asynchronous work owned by the queue subsystem.
// Callers reference jobs by ID and never mutate them directly.
type Job struct {
	ID          string
	Queue       string
	Payload     json.RawMessage
	Status      string
	Attempts    int
	MaxAttempts int
	Progress    int
	LastError   *string
	Result      json.RawMessage
	RunAt       time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BuildPayload is the wire payload for build jobs.
type BuildPayload struct {
	ApplicationID string `json:"applicationId"`
	GitURL        string `json:"gitUrl"`
	GitBranch     string `json:"gitBranch"`
	GitCommit     string `json:"gitCommit,omitempty"`
	Buildpack     string `json:"buildpack,omitempty"`
	UserID        string `json:"userId,omitempty"`
	Replicas      int    `json:"replicas,omitempty"`
}

// DeployPayload is the wire payload for deploy jobs.
type DeployPayload struct {
	DeploymentID   string `json:"deploymentId"`
	Replicas       int    `json:"replicas,omitempty"`
	CachedSlugPath string `json:"cachedSlugPath,omitempty"`
}

// ControlPayload covers restart/stop/start/scale/delete jobs.
type ControlPayload struct {
	ApplicationID string `json:"applicationId"`
	Replicas      int    `json:"replicas,omitempty"`
}
