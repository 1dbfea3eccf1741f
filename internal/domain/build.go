package domain

import "time"

// Build statuses.
const (
	BuildStatusPending   = "pending"
	BuildStatusCloning   = "cloning"
	BuildStatusBuilding  = "building"
	BuildStatusUploading = "uploading"
	BuildStatusCompleted = "completed"
	BuildStatusFailed    = "failed"
)

// Build is one attempt to turn an application's source into a runnable artifact.
// BuildNumber is strictly increasing per application, assigned under a row lock.
type Build struct {
	ID            string
	ApplicationID string
	BuildNumber   int
	Status        string
	Buildpack     string
	CacheKey      string
	ArtifactKey   string
	ArtifactSize  int64
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

// Terminal reports whether the build has finished, successfully or not.
func (b *Build) Terminal() bool {
	return b.Status == BuildStatusCompleted || b.Status == BuildStatusFailed
}
