// Package blob stores build artifacts and caches behind a small
// key/value interface with S3 and local-directory backends.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob: not found")

// Object describes a stored blob for listing and retention decisions.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the durable storage capability used for slugs and build
// caches. Keys use forward slashes regardless of backend.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
}
