// Package cache carries dependency directories between builds of the
// same application via blob storage.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gantryhq/gantry/internal/blob"
	"github.com/gantryhq/gantry/internal/builder/archive"
	"github.com/gantryhq/gantry/internal/telemetry"
)

// Cache restores and persists build caches keyed by application,
// buildpack, and dependency-manifest fingerprint.
type Cache struct {
	store     blob.Store
	log       *slog.Logger
	retention time.Duration
	maxPerApp int
}

// New constructs a Cache. retention bounds entry age; maxPerApp bounds
// how many entries one application may hold.
func New(store blob.Store, log *slog.Logger, retention time.Duration, maxPerApp int) *Cache {
	return &Cache{store: store, log: log, retention: retention, maxPerApp: maxPerApp}
}

// Key derives the cache key from the application identity, the detected
// buildpack, and the dependency manifest contents. Any manifest change
// yields a new key, so a stale dependency set is never restored.
func Key(applicationID, buildpackName string, manifest []byte) string {
	h := sha256.New()
	h.Write([]byte(applicationID))
	h.Write([]byte{0})
	h.Write([]byte(buildpackName))
	h.Write([]byte{0})
	h.Write(manifest)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) objectKey(applicationID, key string) string {
	return fmt.Sprintf("caches/%s/%s.tar.gz", applicationID, key)
}

// Restore extracts a non-expired cache entry into the workspace. A miss
// is not an error; the first build of any manifest always misses.
func (c *Cache) Restore(ctx context.Context, applicationID, key, workdir string) (bool, error) {
	objKey := c.objectKey(applicationID, key)
	if c.retention > 0 {
		objects, err := c.store.List(ctx, objKey)
		if err != nil {
			return false, fmt.Errorf("list cache entry: %w", err)
		}
		if len(objects) == 1 && time.Since(objects[0].LastModified) > c.retention {
			return false, nil
		}
	}

	rc, err := c.store.Get(ctx, objKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("fetch cache entry: %w", err)
	}
	defer rc.Close()

	if err := archive.Unpack(rc, workdir); err != nil {
		return false, fmt.Errorf("extract cache entry: %w", err)
	}
	telemetry.CacheHits.Inc()
	c.log.Debug("cache restored", "application_id", applicationID, "key", key)
	return true, nil
}

// Persist archives the given workspace paths under the key and prunes
// older entries for the application. Nothing to cache is a no-op.
func (c *Cache) Persist(ctx context.Context, applicationID, key, workdir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := archive.Pack(&buf, workdir, paths...); err != nil {
		return fmt.Errorf("pack cache: %w", err)
	}
	if _, err := c.store.Put(ctx, c.objectKey(applicationID, key), &buf, "application/gzip"); err != nil {
		return fmt.Errorf("store cache: %w", err)
	}
	return c.prune(ctx, applicationID)
}

// prune deletes entries beyond the retention window or the per-app
// count, newest first surviving.
func (c *Cache) prune(ctx context.Context, applicationID string) error {
	objects, err := c.store.List(ctx, fmt.Sprintf("caches/%s/", applicationID))
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})
	for i, obj := range objects {
		expired := c.retention > 0 && time.Since(obj.LastModified) > c.retention
		overCount := c.maxPerApp > 0 && i >= c.maxPerApp
		if !expired && !overCount {
			continue
		}
		if err := c.store.Delete(ctx, obj.Key); err != nil {
			return fmt.Errorf("prune cache %s: %w", obj.Key, err)
		}
		c.log.Debug("cache pruned", "application_id", applicationID, "key", obj.Key)
	}
	return nil
}
