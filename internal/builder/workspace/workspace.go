// Package workspace owns build-specific working directories under a
// common root.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manager creates, removes, and sweeps isolated build directories.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates an isolated directory for the provided identifier,
// removing any leftover from a previous attempt.
func (m *Manager) Prepare(identifier string) (string, error) {
	if identifier == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	dir := filepath.Join(m.root, identifier)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Ensure we only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the provided identifier.
func (m *Manager) CleanupByID(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	return m.Cleanup(filepath.Join(m.root, identifier))
}

// Sweep removes workspaces whose last modification is older than the
// retention window and returns how many were removed. Directories
// younger than the window are left alone, in-flight builds included.
func (m *Manager) Sweep(retention time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}
	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := m.Cleanup(filepath.Join(m.root, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
