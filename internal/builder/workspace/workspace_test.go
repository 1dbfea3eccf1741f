package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPrepareAndCleanup(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dir, err := m.Prepare("build-1")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("workspace missing: %v", err)
	}

	// Prepare again wipes the previous contents.
	if err := os.WriteFile(filepath.Join(dir, "stale"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	dir2, err := m.Prepare("build-1")
	if err != nil {
		t.Fatalf("Prepare again: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir2, "stale")); !os.IsNotExist(err) {
		t.Fatal("expected stale file removed on re-prepare")
	}

	if err := m.Cleanup(dir2); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(dir2); !os.IsNotExist(err) {
		t.Fatal("expected workspace removed")
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Cleanup("/tmp"); err == nil {
		t.Fatal("expected refusal for path outside root")
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatal("expected refusal for root itself")
	}
}

func TestSweepHonorsRetention(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	oldDir, err := m.Prepare("old-build")
	if err != nil {
		t.Fatal(err)
	}
	freshDir, err := m.Prepare("fresh-build")
	if err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldDir, past, past); err != nil {
		t.Fatal(err)
	}

	removed, err := m.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Fatal("expected old workspace removed")
	}
	if _, err := os.Stat(freshDir); err != nil {
		t.Fatal("fresh workspace must survive the sweep")
	}
}
