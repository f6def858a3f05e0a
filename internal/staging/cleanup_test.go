package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"std2bids/internal/history"
	"std2bids/internal/logging"
)

func mkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func age(t *testing.T, path string, d time.Duration) {
	t.Helper()
	old := time.Now().Add(-d)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestDir(t *testing.T) {
	if got := Dir("/data/dst", ""); got != "/data/dst/.std2bids/staging" {
		t.Fatalf("Dir default = %q", got)
	}
	if got := Dir("/data/dst", " /scratch "); got != "/scratch" {
		t.Fatalf("Dir override = %q", got)
	}
	if got := WorkspacePath("/scratch", "1000001"); got != "/scratch/sub-1000001" {
		t.Fatalf("WorkspacePath = %q", got)
	}
}

func TestCleanStaleInvalidPaths(t *testing.T) {
	for _, dir := range []string{"", "   ", "/nonexistent/path/12345"} {
		result := CleanStale(context.Background(), dir, time.Hour, logging.NewNop())
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for path %q", dir)
		}
	}
}

func TestCleanStaleRemovesOldWorkspaces(t *testing.T) {
	tmpDir := t.TempDir()

	oldDir := filepath.Join(tmpDir, "sub-1")
	mkdir(t, oldDir)
	age(t, oldDir, 2*time.Hour)

	recentDir := filepath.Join(tmpDir, "sub-2")
	mkdir(t, recentDir)

	// Unrelated directories are never touched, however old.
	foreign := filepath.Join(tmpDir, "scratch")
	mkdir(t, foreign)
	age(t, foreign, 48*time.Hour)

	result := CleanStale(context.Background(), tmpDir, time.Hour, logging.NewNop())

	if len(result.Removed) != 1 || result.Removed[0] != oldDir {
		t.Fatalf("expected only %s removed, got %v", oldDir, result.Removed)
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Error("old workspace should have been removed")
	}
	for _, keep := range []string{recentDir, foreign} {
		if _, err := os.Stat(keep); err != nil {
			t.Errorf("%s should still exist", keep)
		}
	}
}

func TestCleanStaleIgnoresFiles(t *testing.T) {
	tmpDir := t.TempDir()

	oldFile := filepath.Join(tmpDir, "sub-file")
	if err := os.WriteFile(oldFile, []byte("test"), 0o644); err != nil {
		t.Fatalf("create file: %v", err)
	}
	age(t, oldFile, 2*time.Hour)

	result := CleanStale(context.Background(), tmpDir, time.Hour, logging.NewNop())
	if len(result.Removed) != 0 {
		t.Errorf("expected no removals for files, got %d", len(result.Removed))
	}
	if _, err := os.Stat(oldFile); err != nil {
		t.Error("file should not have been removed")
	}
}

func TestCleanOrphanedKeepsListedLabels(t *testing.T) {
	tmpDir := t.TempDir()

	known := filepath.Join(tmpDir, "sub-10")
	mkdir(t, known)
	orphan := filepath.Join(tmpDir, "sub-11")
	mkdir(t, orphan)

	result := CleanOrphaned(context.Background(), tmpDir, map[string]struct{}{"10": {}}, logging.NewNop())

	if len(result.Removed) != 1 || result.Removed[0] != orphan {
		t.Fatalf("expected %s removed, got %v", orphan, result.Removed)
	}
	if _, err := os.Stat(known); err != nil {
		t.Error("kept workspace should still exist")
	}
}

func TestCleanOrphanedHonoursCancellation(t *testing.T) {
	tmpDir := t.TempDir()
	mkdir(t, filepath.Join(tmpDir, "sub-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := CleanOrphaned(ctx, tmpDir, nil, logging.NewNop())
	if len(result.Removed) != 0 {
		t.Fatalf("cancelled sweep removed %v", result.Removed)
	}
}

func TestListDirectoriesInvalidPaths(t *testing.T) {
	for _, path := range []string{"", "/nonexistent/path/12345"} {
		dirs, err := ListDirectories(path)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", path, err)
		}
		if dirs != nil {
			t.Errorf("expected nil for path %q, got %v", path, dirs)
		}
	}
}

func TestListDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	plain := filepath.Join(tmpDir, "sub-1")
	mkdir(t, plain)
	if err := os.WriteFile(filepath.Join(plain, "data.bin"), []byte("12345"), 0o644); err != nil {
		t.Fatalf("create inner file: %v", err)
	}

	repoDir := filepath.Join(tmpDir, "sub-2")
	mkdir(t, repoDir)
	store, err := history.Init(repoDir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := store.CommitRoot("root"); err != nil {
		t.Fatalf("CommitRoot: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoDir, "partial.zip"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	mkdir(t, filepath.Join(tmpDir, "other"))
	if err := os.WriteFile(filepath.Join(tmpDir, "not-a-dir.txt"), []byte("test"), 0o644); err != nil {
		t.Fatalf("create file: %v", err)
	}

	dirs, err := ListDirectories(tmpDir)
	if err != nil {
		t.Fatalf("ListDirectories: %v", err)
	}
	if len(dirs) != 2 {
		t.Fatalf("expected 2 workspaces, got %d", len(dirs))
	}

	byLabel := map[string]DirInfo{}
	for _, d := range dirs {
		byLabel[d.Label] = d
	}
	if d := byLabel["1"]; d.Size != 5 || d.Repository || d.Path != plain {
		t.Errorf("unexpected info for sub-1: %+v", d)
	}
	d := byLabel["2"]
	if !d.Repository || d.Branch != "main" || !d.Dirty {
		t.Errorf("unexpected info for sub-2: %+v", d)
	}
	if d.ModTime.IsZero() {
		t.Error("ModTime should not be zero")
	}
}
