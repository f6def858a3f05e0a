package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"std2bids/internal/history"
	"std2bids/internal/logging"
)

// workspacePrefix marks the directories a run stages subjects in.
const workspacePrefix = "sub-"

// StateDirName holds run bookkeeping at the destination root.
const StateDirName = ".std2bids"

// Dir is the staging root for dst. A non-empty override wins.
func Dir(dst, override string) string {
	if override = strings.TrimSpace(override); override != "" {
		return override
	}
	return filepath.Join(dst, StateDirName, "staging")
}

// WorkspacePath is the staging location of subject label.
func WorkspacePath(stagingDir, label string) string {
	return filepath.Join(stagingDir, workspacePrefix+label)
}

// CleanStaleResult contains the outcome of a cleanup operation.
type CleanStaleResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanStale removes staging workspaces older than maxAge.
// It returns the list of removed directories and any errors encountered.
func CleanStale(ctx context.Context, stagingDir string, maxAge time.Duration, logger *slog.Logger) CleanStaleResult {
	cutoff := time.Now().Add(-maxAge)
	return sweep(ctx, stagingDir, logger, "stale", func(_ string, info os.FileInfo) bool {
		return info.ModTime().Before(cutoff)
	})
}

// CleanOrphaned removes staging workspaces whose label is not in keep.
// Subjects that failed keep their workspace so the next run resumes it;
// callers pass those labels in keep.
func CleanOrphaned(ctx context.Context, stagingDir string, keep map[string]struct{}, logger *slog.Logger) CleanStaleResult {
	return sweep(ctx, stagingDir, logger, "orphaned", func(label string, _ os.FileInfo) bool {
		_, ok := keep[label]
		return !ok
	})
}

func sweep(ctx context.Context, stagingDir string, logger *slog.Logger, reason string, doomed func(label string, info os.FileInfo) bool) CleanStaleResult {
	result := CleanStaleResult{}

	stagingDir = strings.TrimSpace(stagingDir)
	if stagingDir == "" {
		return result
	}

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: stagingDir, Error: err})
		}
		return result
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		label, ok := strings.CutPrefix(entry.Name(), workspacePrefix)
		if !entry.IsDir() || !ok || label == "" {
			continue
		}

		dirPath := filepath.Join(stagingDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			continue
		}
		if !doomed(label, info) {
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			if logger != nil {
				logger.Warn("failed to remove staging workspace",
					logging.String("path", dirPath),
					logging.String("reason", reason),
					logging.Error(err),
					logging.String(logging.FieldEventType, "staging_cleanup_failed"),
					logging.String(logging.FieldErrorHint, "check staging_dir permissions"),
					logging.String(logging.FieldImpact, "disk space not reclaimed"),
				)
			}
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		if logger != nil {
			logger.Info("removed staging workspace",
				logging.String("path", dirPath),
				logging.String("reason", reason),
				logging.Duration("age", time.Since(info.ModTime())),
				logging.String(logging.FieldEventType, "staging_cleanup"),
			)
		}
	}

	return result
}

// ListDirectories returns the staging workspaces with their metadata.
func ListDirectories(stagingDir string) ([]DirInfo, error) {
	stagingDir = strings.TrimSpace(stagingDir)
	if stagingDir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		label, ok := strings.CutPrefix(entry.Name(), workspacePrefix)
		if !entry.IsDir() || !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		dirPath := filepath.Join(stagingDir, entry.Name())
		size, _ := dirSize(dirPath)
		d := DirInfo{
			Name:    entry.Name(),
			Label:   label,
			Path:    dirPath,
			ModTime: info.ModTime(),
			Size:    size,
		}
		if history.IsRepository(dirPath) {
			d.Repository = true
			if store, err := history.Open(dirPath); err == nil {
				d.Branch, _ = store.ActiveBranch()
				d.Dirty, _ = store.IsDirty()
			}
		}
		dirs = append(dirs, d)
	}

	return dirs, nil
}

// DirInfo contains metadata about a staging workspace.
type DirInfo struct {
	Name       string
	Label      string
	Path       string
	ModTime    time.Time
	Size       int64
	Repository bool
	Branch     string
	Dirty      bool
}

// dirSize calculates the total size of a directory recursively.
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best effort
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
