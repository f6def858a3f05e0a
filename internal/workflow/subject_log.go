package workflow

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"std2bids/internal/config"
	"std2bids/internal/logging"
)

// SubjectLogs manages dedicated log files, one per subject, next to the
// main log. Records still reach the run logger.
type SubjectLogs struct {
	baseDir string
	cfg     *config.Config
}

// NewSubjectLogs creates the manager. Without a log directory no files are
// written and Open hands back the base logger.
func NewSubjectLogs(cfg *config.Config) *SubjectLogs {
	dir := ""
	if cfg != nil && strings.TrimSpace(cfg.Paths.LogDir) != "" {
		dir = filepath.Join(cfg.Paths.LogDir, "subjects")
	}
	return &SubjectLogs{baseDir: dir, cfg: cfg}
}

// Path is the log file of subject label.
func (s *SubjectLogs) Path(label string) string {
	if s.baseDir == "" {
		return ""
	}
	return filepath.Join(s.baseDir, "sub-"+label+".log")
}

// Open returns a logger that writes to base and appends to the subject's
// file. The closer must be called once the subject is done.
func (s *SubjectLogs) Open(base *slog.Logger, label string) (*slog.Logger, io.Closer, error) {
	if base == nil {
		base = logging.NewNop()
	}
	path := s.Path(label)
	if path == "" {
		return base, nopCloser{}, nil
	}
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return base, nopCloser{}, fmt.Errorf("ensure subject log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return base, nopCloser{}, fmt.Errorf("open subject log: %w", err)
	}

	level, format := "info", "json"
	if s.cfg != nil {
		if strings.TrimSpace(s.cfg.Logging.Level) != "" {
			level = s.cfg.Logging.Level
		}
		if strings.TrimSpace(s.cfg.Logging.Format) != "" {
			format = s.cfg.Logging.Format
		}
	}
	handler, err := logging.NewHandler(file, logging.Options{Level: level, Format: format})
	if err != nil {
		file.Close()
		return base, nopCloser{}, err
	}
	return slog.New(logging.Tee(base.Handler(), handler)), file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
