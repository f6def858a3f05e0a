package runstate

import (
	"strings"
	"time"
)

// Subject is the persisted progress of one subject label.
type Subject struct {
	Label         string
	Status        string
	Fields        []string
	WorkspacePath string
	Destination   string
	ErrorKind     string
	ErrorMessage  string
	RunID         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	FinishedAt    *time.Time
}

// Run is one invocation of the run coordinator.
type Run struct {
	ID           string
	SourcePath   string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Subjects     int
	Finalized    int
	Skipped      int
	Failed       int
	ErrorMessage string
}

// Outcome carries the per-run counters recorded by FinishRun.
type Outcome struct {
	Subjects  int
	Finalized int
	Skipped   int
	Failed    int
	Err       error
}

func joinFields(fields []string) string {
	return strings.Join(fields, ",")
}

func splitFields(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
