package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"std2bids/internal/pipeline"
	"std2bids/internal/runstate"
	"std2bids/internal/staging"
)

// Status is the persisted view of a destination's runs.
type Status struct {
	StatePath string
	Counts    map[string]int
	Runs      []runstate.Run
	Subjects  []*runstate.Subject
}

// LoadStatus reads the run state kept under dst. A destination that never
// ran reports an empty status.
func LoadStatus(ctx context.Context, dst string, runLimit int, statuses ...string) (*Status, error) {
	dir := filepath.Join(dst, staging.StateDirName)
	if _, err := os.Stat(filepath.Join(dir, runstate.FileName)); err != nil {
		if os.IsNotExist(err) {
			return &Status{Counts: map[string]int{}}, nil
		}
		return nil, err
	}
	store, err := runstate.Open(dir)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	counts, err := store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("subject counts: %w", err)
	}
	runs, err := store.Runs(ctx, runLimit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	subjects, err := store.Subjects(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return &Status{StatePath: store.Path(), Counts: counts, Runs: runs, Subjects: subjects}, nil
}

// RetainedLabels are the subjects whose staging workspaces hold unfinished
// work and must survive an orphan sweep.
func (s *Status) RetainedLabels() map[string]struct{} {
	keep := make(map[string]struct{})
	if s == nil {
		return keep
	}
	for _, subj := range s.Subjects {
		state := pipeline.State(subj.Status)
		if state == pipeline.StateFinalized || state == pipeline.StateSkipped {
			continue
		}
		keep[subj.Label] = struct{}{}
	}
	return keep
}
