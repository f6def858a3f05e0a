package workflow

import (
	"time"

	"std2bids/internal/pipeline"
)

// Summary is what a run produced.
type Summary struct {
	RunID       string
	Source      string
	Destination string
	Subjects    int
	Finalized   int
	Skipped     int
	Failed      int
	NotStarted  int
	Results     []pipeline.Result
	Manifest    string
	Duration    time.Duration
}

// Failures returns the results of subjects that did not reach a good end.
func (s *Summary) Failures() []pipeline.Result {
	if s == nil {
		return nil
	}
	var out []pipeline.Result
	for _, r := range s.Results {
		if r.State != pipeline.StateFinalized && r.State != pipeline.StateSkipped {
			out = append(out, r)
		}
	}
	return out
}

// OK reports whether every scheduled subject finalized or was skipped.
func (s *Summary) OK() bool {
	return s != nil && s.Failed == 0
}
