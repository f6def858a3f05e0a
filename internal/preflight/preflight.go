package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"std2bids/internal/config"
	"std2bids/internal/deps"
	"std2bids/internal/services"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Targets names the paths a run touches.
type Targets struct {
	Source       string
	Destination  string
	KeyPath      string
	StagingDir   string
	SuperDataset string
}

// RunAll executes every check applicable to targets.
func RunAll(ctx context.Context, cfg *config.Config, targets Targets) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	if targets.Source != "" {
		results = append(results, CheckReadableFile("Subject source", targets.Source))
	}
	if targets.KeyPath != "" {
		results = append(results, CheckReadableFile("Credentials key", targets.KeyPath))
	}
	if targets.Destination != "" {
		results = append(results, CheckCreatableDirectory("Destination", targets.Destination))
	}
	if targets.StagingDir != "" {
		results = append(results, CheckCreatableDirectory("Staging directory", targets.StagingDir))
	}
	if targets.SuperDataset != "" {
		results = append(results, CheckDirectoryAccess("Shared collection", targets.SuperDataset))
	}

	for _, status := range CheckSystemDeps(ctx, cfg) {
		detail := status.Command
		if !status.Available {
			detail = status.Detail
		}
		results = append(results, Result{
			Name:   status.Name,
			Passed: status.Available || status.Optional,
			Detail: detail,
		})
	}
	return results
}

// Err joins every failed check into one validation error, or returns nil.
func Err(results []Result) error {
	var failed []error
	var names []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, fmt.Errorf("%s: %s", r.Name, r.Detail))
			names = append(names, r.Name)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return services.Wrap(services.ErrValidation, "preflight", "check",
		"failed: "+strings.Join(names, ", "), errors.Join(failed...))
}

// MissingTools is a convenience for callers that only care about binaries.
func MissingTools(ctx context.Context, cfg *config.Config) []deps.Status {
	return deps.Missing(CheckSystemDeps(ctx, cfg))
}
