package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"std2bids/internal/config"
	"std2bids/internal/pipeline"
	"std2bids/internal/runstate"
	"std2bids/internal/workflow"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var runLimit int

	cmd := &cobra.Command{
		Use:   "status DESTINATION",
		Short: "Show persisted run and subject state for a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			for i, s := range statuses {
				statuses[i] = strings.ToLower(strings.TrimSpace(s))
				if !validState(statuses[i]) {
					return fmt.Errorf("unknown status %q", s)
				}
			}
			status, err := workflow.LoadStatus(cmd.Context(), dst, runLimit, statuses...)
			if err != nil {
				return err
			}
			if ctx.JSONMode() {
				return writeJSON(cmd, statusJSON(status))
			}
			printStatus(cmd, status)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Only list subjects in these states")
	cmd.Flags().IntVar(&runLimit, "runs", 5, "Number of recent runs to show")
	return cmd
}

func validState(s string) bool {
	for _, state := range pipeline.States() {
		if string(state) == s {
			return true
		}
	}
	return false
}

func printStatus(cmd *cobra.Command, status *workflow.Status) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	if status.StatePath == "" {
		fmt.Fprintln(out, "No runs recorded for this destination")
		return
	}

	for _, line := range renderSectionHeader("Subjects", colorize) {
		fmt.Fprintln(out, line)
	}
	states := make([]string, 0, len(status.Counts))
	for state := range status.Counts {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Fprintln(out, renderStatusLine(state, stateKind(state), fmt.Sprintf("%d", status.Counts[state]), colorize))
	}

	if len(status.Runs) > 0 {
		fmt.Fprintln(out)
		rows := make([][]string, 0, len(status.Runs))
		for _, r := range status.Runs {
			rows = append(rows, []string{
				shortID(r.ID),
				formatTime(&r.StartedAt),
				formatTime(r.FinishedAt),
				fmt.Sprintf("%d", r.Subjects),
				fmt.Sprintf("%d", r.Finalized),
				fmt.Sprintf("%d", r.Skipped),
				fmt.Sprintf("%d", r.Failed),
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Run", "Started", "Finished", "Subjects", "Finalized", "Skipped", "Failed"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
		))
	}

	if len(status.Subjects) > 0 {
		fmt.Fprintln(out)
		rows := make([][]string, 0, len(status.Subjects))
		for _, s := range status.Subjects {
			where := s.Destination
			if where == "" {
				where = s.WorkspacePath
			}
			rows = append(rows, []string{"sub-" + s.Label, s.Status, s.ErrorKind, formatTime(&s.UpdatedAt), where})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Subject", "State", "Error", "Updated", "Location"},
			rows,
			nil,
			"", "", "", "", fmt.Sprintf("%d subjects", len(rows)),
		))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func statusJSON(status *workflow.Status) map[string]any {
	subjects := make([]map[string]any, 0, len(status.Subjects))
	for _, s := range status.Subjects {
		subjects = append(subjects, subjectJSON(s))
	}
	runs := status.Runs
	if runs == nil {
		runs = []runstate.Run{}
	}
	return map[string]any{
		"state_path": status.StatePath,
		"counts":     status.Counts,
		"runs":       runs,
		"subjects":   subjects,
	}
}

func subjectJSON(s *runstate.Subject) map[string]any {
	out := map[string]any{
		"label":          s.Label,
		"status":         s.Status,
		"fields":         s.Fields,
		"workspace_path": s.WorkspacePath,
		"destination":    s.Destination,
		"run_id":         s.RunID,
		"updated_at":     s.UpdatedAt,
	}
	if s.ErrorKind != "" {
		out["error_kind"] = s.ErrorKind
		out["error_message"] = s.ErrorMessage
	}
	if s.FinishedAt != nil {
		out["finished_at"] = s.FinishedAt
	}
	return out
}
