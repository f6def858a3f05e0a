package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"std2bids/internal/config"
	"std2bids/internal/logging"
	"std2bids/internal/staging"
	"std2bids/internal/workflow"
)

func newStagingCommand(ctx *commandContext) *cobra.Command {
	stagingCmd := &cobra.Command{
		Use:   "staging",
		Short: "Manage staging workspaces of a destination",
	}

	stagingCmd.AddCommand(newStagingListCommand(ctx))
	stagingCmd.AddCommand(newStagingCleanCommand(ctx))

	return stagingCmd
}

func stagingDirFor(ctx *commandContext, arg string) (string, string, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return "", "", err
	}
	dst, err := config.ExpandPath(arg)
	if err != nil {
		return "", "", err
	}
	return dst, staging.Dir(dst, cfg.Paths.StagingDir), nil
}

func newStagingListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list DESTINATION",
		Short: "List staging workspaces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, stagingDir, err := stagingDirFor(ctx, args[0])
			if err != nil {
				return err
			}
			dirs, err := staging.ListDirectories(stagingDir)
			if err != nil {
				return fmt.Errorf("list staging directories: %w", err)
			}

			var totalSize int64
			for _, dir := range dirs {
				totalSize += dir.Size
			}
			if ctx.JSONMode() {
				if dirs == nil {
					dirs = []staging.DirInfo{}
				}
				return writeJSON(cmd, map[string]any{
					"staging_dir":      stagingDir,
					"directories":      dirs,
					"total_size_bytes": totalSize,
				})
			}

			out := cmd.OutOrStdout()
			if len(dirs) == 0 {
				fmt.Fprintln(out, "No staging workspaces found")
				return nil
			}
			fmt.Fprintf(out, "Staging directory: %s\n\n", stagingDir)
			rows := make([][]string, 0, len(dirs))
			for _, dir := range dirs {
				branch := dir.Branch
				if !dir.Repository {
					branch = "(not a workspace)"
				}
				rows = append(rows, []string{
					dir.Name,
					branch,
					yesNo(dir.Dirty),
					formatDuration(time.Since(dir.ModTime)),
					formatBytes(dir.Size),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Workspace", "Branch", "Dirty", "Age", "Size"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
				"", "", "", fmt.Sprintf("%d", len(dirs)), formatBytes(totalSize),
			))
			return nil
		},
	}
}

func newStagingCleanCommand(ctx *commandContext) *cobra.Command {
	var cleanAll bool
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "clean DESTINATION",
		Short: "Remove staging workspaces no run will resume",
		Long: `Remove staging workspaces that no recorded subject still needs.

By default workspaces of failed or unfinished subjects are kept, since the
next run resumes them. Use --older-than to remove workspaces by age instead,
or --all to remove every workspace.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, stagingDir, err := stagingDirFor(ctx, args[0])
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			lock, err := workflow.LockDestination(dst)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			var result staging.CleanStaleResult
			scope := "orphaned"
			switch {
			case olderThan > 0:
				scope = "stale"
				result = staging.CleanStale(cmd.Context(), stagingDir, olderThan, logger)
			case cleanAll:
				scope = "staging"
				result = staging.CleanOrphaned(cmd.Context(), stagingDir, nil, logger)
			default:
				status, err := workflow.LoadStatus(cmd.Context(), dst, 0)
				if err != nil {
					return err
				}
				result = staging.CleanOrphaned(cmd.Context(), stagingDir, status.RetainedLabels(), logger)
			}

			if ctx.JSONMode() {
				return writeStagingCleanJSON(cmd, result)
			}
			printStagingCleanResult(cmd, result, scope)
			logging.NewComponentLogger(logger, "cli").Debug("staging clean finished",
				logging.String("scope", scope),
				logging.Int("removed", len(result.Removed)),
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&cleanAll, "all", false, "Remove every staging workspace, including ones a run would resume")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Remove workspaces not modified for this long")
	return cmd
}

func printStagingCleanResult(cmd *cobra.Command, result staging.CleanStaleResult, scope string) {
	out := cmd.OutOrStdout()
	if len(result.Removed) == 0 && len(result.Errors) == 0 {
		fmt.Fprintf(out, "No %s workspaces to clean\n", scope)
		return
	}
	fmt.Fprintf(out, "Removed %d %s workspaces", len(result.Removed), scope)
	if len(result.Errors) > 0 {
		fmt.Fprintf(out, ", %d errors", len(result.Errors))
	}
	fmt.Fprintln(out)
	for _, e := range result.Errors {
		fmt.Fprintf(out, "  Error: %s: %v\n", e.Path, e.Error)
	}
}

func writeStagingCleanJSON(cmd *cobra.Command, result staging.CleanStaleResult) error {
	errs := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		errs = append(errs, fmt.Sprintf("%s: %v", e.Path, e.Error))
	}
	removed := result.Removed
	if removed == nil {
		removed = []string{}
	}
	return writeJSON(cmd, map[string]any{
		"removed": removed,
		"errors":  errs,
	})
}
