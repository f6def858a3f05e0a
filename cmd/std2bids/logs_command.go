package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"std2bids/internal/logs"
	"std2bids/internal/workflow"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs [SUBJECT]",
		Short: "Print the run log or the log of one subject",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Paths.LogDir) == "" {
				return errors.New("log_dir is not configured")
			}
			path := filepath.Join(cfg.Paths.LogDir, "std2bids.log")
			if len(args) == 1 {
				label := strings.TrimPrefix(strings.TrimSpace(args[0]), "sub-")
				path = workflow.NewSubjectLogs(cfg).Path(label)
			}
			out := cmd.OutOrStdout()
			_, err = logs.Tail(cmd.Context(), path, logs.Options{Lines: lines, Follow: follow}, func(line string) error {
				_, err := fmt.Fprintln(out, line)
				return err
			})
			return err
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing appended lines")
	return cmd
}
