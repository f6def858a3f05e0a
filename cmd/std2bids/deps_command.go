package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"std2bids/internal/deps"
	"std2bids/internal/preflight"
)

func newDepsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "Check the external tools a run needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			statuses := preflight.CheckSystemDeps(cmd.Context(), cfg)
			missing := deps.Missing(statuses)
			if ctx.JSONMode() {
				if err := writeJSON(cmd, map[string]any{"dependencies": statuses, "ok": len(missing) == 0}); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Dependencies", colorize) {
					fmt.Fprintln(out, line)
				}
				for _, s := range statuses {
					kind, detail := statusOK, s.Path
					if !s.Available {
						kind, detail = statusError, s.Detail
						if s.Optional {
							kind = statusWarn
						}
					}
					fmt.Fprintln(out, renderStatusLine(s.Name, kind, detail, colorize))
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("missing dependencies: %s", deps.Describe(missing))
			}
			return nil
		},
	}
}
