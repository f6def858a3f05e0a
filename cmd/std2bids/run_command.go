package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"std2bids/internal/pipeline"
	"std2bids/internal/workflow"
)

// runFlags holds the run overrides. Each one replaces the configured value
// only when it was given on the command line.
type runFlags struct {
	maxWorkers       int
	maxParticipants  int
	maxActive        int
	shortcut         bool
	noShortcut       bool
	doParticipants   bool
	noDoParticipants bool
	superDataset     string
}

func (f *runFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntVarP(&f.maxWorkers, "max-workers", "w", 0, "Simultaneous ukbfetch downloads (1-20)")
	flags.IntVar(&f.maxParticipants, "max-participants", 0, "Stop after starting this many subject pipelines (0 = all)")
	flags.IntVar(&f.maxActive, "max-active", 0, "Subjects processed concurrently (0 = unlimited)")
	flags.BoolVar(&f.shortcut, "shortcut", false, "Skip subjects whose destination already exists")
	flags.BoolVar(&f.noShortcut, "no-shortcut", false, "Process subjects even when their destination exists")
	flags.BoolVar(&f.doParticipants, "do-participants", false, "Write participants.tsv at the destination root")
	flags.BoolVar(&f.noDoParticipants, "no-do-participants", false, "Do not write participants.tsv")
	flags.StringVar(&f.superDataset, "super-dataset", "", "Publish subjects as branches of this shared repository")
	cmd.MarkFlagsMutuallyExclusive("shortcut", "no-shortcut")
	cmd.MarkFlagsMutuallyExclusive("do-participants", "no-do-participants")
}

func (f *runFlags) apply(cmd *cobra.Command, opts *workflow.Options) {
	flags := cmd.Flags()
	if flags.Changed("max-workers") {
		opts.MaxWorkers = f.maxWorkers
	}
	if flags.Changed("max-participants") {
		opts.MaxParticipants = f.maxParticipants
	}
	if flags.Changed("max-active") {
		opts.MaxActive = f.maxActive
	}
	if flags.Changed("shortcut") {
		opts.Shortcut = f.shortcut
	}
	if flags.Changed("no-shortcut") {
		opts.Shortcut = !f.noShortcut
	}
	if flags.Changed("do-participants") {
		opts.DoParticipants = f.doParticipants
	}
	if flags.Changed("no-do-participants") {
		opts.DoParticipants = !f.noDoParticipants
	}
	if flags.Changed("super-dataset") {
		opts.SuperDataset = f.superDataset
	}
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var overrides runFlags

	cmd := &cobra.Command{
		Use:   "run BULK_SOURCE DESTINATION KEY",
		Short: "Retrieve and convert every subject listed in a bulk source",
		Long: `Build the subject worklist from BULK_SOURCE (csv, tsv or parquet), then
retrieve, unpack and reorganize each subject into DESTINATION/sub-<label>.
KEY is the UK Biobank access key passed to ukbfetch.

Each subject is kept as a repository with the branches incoming,
incoming-native, bids and main. Rerunning against the same destination only
retrieves fields that are not present yet.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}

			opts := workflow.OptionsFromConfig(cfg)
			opts.Source, opts.Destination, opts.KeyPath = args[0], args[1], args[2]
			overrides.apply(cmd, &opts)

			coordinator, err := workflow.New(cfg, workflow.WithLogger(logger))
			if err != nil {
				return err
			}
			summary, runErr := coordinator.Run(cmd.Context(), opts)
			if summary == nil {
				return runErr
			}
			if ctx.JSONMode() {
				if err := writeJSON(cmd, summaryJSON(summary, runErr)); err != nil {
					return err
				}
				return runErr
			}
			printSummary(cmd.OutOrStdout(), summary, shouldColorize(cmd.OutOrStdout()))
			return runErr
		},
	}
	overrides.register(cmd)
	return cmd
}

func printSummary(out io.Writer, s *workflow.Summary, colorize bool) {
	for _, line := range renderSectionHeader("Run "+s.RunID, colorize) {
		fmt.Fprintln(out, line)
	}

	rows := make([][]string, 0, len(s.Results))
	for _, r := range s.Results {
		detail := r.Destination
		if r.Err != nil {
			detail = r.Err.Error()
		}
		rows = append(rows, []string{
			"sub-" + r.Label,
			string(r.State),
			r.FailedStage,
			fmt.Sprintf("%d", len(r.Requested)),
			formatDuration(r.Duration.Truncate(time.Second)),
			detail,
		})
	}
	if len(rows) > 0 {
		fmt.Fprintln(out, renderTable(
			[]string{"Subject", "State", "Failed Stage", "Requested", "Time", "Destination / Error"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
		))
	}

	kind := statusOK
	if s.Failed > 0 {
		kind = statusError
	}
	fmt.Fprintln(out, renderStatusLine("Finalized", kind, fmt.Sprintf("%d of %d", s.Finalized, s.Subjects), colorize))
	if s.Skipped > 0 {
		fmt.Fprintln(out, renderStatusLine("Skipped", statusInfo, fmt.Sprintf("%d", s.Skipped), colorize))
	}
	if s.Failed > 0 {
		fmt.Fprintln(out, renderStatusLine("Failed", statusError, fmt.Sprintf("%d (workspaces kept for inspection)", s.Failed), colorize))
	}
	if s.NotStarted > 0 {
		fmt.Fprintln(out, renderStatusLine("Not started", statusWarn, fmt.Sprintf("%d (participant limit)", s.NotStarted), colorize))
	}
	if s.Manifest != "" {
		fmt.Fprintln(out, renderStatusLine("Manifest", statusOK, s.Manifest, colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Duration", statusInfo, formatDuration(s.Duration), colorize))
}

type subjectResultJSON struct {
	Label       string   `json:"label"`
	State       string   `json:"state"`
	FailedStage string   `json:"failed_stage,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Requested   []string `json:"requested,omitempty"`
	DurationMS  int64    `json:"duration_ms"`
	Error       string   `json:"error,omitempty"`
}

func summaryJSON(s *workflow.Summary, runErr error) map[string]any {
	results := make([]subjectResultJSON, 0, len(s.Results))
	for _, r := range s.Results {
		res := subjectResultJSON{
			Label:       r.Label,
			State:       string(r.State),
			FailedStage: r.FailedStage,
			Destination: r.Destination,
			Requested:   r.Requested,
			DurationMS:  r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			res.Error = r.Err.Error()
		}
		results = append(results, res)
	}
	out := map[string]any{
		"run_id":      s.RunID,
		"subjects":    s.Subjects,
		"finalized":   s.Finalized,
		"skipped":     s.Skipped,
		"failed":      s.Failed,
		"not_started": s.NotStarted,
		"manifest":    s.Manifest,
		"duration_ms": s.Duration.Milliseconds(),
		"results":     results,
		"ok":          s.OK() && runErr == nil,
	}
	if runErr != nil {
		out["error"] = runErr.Error()
	}
	return out
}

// stateKind colors a persisted subject state.
func stateKind(state string) statusKind {
	switch pipeline.State(state) {
	case pipeline.StateFinalized:
		return statusOK
	case pipeline.StateSkipped:
		return statusInfo
	case pipeline.StateFailed:
		return statusError
	default:
		return statusWarn
	}
}
