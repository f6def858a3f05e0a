package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"std2bids/internal/fetch"
	"std2bids/internal/logging"
	"std2bids/internal/reorganizer"
	"std2bids/internal/services"
	"std2bids/internal/worklist"
	"std2bids/internal/workspace"
)

// Commit messages recorded by the stages.
const (
	MessageLedger     = "created/updated bulk file"
	MessageFetchLogs  = "adding bulk file logs"
	MessageDownloaded = "downloaded bulk files"
	MessageUnpacked   = "unpacked bulk files"
	MessageConverted  = "converted unpacked files to bids-ish"
	MessageMerged     = "refreshed branch main with updated bids"
)

// Fetcher retrieves the bulk files listed in a batch file into destDir.
// *fetch.Scheduler satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, batchFile, destDir string) (fetch.Result, error)
}

// Finalizer relocates or publishes a workspace whose main branch is current
// and returns where the subject now lives.
type Finalizer interface {
	Finalize(ctx context.Context, ws *workspace.Workspace) (string, error)
}

// Snapshot is reported to the observer after every state change.
type Snapshot struct {
	Label       string
	State       State
	Stage       string
	Workspace   string
	Destination string
	Fields      []string
	Err         error
}

// Observer receives state changes, typically to persist them.
type Observer func(ctx context.Context, snap Snapshot)

// Result summarizes one pipeline run.
type Result struct {
	Label       string
	State       State
	FailedStage string
	Destination string
	Requested   []string
	Duration    time.Duration
	Err         error
}

// Dependencies are the collaborators a pipeline drives.
type Dependencies struct {
	Fetcher     Fetcher
	Transformer reorganizer.Transformer
	Finalizer   Finalizer
}

// Option configures a pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logging.NewComponentLogger(logger, "pipeline")
	}
}

// WithObserver registers a state change callback.
func WithObserver(obs Observer) Option {
	return func(p *Pipeline) {
		p.observer = obs
	}
}

// Pipeline carries one subject through retrieve, unpack, reorganize, merge
// and finalize. Stages run strictly in order and each starts only after the
// previous one committed.
type Pipeline struct {
	subject     worklist.Subject
	ws          *workspace.Workspace
	deps        Dependencies
	logger      *slog.Logger
	observer    Observer
	state       State
	destination string
	requested   []string
}

type stageFunc struct {
	name string
	next State
	run  func(context.Context) error
}

// New validates the collaborators and builds a pipeline in StatePending.
func New(subject worklist.Subject, ws *workspace.Workspace, deps Dependencies, opts ...Option) (*Pipeline, error) {
	if ws == nil {
		return nil, errors.New("pipeline: workspace required")
	}
	if deps.Fetcher == nil || deps.Transformer == nil || deps.Finalizer == nil {
		return nil, errors.New("pipeline: fetcher, transformer and finalizer required")
	}
	p := &Pipeline{
		subject: subject,
		ws:      ws,
		deps:    deps,
		logger:  logging.NewComponentLogger(nil, "pipeline"),
		state:   StatePending,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// State reports the last completed stage.
func (p *Pipeline) State() State { return p.state }

// Run executes every stage. Cancellation is observed between stages only;
// a stage that has started runs to completion.
func (p *Pipeline) Run(ctx context.Context) Result {
	started := time.Now()
	ctx = services.WithSubject(ctx, p.subject.Label)
	logger := logging.WithContext(ctx, p.logger)

	result := Result{Label: p.subject.Label}
	finish := func() Result {
		result.State = p.state
		result.Destination = p.destination
		result.Requested = p.requested
		result.Duration = time.Since(started)
		return result
	}

	if err := p.ws.Recover(ctx, bookkeeping...); err != nil {
		result.FailedStage = "recover"
		result.Err = err
		p.fail(ctx, "recover", err)
		return finish()
	}

	stages := []stageFunc{
		{name: "retrieve", next: StateIncoming, run: p.retrieve},
		{name: "unpack", next: StateIncomingNative, run: p.unpack},
		{name: "reorganize", next: StateBids, run: p.reorganize},
		{name: "merge", next: StateMain, run: p.merge},
		{name: "finalize", next: StateFinalized, run: p.finalize},
	}
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			result.FailedStage = st.name
			result.Err = fmt.Errorf("cancelled before %s: %w", st.name, err)
			p.fail(ctx, st.name, result.Err)
			return finish()
		}
		if err := ValidateTransition(p.state, st.next); err != nil {
			result.FailedStage = st.name
			result.Err = services.Wrap(services.ErrInvariant, st.name, "transition", "", err)
			p.fail(ctx, st.name, result.Err)
			return finish()
		}

		stageCtx := services.WithStage(ctx, st.name)
		stageLogger := logging.WithContext(stageCtx, p.logger)
		stageLogger.Info("stage started",
			logging.String(logging.FieldEventType, "stage_start"),
			logging.String("from_state", string(p.state)),
		)
		stageStart := time.Now()
		if err := st.run(stageCtx); err != nil {
			result.FailedStage = st.name
			result.Err = err
			p.fail(stageCtx, st.name, err)
			return finish()
		}
		p.state = st.next
		p.notify(stageCtx, st.name, nil)
		stageLogger.Info("stage completed",
			logging.String(logging.FieldEventType, "stage_complete"),
			logging.String("next_state", string(p.state)),
			logging.Duration("duration", time.Since(stageStart)),
		)
	}

	logger.Info("subject finalized",
		logging.String(logging.FieldEventType, "subject_complete"),
		logging.String("destination", p.destination),
		logging.Duration("duration", time.Since(started)),
	)
	return finish()
}

func (p *Pipeline) fail(ctx context.Context, stage string, err error) {
	p.state = StateFailed
	logging.ErrorWithContext(logging.WithContext(ctx, p.logger), "stage failed", "stage_failure",
		logging.String(logging.FieldStage, stage),
		logging.String("error_kind", services.Kind(err)),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, hintFor(err)),
	)
	p.notify(ctx, stage, err)
}

func (p *Pipeline) notify(ctx context.Context, stage string, err error) {
	if p.observer == nil {
		return
	}
	p.observer(ctx, Snapshot{
		Label:       p.subject.Label,
		State:       p.state,
		Stage:       stage,
		Workspace:   p.ws.Path(),
		Destination: p.destination,
		Fields:      p.subject.Keys(),
		Err:         err,
	})
}

func hintFor(err error) string {
	switch {
	case errors.Is(err, services.ErrRetrieval):
		return "check the ukbfetch binary, the key file and the captured stderr"
	case errors.Is(err, services.ErrTransform):
		return "inspect the reorganizer output; the workspace stays on the stage branch"
	case errors.Is(err, services.ErrFinalize):
		return "the staging workspace was kept; resolve the destination conflict and rerun"
	case errors.Is(err, services.ErrInvariant):
		return "inspect the workspace branches by hand before rerunning"
	default:
		return "check logs for details"
	}
}
