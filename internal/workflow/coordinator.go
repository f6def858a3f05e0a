package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"std2bids/internal/collection"
	"std2bids/internal/config"
	"std2bids/internal/fetch"
	"std2bids/internal/history"
	"std2bids/internal/logging"
	"std2bids/internal/notifications"
	"std2bids/internal/participants"
	"std2bids/internal/pipeline"
	"std2bids/internal/preflight"
	"std2bids/internal/reorganizer"
	"std2bids/internal/runstate"
	"std2bids/internal/services"
	"std2bids/internal/staging"
	"std2bids/internal/worklist"
	"std2bids/internal/workspace"
)

const runLockName = "run.lock"

// RunLockPath is the lock file held while a run or a maintenance command
// works on dst.
func RunLockPath(dst string) string {
	return filepath.Join(dst, staging.StateDirName, runLockName)
}

// LockDestination takes the run lock of dst without waiting. A lock held by
// another process is a validation error.
func LockDestination(dst string) (*flock.Flock, error) {
	path := RunLockPath(dst)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, services.Wrap(services.ErrValidation, "workflow", "lock", path, err)
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "workflow", "lock", path, err)
	}
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "workflow", "lock",
			fmt.Sprintf("another std2bids process holds %s", path), nil)
	}
	return lock, nil
}

// Options is one run request. Zero limits fall back to the configuration.
type Options struct {
	Source       string
	Destination  string
	KeyPath      string
	SuperDataset string

	MaxWorkers      int
	MaxParticipants int
	MaxActive       int
	Shortcut        bool
	DoParticipants  bool
}

// OptionsFromConfig fills the limits and toggles from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		return Options{DoParticipants: true}
	}
	return Options{
		MaxWorkers:      cfg.Fetch.MaxWorkers,
		MaxParticipants: cfg.Workflow.MaxParticipants,
		MaxActive:       cfg.Workflow.MaxActiveSubjects,
		Shortcut:        cfg.Workflow.Shortcut,
		DoParticipants:  cfg.Workflow.DoParticipants,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the run logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithFetchExecutor replaces the ukbfetch process runner.
func WithFetchExecutor(exec fetch.Executor) Option {
	return func(c *Coordinator) {
		c.fetchExec = exec
	}
}

// WithReorganizerExecutor replaces the reorganizer process runner.
func WithReorganizerExecutor(exec reorganizer.Executor) Option {
	return func(c *Coordinator) {
		c.reorgExec = exec
	}
}

// WithNotifier replaces the notifier built from the configuration.
func WithNotifier(n notifications.Service) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

// Coordinator runs every subject of a worklist through its pipeline.
type Coordinator struct {
	cfg       *config.Config
	logger    *slog.Logger
	fetchExec fetch.Executor
	reorgExec reorganizer.Executor
	notifier  notifications.Service
	logs      *SubjectLogs
}

// New builds a coordinator for cfg.
func New(cfg *config.Config, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("workflow: config required")
	}
	c := &Coordinator{cfg: cfg, logs: NewSubjectLogs(cfg)}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.NewNop()
	}
	c.logger = logging.NewComponentLogger(c.logger, "workflow")
	if c.notifier == nil {
		c.notifier = notifications.NewService(cfg)
	}
	return c, nil
}

// run carries the state shared by every subject of one invocation.
type run struct {
	id         string
	opts       Options
	stagingDir string
	author     history.Author
	collection *collection.Collection
	state      *runstate.Store
	deps       pipeline.Dependencies

	recordMu sync.Mutex
}

// Run validates opts, processes the worklist and writes the manifest. The
// summary is returned even when some subjects failed; their errors are
// joined into the returned error. Validation failures abort before any
// subject is scheduled and return a nil summary.
func (c *Coordinator) Run(ctx context.Context, opts Options) (*Summary, error) {
	started := time.Now()
	r, release, err := c.prepare(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = services.WithRunID(ctx, r.id)
	logger := logging.WithContext(ctx, c.logger)

	subjects, err := worklist.Build(ctx, r.opts.Source, worklist.Options{
		SubjectColumn:   c.cfg.Worklist.SubjectColumn,
		MandatoryColumn: c.cfg.Worklist.MandatoryColumn,
	})
	if err != nil {
		return nil, err
	}
	if err := r.state.BeginRun(ctx, r.id, r.opts.Source); err != nil {
		return nil, fmt.Errorf("record run start: %w", err)
	}
	logger.Info("run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.String("source", r.opts.Source),
		logging.String("destination", r.opts.Destination),
		logging.Int("subjects", len(subjects)),
		logging.Int("max_workers", r.opts.MaxWorkers),
		logging.Int("max_participants", r.opts.MaxParticipants),
		logging.Bool("shortcut", r.opts.Shortcut),
		logging.Bool("collection", r.collection != nil),
	)
	c.notify(ctx, notifications.EventRunStarted, notifications.Payload{
		"subjects":    len(subjects),
		"destination": r.opts.Destination,
	})

	results := make([]pipeline.Result, len(subjects))
	scheduled := make([]bool, len(subjects))
	var g errgroup.Group
	if r.opts.MaxActive > 0 {
		g.SetLimit(r.opts.MaxActive)
	}
	startedPipelines := 0
	for i, subject := range subjects {
		if r.opts.MaxParticipants > 0 && startedPipelines >= r.opts.MaxParticipants {
			logger.Info("participant limit reached",
				logging.String(logging.FieldEventType, "participant_limit"),
				logging.Int("max_participants", r.opts.MaxParticipants),
				logging.Int("not_started", len(subjects)-i),
			)
			break
		}
		if ctx.Err() != nil {
			break
		}
		scheduled[i] = true
		if dest, ok := c.shortcut(ctx, r, subject); ok {
			results[i] = pipeline.Result{Label: subject.Label, State: pipeline.StateSkipped, Destination: dest}
			continue
		}
		startedPipelines++
		i, subject := i, subject
		g.Go(func() error {
			results[i] = c.runSubject(ctx, r, subject)
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{
		RunID:       r.id,
		Source:      r.opts.Source,
		Destination: r.opts.Destination,
		Subjects:    len(subjects),
	}
	var failures []error
	var rows []participants.Row
	for i, subject := range subjects {
		if !scheduled[i] {
			summary.NotStarted++
			continue
		}
		res := results[i]
		summary.Results = append(summary.Results, res)
		switch res.State {
		case pipeline.StateFinalized:
			summary.Finalized++
		case pipeline.StateSkipped:
			summary.Skipped++
		default:
			summary.Failed++
			cause := res.Err
			if cause == nil {
				cause = errors.New("pipeline stopped without an error")
			}
			failures = append(failures, fmt.Errorf("sub-%s: %s: %w", res.Label, res.FailedStage, cause))
		}
		if res.State == pipeline.StateFinalized || res.State == pipeline.StateSkipped {
			rows = append(rows, participants.Row{Label: subject.Label, Fields: subject.Keys()})
		}
	}
	runErr := errors.Join(failures...)

	if r.opts.DoParticipants {
		path, err := participants.Write(r.opts.Destination, rows)
		if err != nil {
			logging.ErrorWithContext(logger, "participants manifest not written", "manifest_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check destination permissions and rerun"),
			)
			runErr = errors.Join(runErr, err)
		} else {
			summary.Manifest = path
		}
	}
	summary.Duration = time.Since(started)

	if err := r.state.FinishRun(context.WithoutCancel(ctx), r.id, runstate.Outcome{
		Subjects:  summary.Subjects,
		Finalized: summary.Finalized,
		Skipped:   summary.Skipped,
		Failed:    summary.Failed,
		Err:       runErr,
	}); err != nil {
		logging.WarnWithContext(logger, "run outcome not recorded", "run_state",
			logging.Error(err),
			logging.String(logging.FieldImpact, "std2bids status shows the run as unfinished"),
		)
	}

	logger.Info("run completed",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.Int("finalized", summary.Finalized),
		logging.Int("skipped", summary.Skipped),
		logging.Int("failed", summary.Failed),
		logging.Int("not_started", summary.NotStarted),
		logging.Duration("duration", summary.Duration),
	)
	c.notify(ctx, notifications.EventRunCompleted, notifications.Payload{
		"finalized": summary.Finalized,
		"skipped":   summary.Skipped,
		"failed":    summary.Failed,
		"duration":  summary.Duration,
	})
	return summary, runErr
}

// prepare validates the request and acquires the run resources. The
// returned release func undoes everything prepare acquired.
func (c *Coordinator) prepare(ctx context.Context, opts Options) (*run, func(), error) {
	opts, err := c.normalize(opts)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.WithContext(ctx, c.logger)

	r := &run{
		id:         uuid.NewString(),
		opts:       opts,
		stagingDir: staging.Dir(opts.Destination, c.cfg.Paths.StagingDir),
		author:     history.Author{Name: c.cfg.History.AuthorName, Email: c.cfg.History.AuthorEmail},
	}

	if opts.SuperDataset != "" {
		coll, err := collection.Open(opts.SuperDataset,
			collection.WithLogger(c.logger),
			collection.WithAuthor(r.author),
		)
		if err != nil {
			return nil, nil, err
		}
		r.collection = coll
	}

	results := preflight.RunAll(ctx, c.cfg, preflight.Targets{
		Source:       opts.Source,
		Destination:  opts.Destination,
		KeyPath:      opts.KeyPath,
		StagingDir:   r.stagingDir,
		SuperDataset: opts.SuperDataset,
	})
	for _, res := range results {
		if res.Passed {
			logger.Debug("preflight check passed",
				logging.String("check", res.Name),
				logging.String("detail", res.Detail),
				logging.String(logging.FieldEventType, "preflight_passed"),
			)
			continue
		}
		logging.ErrorWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", res.Name),
			logging.String("detail", res.Detail),
			logging.String(logging.FieldErrorHint, "fix the reported issue and rerun"),
		)
	}
	if err := preflight.Err(results); err != nil {
		return nil, nil, err
	}

	sched, err := fetch.New(c.cfg.Fetch.Binary, opts.KeyPath, opts.MaxWorkers, c.fetchOptions()...)
	if err != nil {
		return nil, nil, err
	}
	transformer, err := reorganizer.New(c.cfg.Reorganizer.Binary, c.cfg.Reorganizer.NativeMapping, c.cfg.Reorganizer.BidsMapping, c.reorgOptions()...)
	if err != nil {
		return nil, nil, services.Wrap(services.ErrValidation, "workflow", "configure", "reorganizer", err)
	}
	var finalizer pipeline.Finalizer = pipeline.Relocator{Root: opts.Destination}
	if r.collection != nil {
		finalizer = r.collection
	}
	r.deps = pipeline.Dependencies{Fetcher: sched, Transformer: transformer, Finalizer: finalizer}

	stateDir := filepath.Join(opts.Destination, staging.StateDirName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, services.Wrap(services.ErrValidation, "workflow", "prepare", stateDir, err)
	}
	if err := os.MkdirAll(r.stagingDir, 0o755); err != nil {
		return nil, nil, services.Wrap(services.ErrValidation, "workflow", "prepare", r.stagingDir, err)
	}
	lock, err := LockDestination(opts.Destination)
	if err != nil {
		return nil, nil, err
	}
	state, err := runstate.Open(stateDir)
	if err != nil {
		_ = lock.Unlock()
		return nil, nil, err
	}
	r.state = state

	release := func() {
		if err := state.Close(); err != nil {
			logger.Warn("run state close failed", logging.Error(err))
		}
		if err := lock.Unlock(); err != nil {
			logger.Warn("run lock release failed", logging.Error(err))
		}
	}
	return r, release, nil
}

func (c *Coordinator) normalize(opts Options) (Options, error) {
	invalid := func(msg string) error {
		return services.Wrap(services.ErrValidation, "workflow", "validate", msg, nil)
	}
	if opts.MaxWorkers < 1 || opts.MaxWorkers > fetch.MaxWorkers {
		return opts, invalid(fmt.Sprintf("max_workers must be between 1 and %d, got %d", fetch.MaxWorkers, opts.MaxWorkers))
	}
	if opts.MaxParticipants < 0 {
		return opts, invalid(fmt.Sprintf("max_participants must be >= 0, got %d", opts.MaxParticipants))
	}
	if opts.MaxActive < 0 {
		return opts, invalid(fmt.Sprintf("max_active_subjects must be >= 0, got %d", opts.MaxActive))
	}
	paths := []struct {
		name  string
		value *string
	}{
		{"source", &opts.Source},
		{"destination", &opts.Destination},
		{"key", &opts.KeyPath},
		{"super dataset", &opts.SuperDataset},
	}
	for _, p := range paths {
		raw := strings.TrimSpace(*p.value)
		if raw == "" {
			if p.value == &opts.SuperDataset {
				continue
			}
			return opts, invalid(p.name + " path required")
		}
		expanded, err := config.ExpandPath(raw)
		if err != nil {
			return opts, services.Wrap(services.ErrValidation, "workflow", "validate", p.name, err)
		}
		*p.value = expanded
	}
	return opts, nil
}

func (c *Coordinator) fetchOptions() []fetch.Option {
	opts := []fetch.Option{fetch.WithLogger(c.logger)}
	if c.cfg.Fetch.TimeoutSeconds > 0 {
		opts = append(opts, fetch.WithTimeout(time.Duration(c.cfg.Fetch.TimeoutSeconds)*time.Second))
	}
	if c.fetchExec != nil {
		opts = append(opts, fetch.WithExecutor(c.fetchExec))
	}
	return opts
}

func (c *Coordinator) reorgOptions() []reorganizer.Option {
	opts := []reorganizer.Option{reorganizer.WithLogger(c.logger)}
	if c.reorgExec != nil {
		opts = append(opts, reorganizer.WithExecutor(c.reorgExec))
	}
	return opts
}

// shortcut reports whether subject already has a destination and must be
// skipped without building a pipeline.
func (c *Coordinator) shortcut(ctx context.Context, r *run, subject worklist.Subject) (string, bool) {
	if !r.opts.Shortcut {
		return "", false
	}
	ctx = services.WithSubject(ctx, subject.Label)
	logger := logging.WithContext(ctx, c.logger)

	var dest string
	if r.collection != nil {
		ok, err := r.collection.HasSubject(subject.Label)
		if err != nil {
			logging.WarnWithContext(logger, "collection lookup failed, processing subject", "shortcut_lookup",
				logging.Error(err),
			)
			return "", false
		}
		if !ok {
			return "", false
		}
		dest = r.collection.Destination(subject.Label)
	} else {
		dest = filepath.Join(r.opts.Destination, subject.Dir())
		if _, err := os.Stat(dest); err != nil {
			return "", false
		}
	}

	logger.Info("destination exists, skipping subject",
		logging.String(logging.FieldEventType, "shortcut"),
		logging.String("destination", dest),
	)
	c.record(ctx, r, &runstate.Subject{
		Label:       subject.Label,
		Status:      string(pipeline.StateSkipped),
		Fields:      subject.Keys(),
		Destination: dest,
		RunID:       r.id,
		FinishedAt:  timePtr(time.Now().UTC()),
	})
	return dest, true
}

func (c *Coordinator) runSubject(ctx context.Context, r *run, subject worklist.Subject) pipeline.Result {
	ctx = services.WithSubject(ctx, subject.Label)
	subjectLogger, closer, err := c.logs.Open(c.logger, subject.Label)
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "subject log unavailable", "subject_log",
			logging.Error(err),
			logging.String(logging.FieldImpact, "records only reach the run log"),
		)
	}
	defer closer.Close()
	logger := logging.WithContext(ctx, subjectLogger)

	path, err := c.workspacePath(ctx, r, subject)
	if err != nil {
		return c.failEarly(ctx, r, subject, logger, err)
	}
	ws, created, err := workspace.Open(path, subject.Label, r.author, workspace.WithLogger(subjectLogger))
	if err != nil {
		return c.failEarly(ctx, r, subject, logger, err)
	}
	logger.Info("subject workspace ready",
		logging.String(logging.FieldEventType, "workspace_open"),
		logging.String("path", path),
		logging.Bool("created", created),
		logging.String("workspace_id", ws.ID().String()),
	)

	c.record(ctx, r, &runstate.Subject{
		Label:         subject.Label,
		Status:        string(pipeline.StatePending),
		Fields:        subject.Keys(),
		WorkspacePath: path,
		RunID:         r.id,
	})

	p, err := pipeline.New(subject, ws, r.deps,
		pipeline.WithLogger(subjectLogger),
		pipeline.WithObserver(func(ctx context.Context, snap pipeline.Snapshot) {
			c.observe(ctx, r, snap)
		}),
	)
	if err != nil {
		return c.failEarly(ctx, r, subject, logger, err)
	}
	res := p.Run(ctx)
	if res.State == pipeline.StateFailed {
		c.notifyFailure(ctx, res)
	}
	return res
}

// workspacePath picks where subject is processed: in place when its
// destination is already a workspace, otherwise in staging, seeded from the
// collection when the subject was published before.
func (c *Coordinator) workspacePath(ctx context.Context, r *run, subject worklist.Subject) (string, error) {
	if r.collection == nil {
		final := filepath.Join(r.opts.Destination, subject.Dir())
		if history.IsRepository(final) {
			return final, nil
		}
		return staging.WorkspacePath(r.stagingDir, subject.Label), nil
	}
	path := staging.WorkspacePath(r.stagingDir, subject.Label)
	if history.IsRepository(path) {
		return path, nil
	}
	if _, err := r.collection.Seed(ctx, subject.Label, path); err != nil {
		return "", services.Wrap(services.ErrRetrieval, "seed", "collection", path, err)
	}
	return path, nil
}

func (c *Coordinator) failEarly(ctx context.Context, r *run, subject worklist.Subject, logger *slog.Logger, err error) pipeline.Result {
	logging.ErrorWithContext(logger, "subject could not start", "subject_setup_failed",
		logging.String("error_kind", services.Kind(err)),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check the staging directory and destination"),
	)
	c.record(ctx, r, &runstate.Subject{
		Label:        subject.Label,
		Status:       string(pipeline.StateFailed),
		Fields:       subject.Keys(),
		ErrorKind:    services.Kind(err),
		ErrorMessage: err.Error(),
		RunID:        r.id,
		FinishedAt:   timePtr(time.Now().UTC()),
	})
	res := pipeline.Result{Label: subject.Label, State: pipeline.StateFailed, FailedStage: "setup", Err: err}
	c.notifyFailure(ctx, res)
	return res
}

func (c *Coordinator) notifyFailure(ctx context.Context, res pipeline.Result) {
	payload := notifications.Payload{"label": res.Label, "stage": res.FailedStage}
	if res.Err != nil {
		payload["error"] = res.Err.Error()
	}
	c.notify(ctx, notifications.EventSubjectFailed, payload)
}

// notify never fails the run; delivery problems are logged.
func (c *Coordinator) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := c.notifier.Publish(context.WithoutCancel(ctx), event, payload); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "notification not delivered", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
}

func (c *Coordinator) observe(ctx context.Context, r *run, snap pipeline.Snapshot) {
	rec := &runstate.Subject{
		Label:         snap.Label,
		Status:        string(snap.State),
		Fields:        snap.Fields,
		WorkspacePath: snap.Workspace,
		Destination:   snap.Destination,
		RunID:         r.id,
	}
	if snap.Err != nil {
		rec.ErrorKind = services.Kind(snap.Err)
		rec.ErrorMessage = fmt.Sprintf("%s: %v", snap.Stage, snap.Err)
	}
	if snap.State.Terminal() {
		rec.FinishedAt = timePtr(time.Now().UTC())
	}
	c.record(ctx, r, rec)
}

func (c *Coordinator) record(ctx context.Context, r *run, rec *runstate.Subject) {
	r.recordMu.Lock()
	defer r.recordMu.Unlock()
	if err := r.state.SaveSubject(context.WithoutCancel(ctx), rec); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "subject state not recorded", "run_state",
			logging.String("status", rec.Status),
			logging.Error(err),
			logging.String(logging.FieldImpact, "std2bids status may show stale progress"),
		)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
