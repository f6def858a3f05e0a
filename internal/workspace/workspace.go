package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"std2bids/internal/history"
	"std2bids/internal/logging"
	"std2bids/internal/services"
)

// Branch names of a subject workspace.
const (
	Incoming       = "incoming"
	IncomingNative = "incoming-native"
	Bids           = "bids"
	Main           = "main"
)

// Branches lists every workspace branch in pipeline order.
var Branches = []string{Incoming, IncomingNative, Bids, Main}

const rootMessage = "initialized subject workspace"

// Repository is the versioned storage a workspace drives. *history.Store
// satisfies it.
type Repository interface {
	Path() string
	ActiveBranch() (string, error)
	HasBranch(name string) (bool, error)
	BranchHead(name string) (string, error)
	Checkout(branch string, opts history.CheckoutOptions) error
	Save(message string, opts history.SaveOptions) (string, bool, error)
	Merge(source, target, message string) (history.MergeOutcome, error)
	IsDirty() (bool, error)
	Clean() error
	ResetHard() error
	RestoreTracked(patterns ...string) ([]string, error)
}

// SaveFunc commits the current changes, optionally restricted to paths, on the
// branch a callback runs on. It reports whether a commit was recorded.
type SaveFunc func(message string, paths ...string) (bool, error)

// Option configures a Workspace.
type Option func(*Workspace)

// WithLogger sets the workspace logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workspace) {
		w.logger = logging.NewComponentLogger(logger, "workspace")
	}
}

// Workspace is one subject's versioned directory. All mutation goes through
// branch transitions that restore the previously active branch on success.
type Workspace struct {
	id     uuid.UUID
	label  string
	repo   Repository
	logger *slog.Logger
}

// New wraps an opened repository.
func New(repo Repository, label string, opts ...Option) *Workspace {
	w := &Workspace{
		id:     uuid.New(),
		label:  label,
		repo:   repo,
		logger: logging.NewComponentLogger(nil, "workspace"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Open opens the repository at path, or initializes one whose main branch
// holds an empty root commit. It reports whether the repository was created.
func Open(path, label string, author history.Author, opts ...Option) (*Workspace, bool, error) {
	if history.IsRepository(path) {
		store, err := history.Open(path, history.WithAuthor(author))
		if err != nil {
			return nil, false, err
		}
		return New(store, label, opts...), false, nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("workspace: create %s: %w", path, err)
	}
	store, err := history.Init(path, history.WithAuthor(author))
	if err != nil {
		return nil, false, err
	}
	if _, err := store.CommitRoot(rootMessage); err != nil {
		return nil, false, err
	}
	return New(store, label, opts...), true, nil
}

// ID is unique per workspace instance and never derived from the label.
func (w *Workspace) ID() uuid.UUID { return w.id }

// Label returns the subject label.
func (w *Workspace) Label() string { return w.label }

// Path returns the working directory.
func (w *Workspace) Path() string { return w.repo.Path() }

// Repository exposes the underlying storage.
func (w *Workspace) Repository() Repository { return w.repo }

// ActiveBranch returns the checked out branch; a detached HEAD is an
// invariant violation.
func (w *Workspace) ActiveBranch() (string, error) {
	return w.repo.ActiveBranch()
}

// CheckoutOrCreate switches to branch, creating it from the current HEAD
// when it does not exist. It does nothing when branch is already checked
// out, so uncommitted work on it survives.
func (w *Workspace) CheckoutOrCreate(branch string) error {
	if active, err := w.repo.ActiveBranch(); err == nil && active == branch {
		return nil
	}
	exists, err := w.repo.HasBranch(branch)
	if err != nil {
		return fmt.Errorf("workspace: lookup %s: %w", branch, err)
	}
	if err := w.repo.Checkout(branch, history.CheckoutOptions{Create: !exists}); err != nil {
		return err
	}
	w.logger.Debug("branch checked out",
		logging.String(logging.FieldBranch, branch),
		logging.Bool("created", !exists),
	)
	return nil
}

// Within checks out branch (creating it when missing), hands fn the working
// directory and a committer bound to branch, then restores the branch that
// was active before. When fn fails the workspace stays on branch so the
// next run can recover it.
func (w *Workspace) Within(ctx context.Context, branch string, fn func(dir string, save SaveFunc) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	previous, err := w.repo.ActiveBranch()
	if err != nil {
		return err
	}
	if err := w.CheckoutOrCreate(branch); err != nil {
		return err
	}
	if err := fn(w.repo.Path(), w.saver(branch, nil)); err != nil {
		return err
	}
	return w.restore(previous)
}

// RunOnBranch runs work on branch and saves the result with message.
func (w *Workspace) RunOnBranch(ctx context.Context, branch, message string, work func(dir string) error) (bool, error) {
	var committed bool
	err := w.Within(ctx, branch, func(dir string, save SaveFunc) error {
		if err := work(dir); err != nil {
			return err
		}
		var err error
		committed, err = save(message)
		return err
	})
	return committed, err
}

// DeriveBranch rebuilds to from the newest content of from. When to does
// not exist yet it is created from from. Otherwise HEAD moves to to while
// the index and working tree keep from's content, so work always starts
// from upstream and the save records from's head as a second parent.
func (w *Workspace) DeriveBranch(ctx context.Context, from, to, message string, work func(dir string) error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	previous, err := w.repo.ActiveBranch()
	if err != nil {
		return false, err
	}
	hasFrom, err := w.repo.HasBranch(from)
	if err != nil {
		return false, fmt.Errorf("workspace: lookup %s: %w", from, err)
	}
	if !hasFrom {
		return false, services.Wrap(services.ErrInvariant, "workspace", "derive",
			fmt.Sprintf("source branch %s does not exist", from), nil)
	}
	if err := w.repo.Checkout(from, history.CheckoutOptions{}); err != nil {
		return false, err
	}
	fromHead, err := w.repo.BranchHead(from)
	if err != nil {
		return false, fmt.Errorf("workspace: resolve %s: %w", from, err)
	}

	exists, err := w.repo.HasBranch(to)
	if err != nil {
		return false, fmt.Errorf("workspace: lookup %s: %w", to, err)
	}
	var parents []string
	if exists {
		toHead, err := w.repo.BranchHead(to)
		if err != nil {
			return false, fmt.Errorf("workspace: resolve %s: %w", to, err)
		}
		if err := w.repo.Checkout(to, history.CheckoutOptions{Keep: true}); err != nil {
			return false, err
		}
		if toHead != fromHead {
			parents = []string{toHead, fromHead}
		}
	} else if err := w.repo.Checkout(to, history.CheckoutOptions{Create: true}); err != nil {
		return false, err
	}
	w.logger.Debug("branch derived",
		logging.String(logging.FieldBranch, to),
		logging.String("from", from),
		logging.Bool("existed", exists),
	)

	if err := work(w.repo.Path()); err != nil {
		return false, err
	}
	committed, err := w.saver(to, parents)(message)
	if err != nil {
		return false, err
	}
	return committed, w.restore(previous)
}

// MergeIntoMain records bids into main, restores the previously active
// branch and removes untracked leftovers and empty directories there.
func (w *Workspace) MergeIntoMain(ctx context.Context, message string) (history.MergeOutcome, error) {
	if err := ctx.Err(); err != nil {
		return history.MergeUpToDate, err
	}
	previous, err := w.repo.ActiveBranch()
	if err != nil {
		return history.MergeUpToDate, err
	}
	hasBids, err := w.repo.HasBranch(Bids)
	if err != nil {
		return history.MergeUpToDate, fmt.Errorf("workspace: lookup %s: %w", Bids, err)
	}
	if !hasBids {
		return history.MergeUpToDate, services.Wrap(services.ErrInvariant, "workspace", "merge",
			"bids branch does not exist", nil)
	}
	outcome, err := w.repo.Merge(Bids, Main, message)
	if err != nil {
		return history.MergeUpToDate, err
	}
	w.logger.Info("bids merged into main",
		logging.String(logging.FieldEventType, "merge_main"),
		logging.String("outcome", outcome.String()),
	)
	if err := w.restore(previous); err != nil {
		return outcome, err
	}
	if err := w.repo.Clean(); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// Recover brings a workspace left behind by an interrupted run back to a
// usable state. A dirty incoming branch keeps its partial downloads so the
// next retrieval only asks for what is missing; tracked files matching
// bookkeeping go back to their committed content. Any other dirty branch is
// reset and cleaned, after which main is checked out.
func (w *Workspace) Recover(ctx context.Context, bookkeeping ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	branch, err := w.repo.ActiveBranch()
	if err != nil {
		return err
	}
	dirty, err := w.repo.IsDirty()
	if err != nil {
		return err
	}
	if dirty && branch == Incoming {
		logging.WarnWithContext(w.logger, "keeping partial downloads from an interrupted run",
			"workspace_recover",
			logging.String(logging.FieldBranch, branch),
			logging.String(logging.FieldImpact, "existing files are not fetched again"),
			logging.String(logging.FieldErrorHint, "delete incomplete bulk files by hand if ukbfetch was killed mid-file"),
		)
		restored, err := w.repo.RestoreTracked(bookkeeping...)
		if err != nil {
			return err
		}
		if len(restored) > 0 {
			w.logger.Info("restored retrieval bookkeeping",
				logging.String(logging.FieldEventType, "workspace_recover"),
				logging.Strings("files", restored),
			)
		}
		return nil
	}
	if dirty {
		logging.WarnWithContext(w.logger, "discarding uncommitted changes from an interrupted run",
			"workspace_recover",
			logging.String(logging.FieldBranch, branch),
			logging.String(logging.FieldImpact, "the stage is re-derived from its upstream branch"),
		)
		if err := w.repo.ResetHard(); err != nil {
			return err
		}
		if err := w.repo.Clean(); err != nil {
			return err
		}
	}
	if branch == Main {
		return nil
	}
	return w.repo.Checkout(Main, history.CheckoutOptions{})
}

// Verify checks that every workspace branch exists.
func (w *Workspace) Verify() error {
	var missing []error
	for _, branch := range Branches {
		ok, err := w.repo.HasBranch(branch)
		if err != nil {
			return fmt.Errorf("workspace: lookup %s: %w", branch, err)
		}
		if !ok {
			missing = append(missing, fmt.Errorf("branch %s missing", branch))
		}
	}
	if len(missing) > 0 {
		return services.Wrap(services.ErrFinalize, "workspace", "verify", w.repo.Path(), errors.Join(missing...))
	}
	return nil
}

func (w *Workspace) saver(branch string, parents []string) SaveFunc {
	return func(message string, paths ...string) (bool, error) {
		active, err := w.repo.ActiveBranch()
		if err != nil {
			return false, err
		}
		if active != branch {
			return false, services.Wrap(services.ErrInvariant, "workspace", "save",
				fmt.Sprintf("refusing to save %q on %s while working on %s", message, active, branch), nil)
		}
		_, committed, err := w.repo.Save(message, history.SaveOptions{Paths: paths, Parents: parents})
		if err != nil {
			return false, err
		}
		if committed {
			// Only the first commit of a derivation records the upstream parent.
			parents = nil
		}
		w.logger.Debug("branch saved",
			logging.String(logging.FieldBranch, branch),
			logging.String("message", message),
			logging.Bool("committed", committed),
		)
		return committed, nil
	}
}

func (w *Workspace) restore(branch string) error {
	active, err := w.repo.ActiveBranch()
	if err != nil {
		return err
	}
	if active == branch {
		return nil
	}
	return w.repo.Checkout(branch, history.CheckoutOptions{})
}
