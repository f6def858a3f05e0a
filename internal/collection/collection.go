package collection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"std2bids/internal/history"
	"std2bids/internal/logging"
	"std2bids/internal/services"
	"std2bids/internal/workspace"
)

const (
	lockName      = "std2bids.lock"
	remotePrefix  = "std2bids-"
	lockRetryWait = 100 * time.Millisecond
)

// BranchName is the collection branch that publishes branch of subject label.
func BranchName(label, branch string) string {
	return "sub-" + label + "/" + branch
}

// Option configures a Collection.
type Option func(*Collection)

// WithLogger sets the collection logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collection) {
		c.logger = logging.NewComponentLogger(logger, "collection")
	}
}

// WithAuthor sets the identity used for commits in seeded workspaces.
func WithAuthor(a history.Author) Option {
	return func(c *Collection) {
		c.author = a
	}
}

// Collection is a shared repository that receives every finalized subject
// as a set of sub-<label>/<branch> branches. Publication is serialized by a
// process mutex and a file lock so concurrent runs cannot interleave.
type Collection struct {
	path   string
	store  *history.Store
	lock   *flock.Flock
	mu     sync.Mutex
	author history.Author
	logger *slog.Logger
}

// Open attaches to an initialized repository at path.
func Open(path string, opts ...Option) (*Collection, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "collection", "open", "resolve path", err)
	}
	if !history.IsRepository(abs) {
		return nil, services.Wrap(services.ErrValidation, "collection", "open",
			fmt.Sprintf("%s is not an initialized repository", abs), nil)
	}
	c := &Collection{
		path:   abs,
		logger: logging.NewComponentLogger(nil, "collection"),
	}
	for _, opt := range opts {
		opt(c)
	}
	store, err := history.Open(abs, history.WithAuthor(c.author))
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "collection", "open", abs, err)
	}
	c.store = store
	c.lock = flock.New(lockPath(abs))
	return c, nil
}

func lockPath(root string) string {
	gitDir := filepath.Join(root, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		return filepath.Join(gitDir, lockName)
	}
	return filepath.Join(root, lockName)
}

// Path returns the collection root.
func (c *Collection) Path() string { return c.path }

// Destination is how a published subject is reported.
func (c *Collection) Destination(label string) string {
	return c.path + "#sub-" + label
}

// HasSubject reports whether label has a published main branch.
func (c *Collection) HasSubject(label string) (bool, error) {
	return c.store.HasBranch(BranchName(label, workspace.Main))
}

// Seed initializes a repository at path from the published branches of
// label. It reports false, leaving path untouched, when the subject was
// never published.
func (c *Collection) Seed(ctx context.Context, label, path string) (bool, error) {
	unlock, err := c.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	published, err := c.store.HasBranch(BranchName(label, workspace.Main))
	if err != nil {
		return false, fmt.Errorf("collection: lookup %s: %w", label, err)
	}
	if !published {
		return false, nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false, fmt.Errorf("collection: create %s: %w", path, err)
	}
	dst, err := history.Init(path, history.WithAuthor(c.author))
	if err != nil {
		return false, err
	}
	mapping := make(map[string]string, len(workspace.Branches))
	for _, branch := range workspace.Branches {
		mapping[BranchName(label, branch)] = branch
	}
	imported, err := dst.ImportBranches(c.store, mapping)
	if err != nil {
		return false, err
	}
	if err := dst.CheckoutImported(workspace.Main); err != nil {
		return false, err
	}
	logging.WithContext(ctx, c.logger).Info("workspace seeded from collection",
		logging.String(logging.FieldEventType, "collection_seed"),
		logging.String("path", path),
		logging.Strings("branches", imported),
	)
	return true, nil
}

// Finalize publishes every branch of ws into the collection and deletes the
// staging workspace. The workspace is pulled through a temporary remote
// named after its id and all traces of that remote are removed afterwards.
func (c *Collection) Finalize(ctx context.Context, ws *workspace.Workspace) (string, error) {
	if err := ws.Verify(); err != nil {
		return "", err
	}
	logger := logging.WithContext(ctx, c.logger)
	unlock, err := c.acquire(ctx)
	if err != nil {
		return "", services.Wrap(services.ErrFinalize, "finalize", "lock", c.path, err)
	}
	published, err := c.publish(ws, logger)
	unlock()
	if err != nil {
		return "", err
	}

	if err := os.RemoveAll(ws.Path()); err != nil {
		return "", services.Wrap(services.ErrFinalize, "finalize", "cleanup", ws.Path(), err)
	}
	logger.Info("subject published to collection",
		logging.String(logging.FieldEventType, "collection_publish"),
		logging.String("collection", c.path),
		logging.Strings("branches", published),
	)
	return c.Destination(ws.Label()), nil
}

func (c *Collection) publish(ws *workspace.Workspace, logger *slog.Logger) ([]string, error) {
	remote := remotePrefix + ws.ID().String()
	if err := c.store.AddRemote(remote, ws.Path()); err != nil {
		return nil, services.Wrap(services.ErrFinalize, "finalize", "add remote", remote, err)
	}
	retired := false
	defer func() {
		if retired {
			return
		}
		if err := c.retire(remote); err != nil {
			logging.WarnWithContext(logger, "temporary remote left behind", "collection_remote",
				logging.String("remote", remote),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "remove the remote from the collection by hand"),
			)
		}
	}()

	fetched, err := c.store.FetchRemote(remote)
	if err != nil {
		return nil, services.Wrap(services.ErrFinalize, "finalize", "fetch", ws.Path(), err)
	}
	have := make(map[string]bool, len(fetched))
	for _, b := range fetched {
		have[b] = true
	}
	for _, branch := range workspace.Branches {
		if !have[branch] {
			return nil, services.Wrap(services.ErrFinalize, "finalize", "verify",
				fmt.Sprintf("branch %s missing from %s", branch, ws.Path()), nil)
		}
	}

	published := make([]string, 0, len(workspace.Branches))
	for _, branch := range workspace.Branches {
		hash, err := c.store.RemoteBranchHead(remote, branch)
		if err != nil {
			return nil, services.Wrap(services.ErrFinalize, "finalize", "resolve", branch, err)
		}
		target := BranchName(ws.Label(), branch)
		if err := c.store.SetBranch(target, hash); err != nil {
			return nil, services.Wrap(services.ErrFinalize, "finalize", "publish", target, err)
		}
		published = append(published, target)
	}

	retired = true
	if err := c.retire(remote); err != nil {
		return nil, services.Wrap(services.ErrFinalize, "finalize", "remove remote", remote, err)
	}
	return published, nil
}

// retire drops the synchronization refs of remote so nothing points at it
// any more, then removes the remote itself.
func (c *Collection) retire(remote string) error {
	if _, err := c.store.DeleteRemoteRefs(remote); err != nil {
		return err
	}
	return c.store.RemoveRemote(remote)
}

func (c *Collection) acquire(ctx context.Context) (func(), error) {
	c.mu.Lock()
	ok, err := c.lock.TryLockContext(ctx, lockRetryWait)
	if err != nil || !ok {
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("collection lock %s not acquired", c.lock.Path())
		}
		return nil, err
	}
	return func() {
		if err := c.lock.Unlock(); err != nil {
			c.logger.Warn("collection lock release failed", logging.Error(err))
		}
		c.mu.Unlock()
	}, nil
}
