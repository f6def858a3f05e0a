package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"std2bids/internal/services"
)

// MainBranch is the branch a freshly initialized repository points at.
const MainBranch = "main"

// Author identifies the signature written on every commit.
type Author struct {
	Name  string
	Email string
}

// Option configures a Store.
type Option func(*Store)

// WithAuthor sets the commit signature.
func WithAuthor(a Author) Option {
	return func(s *Store) {
		if strings.TrimSpace(a.Name) != "" {
			s.author.Name = a.Name
		}
		if strings.TrimSpace(a.Email) != "" {
			s.author.Email = a.Email
		}
	}
}

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is a single versioned directory backed by a git repository.
// Methods are safe for concurrent use but a Store is normally owned by one
// subject pipeline.
type Store struct {
	mu     sync.Mutex
	path   string
	repo   *git.Repository
	author Author
	now    func() time.Time
}

// CheckoutOptions controls branch switching.
type CheckoutOptions struct {
	// Create makes the branch from the current HEAD when it does not exist.
	Create bool
	// Keep switches HEAD without touching the index or working tree.
	Keep bool
	// Force discards local modifications.
	Force bool
}

// SaveOptions controls which changes a commit records.
type SaveOptions struct {
	// Paths restricts staging to entries equal to, below, or matching one of
	// these slash separated patterns. Empty means everything.
	Paths []string
	// Parents overrides the parent list. Empty means HEAD.
	Parents []string
	// AllowEmpty records a commit even when the tree did not change.
	AllowEmpty bool
}

// Commit summarizes one history entry.
type Commit struct {
	Hash    string
	Message string
	Parents []string
	When    time.Time
}

// Title returns the first line of the message.
func (c Commit) Title() string {
	title, _, _ := strings.Cut(c.Message, "\n")
	return title
}

func newStore(path string, repo *git.Repository, opts []Option) *Store {
	s := &Store{
		path:   path,
		repo:   repo,
		author: Author{Name: "std2bids", Email: "std2bids@localhost"},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates a new repository at path whose HEAD points at an unborn main branch.
func Init(path string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("history: resolve %s: %w", path, err)
	}
	repo, err := git.PlainInitWithOptions(abs, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(MainBranch)},
	})
	if err != nil {
		return nil, fmt.Errorf("history: init %s: %w", abs, err)
	}
	return newStore(abs, repo, opts), nil
}

// Open opens an existing repository rooted exactly at path.
func Open(path string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("history: resolve %s: %w", path, err)
	}
	repo, err := git.PlainOpen(abs)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", abs, err)
	}
	return newStore(abs, repo, opts), nil
}

// IsRepository reports whether path holds a repository of its own.
func IsRepository(path string) bool {
	_, err := git.PlainOpen(path)
	return err == nil
}

// Path returns the absolute repository root.
func (s *Store) Path() string { return s.path }

// CommitRoot records an empty commit on the current branch. It is used to
// give a fresh repository a valid HEAD.
func (s *Store) CommitRoot(message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wt, err := s.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("history: worktree: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            s.signature(),
		Committer:         s.signature(),
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("history: root commit: %w", err)
	}
	return hash.String(), nil
}

// ActiveBranch returns the checked out branch. A detached or unborn HEAD is
// reported as an invariant violation.
func (s *Store) ActiveBranch() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeBranch()
}

func (s *Store) activeBranch() (string, error) {
	head, err := s.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", services.Wrap(services.ErrInvariant, "history", "head", s.path, err)
	}
	if head.Type() != plumbing.SymbolicReference {
		return "", services.Wrap(services.ErrInvariant, "history", "head",
			fmt.Sprintf("%s has a detached HEAD at %s", s.path, head.Hash()), nil)
	}
	target := head.Target()
	if !target.IsBranch() {
		return "", services.Wrap(services.ErrInvariant, "history", "head",
			fmt.Sprintf("%s HEAD points at %s", s.path, target), nil)
	}
	if _, err := s.repo.Storer.Reference(target); err != nil {
		return "", services.Wrap(services.ErrInvariant, "history", "head",
			fmt.Sprintf("%s branch %s has no commits", s.path, target.Short()), err)
	}
	return target.Short(), nil
}

// Branches lists local branch names in lexical order.
func (s *Store) Branches() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter, err := s.repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("history: list branches: %w", err)
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: list branches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// HasBranch reports whether the local branch exists.
func (s *Store) HasBranch(name string) (bool, error) {
	_, err := s.BranchHead(name)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	return err == nil, err
}

// BranchHead returns the commit hash a local branch points at.
func (s *Store) BranchHead(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, err := s.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

// Checkout switches to branch.
func (s *Store) Checkout(branch string, opts CheckoutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("history: worktree: %w", err)
	}
	name := plumbing.NewBranchReferenceName(branch)
	create := false
	if opts.Create {
		if _, err := s.repo.Reference(name, false); errors.Is(err, plumbing.ErrReferenceNotFound) {
			create = true
		} else if err != nil {
			return fmt.Errorf("history: checkout %s: %w", branch, err)
		}
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: name,
		Create: create,
		Keep:   opts.Keep,
		Force:  opts.Force,
	})
	if err != nil {
		return fmt.Errorf("history: checkout %s: %w", branch, err)
	}
	return nil
}

// IsDirty reports whether the working tree or index differ from HEAD,
// untracked files included.
func (s *Store) IsDirty() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wt, err := s.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("history: worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("history: status: %w", err)
	}
	return !status.IsClean(), nil
}

// Save stages changes and commits them on the current branch. It reports
// committed=false when nothing changed and AllowEmpty is not set.
func (s *Store) Save(message string, opts SaveOptions) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wt, err := s.repo.Worktree()
	if err != nil {
		return "", false, fmt.Errorf("history: worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", false, fmt.Errorf("history: status: %w", err)
	}

	for path, fs := range status {
		if !matchesAny(path, opts.Paths) {
			continue
		}
		switch fs.Worktree {
		case git.Deleted:
			if _, err := wt.Remove(path); err != nil {
				return "", false, fmt.Errorf("history: stage removal %s: %w", path, err)
			}
		case git.Untracked, git.Modified, git.Added, git.Renamed, git.Copied:
			if _, err := wt.Add(path); err != nil {
				return "", false, fmt.Errorf("history: stage %s: %w", path, err)
			}
		}
	}

	if !opts.AllowEmpty {
		staged, err := wt.Status()
		if err != nil {
			return "", false, fmt.Errorf("history: status: %w", err)
		}
		if !hasStagedChanges(staged) {
			return "", false, nil
		}
	}

	commitOpts := &git.CommitOptions{
		Author:            s.signature(),
		Committer:         s.signature(),
		AllowEmptyCommits: opts.AllowEmpty,
	}
	for _, p := range opts.Parents {
		commitOpts.Parents = append(commitOpts.Parents, plumbing.NewHash(p))
	}
	hash, err := wt.Commit(message, commitOpts)
	if err != nil {
		return "", false, fmt.Errorf("history: commit %q: %w", message, err)
	}
	return hash.String(), true, nil
}

// ResetHard discards every tracked modification on the current branch.
func (s *Store) ResetHard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("history: worktree: %w", err)
	}
	head, err := s.repo.Head()
	if err != nil {
		return fmt.Errorf("history: head: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: head.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("history: reset: %w", err)
	}
	return nil
}

// Clean removes untracked files and the directories left empty.
func (s *Store) Clean() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("history: worktree: %w", err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("history: clean: %w", err)
	}
	return nil
}

// RestoreTracked puts files tracked at HEAD that match patterns back to their
// committed content, in the index and the working tree. Untracked files are
// not touched. It returns the restored paths.
func (s *Store) RestoreTracked(patterns ...string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wt, err := s.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("history: worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("history: status: %w", err)
	}
	head, err := s.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("history: head: %w", err)
	}
	commit, err := s.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("history: commit %s: %w", head.Hash(), err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("history: tree %s: %w", head.Hash(), err)
	}

	var restored []string
	for path, fs := range status {
		if fs.Worktree == git.Unmodified && fs.Staging == git.Unmodified {
			continue
		}
		if !matchesAny(path, patterns) {
			continue
		}
		file, err := tree.File(path)
		if errors.Is(err, object.ErrFileNotFound) {
			continue
		}
		if err != nil {
			return restored, fmt.Errorf("history: lookup %s: %w", path, err)
		}
		if err := s.writeBlob(file); err != nil {
			return restored, err
		}
		if _, err := wt.Add(path); err != nil {
			return restored, fmt.Errorf("history: stage %s: %w", path, err)
		}
		restored = append(restored, path)
	}
	sort.Strings(restored)
	return restored, nil
}

func (s *Store) writeBlob(file *object.File) error {
	content, err := file.Contents()
	if err != nil {
		return fmt.Errorf("history: read %s: %w", file.Name, err)
	}
	mode, err := file.Mode.ToOSFileMode()
	if err != nil {
		mode = 0o644
	}
	target := filepath.Join(s.path, filepath.FromSlash(file.Name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("history: restore %s: %w", file.Name, err)
	}
	if err := os.WriteFile(target, []byte(content), mode.Perm()); err != nil {
		return fmt.Errorf("history: restore %s: %w", file.Name, err)
	}
	return nil
}

// Log returns the first-parent history of branch, newest first.
func (s *Store) Log(branch string) ([]Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, err := s.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("history: log %s: %w", branch, err)
	}
	var out []Commit
	commit, err := s.repo.CommitObject(ref.Hash())
	for err == nil {
		out = append(out, toCommit(commit))
		if commit.NumParents() == 0 {
			break
		}
		commit, err = commit.Parent(0)
	}
	if err != nil {
		return nil, fmt.Errorf("history: log %s: %w", branch, err)
	}
	return out, nil
}

// Files lists the paths tracked at the tip of branch.
func (s *Store) Files(branch string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, err := s.branchTree(branch)
	if err != nil {
		return nil, err
	}
	var files []string
	err = tree.Files().ForEach(func(f *object.File) error {
		files = append(files, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: list files on %s: %w", branch, err)
	}
	sort.Strings(files)
	return files, nil
}

func (s *Store) branchTree(branch string) (*object.Tree, error) {
	ref, err := s.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("history: resolve %s: %w", branch, err)
	}
	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("history: commit %s: %w", ref.Hash(), err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("history: tree %s: %w", ref.Hash(), err)
	}
	return tree, nil
}

func (s *Store) signature() *object.Signature {
	return &object.Signature{Name: s.author.Name, Email: s.author.Email, When: s.now()}
}

func toCommit(c *object.Commit) Commit {
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	return Commit{
		Hash:    c.Hash.String(),
		Message: strings.TrimSpace(c.Message),
		Parents: parents,
		When:    c.Author.When,
	}
}

func hasStagedChanges(status git.Status) bool {
	for _, fs := range status {
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			return true
		}
	}
	return false
}

func matchesAny(path string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	base := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		base = path[idx+1:]
	}
	for _, p := range patterns {
		p = strings.TrimSuffix(p, "/")
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
		if !strings.Contains(p, "/") {
			if ok, _ := filepath.Match(p, base); ok {
				return true
			}
		}
	}
	return false
}
