package history

import (
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// MergeOutcome describes how a merge was recorded.
type MergeOutcome int

const (
	// MergeUpToDate means the source was already contained in the target.
	MergeUpToDate MergeOutcome = iota
	// MergeFastForward means the target ref was moved to the source commit.
	MergeFastForward
	// MergeCommitted means a two-parent commit was recorded.
	MergeCommitted
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeUpToDate:
		return "up-to-date"
	case MergeFastForward:
		return "fast-forward"
	case MergeCommitted:
		return "merge-commit"
	default:
		return "unknown"
	}
}

// Merge records source into target. When target cannot be fast-forwarded
// the merge commit carries the source tree unchanged, so target always ends
// up with exactly the content of source. Both branches must be clean. The
// repository is left with target checked out.
func (s *Store) Merge(source, target, message string) (MergeOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srcRef, err := s.repo.Reference(plumbing.NewBranchReferenceName(source), true)
	if err != nil {
		return MergeUpToDate, fmt.Errorf("history: merge source %s: %w", source, err)
	}
	dstRef, err := s.repo.Reference(plumbing.NewBranchReferenceName(target), true)
	if err != nil {
		return MergeUpToDate, fmt.Errorf("history: merge target %s: %w", target, err)
	}
	srcCommit, err := s.repo.CommitObject(srcRef.Hash())
	if err != nil {
		return MergeUpToDate, fmt.Errorf("history: merge source commit: %w", err)
	}
	dstCommit, err := s.repo.CommitObject(dstRef.Hash())
	if err != nil {
		return MergeUpToDate, fmt.Errorf("history: merge target commit: %w", err)
	}

	wt, err := s.repo.Worktree()
	if err != nil {
		return MergeUpToDate, fmt.Errorf("history: worktree: %w", err)
	}

	if srcCommit.Hash == dstCommit.Hash {
		return MergeUpToDate, s.checkoutLocked(wt, target, false)
	}
	contained, err := srcCommit.IsAncestor(dstCommit)
	if err != nil {
		return MergeUpToDate, fmt.Errorf("history: ancestry: %w", err)
	}
	if contained {
		return MergeUpToDate, s.checkoutLocked(wt, target, false)
	}

	forward, err := dstCommit.IsAncestor(srcCommit)
	if err != nil {
		return MergeUpToDate, fmt.Errorf("history: ancestry: %w", err)
	}
	if forward {
		if err := s.checkoutLocked(wt, target, false); err != nil {
			return MergeUpToDate, err
		}
		if err := wt.Reset(&git.ResetOptions{Commit: srcCommit.Hash, Mode: git.HardReset}); err != nil {
			return MergeUpToDate, fmt.Errorf("history: fast-forward %s: %w", target, err)
		}
		return MergeFastForward, nil
	}

	// Lay the source tree into the index, then move HEAD to target without
	// touching it and commit with both parents.
	if err := s.checkoutLocked(wt, source, false); err != nil {
		return MergeUpToDate, err
	}
	if err := s.checkoutLocked(wt, target, true); err != nil {
		return MergeUpToDate, err
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author:            s.signature(),
		Committer:         s.signature(),
		Parents:           []plumbing.Hash{dstCommit.Hash, srcCommit.Hash},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return MergeUpToDate, fmt.Errorf("history: merge commit: %w", err)
	}
	return MergeCommitted, nil
}

func (s *Store) checkoutLocked(wt *git.Worktree, branch string, keep bool) error {
	err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Keep:   keep,
	})
	if err != nil {
		return fmt.Errorf("history: checkout %s: %w", branch, err)
	}
	return nil
}
