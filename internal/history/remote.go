package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
)

var fileTransport sync.Once

// serveFilesInProcess answers file:// fetches with go-git's own upload-pack
// instead of spawning git-upload-pack.
func serveFilesInProcess() {
	fileTransport.Do(func() {
		client.InstallProtocol("file", server.DefaultServer)
	})
}

// transportPath is the directory the file transport loads: the .git
// directory of a repository with a worktree, path itself for a bare one.
func transportPath(url string) string {
	path := strings.TrimPrefix(url, "file://")
	dotgit := filepath.Join(path, git.GitDirName)
	if info, err := os.Stat(dotgit); err == nil && info.IsDir() {
		return dotgit
	}
	return path
}

func fetchInto(remote *git.Remote, url string, prune bool, specs ...config.RefSpec) error {
	serveFilesInProcess()
	err := remote.Fetch(&git.FetchOptions{
		RemoteURL: transportPath(url),
		RefSpecs:  specs,
		Tags:      git.NoTags,
		Force:     true,
		Prune:     prune,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// AddRemote registers a sibling repository on the local filesystem under name.
func (s *Store) AddRemote(name, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{path}})
	if err != nil {
		return fmt.Errorf("history: add remote %s: %w", name, err)
	}
	return nil
}

// RemoveRemote drops the remote configuration. Remote-tracking references
// must be deleted first with DeleteRemoteRefs.
func (s *Store) RemoveRemote(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.DeleteRemote(name); err != nil {
		return fmt.Errorf("history: remove remote %s: %w", name, err)
	}
	return nil
}

// Remotes lists configured remote names.
func (s *Store) Remotes() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remotes, err := s.repo.Remotes()
	if err != nil {
		return nil, fmt.Errorf("history: list remotes: %w", err)
	}
	names := make([]string, 0, len(remotes))
	for _, r := range remotes {
		names = append(names, r.Config().Name)
	}
	sort.Strings(names)
	return names, nil
}

// FetchRemote fetches every branch of the named remote into
// refs/remotes/<name>/<branch>, pruning tracking refs the remote no longer
// has, and returns the fetched branch names. Only repositories on the local
// filesystem are supported.
func (s *Store) FetchRemote(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remote, err := s.repo.Remote(name)
	if err != nil {
		return nil, fmt.Errorf("history: remote %s: %w", name, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return nil, fmt.Errorf("history: remote %s has no url", name)
	}
	spec := config.RefSpec("+refs/heads/*:refs/remotes/" + name + "/*")
	if err := fetchInto(remote, urls[0], true, spec); err != nil {
		return nil, fmt.Errorf("history: fetch %s: %w", name, err)
	}

	prefix := "refs/remotes/" + name + "/"
	iter, err := s.repo.References()
	if err != nil {
		return nil, fmt.Errorf("history: list references: %w", err)
	}
	var branches []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if n := ref.Name().String(); strings.HasPrefix(n, prefix) {
			branches = append(branches, strings.TrimPrefix(n, prefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: list references: %w", err)
	}
	sort.Strings(branches)
	return branches, nil
}

// RemoteBranchHead resolves refs/remotes/<remote>/<branch>.
func (s *Store) RemoteBranchHead(remote, branch string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, err := s.repo.Reference(plumbing.NewRemoteReferenceName(remote, branch), true)
	if err != nil {
		return "", fmt.Errorf("history: resolve %s/%s: %w", remote, branch, err)
	}
	return ref.Hash().String(), nil
}

// DeleteRemoteRefs removes every refs/remotes/<remote>/ reference and returns
// how many were deleted.
func (s *Store) DeleteRemoteRefs(remote string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := "refs/remotes/" + remote + "/"
	iter, err := s.repo.References()
	if err != nil {
		return 0, fmt.Errorf("history: list references: %w", err)
	}
	var doomed []plumbing.ReferenceName
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if strings.HasPrefix(ref.Name().String(), prefix) {
			doomed = append(doomed, ref.Name())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("history: list references: %w", err)
	}
	for _, name := range doomed {
		if err := s.repo.Storer.RemoveReference(name); err != nil {
			return 0, fmt.Errorf("history: delete %s: %w", name, err)
		}
	}
	return len(doomed), nil
}

// SetBranch points a local branch at hash, creating it when missing.
func (s *Store) SetBranch(branch, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := plumbing.NewHash(hash)
	if _, err := s.repo.CommitObject(h); err != nil {
		return fmt.Errorf("history: set %s: commit %s: %w", branch, hash, err)
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), h)
	if err := s.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("history: set %s: %w", branch, err)
	}
	return nil
}

// ImportBranches fetches each src branch named in mapping's keys into this
// repository under the mapped local branch name. Missing source branches
// are skipped and left out of the returned list.
func (s *Store) ImportBranches(src *Store, mapping map[string]string) ([]string, error) {
	if src == s {
		return nil, errors.New("history: import from self")
	}
	src.mu.Lock()
	var specs []config.RefSpec
	imported := make([]string, 0, len(mapping))
	for from, to := range mapping {
		_, err := src.repo.Reference(plumbing.NewBranchReferenceName(from), true)
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			continue
		}
		if err != nil {
			src.mu.Unlock()
			return nil, fmt.Errorf("history: resolve %s: %w", from, err)
		}
		specs = append(specs, config.RefSpec(fmt.Sprintf("+%s:%s",
			plumbing.NewBranchReferenceName(from), plumbing.NewBranchReferenceName(to))))
		imported = append(imported, to)
	}
	srcPath := src.path
	src.mu.Unlock()
	if len(specs) == 0 {
		return imported, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	remote := git.NewRemote(s.repo.Storer, &config.RemoteConfig{Name: "import", URLs: []string{srcPath}})
	if err := fetchInto(remote, srcPath, false, specs...); err != nil {
		return nil, fmt.Errorf("history: import: %w", err)
	}
	sort.Strings(imported)
	return imported, nil
}

// CheckoutImported points HEAD at branch and materializes its tree. It is
// used right after ImportBranches on a repository without commits.
func (s *Store) CheckoutImported(branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := plumbing.NewBranchReferenceName(branch)
	ref, err := s.repo.Reference(name, true)
	if err != nil {
		return fmt.Errorf("history: resolve %s: %w", branch, err)
	}
	if err := s.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, name)); err != nil {
		return fmt.Errorf("history: point HEAD at %s: %w", branch, err)
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("history: worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("history: materialize %s: %w", branch, err)
	}
	return nil
}
