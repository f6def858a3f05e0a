package history_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/go-cmp/cmp"

	"std2bids/internal/history"
	"std2bids/internal/services"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func newRepo(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Init(t.TempDir(), history.WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := s.CommitRoot("initial"); err != nil {
		t.Fatalf("CommitRoot: %v", err)
	}
	return s
}

func writeFile(t *testing.T, s *history.Store, rel, content string) {
	t.Helper()
	path := filepath.Join(s.Path(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func mustSave(t *testing.T, s *history.Store, msg string) string {
	t.Helper()
	hash, ok, err := s.Save(msg, history.SaveOptions{})
	if err != nil {
		t.Fatalf("Save %q: %v", msg, err)
	}
	if !ok {
		t.Fatalf("Save %q committed nothing", msg)
	}
	return hash
}

func TestInitPointsAtMain(t *testing.T) {
	s := newRepo(t)
	branch, err := s.ActiveBranch()
	if err != nil {
		t.Fatalf("ActiveBranch: %v", err)
	}
	if branch != history.MainBranch {
		t.Fatalf("expected main, got %q", branch)
	}
	if !history.IsRepository(s.Path()) {
		t.Fatalf("expected %s to be a repository", s.Path())
	}
}

func TestUnbornHeadIsInvariantViolation(t *testing.T) {
	s, err := history.Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := s.ActiveBranch(); !errors.Is(err, services.ErrInvariant) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestDetachedHeadIsInvariantViolation(t *testing.T) {
	s := newRepo(t)
	head, err := s.BranchHead("main")
	if err != nil {
		t.Fatalf("BranchHead: %v", err)
	}
	repo, err := git.PlainOpen(s.Path())
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(head)}); err != nil {
		t.Fatalf("detach: %v", err)
	}

	reopened, err := history.Open(s.Path())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := reopened.ActiveBranch(); !errors.Is(err, services.ErrInvariant) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestSaveSkipsUnchangedTree(t *testing.T) {
	s := newRepo(t)
	writeFile(t, s, "a.txt", "one")
	mustSave(t, s, "add a")

	if _, ok, err := s.Save("noop", history.SaveOptions{}); err != nil || ok {
		t.Fatalf("expected no commit for unchanged tree, ok=%v err=%v", ok, err)
	}

	if err := os.Remove(filepath.Join(s.Path(), "a.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	mustSave(t, s, "drop a")
	files, err := s.Files("main")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected deletion to be recorded, got %v", files)
	}
}

func TestSaveRestrictsPaths(t *testing.T) {
	s := newRepo(t)
	writeFile(t, s, ".ukbbatch", "1 20252_2_0\n")
	writeFile(t, s, "run.stdout", "out")
	writeFile(t, s, "data/1_20252_2_0.zip", "zip")

	if _, ok, err := s.Save("ledger", history.SaveOptions{Paths: []string{".ukbbatch"}}); err != nil || !ok {
		t.Fatalf("ledger save: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.Save("logs", history.SaveOptions{Paths: []string{"*.stdout"}}); err != nil || !ok {
		t.Fatalf("log save: ok=%v err=%v", ok, err)
	}
	files, _ := s.Files("main")
	if diff := cmp.Diff([]string{".ukbbatch", "run.stdout"}, files); diff != "" {
		t.Fatalf("unexpected tracked files (-want +got):\n%s", diff)
	}

	mustSave(t, s, "rest")
	files, _ = s.Files("main")
	if diff := cmp.Diff([]string{".ukbbatch", "data/1_20252_2_0.zip", "run.stdout"}, files); diff != "" {
		t.Fatalf("unexpected tracked files (-want +got):\n%s", diff)
	}

	log, err := s.Log("main")
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	var msgs []string
	for _, c := range log {
		msgs = append(msgs, c.Message)
	}
	if diff := cmp.Diff([]string{"rest", "logs", "ledger", "initial"}, msgs); diff != "" {
		t.Fatalf("unexpected history (-want +got):\n%s", diff)
	}
}

func TestCheckoutCreateAndKeep(t *testing.T) {
	s := newRepo(t)
	writeFile(t, s, "a.txt", "one")
	mustSave(t, s, "add a")

	if err := s.Checkout("incoming", history.CheckoutOptions{Create: true}); err != nil {
		t.Fatalf("create incoming: %v", err)
	}
	writeFile(t, s, "b.txt", "two")
	mustSave(t, s, "add b")

	if err := s.Checkout("main", history.CheckoutOptions{}); err != nil {
		t.Fatalf("checkout main: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Path(), "b.txt")); !os.IsNotExist(err) {
		t.Fatalf("b.txt should not exist on main")
	}

	// Keep moves HEAD and leaves incoming's content staged against main.
	if err := s.Checkout("incoming", history.CheckoutOptions{}); err != nil {
		t.Fatalf("checkout incoming: %v", err)
	}
	if err := s.Checkout("main", history.CheckoutOptions{Keep: true}); err != nil {
		t.Fatalf("keep checkout: %v", err)
	}
	branch, _ := s.ActiveBranch()
	if branch != "main" {
		t.Fatalf("expected main, got %s", branch)
	}
	mustSave(t, s, "carry b")
	files, _ := s.Files("main")
	if diff := cmp.Diff([]string{"a.txt", "b.txt"}, files); diff != "" {
		t.Fatalf("unexpected files (-want +got):\n%s", diff)
	}

	branches, err := s.Branches()
	if err != nil {
		t.Fatalf("Branches: %v", err)
	}
	if diff := cmp.Diff([]string{"incoming", "main"}, branches); diff != "" {
		t.Fatalf("unexpected branches (-want +got):\n%s", diff)
	}
}

func TestMergeFastForward(t *testing.T) {
	s := newRepo(t)
	if err := s.Checkout("bids", history.CheckoutOptions{Create: true}); err != nil {
		t.Fatalf("create bids: %v", err)
	}
	writeFile(t, s, "sub/anat.nii", "x")
	bidsHead := mustSave(t, s, "bids")

	outcome, err := s.Merge("bids", "main", "merge")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if outcome != history.MergeFastForward {
		t.Fatalf("expected fast-forward, got %s", outcome)
	}
	mainHead, _ := s.BranchHead("main")
	if mainHead != bidsHead {
		t.Fatalf("main %s should equal bids %s", mainHead, bidsHead)
	}
	if _, err := os.Stat(filepath.Join(s.Path(), "sub", "anat.nii")); err != nil {
		t.Fatalf("fast-forward should materialize files: %v", err)
	}

	outcome, err = s.Merge("bids", "main", "merge")
	if err != nil || outcome != history.MergeUpToDate {
		t.Fatalf("expected up-to-date, got %s (%v)", outcome, err)
	}
}

func TestMergeRecordsTwoParentsWithSourceTree(t *testing.T) {
	s := newRepo(t)
	if err := s.Checkout("bids", history.CheckoutOptions{Create: true}); err != nil {
		t.Fatalf("create bids: %v", err)
	}
	writeFile(t, s, "new.txt", "bids")
	bidsHead := mustSave(t, s, "bids")

	if err := s.Checkout("main", history.CheckoutOptions{}); err != nil {
		t.Fatalf("checkout main: %v", err)
	}
	writeFile(t, s, "stray.txt", "main only")
	mainHead := mustSave(t, s, "diverge")

	outcome, err := s.Merge("bids", "main", "refreshed")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if outcome != history.MergeCommitted {
		t.Fatalf("expected merge commit, got %s", outcome)
	}
	log, _ := s.Log("main")
	if log[0].Message != "refreshed" {
		t.Fatalf("unexpected message %q", log[0].Message)
	}
	if diff := cmp.Diff([]string{mainHead, bidsHead}, log[0].Parents); diff != "" {
		t.Fatalf("unexpected parents (-want +got):\n%s", diff)
	}
	files, _ := s.Files("main")
	if diff := cmp.Diff([]string{"new.txt"}, files); diff != "" {
		t.Fatalf("main should carry the bids tree (-want +got):\n%s", diff)
	}
	if branch, _ := s.ActiveBranch(); branch != "main" {
		t.Fatalf("merge should leave main checked out, got %s", branch)
	}
}

func TestRestoreTrackedOnlyTouchesMatchingFiles(t *testing.T) {
	s := newRepo(t)
	writeFile(t, s, ".ukbbatch", "1 20252_2_0\n")
	writeFile(t, s, "1_20252_2_0.zip", "bulk")
	mustSave(t, s, "ledger")

	writeFile(t, s, ".ukbbatch", "rewritten\n")
	writeFile(t, s, "1_20252_2_0.zip", "changed")
	writeFile(t, s, "1_25750_2_0.txt", "partial")

	restored, err := s.RestoreTracked(".ukbbatch", "fetched*")
	if err != nil {
		t.Fatalf("RestoreTracked: %v", err)
	}
	if diff := cmp.Diff([]string{".ukbbatch"}, restored); diff != "" {
		t.Fatalf("restored paths mismatch (-want +got):\n%s", diff)
	}
	for rel, want := range map[string]string{
		".ukbbatch":       "1 20252_2_0\n",
		"1_20252_2_0.zip": "changed",
		"1_25750_2_0.txt": "partial",
	} {
		data, err := os.ReadFile(filepath.Join(s.Path(), rel))
		if err != nil || string(data) != want {
			t.Fatalf("%s = %q (%v), want %q", rel, data, err, want)
		}
	}
}

func TestCleanAndResetHard(t *testing.T) {
	s := newRepo(t)
	writeFile(t, s, "kept.txt", "v1")
	mustSave(t, s, "kept")

	writeFile(t, s, "kept.txt", "v2")
	writeFile(t, s, "junk/deep/file.tmp", "x")
	if err := os.MkdirAll(filepath.Join(s.Path(), "empty", "dir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	dirty, err := s.IsDirty()
	if err != nil || !dirty {
		t.Fatalf("expected dirty tree, dirty=%v err=%v", dirty, err)
	}
	if err := s.ResetHard(); err != nil {
		t.Fatalf("ResetHard: %v", err)
	}
	if err := s.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(s.Path(), "kept.txt"))
	if string(data) != "v1" {
		t.Fatalf("expected reset content, got %q", data)
	}
	for _, gone := range []string{"junk", "empty"} {
		if _, err := os.Stat(filepath.Join(s.Path(), gone)); !os.IsNotExist(err) {
			t.Fatalf("%s should have been cleaned", gone)
		}
	}
	if dirty, _ := s.IsDirty(); dirty {
		t.Fatalf("expected clean tree")
	}
}

func TestFetchRemoteAndPublish(t *testing.T) {
	ws := newRepo(t)
	writeFile(t, ws, "a.txt", "a")
	wsMain := mustSave(t, ws, "main content")
	if err := ws.Checkout("bids", history.CheckoutOptions{Create: true}); err != nil {
		t.Fatalf("create bids: %v", err)
	}

	collection := newRepo(t)
	if err := collection.AddRemote("std2bids-test", ws.Path()); err != nil {
		t.Fatalf("AddRemote: %v", err)
	}
	branches, err := collection.FetchRemote("std2bids-test")
	if err != nil {
		t.Fatalf("FetchRemote: %v", err)
	}
	if diff := cmp.Diff([]string{"bids", "main"}, branches); diff != "" {
		t.Fatalf("unexpected branches (-want +got):\n%s", diff)
	}
	head, err := collection.RemoteBranchHead("std2bids-test", "main")
	if err != nil || head != wsMain {
		t.Fatalf("expected tracking ref at %s, got %s (%v)", wsMain, head, err)
	}
	if again, err := collection.FetchRemote("std2bids-test"); err != nil || len(again) != 2 {
		t.Fatalf("refetch without changes: %v (%v)", again, err)
	}
	writeFile(t, ws, "b.txt", "b")
	wsBids := mustSave(t, ws, "bids content")
	if _, err := collection.FetchRemote("std2bids-test"); err != nil {
		t.Fatalf("FetchRemote after commit: %v", err)
	}
	if got, err := collection.RemoteBranchHead("std2bids-test", "bids"); err != nil || got != wsBids {
		t.Fatalf("expected bids tracking ref at %s, got %s (%v)", wsBids, got, err)
	}
	if err := collection.SetBranch("sub-1/main", head); err != nil {
		t.Fatalf("SetBranch: %v", err)
	}

	n, err := collection.DeleteRemoteRefs("std2bids-test")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 tracking refs removed, got %d (%v)", n, err)
	}
	if err := collection.RemoveRemote("std2bids-test"); err != nil {
		t.Fatalf("RemoveRemote: %v", err)
	}
	remotes, _ := collection.Remotes()
	if len(remotes) != 0 {
		t.Fatalf("expected no remotes, got %v", remotes)
	}
	files, err := collection.Files("sub-1/main")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if diff := cmp.Diff([]string{"a.txt"}, files); diff != "" {
		t.Fatalf("published branch content (-want +got):\n%s", diff)
	}
}

func TestImportBranchesSeedsEmptyRepository(t *testing.T) {
	collection := newRepo(t)
	writeFile(t, collection, "a.txt", "a")
	head := mustSave(t, collection, "content")
	if err := collection.SetBranch("sub-7/main", head); err != nil {
		t.Fatalf("SetBranch: %v", err)
	}

	ws, err := history.Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	imported, err := ws.ImportBranches(collection, map[string]string{
		"sub-7/main":     "main",
		"sub-7/incoming": "incoming",
	})
	if err != nil {
		t.Fatalf("ImportBranches: %v", err)
	}
	if diff := cmp.Diff([]string{"main"}, imported); diff != "" {
		t.Fatalf("unexpected imports (-want +got):\n%s", diff)
	}
	if err := ws.CheckoutImported("main"); err != nil {
		t.Fatalf("CheckoutImported: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ws.Path(), "a.txt"))
	if err != nil || string(data) != "a" {
		t.Fatalf("expected materialized file, got %q (%v)", data, err)
	}
	if branch, err := ws.ActiveBranch(); err != nil || branch != "main" {
		t.Fatalf("expected main, got %q (%v)", branch, err)
	}
}
