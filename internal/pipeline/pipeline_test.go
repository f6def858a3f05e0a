package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"std2bids/internal/datafield"
	"std2bids/internal/fetch"
	"std2bids/internal/history"
	"std2bids/internal/pipeline"
	"std2bids/internal/reorganizer"
	"std2bids/internal/services"
	"std2bids/internal/testsupport"
	"std2bids/internal/worklist"
	"std2bids/internal/workspace"
)

var testAuthor = history.Author{Name: "std2bids", Email: "std2bids@example.com"}

type fixture struct {
	root    string
	staging string
	subject worklist.Subject
	fetcher *testsupport.FakeFetch
	reorg   *testsupport.FakeReorganizer
	deps    pipeline.Dependencies
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		root:    filepath.Join(base, "dst"),
		staging: filepath.Join(base, "staging"),
		subject: worklist.Subject{
			Label: "1000001",
			Descriptors: []datafield.Descriptor{
				mustKey(t, "20252_2_0"),
				mustKey(t, "25750_2_0"),
			},
		},
	}
	f.wire(t, &testsupport.FakeFetch{}, &testsupport.FakeReorganizer{})
	return f
}

func (f *fixture) wire(t *testing.T, fetcher *testsupport.FakeFetch, reorg *testsupport.FakeReorganizer) {
	t.Helper()
	key := testsupport.WriteKey(t, t.TempDir())
	sched, err := fetch.New("ukbfetch", key, 2, fetch.WithExecutor(fetcher))
	if err != nil {
		t.Fatalf("fetch.New: %v", err)
	}
	client, err := reorganizer.New("ukb2bids", "native", "bids", reorganizer.WithExecutor(reorg))
	if err != nil {
		t.Fatalf("reorganizer.New: %v", err)
	}
	f.fetcher = fetcher
	f.reorg = reorg
	f.deps = pipeline.Dependencies{
		Fetcher:     sched,
		Transformer: client,
		Finalizer:   pipeline.Relocator{Root: f.root},
	}
}

func (f *fixture) openAt(t *testing.T, path string) *workspace.Workspace {
	t.Helper()
	ws, _, err := workspace.Open(path, f.subject.Label, testAuthor)
	if err != nil {
		t.Fatalf("workspace.Open: %v", err)
	}
	return ws
}

func (f *fixture) run(t *testing.T, ctx context.Context, ws *workspace.Workspace, opts ...pipeline.Option) pipeline.Result {
	t.Helper()
	p, err := pipeline.New(f.subject, ws, f.deps, opts...)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return p.Run(ctx)
}

func mustKey(t *testing.T, key string) datafield.Descriptor {
	t.Helper()
	d, err := datafield.ParseKey(key)
	if err != nil {
		t.Fatalf("ParseKey(%q): %v", key, err)
	}
	return d
}

func titles(t *testing.T, store *history.Store, branch string) []string {
	t.Helper()
	log, err := store.Log(branch)
	if err != nil {
		t.Fatalf("Log(%s): %v", branch, err)
	}
	out := make([]string, 0, len(log))
	for _, c := range log {
		out = append(out, c.Title())
	}
	return out
}

func openStore(t *testing.T, path string) *history.Store {
	t.Helper()
	store, err := history.Open(path)
	if err != nil {
		t.Fatalf("history.Open(%s): %v", path, err)
	}
	return store
}

func TestRunFinalizesSubject(t *testing.T) {
	f := newFixture(t)
	ws := f.openAt(t, filepath.Join(f.staging, "sub-1000001"))

	var states []pipeline.State
	res := f.run(t, context.Background(), ws, pipeline.WithObserver(func(_ context.Context, snap pipeline.Snapshot) {
		states = append(states, snap.State)
	}))
	if res.Err != nil {
		t.Fatalf("Run failed at %s: %v", res.FailedStage, res.Err)
	}
	if res.State != pipeline.StateFinalized {
		t.Fatalf("expected finalized, got %s", res.State)
	}
	dest := filepath.Join(f.root, "sub-1000001")
	if res.Destination != dest {
		t.Fatalf("destination = %q, want %q", res.Destination, dest)
	}
	if diff := cmp.Diff([]string{"20252_2_0", "25750_2_0"}, res.Requested); diff != "" {
		t.Fatalf("requested mismatch (-want +got):\n%s", diff)
	}
	wantStates := []pipeline.State{
		pipeline.StateIncoming, pipeline.StateIncomingNative, pipeline.StateBids,
		pipeline.StateMain, pipeline.StateFinalized,
	}
	if diff := cmp.Diff(wantStates, states); diff != "" {
		t.Fatalf("observed states mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(f.staging, "sub-1000001")); !os.IsNotExist(err) {
		t.Fatalf("staging workspace should be gone, stat err=%v", err)
	}

	store := openStore(t, dest)
	wantIncoming := []string{
		pipeline.MessageDownloaded,
		pipeline.MessageFetchLogs,
		pipeline.MessageLedger,
		"initialized subject workspace",
	}
	if diff := cmp.Diff(wantIncoming, titles(t, store, workspace.Incoming)); diff != "" {
		t.Fatalf("incoming history mismatch (-want +got):\n%s", diff)
	}

	bids, err := store.Files(workspace.Bids)
	if err != nil {
		t.Fatalf("Files(bids): %v", err)
	}
	mainFiles, err := store.Files(workspace.Main)
	if err != nil {
		t.Fatalf("Files(main): %v", err)
	}
	wantBids := []string{"anat/1000001_20252_2_0.nii", "anat/1000001_25750_2_0.nii"}
	if diff := cmp.Diff(wantBids, bids); diff != "" {
		t.Fatalf("bids files mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(bids, mainFiles); diff != "" {
		t.Fatalf("main should match bids (-bids +main):\n%s", diff)
	}

	native, err := store.Files(workspace.IncomingNative)
	if err != nil {
		t.Fatalf("Files(incoming-native): %v", err)
	}
	for _, name := range native {
		if name == pipeline.LedgerFile || name == pipeline.FetchedList || filepath.Ext(name) == ".stdout" {
			t.Fatalf("bookkeeping file %s leaked into incoming-native", name)
		}
	}

	branch, err := store.ActiveBranch()
	if err != nil {
		t.Fatalf("ActiveBranch: %v", err)
	}
	if branch != workspace.Main {
		t.Fatalf("expected main checked out, got %s", branch)
	}
}

func TestRunLedgerIsSortedUnion(t *testing.T) {
	f := newFixture(t)
	ws := f.openAt(t, filepath.Join(f.staging, "sub-1000001"))
	if res := f.run(t, context.Background(), ws); res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	store := openStore(t, filepath.Join(f.root, "sub-1000001"))
	if err := store.Checkout(workspace.Incoming, history.CheckoutOptions{}); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	lines, err := pipeline.ReadLedger(filepath.Join(store.Path(), pipeline.LedgerFile))
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	want := []string{"1000001 20252_2_0", "1000001 25750_2_0"}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatalf("ledger mismatch (-want +got):\n%s", diff)
	}
}

func TestRerunInPlaceFetchesNothing(t *testing.T) {
	f := newFixture(t)
	ws := f.openAt(t, filepath.Join(f.staging, "sub-1000001"))
	if res := f.run(t, context.Background(), ws); res.Err != nil {
		t.Fatalf("first Run: %v", res.Err)
	}
	dest := filepath.Join(f.root, "sub-1000001")
	before := titles(t, openStore(t, dest), workspace.Main)

	f.wire(t, &testsupport.FakeFetch{}, &testsupport.FakeReorganizer{})
	res := f.run(t, context.Background(), f.openAt(t, dest))
	if res.Err != nil {
		t.Fatalf("second Run failed at %s: %v", res.FailedStage, res.Err)
	}
	if res.State != pipeline.StateFinalized || res.Destination != dest {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Requested) != 0 {
		t.Fatalf("expected nothing requested, got %v", res.Requested)
	}
	if got := f.fetcher.Labels(); len(got) != 0 {
		t.Fatalf("fetcher should not run, got requests for %v", got)
	}
	after := titles(t, openStore(t, dest), workspace.Main)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("rerun should not add commits to main (-before +after):\n%s", diff)
	}
}

func TestRunRequestsOnlyMissingFields(t *testing.T) {
	f := newFixture(t)
	f.wire(t, &testsupport.FakeFetch{Withhold: map[string]bool{"25750_2_0": true}}, &testsupport.FakeReorganizer{})
	ws := f.openAt(t, filepath.Join(f.root, "sub-1000001"))
	if res := f.run(t, context.Background(), ws); res.Err != nil {
		t.Fatalf("first Run: %v", res.Err)
	}

	f.wire(t, &testsupport.FakeFetch{}, &testsupport.FakeReorganizer{})
	res := f.run(t, context.Background(), f.openAt(t, filepath.Join(f.root, "sub-1000001")))
	if res.Err != nil {
		t.Fatalf("second Run: %v", res.Err)
	}
	if diff := cmp.Diff([]string{"25750_2_0"}, f.fetcher.Requests("1000001")); diff != "" {
		t.Fatalf("second fetch requests mismatch (-want +got):\n%s", diff)
	}
	mainFiles, err := openStore(t, filepath.Join(f.root, "sub-1000001")).Files(workspace.Main)
	if err != nil {
		t.Fatalf("Files(main): %v", err)
	}
	want := []string{"anat/1000001_20252_2_0.nii", "anat/1000001_25750_2_0.nii"}
	if diff := cmp.Diff(want, mainFiles); diff != "" {
		t.Fatalf("main files mismatch (-want +got):\n%s", diff)
	}
}

func TestRunResumesAfterKilledFetch(t *testing.T) {
	f := newFixture(t)
	dest := filepath.Join(f.root, "sub-1000001")
	f.wire(t, &testsupport.FakeFetch{Withhold: map[string]bool{"25750_2_0": true}}, &testsupport.FakeReorganizer{})
	if res := f.run(t, context.Background(), f.openAt(t, dest)); res.Err != nil {
		t.Fatalf("first Run: %v", res.Err)
	}

	f.wire(t, &testsupport.FakeFetch{Kill: errors.New("signal: killed")}, &testsupport.FakeReorganizer{})
	res := f.run(t, context.Background(), f.openAt(t, dest))
	if res.FailedStage != "retrieve" || !errors.Is(res.Err, services.ErrRetrieval) {
		t.Fatalf("expected retrieval failure, got %q (err=%v)", res.FailedStage, res.Err)
	}
	if dirty, err := openStore(t, dest).IsDirty(); err != nil || !dirty {
		t.Fatalf("killed fetch should leave incoming dirty (dirty=%v err=%v)", dirty, err)
	}

	f.wire(t, &testsupport.FakeFetch{}, &testsupport.FakeReorganizer{})
	res = f.run(t, context.Background(), f.openAt(t, dest))
	if res.Err != nil {
		t.Fatalf("Run after killed fetch failed at %s: %v", res.FailedStage, res.Err)
	}
	if res.State != pipeline.StateFinalized {
		t.Fatalf("expected finalized, got %s", res.State)
	}
	if diff := cmp.Diff([]string{"25750_2_0"}, f.fetcher.Requests("1000001")); diff != "" {
		t.Fatalf("resumed fetch requests mismatch (-want +got):\n%s", diff)
	}
	mainFiles, err := openStore(t, dest).Files(workspace.Main)
	if err != nil {
		t.Fatalf("Files(main): %v", err)
	}
	want := []string{"anat/1000001_20252_2_0.nii", "anat/1000001_25750_2_0.nii"}
	if diff := cmp.Diff(want, mainFiles); diff != "" {
		t.Fatalf("main files mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRetrievalFailure(t *testing.T) {
	f := newFixture(t)
	f.wire(t, &testsupport.FakeFetch{Fail: map[string]error{"1000001": errors.New("connection refused")}}, &testsupport.FakeReorganizer{})
	path := filepath.Join(f.staging, "sub-1000001")
	res := f.run(t, context.Background(), f.openAt(t, path))
	if res.FailedStage != "retrieve" {
		t.Fatalf("expected failure in retrieve, got %q (err=%v)", res.FailedStage, res.Err)
	}
	if res.State != pipeline.StateFailed {
		t.Fatalf("expected failed state, got %s", res.State)
	}
	if !errors.Is(res.Err, services.ErrRetrieval) {
		t.Fatalf("expected retrieval error, got %v", res.Err)
	}
	branch, err := openStore(t, path).ActiveBranch()
	if err != nil {
		t.Fatalf("ActiveBranch: %v", err)
	}
	if branch != workspace.Incoming {
		t.Fatalf("failed workspace should stay on incoming, got %s", branch)
	}
}

func TestRunTransformFailureStopsAtUnpack(t *testing.T) {
	f := newFixture(t)
	f.wire(t, &testsupport.FakeFetch{}, &testsupport.FakeReorganizer{FailMapping: "native"})
	path := filepath.Join(f.staging, "sub-1000001")
	res := f.run(t, context.Background(), f.openAt(t, path))
	if res.FailedStage != "unpack" {
		t.Fatalf("expected failure in unpack, got %q (err=%v)", res.FailedStage, res.Err)
	}
	if !errors.Is(res.Err, services.ErrTransform) {
		t.Fatalf("expected transform error, got %v", res.Err)
	}
	has, err := openStore(t, path).HasBranch(workspace.Bids)
	if err != nil {
		t.Fatalf("HasBranch: %v", err)
	}
	if has {
		t.Fatalf("bids must not exist after unpack failed")
	}

	// The next run recovers the workspace and reuses the downloads.
	f.wire(t, &testsupport.FakeFetch{}, &testsupport.FakeReorganizer{})
	res = f.run(t, context.Background(), f.openAt(t, path))
	if res.Err != nil {
		t.Fatalf("recovery Run failed at %s: %v", res.FailedStage, res.Err)
	}
	if len(f.fetcher.Labels()) != 0 {
		t.Fatalf("recovery should reuse the downloads")
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.run(t, ctx, f.openAt(t, filepath.Join(f.staging, "sub-1000001")))
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.Err)
	}
	if res.State != pipeline.StateFailed {
		t.Fatalf("expected failed state, got %s", res.State)
	}
	if got := f.fetcher.Labels(); len(got) != 0 {
		t.Fatalf("fetcher should not run, got %v", got)
	}
}

func TestRunFinalizeCollisionKeepsStaging(t *testing.T) {
	f := newFixture(t)
	testsupport.WriteText(t, filepath.Join(f.root, "sub-1000001", "README"), "someone else")
	path := filepath.Join(f.staging, "sub-1000001")
	res := f.run(t, context.Background(), f.openAt(t, path))
	if res.FailedStage != "finalize" {
		t.Fatalf("expected failure in finalize, got %q (err=%v)", res.FailedStage, res.Err)
	}
	if !errors.Is(res.Err, services.ErrFinalize) {
		t.Fatalf("expected finalize error, got %v", res.Err)
	}
	if !history.IsRepository(path) {
		t.Fatalf("staging workspace should be kept at %s", path)
	}
	data, err := os.ReadFile(filepath.Join(f.root, "sub-1000001", "README"))
	if err != nil || string(data) != "someone else" {
		t.Fatalf("existing destination must be untouched: %q, %v", data, err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	f := newFixture(t)
	ws := f.openAt(t, filepath.Join(f.staging, "sub-1000001"))
	if _, err := pipeline.New(f.subject, nil, f.deps); err == nil {
		t.Fatalf("expected error without workspace")
	}
	deps := f.deps
	deps.Finalizer = nil
	if _, err := pipeline.New(f.subject, ws, deps); err == nil {
		t.Fatalf("expected error without finalizer")
	}
}
