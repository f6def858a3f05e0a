package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"std2bids/internal/config"
	"std2bids/internal/history"
	"std2bids/internal/services"
	"std2bids/internal/staging"
	"std2bids/internal/testsupport"
	"std2bids/internal/workflow"
	"std2bids/internal/workspace"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	baseDir    string
	dst        string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()
	t.Setenv("HOME", filepath.Join(t.TempDir(), "home"))
	cfg := testsupport.NewConfig(t, append([]testsupport.ConfigOption{testsupport.WithStubbedBinaries()}, opts...)...)
	base := testsupport.BaseDir(cfg)
	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{
		cfg:        cfg,
		configPath: configPath,
		baseDir:    base,
		dst:        filepath.Join(base, "dst"),
	}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

// runFixture processes a two subject worklist into env.dst with fake tools.
func runFixture(t *testing.T, env *cliTestEnv, fetcher *testsupport.FakeFetch) *workflow.Summary {
	t.Helper()
	src := filepath.Join(env.baseDir, "ukb.tsv")
	testsupport.WriteText(t, src, "eid\t20252-2.0\n1000001\t1\n1000002\t1\n")
	opts := workflow.OptionsFromConfig(env.cfg)
	opts.Source = src
	opts.Destination = env.dst
	opts.KeyPath = testsupport.WriteKey(t, filepath.Join(env.baseDir, "keys"))

	c, err := workflow.New(env.cfg,
		workflow.WithFetchExecutor(fetcher),
		workflow.WithReorganizerExecutor(&testsupport.FakeReorganizer{}),
	)
	if err != nil {
		t.Fatalf("workflow.New: %v", err)
	}
	summary, _ := c.Run(context.Background(), opts)
	if summary == nil {
		t.Fatalf("run did not start")
	}
	return summary
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, env.configPath)

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, _, _, err := config.Load(target); err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatalf("expected refusal to overwrite existing config")
	}
}

func TestRunRejectsWorkerLimit(t *testing.T) {
	env := setupCLITestEnv(t)
	src := filepath.Join(env.baseDir, "ukb.tsv")
	testsupport.WriteText(t, src, "eid\t20252-2.0\n1\t1\n")
	key := testsupport.WriteKey(t, env.baseDir)

	_, _, err := runCLI(t, []string{"run", "--max-workers", "25", src, env.dst, key}, env.configPath)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if code := exitCode(err); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if _, _, err := runCLI(t, []string{"run", src, env.dst}, env.configPath); err == nil {
		t.Fatalf("expected argument count error")
	}
}

func TestRunFlagsOverrideOnlyWhenGiven(t *testing.T) {
	configured := workflow.Options{MaxWorkers: 4, Shortcut: true, DoParticipants: false}
	cases := []struct {
		args []string
		want workflow.Options
	}{
		{nil, configured},
		{[]string{"--no-shortcut"}, workflow.Options{MaxWorkers: 4, Shortcut: false, DoParticipants: false}},
		{[]string{"--do-participants"}, workflow.Options{MaxWorkers: 4, Shortcut: true, DoParticipants: true}},
		{[]string{"--shortcut=false", "--no-do-participants", "-w", "7"}, workflow.Options{MaxWorkers: 7, Shortcut: false, DoParticipants: false}},
		{[]string{"--no-shortcut=false", "--super-dataset", "/srv/ukb"}, workflow.Options{MaxWorkers: 4, Shortcut: true, SuperDataset: "/srv/ukb"}},
	}
	for _, tc := range cases {
		cmd := &cobra.Command{Use: "run"}
		var f runFlags
		f.register(cmd)
		if err := cmd.ParseFlags(tc.args); err != nil {
			t.Fatalf("parse %v: %v", tc.args, err)
		}
		got := configured
		f.apply(cmd, &got)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("options for %v mismatch (-want +got):\n%s", tc.args, diff)
		}
	}
}

func TestRunRejectsContradictoryFlags(t *testing.T) {
	env := setupCLITestEnv(t)
	src := filepath.Join(env.baseDir, "ukb.tsv")
	testsupport.WriteText(t, src, "eid\t20252-2.0\n1\t1\n")
	key := testsupport.WriteKey(t, env.baseDir)

	for _, pair := range [][]string{{"--shortcut", "--no-shortcut"}, {"--do-participants", "--no-do-participants"}} {
		args := append([]string{"run"}, pair...)
		_, _, err := runCLI(t, append(args, src, env.dst, key), env.configPath)
		if err == nil || !strings.Contains(err.Error(), "none of the others can be") {
			t.Fatalf("expected mutually exclusive flag error for %v, got %v", pair, err)
		}
	}
	if _, err := os.Stat(env.dst); !os.IsNotExist(err) {
		t.Fatalf("rejected run touched the destination: %v", err)
	}
}

func TestStatusWithoutRuns(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"status", env.dst}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "No runs recorded")
}

func TestStatusAfterRun(t *testing.T) {
	env := setupCLITestEnv(t)
	summary := runFixture(t, env, &testsupport.FakeFetch{Fail: map[string]error{"1000002": errors.New("timeout")}})
	if summary.Finalized != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	out, _, err := runCLI(t, []string{"status", env.dst}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "sub-1000001")
	requireContains(t, out, "finalized")
	requireContains(t, out, "retrieval")
	requireContains(t, out, summary.RunID[:8])

	out, _, err = runCLI(t, []string{"--json", "status", "--status", "failed", env.dst}, env.configPath)
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	requireContains(t, out, `"label": "1000002"`)
	if strings.Contains(out, `"label": "1000001"`) {
		t.Fatalf("status filter ignored: %s", out)
	}

	if _, _, err := runCLI(t, []string{"status", "--status", "bogus", env.dst}, env.configPath); err == nil {
		t.Fatalf("expected unknown status error")
	}
}

func TestStagingCleanKeepsResumableWorkspaces(t *testing.T) {
	env := setupCLITestEnv(t)
	runFixture(t, env, &testsupport.FakeFetch{Fail: map[string]error{"1000002": errors.New("timeout")}})

	stagingDir := staging.Dir(env.dst, env.cfg.Paths.StagingDir)
	orphan := staging.WorkspacePath(stagingDir, "999")
	if _, _, err := workspace.Open(orphan, "999", history.Author{Name: "t", Email: "t@example.com"}); err != nil {
		t.Fatalf("workspace.Open: %v", err)
	}

	out, _, err := runCLI(t, []string{"staging", "list", env.dst}, env.configPath)
	if err != nil {
		t.Fatalf("staging list: %v", err)
	}
	requireContains(t, out, "sub-1000002")
	requireContains(t, out, "sub-999")

	out, _, err = runCLI(t, []string{"staging", "clean", env.dst}, env.configPath)
	if err != nil {
		t.Fatalf("staging clean: %v", err)
	}
	requireContains(t, out, "Removed 1 orphaned workspaces")
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("orphan workspace kept: %v", err)
	}
	if !history.IsRepository(staging.WorkspacePath(stagingDir, "1000002")) {
		t.Fatalf("failed subject workspace removed")
	}

	if _, _, err := runCLI(t, []string{"staging", "clean", "--all", env.dst}, env.configPath); err != nil {
		t.Fatalf("staging clean --all: %v", err)
	}
	if _, err := os.Stat(staging.WorkspacePath(stagingDir, "1000002")); !os.IsNotExist(err) {
		t.Fatalf("--all kept a workspace: %v", err)
	}
}

func TestLogsPrintsSubjectLog(t *testing.T) {
	env := setupCLITestEnv(t)
	path := workflow.NewSubjectLogs(env.cfg).Path("42")
	testsupport.WriteText(t, path, "first\nsecond\nthird\n")

	out, _, err := runCLI(t, []string{"logs", "sub-42", "-n", "2"}, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "second\nthird\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestDepsReportsMissingTools(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"deps"}, env.configPath)
	if err != nil {
		t.Fatalf("deps with stubbed tools: %v", err)
	}
	requireContains(t, out, "ukbfetch")

	env.cfg.Fetch.Binary = "std2bids-missing-fetch"
	writeTestConfig(t, env.configPath, env.cfg)
	if _, _, err := runCLI(t, []string{"deps"}, env.configPath); err == nil || !strings.Contains(err.Error(), "std2bids-missing-fetch") {
		t.Fatalf("expected missing dependency error, got %v", err)
	}
}

func TestTestNotifyRequiresTopic(t *testing.T) {
	env := setupCLITestEnv(t)
	t.Setenv("STD2BIDS_NTFY_TOPIC", "")
	if _, _, err := runCLI(t, []string{"test-notify"}, env.configPath); err == nil {
		t.Fatalf("expected error without a topic")
	}

	var titles []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		titles = append(titles, r.Header.Get("Title"))
	}))
	defer server.Close()
	env.cfg.Notifications.NtfyTopic = server.URL
	writeTestConfig(t, env.configPath, env.cfg)

	out, _, err := runCLI(t, []string{"test-notify"}, env.configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "Test notification sent")
	if len(titles) != 1 || titles[0] != "std2bids - Test" {
		t.Fatalf("unexpected requests: %v", titles)
	}
}
