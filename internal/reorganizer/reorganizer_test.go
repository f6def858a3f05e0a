package reorganizer_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"std2bids/internal/reorganizer"
	"std2bids/internal/services"
)

type stubExecutor struct {
	binary string
	args   [][]string
	output []string
	err    error
}

func (s *stubExecutor) Run(_ context.Context, binary string, args []string, onLine func(string)) error {
	s.binary = binary
	s.args = append(s.args, append([]string(nil), args...))
	for _, line := range s.output {
		onLine(line)
	}
	return s.err
}

func TestNewRequiresBinaryAndMappings(t *testing.T) {
	if _, err := reorganizer.New("", "a", "b"); err == nil {
		t.Fatal("expected error for empty binary")
	}
	if _, err := reorganizer.New("reorganizer", "", "b"); err == nil {
		t.Fatal("expected error for empty mapping")
	}
}

func TestConversionArguments(t *testing.T) {
	exec := &stubExecutor{}
	c, err := reorganizer.New("reorganizer", "ukb.incoming_to_native", "ukb.native_to_bids", reorganizer.WithExecutor(exec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.RawToNative(context.Background(), "/data/sub-1"); err != nil {
		t.Fatalf("RawToNative: %v", err)
	}
	if err := c.NativeToBids(context.Background(), "/data/sub-1"); err != nil {
		t.Fatalf("NativeToBids: %v", err)
	}
	want := [][]string{
		{"convert", "--mapping", "ukb.incoming_to_native", "/data/sub-1", "/data/sub-1"},
		{"convert", "--mapping", "ukb.native_to_bids", "--recursive", "/data/sub-1", "/data/sub-1"},
	}
	if diff := cmp.Diff(want, exec.args); diff != "" {
		t.Fatalf("unexpected invocations (-want +got):\n%s", diff)
	}
	if exec.binary != "reorganizer" {
		t.Fatalf("unexpected binary %q", exec.binary)
	}
}

func TestFailureIsTransformErrorWithOutputTail(t *testing.T) {
	exec := &stubExecutor{output: []string{"reading zip", "corrupt archive 1_20252_2_0.zip"}, err: errors.New("exit status 1")}
	c, err := reorganizer.New("reorganizer", "n", "b", reorganizer.WithExecutor(exec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = c.RawToNative(context.Background(), t.TempDir())
	if !errors.Is(err, services.ErrTransform) {
		t.Fatalf("expected transform error, got %v", err)
	}
	if !strings.Contains(err.Error(), "corrupt archive") {
		t.Fatalf("expected tool output in error, got %v", err)
	}
}

func TestCommandExecutorRunsBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	stub := filepath.Join(t.TempDir(), "reorganizer")
	script := "#!/bin/sh\necho \"$@\" > " + marker + "\necho done\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	c, err := reorganizer.New(stub, "n", "b")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.NativeToBids(context.Background(), dir); err != nil {
		t.Fatalf("NativeToBids: %v", err)
	}
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "convert --mapping b --recursive "+dir+" "+dir {
		t.Fatalf("unexpected arguments %q", got)
	}

	failing := filepath.Join(t.TempDir(), "reorganizer")
	if err := os.WriteFile(failing, []byte("#!/bin/sh\necho nope >&2\nexit 4\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	c, _ = reorganizer.New(failing, "n", "b")
	if err := c.RawToNative(context.Background(), dir); !errors.Is(err, services.ErrTransform) {
		t.Fatalf("expected transform error, got %v", err)
	}
}
