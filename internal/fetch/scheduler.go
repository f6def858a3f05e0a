package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"std2bids/internal/logging"
	"std2bids/internal/services"
)

// MaxWorkers is the UK Biobank limit on simultaneous connections.
const MaxWorkers = 20

// waitDelay bounds how long a killed ukbfetch may keep its output pipes
// open, for example through a child process that outlived it.
const waitDelay = 2 * time.Second

// artifactTimeFormat keeps artifact names free of ':' so they are valid on every filesystem.
const artifactTimeFormat = "2006-01-02T15-04-05.000000"

// Executor abstracts command execution for testability. A non-zero exit is
// reported through exitCode; err is reserved for failures to run the command.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, dir string) (stdout, stderr []byte, exitCode int, err error)
}

// Result describes one completed ukbfetch invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// TimedOut is set when the invocation was killed by the fetch timeout.
	TimedOut bool
	Started  time.Time
	Finished time.Time
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(s *Scheduler) {
		if exec != nil {
			s.exec = exec
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logging.NewComponentLogger(logger, "fetch")
	}
}

// WithTimeout bounds each invocation. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

// WithClock overrides the time source used for artifact names.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler gates every ukbfetch invocation of a run behind a shared
// counting semaphore of MaxWorkers() permits.
type Scheduler struct {
	binary     string
	keyPath    string
	maxWorkers int
	timeout    time.Duration
	sem        *semaphore.Weighted
	exec       Executor
	logger     *slog.Logger
	now        func() time.Time
	inFlight   atomic.Int64
}

// New validates the concurrency ceiling and credentials key and builds a Scheduler.
func New(binary, keyPath string, maxWorkers int, opts ...Option) (*Scheduler, error) {
	if maxWorkers < 1 || maxWorkers > MaxWorkers {
		return nil, services.Wrap(services.ErrValidation, "fetch", "configure",
			fmt.Sprintf("max_workers must be between 1 and %d, got %d (UKB does not allow more than %d simultaneous connections)", MaxWorkers, maxWorkers, MaxWorkers), nil)
	}
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, services.Wrap(services.ErrValidation, "fetch", "configure", "ukbfetch binary required", nil)
	}
	absKey, err := filepath.Abs(keyPath)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "fetch", "configure", "resolve key path", err)
	}
	info, err := os.Stat(absKey)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "fetch", "configure", "credentials key file", err)
	}
	if info.IsDir() {
		return nil, services.Wrap(services.ErrValidation, "fetch", "configure", fmt.Sprintf("credentials key %s is a directory", absKey), nil)
	}

	s := &Scheduler{
		binary:     binary,
		keyPath:    absKey,
		maxWorkers: maxWorkers,
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
		exec:       commandExecutor{},
		logger:     logging.NewComponentLogger(nil, "fetch"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MaxWorkers reports the permit count.
func (s *Scheduler) MaxWorkers() int { return s.maxWorkers }

// InFlight reports how many invocations currently hold a permit.
func (s *Scheduler) InFlight() int { return int(s.inFlight.Load()) }

// Fetch blocks until a permit is free, runs ukbfetch for batchFile inside
// destDir, and persists the captured streams there as timestamped
// .stdout/.stderr files before releasing the permit.
func (s *Scheduler) Fetch(ctx context.Context, batchFile, destDir string) (Result, error) {
	logger := logging.WithContext(ctx, s.logger)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("wait for fetch permit: %w", err)
	}
	defer s.sem.Release(1)
	active := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	absBatch, err := filepath.Abs(batchFile)
	if err != nil {
		return Result{}, services.Wrap(services.ErrRetrieval, "fetch", "prepare", "resolve batch path", err)
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	args := []string{"-a" + s.keyPath, "-b" + absBatch}
	logger.Info("fetch started",
		logging.String(logging.FieldEventType, "fetch_start"),
		logging.String("batch_file", absBatch),
		logging.Int("in_flight", int(active)),
		logging.Int("max_workers", s.maxWorkers),
	)

	result := Result{Started: s.now()}
	stdout, stderr, exitCode, runErr := s.exec.Run(runCtx, s.binary, args, destDir)
	result.Finished = s.now()
	result.ExitCode = exitCode

	captureErr := s.capture(&result, destDir, stdout, stderr)
	if runErr != nil && errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil {
		result.TimedOut = true
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
		runErr = nil
		logging.WarnWithContext(logger, "ukbfetch killed by timeout",
			"fetch_timeout",
			logging.Duration("timeout", s.timeout),
			logging.String("stdout_file", result.Stdout),
			logging.String(logging.FieldImpact, "fields that did not arrive are requested again by the next run"),
			logging.String(logging.FieldErrorHint, "raise fetch.timeout_seconds"),
		)
	}
	if runErr != nil {
		return result, services.Wrap(services.ErrRetrieval, "fetch", "run", s.binary, errors.Join(runErr, captureErr))
	}
	if captureErr != nil {
		return result, captureErr
	}

	if result.ExitCode != 0 {
		logging.WarnWithContext(logger, "ukbfetch exited non-zero",
			"fetch_exit_status",
			logging.Int("exit_code", result.ExitCode),
			logging.String("stderr_file", result.Stderr),
			logging.String(logging.FieldErrorHint, "inspect the captured stderr artifact"),
			logging.String(logging.FieldImpact, "some requested fields may be missing"),
		)
	}
	logger.Info("fetch completed",
		logging.String(logging.FieldEventType, "fetch_complete"),
		logging.Int("exit_code", result.ExitCode),
		logging.Bool("timed_out", result.TimedOut),
		logging.Duration("duration", result.Finished.Sub(result.Started)),
	)
	return result, nil
}

// capture persists the streams of one invocation, even a failed one.
func (s *Scheduler) capture(result *Result, destDir string, stdout, stderr []byte) error {
	stamp := result.Finished.Format(artifactTimeFormat)
	result.Stdout = filepath.Join(destDir, stamp+".stdout")
	result.Stderr = filepath.Join(destDir, stamp+".stderr")
	if err := os.WriteFile(result.Stdout, stdout, 0o644); err != nil {
		return services.Wrap(services.ErrRetrieval, "fetch", "capture", "write stdout", err)
	}
	if err := os.WriteFile(result.Stderr, stderr, 0o644); err != nil {
		return services.Wrap(services.ErrRetrieval, "fetch", "capture", "write stderr", err)
	}
	return nil
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, dir string) ([]byte, []byte, int, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
	}
	return stdout.Bytes(), stderr.Bytes(), -1, err
}
