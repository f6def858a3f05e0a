package reorganizer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"std2bids/internal/logging"
	"std2bids/internal/services"
)

// Transformer rewrites a workspace directory in place.
type Transformer interface {
	RawToNative(ctx context.Context, dir string) error
	NativeToBids(ctx context.Context, dir string) error
}

// Executor abstracts command execution for testability. Each output line of
// the command is passed to onLine.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onLine func(string)) error
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithLogger sets the logger that receives the tool's output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.NewComponentLogger(logger, "reorganizer")
	}
}

// WithTimeout bounds each conversion. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// Client invokes the reorganizer CLI:
//
//	<binary> convert --mapping <name> [--recursive] <src> <dst>
type Client struct {
	binary        string
	nativeMapping string
	bidsMapping   string
	timeout       time.Duration
	exec          Executor
	logger        *slog.Logger
}

// New constructs a reorganizer client.
func New(binary, nativeMapping, bidsMapping string, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("reorganizer binary required")
	}
	if strings.TrimSpace(nativeMapping) == "" || strings.TrimSpace(bidsMapping) == "" {
		return nil, errors.New("reorganizer mappings required")
	}
	c := &Client{
		binary:        binary,
		nativeMapping: strings.TrimSpace(nativeMapping),
		bidsMapping:   strings.TrimSpace(bidsMapping),
		exec:          commandExecutor{},
		logger:        logging.NewComponentLogger(nil, "reorganizer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RawToNative unpacks the flat download layout of dir into native files.
func (c *Client) RawToNative(ctx context.Context, dir string) error {
	return c.convert(ctx, "unpack", c.nativeMapping, false, dir)
}

// NativeToBids reorganizes the native tree of dir into the standardized layout.
func (c *Client) NativeToBids(ctx context.Context, dir string) error {
	return c.convert(ctx, "reorganize", c.bidsMapping, true, dir)
}

func (c *Client) convert(ctx context.Context, op, mapping string, recursive bool, dir string) error {
	logger := logging.WithContext(ctx, c.logger)
	args := []string{"convert", "--mapping", mapping}
	if recursive {
		args = append(args, "--recursive")
	}
	args = append(args, dir, dir)

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	tail := newTail(20)
	started := time.Now()
	err := c.exec.Run(runCtx, c.binary, args, func(line string) {
		tail.add(line)
		logger.Debug("reorganizer output", logging.String("line", line))
	})
	if err != nil {
		msg := fmt.Sprintf("%s with mapping %s", c.binary, mapping)
		if lines := tail.String(); lines != "" {
			msg += ": " + lines
		}
		return services.Wrap(services.ErrTransform, op, "convert", msg, err)
	}
	logger.Info("conversion completed",
		logging.String(logging.FieldEventType, "convert_complete"),
		logging.String("mapping", mapping),
		logging.Bool("recursive", recursive),
		logging.Duration("duration", time.Since(started)),
	)
	return nil
}

// tail keeps the last n output lines for error messages.
type tail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTail(n int) *tail { return &tail{n: n} }

func (t *tail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "; ")
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var wg sync.WaitGroup
	var scanErr error
	var once sync.Once
	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() { scanErr = err })
		}
	}
	wg.Add(2)
	go scan(stdout)
	go scan(stderr)
	wg.Wait()

	if scanErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("scan output: %w", scanErr)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("wait command: %w", err)
	}
	return nil
}
