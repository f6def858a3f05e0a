package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const defaultPoll = 250 * time.Millisecond

// Options controls Tail.
type Options struct {
	// Lines is how many trailing lines to emit first. Zero starts at the end.
	Lines int
	// Follow keeps reading appended lines until ctx is done.
	Follow bool
	// Poll is the follow interval.
	Poll time.Duration
}

// Tail emits the last opts.Lines lines of path, then appended lines while
// following. A missing file is waited for when following and is an empty
// log otherwise. It returns the offset after the last emitted line.
func Tail(ctx context.Context, path string, opts Options, emit func(string) error) (int64, error) {
	if opts.Poll <= 0 {
		opts.Poll = defaultPoll
	}
	offset, err := emitLast(path, opts.Lines, emit)
	if err != nil || !opts.Follow {
		return offset, err
	}

	ticker := time.NewTicker(opts.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return offset, nil
		case <-ticker.C:
		}
		next, err := emitFrom(path, offset, emit)
		if err != nil {
			return offset, err
		}
		offset = next
	}
}

func emitLast(path string, limit int, emit func(string) error) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("log path %q is a directory", path)
	}
	if limit <= 0 {
		return info.Size(), nil
	}

	ring := make([]string, limit)
	count, idx := 0, 0
	offset, err := scan(file, func(line string) error {
		ring[idx] = line
		idx = (idx + 1) % limit
		if count < limit {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	start := 0
	if count == limit {
		start = idx
	}
	for i := 0; i < count; i++ {
		if err := emit(ring[(start+i)%limit]); err != nil {
			return offset, err
		}
	}
	return offset, nil
}

func emitFrom(path string, offset int64, emit func(string) error) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return offset, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return offset, fmt.Errorf("stat log file: %w", err)
	}
	// Truncated or rotated.
	if info.Size() < offset {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("seek log file: %w", err)
	}
	read, err := scan(file, emit)
	return offset + read, err
}

// scan emits complete lines from r and returns the bytes consumed. A
// trailing partial line is left for the next read.
func scan(r io.Reader, emit func(string) error) (int64, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var consumed int64
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return consumed, nil
		}
		if err != nil {
			return consumed, fmt.Errorf("read log file: %w", err)
		}
		consumed += int64(len(line))
		if err := emit(line[:len(line)-1]); err != nil {
			return consumed, err
		}
	}
}
