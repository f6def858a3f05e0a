package testsupport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"std2bids/internal/datafield"
)

// FakeFetch stands in for ukbfetch. Every "<label> <key>" line of the batch
// file yields the matching bulk file in the working directory, plus a
// fetched.lis listing. It records peak concurrency.
type FakeFetch struct {
	Delay time.Duration
	// ExitCode is reported for every invocation.
	ExitCode int
	// Fail maps a subject label to an error returned instead of running.
	Fail map[string]error
	// Withhold lists canonical keys that are never delivered.
	Withhold map[string]bool
	// Kill makes every invocation overwrite fetched.lis, deliver nothing and
	// fail with Kill, as a ukbfetch killed mid-run would.
	Kill error

	mu       sync.Mutex
	active   int
	peak     int
	requests map[string][]string
}

// Run implements fetch.Executor.
func (f *FakeFetch) Run(_ context.Context, _ string, args []string, dir string) ([]byte, []byte, int, error) {
	var batch string
	for _, a := range args {
		if strings.HasPrefix(a, "-b") {
			batch = strings.TrimPrefix(a, "-b")
		}
	}
	data, err := os.ReadFile(batch)
	if err != nil {
		return nil, nil, -1, fmt.Errorf("read batch: %w", err)
	}

	var lines [][2]string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 {
			lines = append(lines, [2]string{fields[0], fields[1]})
		}
	}

	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	if f.requests == nil {
		f.requests = make(map[string][]string)
	}
	for _, l := range lines {
		f.requests[l[0]] = append(f.requests[l[0]], l[1])
	}
	var failErr error
	if len(lines) > 0 {
		failErr = f.Fail[lines[0][0]]
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
	if failErr != nil {
		return nil, nil, -1, failErr
	}
	if f.Kill != nil {
		if err := os.WriteFile(filepath.Join(dir, "fetched.lis"), []byte("interrupted\n"), 0o644); err != nil {
			return nil, nil, -1, err
		}
		return []byte("fetching\n"), nil, -1, f.Kill
	}

	var delivered []string
	for _, l := range lines {
		if f.Withhold[l[1]] {
			continue
		}
		d, err := datafield.ParseKey(l[1])
		if err != nil {
			return nil, []byte(err.Error()), 1, nil
		}
		name := d.Filename(l[0])
		if err := os.WriteFile(filepath.Join(dir, name), []byte("bulk "+l[1]), 0o644); err != nil {
			return nil, nil, -1, err
		}
		delivered = append(delivered, name)
	}
	listing := strings.Join(delivered, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "fetched.lis"), []byte(listing), 0o644); err != nil {
		return nil, nil, -1, err
	}
	return []byte(fmt.Sprintf("fetched %d files\n", len(delivered))), nil, f.ExitCode, nil
}

// Peak reports the highest number of simultaneous invocations seen.
func (f *FakeFetch) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// Requests returns every key requested for label, in request order.
func (f *FakeFetch) Requests(label string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests[label]...)
}

// Labels returns every label that was requested, sorted.
func (f *FakeFetch) Labels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for label := range f.requests {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// FakeReorganizer stands in for the reorganizer CLI. Unpacking turns each
// top level bulk file into native/<stem>.nii; reorganizing moves native/*
// into anat/ and drops native/.
type FakeReorganizer struct {
	// FailMapping makes conversions with this mapping name fail.
	FailMapping string

	mu    sync.Mutex
	calls []string
}

// Run implements reorganizer.Executor.
func (r *FakeReorganizer) Run(_ context.Context, _ string, args []string, onLine func(string)) error {
	var mapping string
	recursive := false
	var paths []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "convert":
		case "--mapping":
			if i+1 < len(args) {
				mapping = args[i+1]
				i++
			}
		case "--recursive":
			recursive = true
		default:
			paths = append(paths, args[i])
		}
	}
	r.mu.Lock()
	r.calls = append(r.calls, mapping)
	r.mu.Unlock()

	if len(paths) != 2 {
		return fmt.Errorf("expected src and dst, got %v", paths)
	}
	if mapping == r.FailMapping {
		if onLine != nil {
			onLine("mapping " + mapping + " rejected input")
		}
		return errors.New("exit status 1")
	}
	dir := paths[1]
	if recursive {
		return reorganizeNative(dir)
	}
	return unpackFlat(dir)
}

// Calls returns the mapping names used, in order.
func (r *FakeReorganizer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func unpackFlat(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if e.IsDir() || (ext != ".zip" && ext != ".txt") {
			continue
		}
		if err := os.MkdirAll(filepath.Join(dir, "native"), 0o755); err != nil {
			return err
		}
		stem := strings.TrimSuffix(name, ext)
		if err := os.Rename(filepath.Join(dir, name), filepath.Join(dir, "native", stem+".nii")); err != nil {
			return err
		}
	}
	return nil
}

func reorganizeNative(dir string) error {
	native := filepath.Join(dir, "native")
	entries, err := os.ReadDir(native)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, "anat"), 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Rename(filepath.Join(native, e.Name()), filepath.Join(dir, "anat", e.Name())); err != nil {
			return err
		}
	}
	return os.Remove(native)
}
