package pipeline

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
)

// LedgerFile records every "<label> <key>" line ever requested for a subject.
const LedgerFile = ".ukbbatch"

// LedgerLine formats one request line.
func LedgerLine(label, key string) string {
	return label + " " + key
}

// ReadLedger returns the ledger lines at path; a missing file is empty.
func ReadLedger(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// UpdateLedger rewrites the ledger at path as the sorted, de-duplicated
// union of its current lines and add.
func UpdateLedger(path string, add []string) ([]string, error) {
	existing, err := ReadLedger(path)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(existing)+len(add))
	for _, line := range append(existing, add...) {
		if line = strings.TrimSpace(line); line != "" {
			set[line] = struct{}{}
		}
	}
	merged := make([]string, 0, len(set))
	for line := range set {
		merged = append(merged, line)
	}
	sort.Strings(merged)
	if err := os.WriteFile(path, []byte(strings.Join(merged, "\n")+"\n"), 0o644); err != nil {
		return nil, err
	}
	return merged, nil
}
