// Package participants writes the participants.tsv manifest at the root of a
// destination.
package participants

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the manifest name at the destination root.
const FileName = "participants.tsv"

// NullValue marks an empty cell.
const NullValue = "n/a"

var header = []string{"participant_label", "fields"}

// Row is one manifest line.
type Row struct {
	Label  string
	Fields []string
}

// ParticipantLabel is the label column value.
func (r Row) ParticipantLabel() string {
	return "sub-" + r.Label
}

func (r Row) record() []string {
	fields := NullValue
	if len(r.Fields) > 0 {
		fields = strings.Join(r.Fields, ",")
	}
	label := NullValue
	if r.Label != "" {
		label = r.ParticipantLabel()
	}
	return []string{label, fields}
}

// Encode writes rows, in the given order, as tab separated values with a
// header line.
func Encode(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Write replaces the manifest in dir with rows in the given order. The file is
// written next to its final name and renamed into place.
func Write(dir string, rows []Row) (string, error) {
	path := filepath.Join(dir, FileName)
	tmp, err := os.CreateTemp(dir, "."+FileName+".*")
	if err != nil {
		return "", fmt.Errorf("participants: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if err := Encode(tmp, rows); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("participants: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("participants: close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("participants: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("participants: replace %s: %w", path, err)
	}
	return path, nil
}

// Read parses the manifest in dir. A missing file yields no rows.
func Read(dir string) ([]Row, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("participants: open: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.Comma = '\t'
	cr.FieldsPerRecord = len(header)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("participants: parse: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		var r Row
		if rec[0] != NullValue {
			r.Label = strings.TrimPrefix(rec[0], "sub-")
		}
		if rec[1] != NullValue && rec[1] != "" {
			r.Fields = strings.Split(rec[1], ",")
		}
		rows = append(rows, r)
	}
	return rows, nil
}
