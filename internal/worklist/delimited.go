package worklist

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"std2bids/internal/services"
)

var nullTokens = map[string]struct{}{"": {}, "NA": {}, "n/a": {}, "NaN": {}, "null": {}}

func readDelimited(path string, sep rune) (*sourceTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "worklist", "open", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = sep
	r.Comment = '#'

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, services.Wrap(services.ErrValidation, "worklist", "read", "source has no header row", nil)
		}
		return nil, services.Wrap(services.ErrValidation, "worklist", "read", "header", err)
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	tbl := &sourceTable{columns: header}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "worklist", "read", "", err)
		}
		row := make([]cell, len(header))
		for i, raw := range record {
			row[i] = delimitedCell(raw)
		}
		tbl.rows = append(tbl.rows, row)
	}
	return tbl, nil
}

// delimitedCell splits comma-joined lists so a cell may carry several keys.
func delimitedCell(raw string) cell {
	raw = strings.TrimSpace(raw)
	if _, ok := nullTokens[raw]; ok {
		return cell{null: true}
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			values = append(values, p)
		}
	}
	return cell{values: values}
}
