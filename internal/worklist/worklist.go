package worklist

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"std2bids/internal/datafield"
	"std2bids/internal/services"
)

// Subject is one admitted row group of the source.
type Subject struct {
	Label       string
	Descriptors []datafield.Descriptor
}

// Keys returns the canonical keys of the subject's descriptors in order.
func (s Subject) Keys() []string {
	return datafield.Keys(s.Descriptors)
}

// Dir is the working directory name for the subject.
func (s Subject) Dir() string {
	return "sub-" + s.Label
}

// Options names the columns Build relies on.
type Options struct {
	SubjectColumn   string
	MandatoryColumn string
}

// Build reads the source at path and returns admitted subjects sorted by label.
func Build(ctx context.Context, path string, opts Options) ([]Subject, error) {
	if opts.SubjectColumn == "" {
		opts.SubjectColumn = "eid"
	}
	if opts.MandatoryColumn == "" {
		opts.MandatoryColumn = datafield.T1Structural.String() + "-2.0"
	}

	tbl, err := readSource(ctx, path)
	if err != nil {
		return nil, err
	}
	return assemble(tbl, opts)
}

func readSource(ctx context.Context, path string) (*sourceTable, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet", ".pq":
		return readParquet(ctx, path)
	case ".csv":
		return readDelimited(path, ',')
	case ".tsv", ".tab", ".txt":
		return readDelimited(path, '\t')
	default:
		return nil, services.Wrap(services.ErrValidation, "worklist", "open", fmt.Sprintf("unsupported source format %q", filepath.Ext(path)), nil)
	}
}

type dataColumn struct {
	index    int
	name     string
	category datafield.Category
	header   datafield.Descriptor
	exact    bool
}

func assemble(tbl *sourceTable, opts Options) ([]Subject, error) {
	subjectIdx := tbl.columnIndex(opts.SubjectColumn)
	if subjectIdx < 0 {
		return nil, services.Wrap(services.ErrValidation, "worklist", "columns", fmt.Sprintf("subject column %q not found", opts.SubjectColumn), nil)
	}
	mandatoryIdx := tbl.columnIndex(opts.MandatoryColumn)
	if mandatoryIdx < 0 {
		return nil, services.Wrap(services.ErrValidation, "worklist", "columns", fmt.Sprintf("mandatory column %q not found", opts.MandatoryColumn), nil)
	}

	columns := selectDataColumns(tbl.columns, subjectIdx)

	bySubject := make(map[string]*Subject)
	seen := make(map[string]map[string]struct{})
	labels := make([]string, 0, len(tbl.rows))

	for rowNum, row := range tbl.rows {
		if row[mandatoryIdx].isNull() {
			continue
		}
		label, err := normalizeLabel(row[subjectIdx].first())
		if err != nil {
			return nil, fmt.Errorf("worklist: row %d: %w", rowNum+1, err)
		}

		subject, ok := bySubject[label]
		if !ok {
			subject = &Subject{Label: label}
			bySubject[label] = subject
			seen[label] = make(map[string]struct{})
			labels = append(labels, label)
		}

		for _, col := range columns {
			c := row[col.index]
			if c.isNull() {
				continue
			}
			for _, token := range c.values {
				d, err := descriptorFor(token, col)
				if err != nil {
					return nil, fmt.Errorf("worklist: row %d column %q: %w", rowNum+1, col.name, err)
				}
				if d == nil {
					continue
				}
				key := d.Key()
				if _, dup := seen[label][key]; dup {
					continue
				}
				seen[label][key] = struct{}{}
				subject.Descriptors = append(subject.Descriptors, *d)
			}
		}
	}

	sortLabels(labels)
	out := make([]Subject, 0, len(labels))
	for _, label := range labels {
		out = append(out, *bySubject[label])
	}
	return out, nil
}

// selectDataColumns keeps columns belonging to a known category, ordered by
// category request order and then by source position.
func selectDataColumns(names []string, subjectIdx int) []dataColumn {
	var cols []dataColumn
	for i, name := range names {
		if i == subjectIdx {
			continue
		}
		cat, ok := columnCategory(name)
		if !ok {
			continue
		}
		col := dataColumn{index: i, name: name, category: cat}
		col.header, col.exact = datafield.ParseColumn(name)
		cols = append(cols, col)
	}
	sort.SliceStable(cols, func(a, b int) bool {
		return cols[a].category.Order() < cols[b].category.Order()
	})
	return cols
}

func columnCategory(name string) (datafield.Category, bool) {
	prefix := name
	if i := strings.IndexAny(name, "-_."); i >= 0 {
		prefix = name[:i]
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, false
	}
	cat := datafield.Category(v)
	return cat, cat.Valid()
}

// descriptorFor interprets one cell token. Tokens that look like canonical
// keys must parse as one; any other value marks the column's own field as
// available.
func descriptorFor(token string, col dataColumn) (*datafield.Descriptor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	if strings.Contains(token, "_") {
		d, err := datafield.ParseKey(token)
		if err != nil {
			return nil, err
		}
		return &d, nil
	}
	if !col.exact {
		return nil, fmt.Errorf("%w: value %q is not a field key and column %q does not name an instance", services.ErrValidation, token, col.name)
	}
	d := col.header
	return &d, nil
}

func normalizeLabel(raw string) (string, error) {
	label := strings.TrimSpace(norm.NFKC.String(raw))
	if strings.HasSuffix(label, ".0") {
		if _, err := strconv.ParseInt(strings.TrimSuffix(label, ".0"), 10, 64); err == nil {
			label = strings.TrimSuffix(label, ".0")
		}
	}
	if label == "" {
		return "", fmt.Errorf("%w: empty subject id", services.ErrValidation)
	}
	for _, r := range label {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return "", fmt.Errorf("%w: subject id %q must be alphanumeric", services.ErrValidation, label)
		}
	}
	return label, nil
}

// sortLabels orders numerically when every label is an integer.
func sortLabels(labels []string) {
	numeric := make(map[string]int64, len(labels))
	for _, l := range labels {
		v, err := strconv.ParseInt(l, 10, 64)
		if err != nil {
			sort.Strings(labels)
			return
		}
		numeric[l] = v
	}
	sort.Slice(labels, func(i, j int) bool {
		return numeric[labels[i]] < numeric[labels[j]]
	})
}
