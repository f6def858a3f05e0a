package worklist

import "strings"

type cell struct {
	values []string
	null   bool
}

func (c cell) isNull() bool {
	if c.null {
		return true
	}
	for _, v := range c.values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func (c cell) first() string {
	if len(c.values) == 0 {
		return ""
	}
	return c.values[0]
}

// sourceTable is a row-major view of the extract.
type sourceTable struct {
	columns []string
	rows    [][]cell
}

func (t *sourceTable) columnIndex(name string) int {
	for i, c := range t.columns {
		if c == name {
			return i
		}
	}
	return -1
}
