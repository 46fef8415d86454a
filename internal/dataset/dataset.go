// Package dataset turns uploaded CSV bytes into a numeric table and back.
// Every column must be numeric; the first row is the header.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/haukened/sealml/internal/domain"
)

// Table is a dense numeric table with named columns.
type Table struct {
	Columns []string
	Rows    [][]float64
}

// Parse reads CSV bytes. Malformed input fails with domain.ErrParse.
func Parse(raw []byte) (*Table, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(raw))
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty input", domain.ErrParse)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrParse, err)
	}
	seen := make(map[string]struct{}, len(header))
	cols := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, fmt.Errorf("%w: column %d has no name", domain.ErrParse, i+1)
		}
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", domain.ErrParse, h)
		}
		seen[h] = struct{}{}
		cols[i] = h
	}
	t := &Table{Columns: cols}
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrParse, err)
		}
		row := make([]float64, len(rec))
		for i, cell := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %q: %q is not a number", domain.ErrParse, line, cols[i], cell)
			}
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
	if len(t.Rows) == 0 {
		return nil, fmt.Errorf("%w: no data rows", domain.ErrParse)
	}
	return t, nil
}

// Index returns the position of column name, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns a copy of the named column.
func (t *Table) Column(name string) ([]float64, bool) {
	i := t.Index(name)
	if i < 0 {
		return nil, false
	}
	out := make([]float64, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out, true
}

// Len returns the number of data rows.
func (t *Table) Len() int { return len(t.Rows) }

// CSV renders the table with a header row. Values use the shortest
// representation that round-trips.
func (t *Table) CSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Columns); err != nil {
		return nil, err
	}
	rec := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, v := range row {
			rec[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
