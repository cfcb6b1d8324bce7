// Package rollfile reads voter-roll uploads (CSV or XLSX) into a header and
// string rows, and extracts election metadata from upload filenames.
package rollfile

import (
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Table is a roll file's header and data rows. Rows may be shorter than the
// header; Value treats missing cells as empty.
type Table struct {
	Header []string
	Rows   [][]string

	index map[string]int
}

// Read parses a .csv or .xlsx file by extension.
func Read(path string) (*Table, error) {
	var (
		raw [][]string
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		raw, err = readCSV(path)
	case ".xlsx":
		raw, err = readXLSX(path)
	default:
		return nil, eris.Errorf("rollfile: unsupported format %q (want .csv or .xlsx)", ext)
	}
	if err != nil {
		return nil, err
	}
	return newTable(raw), nil
}

func newTable(raw [][]string) *Table {
	t := &Table{}
	if len(raw) == 0 {
		return t
	}
	t.Header = make([]string, len(raw[0]))
	for i, h := range raw[0] {
		t.Header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	for _, r := range raw[1:] {
		if blank(r) {
			continue
		}
		t.Rows = append(t.Rows, r)
	}
	return t
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Index returns the position of a column, matched case-insensitively, or -1.
func (t *Table) Index(col string) int {
	if t.index == nil {
		t.index = make(map[string]int, len(t.Header))
		for i, h := range t.Header {
			key := strings.ToUpper(h)
			if _, ok := t.index[key]; !ok {
				t.index[key] = i
			}
		}
	}
	if i, ok := t.index[strings.ToUpper(strings.TrimSpace(col))]; ok {
		return i
	}
	return -1
}

// Has reports whether the column exists.
func (t *Table) Has(col string) bool {
	return t.Index(col) >= 0
}

// Value returns the trimmed cell for col in row, or "".
func (t *Table) Value(row []string, col string) string {
	i := t.Index(col)
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// MissingColumns returns the required columns absent from the header.
func (t *Table) MissingColumns(required []string) []string {
	var missing []string
	for _, c := range required {
		if !t.Has(c) {
			missing = append(missing, c)
		}
	}
	return missing
}
