package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/votermap/internal/address"
	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/internal/rollfile"
)

// minAddressLen is the shortest address accepted by validation.
const minAddressLen = 5

// maxReportedProblems caps the problems listed in a ValidationError message.
const maxReportedProblems = 10

// ValidationError rejects a roll file before any geocoding happens.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	shown := e.Problems
	suffix := ""
	if len(shown) > maxReportedProblems {
		suffix = fmt.Sprintf(" (and %d more)", len(shown)-maxReportedProblems)
		shown = shown[:maxReportedProblems]
	}
	return "pipeline: validation failed: " + strings.Join(shown, "; ") + suffix
}

// validate reads the roll and checks its structure: required columns, at
// least one data row, and a usable address on every row.
func (p *Processor) validate(path string) (*rollfile.Table, error) {
	tbl, err := rollfile.Read(path)
	if err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("read file: %v", err)}}
	}

	if missing := tbl.MissingColumns(p.opts.RequiredColumns); len(missing) > 0 {
		return nil, &ValidationError{Problems: []string{
			"missing required columns: " + strings.Join(missing, ", "),
		}}
	}
	if len(tbl.Rows) == 0 {
		return nil, &ValidationError{Problems: []string{"file has no data rows"}}
	}

	var problems []string
	for i, row := range tbl.Rows {
		addr := tbl.Value(row, "ADDRESS")
		switch {
		case addr == "":
			problems = append(problems, fmt.Sprintf("row %d: empty address", lineNumber(i)))
		case len(addr) < minAddressLen:
			problems = append(problems, fmt.Sprintf("row %d: address too short", lineNumber(i)))
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return tbl, nil
}

// lineNumber converts a data-row index to its line in the file, counting
// the header as line 1.
func lineNumber(i int) int { return i + 2 }

// row is one cleaned data row.
type row struct {
	Index int
	Cells []string
	Raw   string
	Norm  address.Normalized
}

func (p *Processor) clean(tbl *rollfile.Table, n *address.Normalizer) []row {
	rows := make([]row, len(tbl.Rows))
	for i, cells := range tbl.Rows {
		raw := tbl.Value(cells, "ADDRESS")
		rows[i] = row{Index: i, Cells: cells, Raw: raw, Norm: n.Normalize(raw)}
	}
	return rows
}

func (r *run) reportClean(ctx context.Context, rows []row) {
	distinct := make(map[string]struct{}, len(rows))
	var poBoxes int
	for _, rw := range rows {
		distinct[rw.Norm.Value] = struct{}{}
		if rw.Norm.POBox {
			poBoxes++
		}
	}

	r.rep.Update(ctx, func(j *model.Job) {
		j.TotalRecords = len(rows)
	})
	r.logf(ctx, model.LogInfo, "Cleaned %d addresses (%d distinct)", len(rows), len(distinct))
	if poBoxes > 0 {
		r.logf(ctx, model.LogWarning, "%d PO Box addresses may resolve only to a ZIP centroid", poBoxes)
	}
}
