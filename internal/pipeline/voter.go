package pipeline

import (
	"strings"

	"github.com/sells-group/votermap/internal/rollfile"
)

// voterColumns are copied into feature properties when present, keyed by
// the lowercased column name with hyphens as underscores.
var voterColumns = []string{
	"ID", "VUID", "CERT", "LASTNAME", "FIRSTNAME",
	"MIDDLENAME", "SUFFIX", "CHECK-IN", "SITE", "PARTY",
}

func propertyKey(col string) string {
	return strings.ReplaceAll(strings.ToLower(col), "-", "_")
}

// voterProperties returns the voter columns of one row plus the derived
// vuid, name and party_affiliation_current fields.
func voterProperties(tbl *rollfile.Table, cells []string, primaryParty string) map[string]any {
	props := map[string]any{
		"precinct":     tbl.Value(cells, "PRECINCT"),
		"ballot_style": tbl.Value(cells, "BALLOT STYLE"),
	}
	for _, col := range voterColumns {
		if v := tbl.Value(cells, col); v != "" {
			props[propertyKey(col)] = v
		}
	}

	if vuid := resolveVUID(tbl, cells); vuid != "" {
		props["vuid"] = vuid
	}
	if name := fullName(tbl, cells); name != "" {
		props["name"] = name
	}
	props["party_affiliation_current"] = currentParty(tbl.Value(cells, "PARTY"), primaryParty, tbl.Value(cells, "BALLOT STYLE"))
	return props
}

// resolveVUID returns the VUID column, else CERT, else ID when it is a
// 10-digit number.
func resolveVUID(tbl *rollfile.Table, cells []string) string {
	if v := tbl.Value(cells, "VUID"); v != "" {
		return v
	}
	if v := tbl.Value(cells, "CERT"); v != "" {
		return v
	}
	if v := tbl.Value(cells, "ID"); len(v) == 10 && allDigits(v) {
		return v
	}
	return ""
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

func fullName(tbl *rollfile.Table, cells []string) string {
	var parts []string
	for _, col := range []string{"FIRSTNAME", "MIDDLENAME", "LASTNAME", "SUFFIX"} {
		if v := tbl.Value(cells, col); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// currentParty maps a row's party code, then the job's primary party, then
// the ballot style to a party name.
func currentParty(code, primaryParty, ballotStyle string) string {
	switch c := strings.ToUpper(strings.TrimSpace(code)); c {
	case "":
	case "D", "DEM", "DEMOCRAT", "DEMOCRATIC":
		return "Democratic"
	case "R", "REP", "REPUBLICAN":
		return "Republican"
	default:
		return c
	}

	switch strings.ToLower(primaryParty) {
	case "democratic":
		return "Democratic"
	case "republican":
		return "Republican"
	}

	ballot := strings.ToUpper(ballotStyle)
	switch {
	case strings.Contains(ballot, "REP"):
		return "Republican"
	case strings.Contains(ballot, "DEM"):
		return "Democratic"
	}
	return ""
}
