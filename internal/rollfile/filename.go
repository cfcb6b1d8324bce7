package rollfile

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/votermap/internal/model"
)

// Voting methods recognized in filenames.
const (
	MethodEarlyVoting = "early-voting"
	MethodElectionDay = "election-day"
)

// FilenameInfo is the election metadata an upload's filename implies.
type FilenameInfo struct {
	Year         string
	County       string
	ElectionType string
	// Party is the display name ("Republican"), empty when absent.
	Party       string
	EarlyVoting bool
	Cumulative  bool
	// Timestamp and ElectionDate come from a trailing digit run such as
	// _202403020808348828 or _20241105.
	Timestamp    time.Time
	ElectionDate string
}

// VotingMethod returns early-voting or election-day.
func (f FilenameInfo) VotingMethod() string {
	if f.EarlyVoting {
		return MethodEarlyVoting
	}
	return MethodElectionDay
}

// Election converts the parsed fields into job metadata. The party is kept
// only for primaries and runoffs, lowercased.
func (f FilenameInfo) Election() model.Election {
	e := model.Election{
		County:       f.County,
		Year:         f.Year,
		ElectionType: f.ElectionType,
		ElectionDate: f.ElectionDate,
		VotingMethod: f.VotingMethod(),
	}
	if f.ElectionType == "primary" || f.ElectionType == "runoff" {
		e.PrimaryParty = strings.ToLower(f.Party)
	}
	return e
}

type codeName struct {
	code string
	name string
}

var (
	partyCodes = []codeName{
		{"REP", "Republican"},
		{"REPUBLICAN", "Republican"},
		{"DEM", "Democratic"},
		{"DEMOCRAT", "Democratic"},
		{"DEMOCRATIC", "Democratic"},
		{"LIB", "Libertarian"},
		{"LIBERTARIAN", "Libertarian"},
		{"GRN", "Green"},
		{"GREEN", "Green"},
		{"IND", "Independent"},
		{"INDEPENDENT", "Independent"},
	}

	electionTypes = []codeName{
		{"PRIMARY", "primary"},
		{"RUNOFF", "runoff"},
		{"GENERAL", "general"},
		{"SPECIAL", "special"},
	}

	// KnownCounties are matched in filenames. Multi-word names also match
	// with underscores or hyphens.
	KnownCounties = []string{
		"HIDALGO", "CAMERON", "HARRIS", "DALLAS", "TARRANT", "BEXAR",
		"TRAVIS", "COLLIN", "DENTON", "EL PASO", "FORT BEND", "MONTGOMERY",
		"WILLIAMSON", "NUECES", "GALVESTON", "BRAZORIA", "WEBB",
	}

	standaloneYearRe = regexp.MustCompile(`(?:^|[_\s])(20\d{2})(?:[_\s]|$)`)
	anyYearRe        = regexp.MustCompile(`20\d{2}`)
	earlyVotingRe    = regexp.MustCompile(`(?:^|[_\s])EV(?:[_\s]|$)|EARLY[\s_-]*VOTING`)
	cumulativeRe     = regexp.MustCompile(`(?:^|[^A-Z])(?:CUMULATIVE|CUMUL|TOTAL|AGGREGATE)(?:[^A-Z]|$)`)
	timestampRe      = regexp.MustCompile(`_?(\d{14,20}|\d{8})$`)
)

// tokenRe matches code as a whole token delimited by start, end, space or
// underscore.
func tokenRe(code string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[_\s])` + regexp.QuoteMeta(code) + `(?:[_\s]|$)`)
}

// countyRe matches a county name not embedded in a longer word.
func countyRe(county string) *regexp.Regexp {
	words := strings.Fields(county)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?:^|[^A-Z])` + strings.Join(words, `[\s_-]+`) + `(?:[^A-Z]|$)`)
}

var (
	partyRes  = compileCodes(partyCodes)
	typeRes   = compileCodes(electionTypes)
	countyRes = func() []*regexp.Regexp {
		out := make([]*regexp.Regexp, len(KnownCounties))
		for i, c := range KnownCounties {
			out[i] = countyRe(c)
		}
		return out
	}()
)

func compileCodes(codes []codeName) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(codes))
	for i, c := range codes {
		out[i] = tokenRe(c.code)
	}
	return out
}

// ParseFilename extracts election metadata from an upload filename such as
// "2024 Primary EV REP (Cumulative)_202403020808348828.csv" or
// "Hidalgo_2024_Primary_Republican_EarlyVoting.xlsx". Missing fields
// default to the current year, "general" and county "Unknown".
func ParseFilename(filename string, now time.Time) FilenameInfo {
	name := filepath.Base(filename)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	upper := strings.ToUpper(name)

	info := FilenameInfo{}

	if m := standaloneYearRe.FindStringSubmatch(name); m != nil {
		info.Year = m[1]
	} else if y := anyYearRe.FindString(name); y != "" {
		info.Year = y
	}

	for i, re := range partyRes {
		if re.MatchString(upper) {
			info.Party = partyCodes[i].name
			break
		}
	}
	for i, re := range typeRes {
		if re.MatchString(upper) {
			info.ElectionType = electionTypes[i].name
			break
		}
	}

	info.EarlyVoting = earlyVotingRe.MatchString(upper)
	info.Cumulative = cumulativeRe.MatchString(upper)

	if m := timestampRe.FindStringSubmatch(name); m != nil {
		digits := m[1]
		if len(digits) >= 14 {
			if ts, err := time.Parse("20060102150405", digits[:14]); err == nil {
				info.Timestamp = ts
			}
		}
		if info.Timestamp.IsZero() {
			if ts, err := time.Parse("20060102", digits[:8]); err == nil {
				info.Timestamp = ts
			}
		}
		if !info.Timestamp.IsZero() {
			info.ElectionDate = info.Timestamp.Format("2006-01-02")
		}
	}

	for i, re := range countyRes {
		if re.MatchString(upper) {
			info.County = titleCase(KnownCounties[i])
			break
		}
	}

	if info.Year == "" {
		info.Year = strconv.Itoa(now.Year())
	}
	if info.ElectionType == "" {
		info.ElectionType = "general"
	}
	if info.County == "" {
		info.County = "Unknown"
	}
	return info
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
