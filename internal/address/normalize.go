// Package address canonicalizes voter-roll street addresses into the stable
// keys used by the geocoding cache.
package address

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalized is the canonical form of one address.
type Normalized struct {
	// Value is the uppercased, abbreviation-expanded address and the cache key.
	Value string `json:"value"`
	// ZIP is the trailing five-digit ZIP code, if any.
	ZIP string `json:"zip,omitempty"`
	// POBox marks post-office-box addresses. They are still geocoded but
	// rarely resolve to a rooftop.
	POBox bool `json:"po_box,omitempty"`
}

// abbreviations expands whole-token street types, unit designators and
// directionals.
var abbreviations = map[string]string{
	"ST":   "STREET",
	"AVE":  "AVENUE",
	"AV":   "AVENUE",
	"RD":   "ROAD",
	"DR":   "DRIVE",
	"LN":   "LANE",
	"CT":   "COURT",
	"BLVD": "BOULEVARD",
	"CIR":  "CIRCLE",
	"PKWY": "PARKWAY",
	"HWY":  "HIGHWAY",
	"APT":  "APARTMENT",
	"N":    "NORTH",
	"S":    "SOUTH",
	"E":    "EAST",
	"W":    "WEST",
}

var (
	commaRe = regexp.MustCompile(`\s*,[\s,]*`)
	spaceRe = regexp.MustCompile(`\s+`)
	zipRe   = regexp.MustCompile(`(?:^|\s)(\d{5})(?:-\d{4})?$`)
	poBoxRe = regexp.MustCompile(`\b(?:P ?O ?BOX|POBOX|POST OFFICE BOX)\b`)
)

// Normalizer canonicalizes addresses, optionally bound to a county whose
// default city is appended when a row names no known city.
type Normalizer struct {
	table  *Table
	county County
	known  []string
}

// NewNormalizer creates a county-less Normalizer over table. A nil table
// selects DefaultTable.
func NewNormalizer(table *Table) *Normalizer {
	if table == nil {
		table = DefaultTable()
	}
	return &Normalizer{
		table: table,
		known: table.knownCities(),
	}
}

// ForCounty returns a Normalizer that infers cities for the named county.
// Unknown counties infer only the state.
func (n *Normalizer) ForCounty(name string) *Normalizer {
	c, _ := n.table.Lookup(name)
	return &Normalizer{
		table:  n.table,
		county: c,
		known:  n.known,
	}
}

// State returns the state name appended to every normalized address.
func (n *Normalizer) State() string {
	return n.table.State
}

// Normalize returns the canonical form of raw. It is deterministic and
// idempotent: Normalize(Normalize(x).Value) == Normalize(x).
func (n *Normalizer) Normalize(raw string) Normalized {
	s := n.clean(raw)
	if s == "" {
		return Normalized{}
	}

	out := Normalized{POBox: poBoxRe.MatchString(s)}

	rest := s
	if m := zipRe.FindStringSubmatchIndex(s); m != nil && !strings.HasSuffix(strings.TrimSpace(s[:m[0]]), "BOX") {
		out.ZIP = s[m[2]:m[3]]
		rest = strings.TrimRight(s[:m[0]], " ,")
	}

	state := n.table.State
	if rest == state {
		rest = ""
	} else if strings.HasSuffix(rest, " "+state) {
		rest = strings.TrimRight(strings.TrimSuffix(rest, state), " ,")
	}

	if rest != "" && n.county.DefaultCity != "" && !n.hasCity(rest) {
		rest += ", " + n.county.DefaultCity
	}

	parts := make([]string, 0, 2)
	if rest != "" {
		parts = append(parts, rest)
	}
	tail := state
	if out.ZIP != "" {
		tail += " " + out.ZIP
	}
	parts = append(parts, tail)
	out.Value = strings.Join(parts, ", ")
	return out
}

// Key is shorthand for Normalize(raw).Value.
func (n *Normalizer) Key(raw string) string {
	return n.Normalize(raw).Value
}

// clean folds diacritics, uppercases, normalizes punctuation and spacing and
// expands abbreviations token by token.
func (n *Normalizer) clean(raw string) string {
	s := foldDiacritics(raw)
	s = strings.ToUpper(s)
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, "#", " ")
	s = commaRe.ReplaceAllString(s, ", ")
	s = spaceRe.ReplaceAllString(s, " ")
	s = strings.Trim(s, " ,")
	if s == "" {
		return ""
	}

	tokens := strings.Split(s, " ")
	for i, tok := range tokens {
		word, comma := strings.CutSuffix(tok, ",")
		if full, ok := abbreviations[word]; ok {
			word = full
		} else if n.table.StateAbbr != "" && word == n.table.StateAbbr {
			word = n.table.State
		}
		if comma {
			word += ","
		}
		tokens[i] = word
	}
	return strings.Join(tokens, " ")
}

// hasCity reports whether a known city appears in the locality part of s:
// everything after the first comma, or the whole string when there is none.
func (n *Normalizer) hasCity(s string) bool {
	region := s
	if i := strings.Index(s, ","); i >= 0 {
		region = s[i+1:]
	}
	padded := " " + strings.ReplaceAll(region, ",", " ") + " "
	for _, city := range n.known {
		if strings.Contains(padded, " "+city+" ") {
			return true
		}
	}
	return false
}

func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
