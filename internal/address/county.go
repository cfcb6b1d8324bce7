package address

import (
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// County describes the cities the normalizer recognizes within one county
// and the city assumed when a row names none.
type County struct {
	DefaultCity string   `yaml:"default_city"`
	Cities      []string `yaml:"cities"`
}

// Table is the county lookup table used to infer missing city and state.
type Table struct {
	State     string            `yaml:"state"`
	StateAbbr string            `yaml:"state_abbr"`
	Counties  map[string]County `yaml:"counties"`
}

// DefaultTable returns the built-in Rio Grande Valley table.
func DefaultTable() *Table {
	return &Table{
		State:     "TEXAS",
		StateAbbr: "TX",
		Counties: map[string]County{
			"HIDALGO": {
				DefaultCity: "MCALLEN",
				Cities: []string{
					"MCALLEN", "EDINBURG", "MISSION", "PHARR", "WESLACO", "DONNA",
					"ALAMO", "MERCEDES", "LA JOYA", "ELSA", "EDCOUCH", "SAN JUAN",
				},
			},
			"CAMERON": {
				DefaultCity: "BROWNSVILLE",
				Cities:      []string{"BROWNSVILLE", "HARLINGEN", "SAN BENITO"},
			},
			"STARR": {
				DefaultCity: "RIO GRANDE CITY",
				Cities:      []string{"RIO GRANDE CITY", "ROMA"},
			},
			"WILLACY": {
				DefaultCity: "RAYMONDVILLE",
				Cities:      []string{"RAYMONDVILLE", "LYFORD"},
			},
		},
	}
}

// LoadTable reads a county table from a YAML file. Names are uppercased so
// lookups are case-insensitive.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "address: read county table %s", path)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrapf(err, "address: parse county table %s", path)
	}
	if t.State == "" {
		return nil, eris.Errorf("address: county table %s has no state", path)
	}

	out := &Table{
		State:     strings.ToUpper(strings.TrimSpace(t.State)),
		StateAbbr: strings.ToUpper(strings.TrimSpace(t.StateAbbr)),
		Counties:  make(map[string]County, len(t.Counties)),
	}
	for name, c := range t.Counties {
		cities := make([]string, 0, len(c.Cities))
		for _, city := range c.Cities {
			cities = append(cities, strings.ToUpper(strings.TrimSpace(city)))
		}
		out.Counties[countyKey(name)] = County{
			DefaultCity: strings.ToUpper(strings.TrimSpace(c.DefaultCity)),
			Cities:      cities,
		}
	}
	return out, nil
}

// Lookup returns the county entry for name ("Hidalgo", "HIDALGO COUNTY", ...).
func (t *Table) Lookup(name string) (County, bool) {
	c, ok := t.Counties[countyKey(name)]
	return c, ok
}

// knownCities returns every city in the table, longest first so multi-word
// names are matched before their prefixes.
func (t *Table) knownCities() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range t.Counties {
		for _, city := range append([]string{c.DefaultCity}, c.Cities...) {
			if city == "" || seen[city] {
				continue
			}
			seen[city] = true
			out = append(out, city)
		}
	}
	slices.SortFunc(out, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
	return out
}

func countyKey(name string) string {
	k := strings.ToUpper(strings.TrimSpace(name))
	k = strings.TrimSuffix(k, " COUNTY")
	return strings.TrimSpace(k)
}
