package pipeline

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/dataset"
	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/internal/rollfile"
)

// nameCoordKey identifies a voter without a VUID: upper-cased names plus
// the point rounded to four decimals (about 11 m).
type nameCoordKey struct {
	last, first string
	lat, lng    float64
}

func newNameCoordKey(last, first string, lat, lng float64) (nameCoordKey, bool) {
	last = strings.ToUpper(strings.TrimSpace(last))
	first = strings.ToUpper(strings.TrimSpace(first))
	if last == "" || first == "" {
		return nameCoordKey{}, false
	}
	return nameCoordKey{last: last, first: first, lat: round4(lat), lng: round4(lng)}, true
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

// priorElection is what one earlier election's published datasets say
// about each voter's party. Datasets sharing an election date (the two
// primaries, early and election-day rosters) are merged.
type priorElection struct {
	date        string
	byVUID      map[string]string
	byNameCoord map[nameCoordKey]string
}

func (e *priorElection) party(vuid string, key nameCoordKey, hasKey bool) (string, bool) {
	if vuid != "" {
		if p, ok := e.byVUID[vuid]; ok {
			return p, true
		}
	}
	if hasKey {
		if p, ok := e.byNameCoord[key]; ok {
			return p, true
		}
	}
	return "", false
}

// voterHistory cross-references voters against the same county's earlier
// elections, oldest first.
type voterHistory struct {
	elections []*priorElection
}

// loadVoterHistory reads every dataset published in catalog for county
// with an election date strictly before electionDate. Unreadable map
// files are logged and skipped.
func loadVoterHistory(catalog *dataset.Catalog, county, electionDate string, log *zap.Logger) (*voterHistory, error) {
	h := &voterHistory{}
	if catalog == nil || county == "" || electionDate == "" {
		return h, nil
	}

	metas, err := catalog.List()
	if err != nil {
		return nil, err
	}

	byDate := make(map[string]*priorElection)
	for _, m := range metas {
		if !strings.EqualFold(strings.TrimSpace(m.County), strings.TrimSpace(county)) {
			continue
		}
		if m.ElectionDate == "" || m.ElectionDate >= electionDate {
			continue
		}
		mapFile := mapDataFile(m)
		if mapFile == "" {
			continue
		}

		e := byDate[m.ElectionDate]
		if e == nil {
			e = &priorElection{
				date:        m.ElectionDate,
				byVUID:      make(map[string]string),
				byNameCoord: make(map[nameCoordKey]string),
			}
		}
		if err := e.load(filepath.Join(catalog.Dir(), mapFile)); err != nil {
			log.Warn("pipeline: skipping earlier dataset", zap.String("file", mapFile), zap.Error(err))
			continue
		}
		byDate[m.ElectionDate] = e
	}

	for _, e := range byDate {
		h.elections = append(h.elections, e)
	}
	slices.SortFunc(h.elections, func(a, b *priorElection) int {
		return strings.Compare(a.date, b.date)
	})
	return h, nil
}

// loadHistory reads the earlier elections published for this job's
// county. Failures only cost the history properties, never the job.
func (r *run) loadHistory() *voterHistory {
	if r.p.opts.PublicDir == "" {
		return &voterHistory{}
	}
	h, err := loadVoterHistory(dataset.NewCatalog(r.p.opts.PublicDir), r.job.County, r.job.ElectionDate, r.log)
	if err != nil {
		r.log.Warn("pipeline: voter history unavailable", zap.Error(err))
		return &voterHistory{}
	}
	if len(h.elections) > 0 {
		r.log.Info("pipeline: cross-referencing earlier elections",
			zap.Int("elections", len(h.elections)),
			zap.String("most_recent", h.elections[len(h.elections)-1].date),
		)
	}
	return h
}

func mapDataFile(m model.DatasetMetadata) string {
	for _, f := range m.Files {
		if strings.HasPrefix(f, MapDataPrefix) {
			return f
		}
	}
	return ""
}

// load adds the voters of one published map file.
func (e *priorElection) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrap(err, "pipeline: read earlier map data")
	}
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return eris.Wrap(err, "pipeline: decode earlier map data")
	}

	for _, f := range fc.Features {
		party := stringProp(f.Properties, "party_affiliation_current")
		if vuid := stringProp(f.Properties, "vuid"); vuid != "" {
			e.byVUID[vuid] = party
		}
		pt, ok := f.Geometry.(*geom.Point)
		if !ok || pt.Empty() {
			continue
		}
		if key, ok := newNameCoordKey(stringProp(f.Properties, "lastname"), stringProp(f.Properties, "firstname"), pt.Y(), pt.X()); ok {
			e.byNameCoord[key] = party
		}
	}
	return nil
}

func stringProp(props map[string]any, key string) string {
	switch v := props[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// voterRecord is one current voter as the history sees them.
type voterRecord struct {
	vuid     string
	last     string
	first    string
	lat, lng float64
	party    string
}

// crossReference returns the history properties for one voter.
// party_affiliation_previous comes from the most recent earlier election
// only and is set when that party differs from the current one.
func (h *voterHistory) crossReference(v voterRecord, electionDate string) map[string]any {
	key, hasKey := newNameCoordKey(v.last, v.first, v.lat, v.lng)

	var (
		history  []string
		dates    []string
		previous string
	)
	for i, e := range h.elections {
		p, ok := e.party(v.vuid, key, hasKey)
		if !ok {
			continue
		}
		dates = append(dates, e.date)
		if p != "" && !slices.Contains(history, p) {
			history = append(history, p)
		}
		if i == len(h.elections)-1 && p != "" && p != v.party {
			previous = p
		}
	}
	if v.party != "" && !slices.Contains(history, v.party) {
		history = append(history, v.party)
	}
	if electionDate != "" && !slices.Contains(dates, electionDate) {
		dates = append(dates, electionDate)
	}

	if history == nil {
		history = []string{}
	}
	if dates == nil {
		dates = []string{}
	}
	return map[string]any{
		"party_affiliation_previous":  previous,
		"party_history":               history,
		"has_switched_parties":        switchedParties(history),
		"election_dates_participated": dates,
	}
}

// switchedParties reports whether history holds both major parties.
func switchedParties(history []string) bool {
	var rep, dem bool
	for _, p := range history {
		lp := strings.ToLower(p)
		rep = rep || strings.Contains(lp, "rep")
		dem = dem || strings.Contains(lp, "dem")
	}
	return rep && dem
}

// votedInElection reports whether the row shows the voter cast a ballot:
// a truthy VOTED column, or any of VOTE METHOD, VOTE DATE or CHECK-IN.
func votedInElection(tbl *rollfile.Table, cells []string) bool {
	if v := strings.ToLower(tbl.Value(cells, "VOTED")); v != "" {
		switch v {
		case "1", "y", "yes", "true", "t", "x":
			return true
		default:
			return false
		}
	}
	for _, col := range []string{"VOTE METHOD", "VOTE DATE", "CHECK-IN"} {
		if tbl.Value(cells, col) != "" {
			return true
		}
	}
	return false
}

// registered reports the row's registration status. Anyone listed on the
// roll without a status column counts as registered.
func registered(tbl *rollfile.Table, cells []string) bool {
	for _, col := range []string{"REGISTRATION STATUS", "STATUS"} {
		if v := strings.ToLower(tbl.Value(cells, col)); v != "" {
			return v == "active" || v == "registered"
		}
	}
	return true
}
