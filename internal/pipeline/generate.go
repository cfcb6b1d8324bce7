package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/uber/h3-go/v4"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/model"
	"github.com/sells-group/votermap/internal/rollfile"
	"github.com/sells-group/votermap/pkg/geocode"
)

// stagedFile is an output written to the data dir, awaiting deploy.
type stagedFile struct {
	Name string
	Path string
}

// Output file name prefixes.
const (
	MapDataPrefix  = "map_data_"
	MetadataPrefix = "metadata_"
	ErrorsPrefix   = "errors_"
)

// DatasetStem is the identifying part shared by a job's output files:
// {county}_{year}_{type}[_{party}]_{yyyymmdd}_{job8}.
func DatasetStem(job *model.Job) string {
	date := strings.ReplaceAll(job.ElectionDate, "-", "")
	if date == "" {
		date = "unknown"
	}
	parts := []string{slug(job.County), slug(job.Year), slug(job.ElectionType)}
	if job.PrimaryParty != "" {
		parts = append(parts, slug(job.PrimaryParty))
	}
	id := job.ID
	if len(id) > 8 {
		id = id[:8]
	}
	parts = append(parts, slug(date), slug(id))
	return strings.Join(parts, "_")
}

// slug keeps letters, digits and hyphens; anything else becomes a hyphen.
func slug(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			return r
		}
		return '-'
	}, s)
}

// generate writes the map data, the error report (when any row failed) and
// the metadata into the data dir. Metadata is always last.
func (r *run) generate(tbl *rollfile.Table, rows []row, outcomes []outcome, apiCalls int) ([]stagedFile, error) {
	dir := r.p.opts.DataDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "pipeline: create data dir %s", dir)
	}

	stem := DatasetStem(r.job)
	var staged []stagedFile

	fc, geocoded, cacheHits := r.buildFeatures(tbl, rows, outcomes, r.loadHistory())
	mapName := MapDataPrefix + stem + ".json"
	if err := writeStaged(dir, mapName, func(w io.Writer) error {
		data, err := json.Marshal(fc)
		if err != nil {
			return eris.Wrap(err, "pipeline: marshal features")
		}
		_, err = w.Write(data)
		return err
	}); err != nil {
		return nil, err
	}
	staged = append(staged, stagedFile{Name: mapName, Path: filepath.Join(dir, mapName)})

	failed := len(rows) - geocoded
	if failed > 0 {
		errName := ErrorsPrefix + stem + ".csv"
		if err := writeStaged(dir, errName, func(w io.Writer) error {
			return writeErrorReport(w, tbl, rows, outcomes)
		}); err != nil {
			return nil, err
		}
		staged = append(staged, stagedFile{Name: errName, Path: filepath.Join(dir, errName)})
	}

	metaName := MetadataPrefix + stem + ".json"
	meta := model.DatasetMetadata{
		JobID:                r.job.ID,
		Election:             r.job.Election,
		OriginalFilename:     r.job.OriginalFilename,
		TotalAddresses:       len(rows),
		SuccessfullyGeocoded: geocoded,
		FailedAddresses:      failed,
		CacheHits:            cacheHits,
		APICalls:             apiCalls,
		LastUpdated:          r.p.now().UTC(),
	}
	for _, s := range staged {
		meta.Files = append(meta.Files, s.Name)
	}
	meta.Files = append(meta.Files, metaName)

	if err := writeStaged(dir, metaName, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	}); err != nil {
		return nil, err
	}
	staged = append(staged, stagedFile{Name: metaName, Path: filepath.Join(dir, metaName)})
	return staged, nil
}

type coord struct{ lat, lng float64 }

// buildFeatures returns one point feature per geocoded row, in row order.
func (r *run) buildFeatures(tbl *rollfile.Table, rows []row, outcomes []outcome, history *voterHistory) (*geojson.FeatureCollection, int, int) {
	households := make(map[coord]int)
	for _, o := range outcomes {
		if o.err == nil {
			households[coord{o.res.Latitude, o.res.Longitude}]++
		}
	}

	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(rows))}
	var cacheHits int
	seen := make(map[string]bool, len(rows))
	for i, rw := range rows {
		o := outcomes[i]
		if seen[rw.Norm.Value] || (o.err == nil && o.res.Source == geocode.SourceCache) {
			cacheHits++
		}
		seen[rw.Norm.Value] = true
		if o.err != nil {
			continue
		}

		props := voterProperties(tbl, rw.Cells, r.job.PrimaryParty)
		props["address"] = displayAddress(o.res, rw)
		props["original_address"] = rw.Raw
		props["normalized_address"] = rw.Norm.Value
		props["source"] = o.res.Source
		if o.res.Provider != "" {
			props["provider"] = o.res.Provider
		}
		if o.res.Relevance != nil {
			props["relevance"] = *o.res.Relevance
		}
		props["household_voter_count"] = households[coord{o.res.Latitude, o.res.Longitude}]
		vuid, _ := props["vuid"].(string)
		party, _ := props["party_affiliation_current"].(string)
		maps.Copy(props, history.crossReference(voterRecord{
			vuid:  vuid,
			last:  tbl.Value(rw.Cells, "LASTNAME"),
			first: tbl.Value(rw.Cells, "FIRSTNAME"),
			lat:   o.res.Latitude,
			lng:   o.res.Longitude,
			party: party,
		}, r.job.ElectionDate))
		props["voted_in_current_election"] = votedInElection(tbl, rw.Cells)
		props["is_registered"] = registered(tbl, rw.Cells)
		if cell := r.h3Cell(o.res); cell != "" {
			props["h3_cell"] = cell
		}

		fc.Features = append(fc.Features, &geojson.Feature{
			Geometry:   geom.NewPointFlat(geom.XY, []float64{o.res.Longitude, o.res.Latitude}),
			Properties: props,
		})
	}
	return fc, len(fc.Features), cacheHits
}

func displayAddress(res *geocode.Result, rw row) string {
	if res.DisplayName != "" {
		return res.DisplayName
	}
	return rw.Norm.Value
}

func (r *run) h3Cell(res *geocode.Result) string {
	if r.p.opts.H3Resolution <= 0 {
		return ""
	}
	cell, err := h3.LatLngToCell(h3.NewLatLng(res.Latitude, res.Longitude), r.p.opts.H3Resolution)
	if err != nil {
		r.log.Debug("pipeline: h3 cell", zap.Error(err))
		return ""
	}
	return cell.String()
}

var errorReportHeader = []string{"row", "vuid", "address", "normalized_address", "providers", "attempts", "error"}

// writeErrorReport writes one CSV line per row that could not be geocoded.
func writeErrorReport(w io.Writer, tbl *rollfile.Table, rows []row, outcomes []outcome) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(errorReportHeader); err != nil {
		return eris.Wrap(err, "pipeline: write error report header")
	}
	for i, rw := range rows {
		err := outcomes[i].err
		if err == nil {
			continue
		}
		var providers, attempts, reason string
		if f, ok := geocode.AsResolutionFailure(err); ok {
			providers = strings.Join(f.Providers(), "|")
			attempts = strconv.Itoa(f.TotalAttempts())
			reason = f.Detail()
			if reason == "" {
				reason = "no provider matched"
			}
		} else {
			reason = err.Error()
		}
		record := []string{
			strconv.Itoa(lineNumber(rw.Index)),
			resolveVUID(tbl, rw.Cells),
			rw.Raw,
			rw.Norm.Value,
			providers,
			attempts,
			reason,
		}
		if err := cw.Write(record); err != nil {
			return eris.Wrap(err, "pipeline: write error report row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "pipeline: flush error report")
	}
	return nil
}
