package geocode

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ZipLocator resolves a 5-digit ZIP code to an approximate coordinate.
type ZipLocator interface {
	Locate(ctx context.Context, zip string) (*Result, error)
}

// Centroid is a ZIP's representative point.
type Centroid struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

// CentroidTable is an in-memory ZIP to centroid lookup.
type CentroidTable map[string]Centroid

// Locate implements ZipLocator.
func (t CentroidTable) Locate(_ context.Context, zip string) (*Result, error) {
	c, ok := t[zip]
	if !ok {
		return nil, ErrNoMatch
	}
	return &Result{
		Latitude:    c.Lat,
		Longitude:   c.Lng,
		DisplayName: zip,
		Source:      SourceZipFallback,
		Provider:    "zcta",
		Quality:     "centroid",
	}, nil
}

// LoadCentroidYAML reads a table of the form `"78501": {lat: 26.2, lng: -98.2}`.
func LoadCentroidYAML(path string) (CentroidTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: read zip table %s", path)
	}
	var t CentroidTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrapf(err, "geocode: parse zip table %s", path)
	}
	return t, nil
}

var (
	zctaZipFields = []string{"ZCTA5CE20", "ZCTA5CE10", "GEOID20", "GEOID10", "ZCTA5"}
	zctaLatFields = []string{"INTPTLAT20", "INTPTLAT10", "INTPTLAT"}
	zctaLonFields = []string{"INTPTLON20", "INTPTLON10", "INTPTLON"}
)

// LoadZCTAShapefile builds a CentroidTable from a Census ZCTA shapefile.
// path may be the .shp itself or the .zip it ships in. The internal point
// columns are used when present; otherwise the shape's own point or the
// center of its bounding box.
func LoadZCTAShapefile(path string) (CentroidTable, error) {
	shpPath := path
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		dir, err := os.MkdirTemp("", "zcta-*")
		if err != nil {
			return nil, eris.Wrap(err, "geocode: create extract dir")
		}
		defer os.RemoveAll(dir) //nolint:errcheck

		if err := extractZIP(path, dir); err != nil {
			return nil, eris.Wrap(err, "geocode: extract ZCTA archive")
		}
		shpPath, err = findFileByExt(dir, ".shp")
		if err != nil {
			return nil, eris.Wrap(err, "geocode: find .shp file")
		}
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	zipIdx := firstField(reader, zctaZipFields)
	if zipIdx < 0 {
		return nil, eris.Errorf("geocode: %s has no ZCTA code field", shpPath)
	}
	latIdx := firstField(reader, zctaLatFields)
	lonIdx := firstField(reader, zctaLonFields)

	table := make(CentroidTable)
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()

		code := attr(reader, zipIdx)
		if len(code) != 5 {
			skipped++
			continue
		}

		c, ok := internalPoint(reader, latIdx, lonIdx)
		if !ok {
			c, ok = shapeCentroid(shape)
		}
		if !ok {
			skipped++
			continue
		}
		table[code] = c
	}

	zap.L().Info("geocode: loaded ZCTA centroids",
		zap.String("path", path),
		zap.Int("zips", len(table)),
		zap.Int("skipped", skipped),
	)
	return table, nil
}

func attr(reader *shp.Reader, idx int) string {
	return strings.TrimSpace(strings.TrimRight(reader.Attribute(idx), "\x00"))
}

func firstField(reader *shp.Reader, names []string) int {
	for _, name := range names {
		for i, f := range reader.Fields() {
			if strings.EqualFold(strings.TrimRight(f.String(), "\x00"), name) {
				return i
			}
		}
	}
	return -1
}

func internalPoint(reader *shp.Reader, latIdx, lonIdx int) (Centroid, bool) {
	if latIdx < 0 || lonIdx < 0 {
		return Centroid{}, false
	}
	lat, err := strconv.ParseFloat(attr(reader, latIdx), 64)
	if err != nil {
		return Centroid{}, false
	}
	lng, err := strconv.ParseFloat(attr(reader, lonIdx), 64)
	if err != nil {
		return Centroid{}, false
	}
	return Centroid{Lat: lat, Lng: lng}, true
}

func shapeCentroid(s shp.Shape) (Centroid, bool) {
	switch v := s.(type) {
	case nil:
		return Centroid{}, false
	case *shp.Point:
		return Centroid{Lat: v.Y, Lng: v.X}, true
	default:
		box := s.BBox()
		if box.MinX == 0 && box.MaxX == 0 && box.MinY == 0 && box.MaxY == 0 {
			return Centroid{}, false
		}
		return Centroid{
			Lat: (box.MinY + box.MaxY) / 2,
			Lng: (box.MinX + box.MaxX) / 2,
		}, true
	}
}

func extractZIP(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "open zip")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		destPath := filepath.Join(destDir, filepath.Base(f.Name))

		rc, err := f.Open()
		if err != nil {
			return eris.Wrapf(err, "open zip entry %s", f.Name)
		}
		out, err := os.Create(destPath)
		if err != nil {
			_ = rc.Close()
			return eris.Wrapf(err, "create %s", destPath)
		}
		_, err = io.Copy(out, rc)
		_ = out.Close()
		_ = rc.Close()
		if err != nil {
			return eris.Wrapf(err, "extract %s", f.Name)
		}
	}
	return nil
}

func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("no %s file found in %s", ext, dir)
}

// ChainZipLocator asks the provider chain for "ZIP, STATE, USA" and
// remembers each answer per ZIP.
type ChainZipLocator struct {
	chain *Chain
	state string
	seen  sync.Map // zip -> *Result
}

// NewChainZipLocator creates a ChainZipLocator for ZIPs in state.
func NewChainZipLocator(chain *Chain, state string) *ChainZipLocator {
	return &ChainZipLocator{chain: chain, state: state}
}

// Locate implements ZipLocator.
func (l *ChainZipLocator) Locate(ctx context.Context, zip string) (*Result, error) {
	if v, ok := l.seen.Load(zip); ok {
		return v.(*Result).Clone(), nil
	}

	query := zip + ", USA"
	if l.state != "" {
		query = zip + ", " + l.state + ", USA"
	}
	res, _, err := l.chain.Geocode(ctx, query)
	if err != nil {
		return nil, err
	}

	res = res.Clone()
	res.Source = SourceZipFallback
	res.DisplayName = zip
	res.Quality = "centroid"
	l.seen.Store(zip, res)
	return res.Clone(), nil
}

// MultiZipLocator tries each locator in order.
type MultiZipLocator []ZipLocator

// Locate implements ZipLocator.
func (m MultiZipLocator) Locate(ctx context.Context, zip string) (*Result, error) {
	for _, l := range m {
		res, err := l.Locate(ctx, zip)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, ErrNoMatch
}
