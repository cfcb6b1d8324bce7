// Package dataset tracks published map datasets and detects uploads that
// would duplicate one.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/votermap/internal/model"
)

// MetadataGlob matches published metadata files.
const MetadataGlob = "metadata_*.json"

// Matches reports whether two datasets describe the same election: county
// (case-insensitive), year, election type, election date and voting method
// all equal. Filenames and record counts are ignored.
func Matches(a, b model.DatasetMetadata) bool {
	return strings.EqualFold(strings.TrimSpace(a.County), strings.TrimSpace(b.County)) &&
		field(a.Year) == field(b.Year) &&
		field(a.ElectionType) == field(b.ElectionType) &&
		field(a.ElectionDate) == field(b.ElectionDate) &&
		field(a.VotingMethod) == field(b.VotingMethod)
}

func field(s string) string { return strings.TrimSpace(s) }

// Catalog reads the datasets published in one directory.
type Catalog struct {
	dir string
}

// NewCatalog creates a Catalog over the public data dir.
func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// Dir returns the catalog directory.
func (c *Catalog) Dir() string { return c.dir }

// List returns every published dataset, oldest first. Unreadable metadata
// files are logged and skipped. A missing directory is an empty catalog.
func (c *Catalog) List() ([]model.DatasetMetadata, error) {
	paths, err := filepath.Glob(filepath.Join(c.dir, MetadataGlob))
	if err != nil {
		return nil, eris.Wrap(err, "dataset: glob metadata")
	}

	out := make([]model.DatasetMetadata, 0, len(paths))
	for _, p := range paths {
		meta, err := readMetadata(p)
		if err != nil {
			zap.L().Warn("dataset: skipping unreadable metadata", zap.String("path", p), zap.Error(err))
			continue
		}
		out = append(out, meta)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUpdated.Before(out[j].LastUpdated)
	})
	return out, nil
}

func readMetadata(path string) (model.DatasetMetadata, error) {
	var meta model.DatasetMetadata
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, eris.Wrap(err, "dataset: read metadata")
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, eris.Wrap(err, "dataset: decode metadata")
	}
	// Older metadata files may not list themselves.
	name := filepath.Base(path)
	if !slices.Contains(meta.Files, name) {
		meta.Files = append(meta.Files, name)
	}
	return meta, nil
}

// Delete removes the dataset's files. The metadata file goes first so the
// dataset disappears from List before its map data does. Files already
// gone are ignored.
func (c *Catalog) Delete(meta model.DatasetMetadata) error {
	files := make([]string, 0, len(meta.Files))
	for _, f := range meta.Files {
		if strings.HasPrefix(f, "metadata_") {
			files = append([]string{f}, files...)
		} else {
			files = append(files, f)
		}
	}

	for _, name := range files {
		if name != filepath.Base(name) || name == "." || name == ".." {
			return eris.Errorf("dataset: refusing to delete %q outside %s", name, c.dir)
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return eris.Wrapf(err, "dataset: delete %s", name)
		}
	}
	return nil
}

// Detector checks uploads against the catalog.
type Detector struct {
	catalog *Catalog
}

// NewDetector creates a Detector over catalog.
func NewDetector(catalog *Catalog) *Detector {
	return &Detector{catalog: catalog}
}

// Check returns the published datasets that candidate duplicates.
func (d *Detector) Check(candidate model.DatasetMetadata) ([]model.DatasetMetadata, error) {
	all, err := d.catalog.List()
	if err != nil {
		return nil, err
	}
	var dups []model.DatasetMetadata
	for _, m := range all {
		if Matches(candidate, m) {
			dups = append(dups, m)
		}
	}
	return dups, nil
}

// Resolution is the outcome of resolving an upload against the catalog.
type Resolution struct {
	// Proceed reports whether a job should be created.
	Proceed    bool
	Duplicates []model.DatasetMetadata
	Removed    []model.DatasetMetadata
}

// Apply resolves duplicates of candidate according to action, scanning
// the catalog once. With no duplicates it always proceeds.
func (d *Detector) Apply(ctx context.Context, candidate model.DatasetMetadata, action model.DuplicateAction) (Resolution, error) {
	dups, err := d.Check(candidate)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{Duplicates: dups}
	if len(dups) == 0 {
		res.Proceed = true
		return res, nil
	}

	log := zap.L().With(zap.String("dataset", candidate.Label()), zap.Int("duplicates", len(dups)))
	switch action {
	case model.DuplicateSkip:
		log.Info("dataset: duplicate upload skipped")
		return res, nil
	case model.DuplicateIgnore:
		log.Info("dataset: duplicate upload kept alongside existing")
		res.Proceed = true
		return res, nil
	case model.DuplicateReplace:
		for _, m := range dups {
			if err := ctx.Err(); err != nil {
				return res, eris.Wrap(err, "dataset: replace interrupted")
			}
			if err := d.catalog.Delete(m); err != nil {
				return res, err
			}
			res.Removed = append(res.Removed, m)
			log.Info("dataset: replaced existing dataset", zap.String("job_id", m.JobID))
		}
		res.Proceed = true
		return res, nil
	default:
		return res, eris.Errorf("dataset: unknown duplicate action %q", action)
	}
}
