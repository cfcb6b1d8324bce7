package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
)

// legacyEntry is the cache file layout older exports used.
type legacyEntry struct {
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	DisplayName string   `json:"display_name"`
	Source      string   `json:"source"`
}

// DecodeCacheFile reads a JSON object of address to coordinate. Both the
// Result layout and the legacy {lat, lng, display_name, source} layout are
// accepted; entries without coordinates are dropped.
func DecodeCacheFile(r io.Reader) (map[string]Result, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, eris.Wrap(err, "geocode: decode cache file")
	}

	out := make(map[string]Result, len(raw))
	for key, msg := range raw {
		var legacy legacyEntry
		if err := json.Unmarshal(msg, &legacy); err == nil && legacy.Lat != nil && legacy.Lng != nil {
			out[key] = Result{
				Latitude:    *legacy.Lat,
				Longitude:   *legacy.Lng,
				DisplayName: legacy.DisplayName,
				Source:      legacy.Source,
				Provider:    legacy.Source,
			}
			continue
		}

		var res Result
		if err := json.Unmarshal(msg, &res); err != nil {
			continue
		}
		if res.Latitude == 0 && res.Longitude == 0 {
			continue
		}
		out[key] = res
	}
	return out, nil
}

// EncodeCacheFile writes entries as an indented JSON object.
func EncodeCacheFile(w io.Writer, entries map[string]Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return eris.Wrap(err, "geocode: encode cache file")
	}
	return nil
}

// FileBackend keeps the cache in a single JSON file. Every write rewrites
// the file through a temp file and rename, so a crash leaves either the old
// or the new file.
type FileBackend struct {
	path string

	mu      sync.Mutex
	entries map[string]Result
}

// NewFileBackend creates a FileBackend at path. The file need not exist.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// LoadGeocodes implements CacheBackend.
func (b *FileBackend) LoadGeocodes(_ context.Context) (map[string]Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.loadLocked(); err != nil {
		return nil, err
	}
	return maps.Clone(b.entries), nil
}

// PutGeocode implements CacheBackend.
func (b *FileBackend) PutGeocode(_ context.Context, key string, r Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.entries == nil {
		if err := b.loadLocked(); err != nil {
			return err
		}
	}
	if _, ok := b.entries[key]; ok {
		return nil
	}
	b.entries[key] = r
	if err := b.flushLocked(); err != nil {
		delete(b.entries, key)
		return err
	}
	return nil
}

// ClearGeocodes implements CacheBackend.
func (b *FileBackend) ClearGeocodes(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = make(map[string]Result)
	return b.flushLocked()
}

func (b *FileBackend) loadLocked() error {
	b.entries = make(map[string]Result)

	f, err := os.Open(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "geocode: open cache file %s", b.path)
	}
	defer f.Close() //nolint:errcheck

	entries, err := DecodeCacheFile(f)
	if err != nil {
		return err
	}
	b.entries = entries
	return nil
}

func (b *FileBackend) flushLocked() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "geocode: create cache dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".geocache-*.json")
	if err != nil {
		return eris.Wrap(err, "geocode: create cache temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if err := EncodeCacheFile(tmp, b.entries); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "geocode: sync cache file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "geocode: close cache file")
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return eris.Wrap(err, "geocode: replace cache file")
	}
	return nil
}
