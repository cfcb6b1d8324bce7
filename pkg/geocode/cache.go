package geocode

import (
	"context"
	"maps"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CacheBackend is the durable half of the cache. Implementations must keep
// the first value written for a key.
type CacheBackend interface {
	LoadGeocodes(ctx context.Context) (map[string]Result, error)
	PutGeocode(ctx context.Context, key string, r Result) error
	ClearGeocodes(ctx context.Context) error
}

// Cache maps normalized addresses to coordinates. Reads are served from
// memory; writes go through to the backend before they become visible.
// Entries are never overwritten.
type Cache struct {
	backend CacheBackend

	mu      sync.RWMutex
	entries map[string]Result

	// writeMu serializes backend writes so two writers of the same key
	// cannot both persist.
	writeMu sync.Mutex
}

// NewCache creates an empty cache over backend. A nil backend keeps the
// cache in memory only.
func NewCache(backend CacheBackend) *Cache {
	return &Cache{backend: backend, entries: make(map[string]Result)}
}

// Load fills the cache from the backend and returns the entry count. A
// backend that cannot be read is logged and the cache starts empty.
func (c *Cache) Load(ctx context.Context) int {
	if c.backend == nil {
		return 0
	}
	loaded, err := c.backend.LoadGeocodes(ctx)
	if err != nil {
		zap.L().Warn("geocode: cache unreadable, starting empty", zap.Error(err))
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range loaded {
		if _, ok := c.entries[k]; !ok {
			c.entries[k] = v
		}
	}
	zap.L().Info("geocode: cache loaded", zap.Int("entries", len(c.entries)))
	return len(c.entries)
}

// Get returns a copy of the cached result tagged with SourceCache.
func (c *Cache) Get(key string) (*Result, bool) {
	c.mu.RLock()
	r, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	out := r.Clone()
	out.Source = SourceCache
	return out, true
}

// Put stores r under key unless the key is already present, in which case
// the existing entry wins and is returned. The write reaches the backend
// before the entry is visible in memory. On a backend failure the entry is
// still kept in memory and the error wraps ErrCachePersistence.
func (c *Cache) Put(ctx context.Context, key string, r *Result) (*Result, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if existing, ok := c.Get(key); ok {
		return existing, nil
	}

	entry := *r.Clone()
	var persistErr error
	if c.backend != nil {
		if err := c.backend.PutGeocode(ctx, key, entry); err != nil {
			persistErr = eris.Wrapf(ErrCachePersistence, "put %q: %v", key, err)
		}
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	return entry.Clone(), persistErr
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear empties the cache and its backend.
func (c *Cache) Clear(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.backend != nil {
		if err := c.backend.ClearGeocodes(ctx); err != nil {
			return eris.Wrap(err, "geocode: clear cache")
		}
	}
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
	return nil
}

// Snapshot returns a copy of every entry.
func (c *Cache) Snapshot() map[string]Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.entries)
}
