package geocode

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/votermap/internal/address"
)

// Engine is the single entry point for turning an address into a
// coordinate: cache, then the provider chain, then the ZIP fallback.
// One Engine is shared by every running job.
type Engine struct {
	chain      *Chain
	cache      *Cache
	normalizer *address.Normalizer
	zip        ZipLocator

	group singleflight.Group

	cacheHits    atomic.Int64
	resolved     atomic.Int64
	zipFallbacks atomic.Int64
	failures     atomic.Int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNormalizer sets the normalizer applied to every address. Values
// already normalized by the same rules pass through unchanged.
func WithNormalizer(n *address.Normalizer) EngineOption {
	return func(e *Engine) {
		e.normalizer = n
	}
}

// WithZipLocator sets the locator used once every provider is exhausted.
func WithZipLocator(z ZipLocator) EngineOption {
	return func(e *Engine) {
		e.zip = z
	}
}

// NewEngine creates an Engine over chain and cache.
func NewEngine(chain *Chain, cache *Cache, opts ...EngineOption) *Engine {
	e := &Engine{chain: chain, cache: cache}
	for _, o := range opts {
		o(e)
	}
	if e.normalizer == nil {
		e.normalizer = address.NewNormalizer(nil)
	}
	if e.chain == nil {
		e.chain = NewChain()
	}
	if e.cache == nil {
		e.cache = NewCache(nil)
	}
	return e
}

// Cache returns the engine's cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Chain returns the engine's provider chain.
func (e *Engine) Chain() *Chain { return e.chain }

// Resolve geocodes raw. A cache hit is returned with Source "cache" and
// touches no provider. It fails with a *ResolutionFailure only when every
// provider and the ZIP fallback are exhausted.
func (e *Engine) Resolve(ctx context.Context, raw string) (*Result, error) {
	norm := e.normalizer.Normalize(raw)
	if norm.Value == "" {
		e.failures.Add(1)
		return nil, &ResolutionFailure{Address: raw, Reason: "empty address"}
	}

	if r, ok := e.cache.Get(norm.Value); ok {
		e.cacheHits.Add(1)
		return r, nil
	}

	v, err, _ := e.group.Do(norm.Value, func() (any, error) {
		return e.resolveMiss(ctx, norm)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result).Clone(), nil
}

// IsCached reports whether the normalized form of raw is already cached.
func (e *Engine) IsCached(raw string) bool {
	_, ok := e.cache.Get(e.normalizer.Key(raw))
	return ok
}

func (e *Engine) resolveMiss(ctx context.Context, norm address.Normalized) (*Result, error) {
	// Another caller may have stored it between the read and this flight.
	if r, ok := e.cache.Get(norm.Value); ok {
		e.cacheHits.Add(1)
		return r, nil
	}

	res, attempts, err := e.chain.Geocode(ctx, norm.Value)
	if err == nil {
		e.resolved.Add(1)
		return e.store(ctx, norm.Value, res), nil
	}
	if ctx.Err() != nil {
		return nil, eris.Wrap(ctx.Err(), "geocode: resolve interrupted")
	}

	failure := &ResolutionFailure{Address: norm.Value, ZIP: norm.ZIP, Attempts: attempts}
	if len(attempts) == 0 {
		failure.Reason = "no provider available"
	}

	if e.zip != nil && norm.ZIP != "" {
		zr, zerr := e.zip.Locate(ctx, norm.ZIP)
		if zerr == nil {
			zr = zr.Clone()
			zr.Source = SourceZipFallback
			zr.Relevance = relevance(0)
			e.zipFallbacks.Add(1)
			zap.L().Debug("geocode: resolved by ZIP centroid",
				zap.String("address", norm.Value),
				zap.String("zip", norm.ZIP),
			)
			return e.store(ctx, norm.Value, zr), nil
		}
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "geocode: resolve interrupted")
		}
		if !errors.Is(zerr, ErrNoMatch) {
			zap.L().Debug("geocode: ZIP fallback failed", zap.String("zip", norm.ZIP), zap.Error(zerr))
		}
	}

	e.failures.Add(1)
	return nil, failure
}

// store writes r through the cache. A persistence failure is logged and the
// resolved value is still returned.
func (e *Engine) store(ctx context.Context, key string, r *Result) *Result {
	stored, err := e.cache.Put(ctx, key, r)
	if err != nil {
		zap.L().Warn("geocode: cache write failed", zap.String("address", key), zap.Error(err))
	}
	return stored
}

// EngineStats summarizes engine activity since start.
type EngineStats struct {
	CacheEntries int             `json:"cache_entries"`
	CacheHits    int64           `json:"cache_hits"`
	Resolved     int64           `json:"resolved"`
	ZipFallbacks int64           `json:"zip_fallbacks"`
	Failures     int64           `json:"failures"`
	Providers    []ProviderStats `json:"providers"`
}

// APICalls returns the number of provider calls made.
func (s EngineStats) APICalls() int64 {
	var n int64
	for _, p := range s.Providers {
		n += p.Calls
	}
	return n
}

// Stats returns the engine's counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		CacheEntries: e.cache.Len(),
		CacheHits:    e.cacheHits.Load(),
		Resolved:     e.resolved.Load(),
		ZipFallbacks: e.zipFallbacks.Load(),
		Failures:     e.failures.Load(),
		Providers:    e.chain.Stats(),
	}
}
