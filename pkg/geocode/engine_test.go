package geocode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/votermap/internal/address"
)

const mainStreet = "100 Main St, McAllen, TX 78501"

func TestEngine_SecondResolveIsCacheHit(t *testing.T) {
	p := &mockProvider{name: "census", results: []*Result{{Latitude: 26.2, Longitude: -98.23, Relevance: relevance(1)}}}
	e := NewEngine(NewChain(testLink(p, 1)), NewCache(newMemBackend()))

	first, err := e.Resolve(context.Background(), mainStreet)
	require.NoError(t, err)
	assert.Equal(t, "census", first.Source)

	second, err := e.Resolve(context.Background(), mainStreet)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, "census", second.Provider)
	assert.InDelta(t, first.Latitude, second.Latitude, 1e-12)
	assert.InDelta(t, first.Longitude, second.Longitude, 1e-12)

	assert.Equal(t, 1, p.callCount(), "cache hit makes no provider call")
	assert.Equal(t, int64(1), e.Stats().CacheHits)
}

func TestEngine_NormalizesBeforeLookup(t *testing.T) {
	p := &mockProvider{name: "census"}
	e := NewEngine(NewChain(testLink(p, 1)), NewCache(nil))

	_, err := e.Resolve(context.Background(), "100 main st., mcallen, tx 78501")
	require.NoError(t, err)
	res, err := e.Resolve(context.Background(), "100 MAIN STREET, MCALLEN, TEXAS 78501")
	require.NoError(t, err)

	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, 1, p.callCount())

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, "100 MAIN STREET, MCALLEN, TEXAS 78501", p.queries[0])
}

func TestEngine_PriorityRespected(t *testing.T) {
	primary := &mockProvider{name: "google"}
	secondary := &mockProvider{name: "census"}
	e := NewEngine(NewChain(testLink(primary, 1), testLink(secondary, 1)), NewCache(nil))

	for _, a := range []string{"1 A St", "2 B St", "3 C St"} {
		res, err := e.Resolve(context.Background(), a)
		require.NoError(t, err)
		assert.Equal(t, "google", res.Source)
	}
	assert.Equal(t, 0, secondary.callCount())
}

func TestEngine_ZipFallback(t *testing.T) {
	p := &mockProvider{name: "census", errs: []error{ErrNoMatch}}
	zips := CentroidTable{"78501": {Lat: 26.21, Lng: -98.23}}
	e := NewEngine(NewChain(testLink(p, 1)), NewCache(nil), WithZipLocator(zips))

	res, err := e.Resolve(context.Background(), "PO Box 99, McAllen, TX 78501")
	require.NoError(t, err)
	assert.Equal(t, SourceZipFallback, res.Source)
	require.NotNil(t, res.Relevance)
	assert.InDelta(t, 0.0, *res.Relevance, 1e-12)
	assert.Equal(t, int64(1), e.Stats().ZipFallbacks)

	again, err := e.Resolve(context.Background(), "PO Box 99, McAllen, TX 78501")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, again.Source)
}

func TestEngine_ResolutionFailure(t *testing.T) {
	p := &mockProvider{name: "census", errs: []error{ErrNoMatch}}
	e := NewEngine(NewChain(testLink(p, 1)), NewCache(nil), WithZipLocator(CentroidTable{}))

	_, err := e.Resolve(context.Background(), "PO Box 99")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResolutionFailed)

	failure, ok := AsResolutionFailure(err)
	require.True(t, ok)
	assert.Equal(t, "PO BOX 99, TEXAS", failure.Address)
	assert.Equal(t, []string{"census"}, failure.Providers())
	assert.Equal(t, 1, failure.TotalAttempts())
	assert.Contains(t, failure.Detail(), "census x1")
	assert.Equal(t, int64(1), e.Stats().Failures)
}

func TestEngine_EmptyAddress(t *testing.T) {
	p := &mockProvider{name: "census"}
	e := NewEngine(NewChain(testLink(p, 1)), NewCache(nil))

	_, err := e.Resolve(context.Background(), "  ,  ")
	assert.ErrorIs(t, err, ErrResolutionFailed)
	assert.Equal(t, 0, p.callCount())
}

func TestEngine_NoProviderAvailable(t *testing.T) {
	off := &mockProvider{name: "google", unavailable: true}
	e := NewEngine(NewChain(testLink(off, 1)), NewCache(nil))

	_, err := e.Resolve(context.Background(), mainStreet)
	failure, ok := AsResolutionFailure(err)
	require.True(t, ok)
	assert.Equal(t, "no provider available", failure.Reason)
}

func TestEngine_CacheWriteFailureStillResolves(t *testing.T) {
	backend := newMemBackend()
	backend.putErr = errors.New("disk full")
	p := &mockProvider{name: "census"}
	e := NewEngine(NewChain(testLink(p, 1)), NewCache(backend))

	res, err := e.Resolve(context.Background(), mainStreet)
	require.NoError(t, err)
	assert.Equal(t, "census", res.Source)
	assert.True(t, e.IsCached(mainStreet))
}

func TestEngine_ConcurrentSameAddressCollapses(t *testing.T) {
	p := &mockProvider{name: "census", delay: 50 * time.Millisecond}
	e := NewEngine(NewChain(testLink(p, 1)), NewCache(nil))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Resolve(context.Background(), mainStreet)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, p.callCount())
}

func TestEngine_CountyNormalizer(t *testing.T) {
	p := &mockProvider{name: "census"}
	n := address.NewNormalizer(nil).ForCounty("Cameron")
	e := NewEngine(NewChain(testLink(p, 1)), NewCache(nil), WithNormalizer(n))

	_, err := e.Resolve(context.Background(), "5 Elm St")
	require.NoError(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, "5 ELM STREET, BROWNSVILLE, TEXAS", p.queries[0])
}

func TestEngineStats_APICalls(t *testing.T) {
	s := EngineStats{Providers: []ProviderStats{{Calls: 2}, {Calls: 3}}}
	assert.Equal(t, int64(5), s.APICalls())
}
