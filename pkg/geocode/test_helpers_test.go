package geocode

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/sells-group/votermap/internal/resilience"
)

// newTestLimiter creates a rate limiter that effectively does not limit for tests.
func newTestLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

// fastRetry retries transient errors without meaningful sleeps.
func fastRetry(attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

// testLink wraps p with no throttling and fast retries.
func testLink(p Provider, attempts int) *Link {
	return NewLink(p, LinkOptions{
		Limiter: newTestLimiter(),
		Retry:   fastRetry(attempts),
		Timeout: time.Second,
	})
}

// mockProvider returns scripted outcomes and counts calls.
type mockProvider struct {
	name        string
	unavailable bool

	mu      sync.Mutex
	results []*Result
	errs    []error
	queries []string
	times   []time.Time

	calls atomic.Int64
	delay time.Duration
}

func (m *mockProvider) Name() string    { return m.name }
func (m *mockProvider) Available() bool { return !m.unavailable }

func (m *mockProvider) Geocode(ctx context.Context, query string) (*Result, error) {
	n := int(m.calls.Add(1)) - 1

	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.times = append(m.times, time.Now())
	var res *Result
	var err error
	if len(m.errs) > 0 {
		err = m.errs[min(n, len(m.errs)-1)]
	}
	if len(m.results) > 0 {
		res = m.results[min(n, len(m.results)-1)]
	}
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{Latitude: 26.2, Longitude: -98.2}
	}
	out := res.Clone()
	out.Source = m.name
	out.Provider = m.name
	return out, nil
}

func (m *mockProvider) callCount() int { return int(m.calls.Load()) }

// memBackend is an in-memory CacheBackend with injectable failures.
type memBackend struct {
	mu      sync.Mutex
	entries map[string]Result
	loadErr error
	putErr  error
	puts    int
}

func newMemBackend() *memBackend {
	return &memBackend{entries: make(map[string]Result)}
}

func (b *memBackend) LoadGeocodes(context.Context) (map[string]Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	out := make(map[string]Result, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out, nil
}

func (b *memBackend) PutGeocode(_ context.Context, key string, r Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if b.putErr != nil {
		return b.putErr
	}
	if _, ok := b.entries[key]; !ok {
		b.entries[key] = r
	}
	return nil
}

func (b *memBackend) ClearGeocodes(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]Result)
	return nil
}

// newRewriteClient creates an HTTP client that rewrites requests to a test server URL.
// All requests matching the target prefix are redirected to the test server.
func newRewriteClient(testServerURL, targetPrefix string) *http.Client {
	return &http.Client{
		Transport: &rewriteTransport{
			base:         http.DefaultTransport,
			testServer:   testServerURL,
			targetPrefix: targetPrefix,
		},
	}
}

type rewriteTransport struct {
	base         http.RoundTripper
	testServer   string
	targetPrefix string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	origURL := req.URL.String()
	if strings.HasPrefix(origURL, t.targetPrefix) {
		suffix := origURL[len(t.targetPrefix):]
		newURL := t.testServer + suffix
		newReq := req.Clone(req.Context())
		parsed, err := req.URL.Parse(newURL)
		if err != nil {
			return nil, err
		}
		newReq.URL = parsed
		newReq.Host = parsed.Host
		return t.base.RoundTrip(newReq)
	}
	return t.base.RoundTrip(req)
}
