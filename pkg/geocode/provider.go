package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/votermap/internal/resilience"
)

// Provider is a single geocoding backend. Geocode returns ErrNoMatch when
// the backend answered but found nothing, a *RejectionError for permanent
// refusals and a *resilience.TransientError for retryable failures.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, query string) (*Result, error)
	Available() bool
}

// Option configures an HTTP provider.
type Option func(*httpProvider)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *httpProvider) {
		p.client = c
	}
}

// WithBaseURL overrides the provider endpoint.
func WithBaseURL(u string) Option {
	return func(p *httpProvider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(p *httpProvider) {
		p.userAgent = ua
	}
}

// httpProvider holds what every JSON-over-HTTP provider shares.
type httpProvider struct {
	name      string
	baseURL   string
	userAgent string
	client    *http.Client
}

func newHTTPProvider(name, baseURL string, opts []Option) httpProvider {
	p := httpProvider{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(&p)
	}
	return p
}

// getJSON issues a GET and decodes a 200 response into out. Transport
// failures and retryable statuses come back as transient errors; any other
// non-200 status is a rejection.
func (p *httpProvider) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &RejectionError{Provider: p.name, Reason: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return eris.Wrapf(err, "geocode: %s request", p.name)
		}
		return resilience.NewTransientError(eris.Wrapf(err, "geocode: %s request", p.name), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(
				eris.Errorf("geocode: %s returned status %d", p.name, resp.StatusCode),
				resp.StatusCode,
			)
		}
		return &RejectionError{Provider: p.name, StatusCode: resp.StatusCode, Reason: string(snippet)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewTransientError(eris.Wrapf(err, "geocode: %s read body", p.name), 0)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &RejectionError{Provider: p.name, StatusCode: resp.StatusCode, Reason: "malformed response: " + err.Error()}
	}
	return nil
}
