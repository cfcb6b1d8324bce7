package geocode

import (
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/votermap/internal/resilience"
)

const googleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

// googleGeocodeResponse is the JSON response from the Google Geocoding API.
type googleGeocodeResponse struct {
	Results      []googleResult `json:"results"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message"`
}

type googleResult struct {
	Geometry struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
		LocationType string `json:"location_type"`
	} `json:"geometry"`
	FormattedAddress string `json:"formatted_address"`
}

// GoogleProvider geocodes with the Google Geocoding API. It is the most
// accurate and the only paid provider, so it is unavailable without a key.
type GoogleProvider struct {
	httpProvider
	key string
}

// NewGoogle creates a GoogleProvider.
func NewGoogle(key string, opts ...Option) *GoogleProvider {
	return &GoogleProvider{httpProvider: newHTTPProvider("google", googleGeocodeURL, opts), key: key}
}

// Name implements Provider.
func (p *GoogleProvider) Name() string { return p.name }

// Available implements Provider.
func (p *GoogleProvider) Available() bool { return p.key != "" }

// Geocode implements Provider.
func (p *GoogleProvider) Geocode(ctx context.Context, query string) (*Result, error) {
	params := url.Values{
		"address":    {query},
		"components": {"country:US"},
		"key":        {p.key},
	}

	var resp googleGeocodeResponse
	if err := p.getJSON(ctx, p.baseURL+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	switch resp.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, ErrNoMatch
	case "UNKNOWN_ERROR":
		return nil, resilience.NewTransientError(eris.Errorf("geocode: google status %s", resp.Status), 0)
	default:
		return nil, &RejectionError{Provider: p.name, Reason: strings.TrimSpace(resp.Status + " " + resp.ErrorMessage)}
	}
	if len(resp.Results) == 0 {
		return nil, ErrNoMatch
	}

	result := resp.Results[0]
	quality, score := googleLocationType(result.Geometry.LocationType)
	return &Result{
		Latitude:    result.Geometry.Location.Lat,
		Longitude:   result.Geometry.Location.Lng,
		DisplayName: result.FormattedAddress,
		Source:      p.name,
		Provider:    p.name,
		Relevance:   relevance(score),
		Quality:     quality,
	}, nil
}

// googleLocationType maps Google's location_type to a quality label and a
// relevance score.
func googleLocationType(locType string) (string, float64) {
	switch strings.ToUpper(locType) {
	case "ROOFTOP":
		return "rooftop", 1.0
	case "RANGE_INTERPOLATED":
		return "range", 0.8
	case "GEOMETRIC_CENTER":
		return "centroid", 0.6
	default:
		return "approximate", 0.4
	}
}
