package geocode

import (
	"context"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
)

const nominatimURL = "https://nominatim.openstreetmap.org/search"

type nominatimPlace struct {
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	DisplayName string  `json:"display_name"`
	Importance  float64 `json:"importance"`
	Type        string  `json:"type"`
}

// NominatimProvider geocodes with the public OpenStreetMap Nominatim
// service. Its usage policy requires an identifying User-Agent and at most
// one request per second, which the chain link's limiter enforces.
type NominatimProvider struct {
	httpProvider
}

// NewNominatim creates a NominatimProvider.
func NewNominatim(userAgent string, opts ...Option) *NominatimProvider {
	p := &NominatimProvider{httpProvider: newHTTPProvider("nominatim", nominatimURL, opts)}
	if userAgent != "" {
		p.userAgent = userAgent
	}
	return p
}

// Name implements Provider.
func (p *NominatimProvider) Name() string { return p.name }

// Available implements Provider.
func (p *NominatimProvider) Available() bool { return p.userAgent != "" }

// Geocode implements Provider.
func (p *NominatimProvider) Geocode(ctx context.Context, query string) (*Result, error) {
	params := url.Values{
		"q":            {query},
		"format":       {"jsonv2"},
		"limit":        {"1"},
		"countrycodes": {"us"},
	}

	var places []nominatimPlace
	if err := p.getJSON(ctx, p.baseURL+"?"+params.Encode(), &places); err != nil {
		return nil, err
	}
	if len(places) == 0 {
		return nil, ErrNoMatch
	}

	place := places[0]
	lat, err := strconv.ParseFloat(place.Lat, 64)
	if err != nil {
		return nil, &RejectionError{Provider: p.name, Reason: eris.Wrap(err, "parse lat").Error()}
	}
	lon, err := strconv.ParseFloat(place.Lon, 64)
	if err != nil {
		return nil, &RejectionError{Provider: p.name, Reason: eris.Wrap(err, "parse lon").Error()}
	}

	quality := "approximate"
	if place.Type == "house" || place.Type == "building" {
		quality = "rooftop"
	}

	return &Result{
		Latitude:    lat,
		Longitude:   lon,
		DisplayName: place.DisplayName,
		Source:      p.name,
		Provider:    p.name,
		Relevance:   relevance(place.Importance),
		Quality:     quality,
	}, nil
}
