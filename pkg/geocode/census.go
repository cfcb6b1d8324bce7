package geocode

import (
	"context"
	"net/url"
)

const (
	censusOneLineURL = "https://geocoding.geo.census.gov/geocoder/locations/onelineaddress"
	censusBenchmark  = "Public_AR_Current"
)

// censusOneLineResponse is the JSON response from the Census single-address API.
type censusOneLineResponse struct {
	Result struct {
		AddressMatches []censusAddressMatch `json:"addressMatches"`
	} `json:"result"`
}

type censusAddressMatch struct {
	Coordinates struct {
		X float64 `json:"x"` // longitude
		Y float64 `json:"y"` // latitude
	} `json:"coordinates"`
	MatchedAddress string `json:"matchedAddress"`
}

// CensusProvider geocodes with the free US Census one-line address API.
type CensusProvider struct {
	httpProvider
}

// NewCensus creates a CensusProvider.
func NewCensus(opts ...Option) *CensusProvider {
	return &CensusProvider{httpProvider: newHTTPProvider("census", censusOneLineURL, opts)}
}

// Name implements Provider.
func (p *CensusProvider) Name() string { return p.name }

// Available implements Provider.
func (p *CensusProvider) Available() bool { return true }

// Geocode implements Provider.
func (p *CensusProvider) Geocode(ctx context.Context, query string) (*Result, error) {
	params := url.Values{
		"address":   {query},
		"benchmark": {censusBenchmark},
		"format":    {"json"},
	}

	var resp censusOneLineResponse
	if err := p.getJSON(ctx, p.baseURL+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Result.AddressMatches) == 0 {
		return nil, ErrNoMatch
	}

	match := resp.Result.AddressMatches[0]
	return &Result{
		Latitude:    match.Coordinates.Y,
		Longitude:   match.Coordinates.X,
		DisplayName: match.MatchedAddress,
		Source:      p.name,
		Provider:    p.name,
		Relevance:   relevance(1),
		Quality:     "range", // street-segment interpolation
	}, nil
}
