package geocode

import (
	"context"
	"net/url"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

const photonURL = "https://photon.komoot.io/api/"

// PhotonProvider geocodes with Komoot's Photon, an OpenStreetMap search
// service that answers in GeoJSON.
type PhotonProvider struct {
	httpProvider
}

// NewPhoton creates a PhotonProvider.
func NewPhoton(opts ...Option) *PhotonProvider {
	return &PhotonProvider{httpProvider: newHTTPProvider("photon", photonURL, opts)}
}

// Name implements Provider.
func (p *PhotonProvider) Name() string { return p.name }

// Available implements Provider.
func (p *PhotonProvider) Available() bool { return true }

// Geocode implements Provider.
func (p *PhotonProvider) Geocode(ctx context.Context, query string) (*Result, error) {
	params := url.Values{
		"q":     {query},
		"limit": {"1"},
	}

	var fc geojson.FeatureCollection
	if err := p.getJSON(ctx, p.baseURL+"?"+params.Encode(), &fc); err != nil {
		return nil, err
	}
	if len(fc.Features) == 0 {
		return nil, ErrNoMatch
	}

	f := fc.Features[0]
	pt, ok := f.Geometry.(*geom.Point)
	if !ok || pt.Empty() {
		return nil, ErrNoMatch
	}

	return &Result{
		Latitude:    pt.Y(),
		Longitude:   pt.X(),
		DisplayName: photonDisplayName(f.Properties),
		Source:      p.name,
		Provider:    p.name,
		Quality:     photonQuality(f.Properties),
	}, nil
}

func photonDisplayName(props map[string]any) string {
	str := func(k string) string {
		s, _ := props[k].(string)
		return strings.TrimSpace(s)
	}

	street := strings.TrimSpace(str("housenumber") + " " + str("street"))
	if street == "" {
		street = str("name")
	}
	region := strings.TrimSpace(str("state") + " " + str("postcode"))

	var parts []string
	for _, s := range []string{street, str("city"), region} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

func photonQuality(props map[string]any) string {
	if _, ok := props["housenumber"]; ok {
		return "rooftop"
	}
	if _, ok := props["street"]; ok {
		return "range"
	}
	return "approximate"
}
