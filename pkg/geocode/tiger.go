package geocode

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RowQuerier is the slice of a pgx pool the TIGER provider needs.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TigerProvider geocodes via the PostGIS TIGER geocoder extension.
type TigerProvider struct {
	pool      RowQuerier
	maxRating int
}

// NewTiger creates a TigerProvider. Matches rated worse (higher) than
// maxRating are treated as no match.
func NewTiger(pool RowQuerier, maxRating int) *TigerProvider {
	return &TigerProvider{pool: pool, maxRating: maxRating}
}

// Name implements Provider.
func (p *TigerProvider) Name() string { return "tiger" }

// Available implements Provider.
func (p *TigerProvider) Available() bool { return p.pool != nil }

// Geocode implements Provider.
func (p *TigerProvider) Geocode(ctx context.Context, query string) (*Result, error) {
	var lat, lon float64
	var rating int
	var matched string

	row := p.pool.QueryRow(ctx, `
		SELECT
			ST_Y(geomout) AS lat,
			ST_X(geomout) AS lon,
			rating,
			pprint_addy(addy) AS matched_address
		FROM geocode($1, 1)`,
		query,
	)
	if err := row.Scan(&lat, &lon, &rating, &matched); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoMatch
		}
		return nil, eris.Wrap(err, "geocode: tiger query")
	}

	if rating > p.maxRating {
		zap.L().Debug("geocode: tiger rating exceeds threshold",
			zap.String("address", query),
			zap.Int("rating", rating),
			zap.Int("max_rating", p.maxRating),
		)
		return nil, ErrNoMatch
	}

	return &Result{
		Latitude:    lat,
		Longitude:   lon,
		DisplayName: matched,
		Source:      p.Name(),
		Provider:    p.Name(),
		Relevance:   relevance(1 - float64(rating)/100),
		Quality:     ratingToQuality(rating),
	}, nil
}

// ratingToQuality maps PostGIS geocoder rating to quality taxonomy.
// Lower ratings are better: 0 = exact match.
func ratingToQuality(rating int) string {
	switch {
	case rating < 10:
		return "rooftop"
	case rating < 20:
		return "range"
	case rating < 50:
		return "centroid"
	default:
		return "approximate"
	}
}
