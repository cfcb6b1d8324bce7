package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/votermap/internal/resilience"
)

func TestCensus_Match(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100 MAIN STREET, MCALLEN, TEXAS 78501", r.URL.Query().Get("address"))
		assert.Equal(t, "Public_AR_Current", r.URL.Query().Get("benchmark"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"addressMatches":[{"matchedAddress":"100 MAIN ST, MCALLEN, TX, 78501","coordinates":{"x":-98.23,"y":26.2}}]}}`))
	}))
	defer srv.Close()

	p := NewCensus(WithBaseURL(srv.URL))
	res, err := p.Geocode(context.Background(), "100 MAIN STREET, MCALLEN, TEXAS 78501")
	require.NoError(t, err)
	assert.InDelta(t, 26.2, res.Latitude, 1e-9)
	assert.InDelta(t, -98.23, res.Longitude, 1e-9)
	assert.Equal(t, "census", res.Source)
	assert.Equal(t, "100 MAIN ST, MCALLEN, TX, 78501", res.DisplayName)
	assert.InDelta(t, 1.0, res.RelevanceOr(0), 1e-9)
}

func TestCensus_NoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"addressMatches":[]}}`))
	}))
	defer srv.Close()

	_, err := NewCensus(WithBaseURL(srv.URL)).Geocode(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestHTTPProvider_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{name: "server error", status: http.StatusBadGateway, transient: true},
		{name: "unavailable", status: http.StatusServiceUnavailable, transient: true},
		{name: "request timeout", status: http.StatusRequestTimeout, transient: true},
		{name: "quota", status: http.StatusTooManyRequests},
		{name: "bad request", status: http.StatusBadRequest},
		{name: "malformed body", status: http.StatusOK, body: "<html>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewCensus(WithBaseURL(srv.URL)).Geocode(context.Background(), "x")
			require.Error(t, err)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))

			var rej *RejectionError
			assert.Equal(t, !tt.transient, errors.As(err, &rej))
		})
	}
}

func TestGoogle_RewriteClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("key"))
		assert.Equal(t, "country:US", r.URL.Query().Get("components"))
		_, _ = w.Write([]byte(`{"status":"OK","results":[{"formatted_address":"100 Main St, McAllen, TX 78501, USA","geometry":{"location":{"lat":26.2,"lng":-98.23},"location_type":"ROOFTOP"}}]}`))
	}))
	defer srv.Close()

	p := NewGoogle("secret", WithHTTPClient(newRewriteClient(srv.URL, "https://maps.googleapis.com/maps/api/geocode/json")))
	require.True(t, p.Available())

	res, err := p.Geocode(context.Background(), "100 MAIN STREET, MCALLEN, TEXAS 78501")
	require.NoError(t, err)
	assert.Equal(t, "google", res.Source)
	assert.Equal(t, "rooftop", res.Quality)
	assert.InDelta(t, 1.0, res.RelevanceOr(0), 1e-9)
}

func TestGoogle_Statuses(t *testing.T) {
	tests := []struct {
		status string
		check  func(t *testing.T, err error)
	}{
		{"ZERO_RESULTS", func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNoMatch) }},
		{"UNKNOWN_ERROR", func(t *testing.T, err error) { assert.True(t, resilience.IsTransient(err)) }},
		{"OVER_QUERY_LIMIT", func(t *testing.T, err error) {
			var rej *RejectionError
			assert.ErrorAs(t, err, &rej)
		}},
		{"REQUEST_DENIED", func(t *testing.T, err error) {
			var rej *RejectionError
			require.ErrorAs(t, err, &rej)
			assert.Contains(t, rej.Reason, "key invalid")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"status":"` + tt.status + `","error_message":"key invalid","results":[]}`))
			}))
			defer srv.Close()

			_, err := NewGoogle("k", WithBaseURL(srv.URL)).Geocode(context.Background(), "x")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestGoogle_UnavailableWithoutKey(t *testing.T) {
	assert.False(t, NewGoogle("").Available())
}

func TestGoogleLocationType(t *testing.T) {
	q, s := googleLocationType("RANGE_INTERPOLATED")
	assert.Equal(t, "range", q)
	assert.InDelta(t, 0.8, s, 1e-9)

	q, s = googleLocationType("APPROXIMATE")
	assert.Equal(t, "approximate", q)
	assert.InDelta(t, 0.4, s, 1e-9)
}

func TestPhoton_Match(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[-98.23,26.2]},"properties":{"housenumber":"100","street":"Main Street","city":"McAllen","state":"Texas","postcode":"78501"}}]}`))
	}))
	defer srv.Close()

	res, err := NewPhoton(WithBaseURL(srv.URL)).Geocode(context.Background(), "100 MAIN STREET, MCALLEN, TEXAS")
	require.NoError(t, err)
	assert.InDelta(t, 26.2, res.Latitude, 1e-9)
	assert.InDelta(t, -98.23, res.Longitude, 1e-9)
	assert.Equal(t, "100 Main Street, McAllen, Texas 78501", res.DisplayName)
	assert.Equal(t, "rooftop", res.Quality)
	assert.Nil(t, res.Relevance)
}

func TestPhoton_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
	}))
	defer srv.Close()

	_, err := NewPhoton(WithBaseURL(srv.URL)).Geocode(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestNominatim_UserAgentAndParse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "votermap-test/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "us", r.URL.Query().Get("countrycodes"))
		_, _ = w.Write([]byte(`[{"lat":"26.2","lon":"-98.23","display_name":"100, Main Street, McAllen","importance":0.42,"type":"house"}]`))
	}))
	defer srv.Close()

	p := NewNominatim("votermap-test/1.0", WithBaseURL(srv.URL))
	require.True(t, p.Available())

	res, err := p.Geocode(context.Background(), "100 MAIN STREET, MCALLEN, TEXAS")
	require.NoError(t, err)
	assert.InDelta(t, 26.2, res.Latitude, 1e-9)
	assert.InDelta(t, 0.42, res.RelevanceOr(0), 1e-9)
	assert.Equal(t, "rooftop", res.Quality)
}

func TestNominatim_RequiresUserAgent(t *testing.T) {
	assert.False(t, NewNominatim("").Available())
}

func TestNominatim_BadCoordinate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"lat":"north","lon":"-98.23"}]`))
	}))
	defer srv.Close()

	_, err := NewNominatim("ua", WithBaseURL(srv.URL)).Geocode(context.Background(), "x")
	var rej *RejectionError
	assert.ErrorAs(t, err, &rej)
}

func TestTiger_Match(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM geocode\(\$1, 1\)`).
		WithArgs("100 MAIN STREET, MCALLEN, TEXAS 78501").
		WillReturnRows(pgxmock.NewRows([]string{"lat", "lon", "rating", "matched_address"}).
			AddRow(26.2, -98.23, 5, "100 Main St, McAllen, TX 78501"))

	res, err := NewTiger(mock, 20).Geocode(context.Background(), "100 MAIN STREET, MCALLEN, TEXAS 78501")
	require.NoError(t, err)
	assert.Equal(t, "tiger", res.Source)
	assert.Equal(t, "rooftop", res.Quality)
	assert.InDelta(t, 0.95, res.RelevanceOr(0), 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTiger_RatingAboveThreshold(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM geocode`).
		WithArgs("x").
		WillReturnRows(pgxmock.NewRows([]string{"lat", "lon", "rating", "matched_address"}).
			AddRow(26.2, -98.23, 60, "somewhere"))

	_, err = NewTiger(mock, 20).Geocode(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestTiger_NoRows(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM geocode`).
		WithArgs("x").
		WillReturnRows(pgxmock.NewRows([]string{"lat", "lon", "rating", "matched_address"}))

	_, err = NewTiger(mock, 20).Geocode(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestTiger_UnavailableWithoutPool(t *testing.T) {
	assert.False(t, NewTiger(nil, 20).Available())
}

func TestRatingToQuality(t *testing.T) {
	assert.Equal(t, "rooftop", ratingToQuality(0))
	assert.Equal(t, "range", ratingToQuality(15))
	assert.Equal(t, "centroid", ratingToQuality(30))
	assert.Equal(t, "approximate", ratingToQuality(90))
}
