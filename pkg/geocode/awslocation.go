package geocode

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/location"
	"github.com/aws/aws-sdk-go-v2/service/location/types"
	"github.com/aws/smithy-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/votermap/internal/resilience"
)

// PlaceSearcher is the part of the Amazon Location Service client the
// provider calls. *location.Client satisfies it.
type PlaceSearcher interface {
	SearchPlaceIndexForText(ctx context.Context, params *location.SearchPlaceIndexForTextInput, optFns ...func(*location.Options)) (*location.SearchPlaceIndexForTextOutput, error)
}

// AWSLocationProvider geocodes against an Amazon Location Service place
// index. It is unavailable until both a client and an index are set.
type AWSLocationProvider struct {
	client PlaceSearcher
	index  string
}

// NewAWSLocation creates an AWSLocationProvider searching placeIndex.
func NewAWSLocation(client PlaceSearcher, placeIndex string) *AWSLocationProvider {
	return &AWSLocationProvider{client: client, index: placeIndex}
}

// Name implements Provider.
func (p *AWSLocationProvider) Name() string { return "aws" }

// Available implements Provider.
func (p *AWSLocationProvider) Available() bool { return p.client != nil && p.index != "" }

// Geocode implements Provider.
func (p *AWSLocationProvider) Geocode(ctx context.Context, query string) (*Result, error) {
	out, err := p.client.SearchPlaceIndexForText(ctx, &location.SearchPlaceIndexForTextInput{
		IndexName:       aws.String(p.index),
		Text:            aws.String(query),
		MaxResults:      aws.Int32(1),
		FilterCountries: []string{"USA"},
	})
	if err != nil {
		return nil, p.classify(ctx, err)
	}
	if len(out.Results) == 0 {
		return nil, ErrNoMatch
	}

	hit := out.Results[0]
	if hit.Place == nil || hit.Place.Geometry == nil || len(hit.Place.Geometry.Point) < 2 {
		return nil, ErrNoMatch
	}
	pt := hit.Place.Geometry.Point // [lng, lat]

	label := aws.ToString(hit.Place.Label)
	if label == "" {
		label = query
	}
	return &Result{
		Latitude:    pt[1],
		Longitude:   pt[0],
		DisplayName: label,
		Source:      p.Name(),
		Provider:    p.Name(),
		Relevance:   relevance(aws.ToFloat64(hit.Relevance)),
		Quality:     awsPlaceQuality(hit.Place),
	}, nil
}

// classify sorts a service error into transient and permanent failures.
// Throttling and server faults are retried; a missing index, bad
// credentials or a rejected request are not.
func (p *AWSLocationProvider) classify(ctx context.Context, err error) error {
	wrapped := eris.Wrapf(err, "geocode: aws search place index %s", p.index)

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return wrapped
		}
		return resilience.NewTransientError(wrapped, 0)
	}

	switch apiErr.ErrorCode() {
	case "ThrottlingException", "ServiceUnavailableException", "InternalServerException":
		return resilience.NewTransientError(wrapped, 0)
	}
	if apiErr.ErrorFault() == smithy.FaultServer {
		return resilience.NewTransientError(wrapped, 0)
	}
	return &RejectionError{Provider: p.Name(), Reason: apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()}
}

func awsPlaceQuality(place *types.Place) string {
	switch {
	case place.AddressNumber != nil && !aws.ToBool(place.Interpolated):
		return "rooftop"
	case place.AddressNumber != nil || place.Street != nil:
		return "range"
	default:
		return "approximate"
	}
}
