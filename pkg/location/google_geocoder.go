package location

import (
	"context"
	"errors"
	"time"

	"googlemaps.github.io/maps"
)

// ErrNoAddress is returned when the geocoder has no result for a coordinate.
var ErrNoAddress = errors.New("no address found")

// GoogleGeocoder uses the Google Maps Geocoding API.
type GoogleGeocoder struct {
	client  *maps.Client
	timeout time.Duration
}

// NewGoogleGeocoder creates a GoogleGeocoder for apiKey.
func NewGoogleGeocoder(apiKey string) (*GoogleGeocoder, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}

	return &GoogleGeocoder{
		client:  c,
		timeout: 10 * time.Second,
	}, nil
}

// ReverseGeocode returns the formatted address of the best match for p.
func (g *GoogleGeocoder) ReverseGeocode(ctx context.Context, p Point) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: p.Latitude, Lng: p.Longitude},
	})
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", ErrNoAddress
	}
	return results[0].FormattedAddress, nil
}
