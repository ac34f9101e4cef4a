package location

import "context"

// Geocoder turns coordinates into a human readable address.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, p Point) (string, error)
}
