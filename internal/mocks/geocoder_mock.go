package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/tractive-agent/pkg/location"
)

// Geocoder is a mock implementation of the location.Geocoder interface
type Geocoder struct {
	mock.Mock
}

func (m *Geocoder) ReverseGeocode(ctx context.Context, p location.Point) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}
