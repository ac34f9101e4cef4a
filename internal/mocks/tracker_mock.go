package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/tractive-agent/internal/models"
)

// Tracker is a mock implementation of the services.TrackerAPI interface
type Tracker struct {
	mock.Mock
}

func (m *Tracker) TrackerID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *Tracker) TrackerInfo(ctx context.Context) (models.TrackerInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.TrackerInfo), args.Error(1)
}

func (m *Tracker) TrackerState(ctx context.Context) (models.DeviceStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.DeviceStatus), args.Error(1)
}

func (m *Tracker) DeviceStatus(ctx context.Context) (models.DeviceStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.DeviceStatus), args.Error(1)
}

func (m *Tracker) LatestFix(ctx context.Context) (models.GPSLocation, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.GPSLocation), args.Error(1)
}

func (m *Tracker) PassiveFix(ctx context.Context, window time.Duration) (models.GPSLocation, error) {
	args := m.Called(ctx, window)
	return args.Get(0).(models.GPSLocation), args.Error(1)
}

func (m *Tracker) Positions(ctx context.Context, from, to time.Time) ([]models.GPSLocation, error) {
	args := m.Called(ctx, from, to)
	if p, ok := args.Get(0).([]models.GPSLocation); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Tracker) LocationHistory(ctx context.Context, hours int) (models.LocationHistory, error) {
	args := m.Called(ctx, hours)
	return args.Get(0).(models.LocationHistory), args.Error(1)
}

func (m *Tracker) PetData(ctx context.Context) (models.PetData, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.PetData), args.Error(1)
}

func (m *Tracker) ListShares(ctx context.Context) ([]models.Share, error) {
	args := m.Called(ctx)
	if s, ok := args.Get(0).([]models.Share); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Tracker) CreateShare(ctx context.Context, message string) (models.Share, error) {
	args := m.Called(ctx, message)
	return args.Get(0).(models.Share), args.Error(1)
}

func (m *Tracker) DeactivateShare(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *Tracker) SendCommand(ctx context.Context, cmd models.Command) error {
	args := m.Called(ctx, cmd)
	return args.Error(0)
}

func (m *Tracker) LiveTrackingActive(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}
