package services_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/tractive-agent/internal/constants"
	"github.com/benmeehan/tractive-agent/internal/metrics_collectors"
	"github.com/benmeehan/tractive-agent/internal/mocks"
	"github.com/benmeehan/tractive-agent/internal/models"
	"github.com/benmeehan/tractive-agent/internal/services"
	"github.com/benmeehan/tractive-agent/pkg/clock"
)

func newTestDispatcher(tracker services.TrackerAPI, clk *clock.Fake, metrics *metrics_collectors.SessionMetrics) *services.CommandDispatcher {
	return services.NewCommandDispatcher(services.CommandDispatcherConfig{
		ConfirmTimeout: 6 * time.Second,
		PollInterval:   2 * time.Second,
	}, tracker, clk, metrics, zerolog.Nop())
}

func TestCommandDispatcher_LEDConfirmedWithinOnePoll(t *testing.T) {
	// Setup
	api := newFakeAPI(t)
	var led atomic.Bool
	api.handle("GET /tracker/TRK1/command/led_control/on", func(w http.ResponseWriter, r *http.Request) {
		led.Store(true)
		writeJSON(w, map[string]any{})
	})
	api.handle("GET /tracker/TRK1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"_id": "TRK1", "led_control": map[string]bool{"active": led.Load()}})
	})
	clk := clock.NewFake(testEpoch)
	sm, _ := newTestSession(t, api, clk, 1)
	tracker := services.NewTrackerService(sm, "TRK1", zerolog.Nop())
	dispatcher := newTestDispatcher(tracker, clk, sm.Metrics())

	// Execute
	ack, err := dispatcher.Send(context.Background(), models.Command{Type: models.LEDControl, State: models.StateOn})

	// Assert
	require.NoError(t, err)
	assert.True(t, ack.Confirmed)
	assert.Equal(t, constants.AckConfirmed, ack.Status)
	assert.Equal(t, 1, ack.Polls)
	assert.Empty(t, clk.Sleeps())

	status, err := tracker.TrackerState(context.Background())
	require.NoError(t, err)
	assert.True(t, status.LEDActive)

	snap, _ := sm.Metrics().Snapshot()
	assert.Equal(t, 1.0, snap.Commands["LED_CONTROL confirmed"])
}

func TestCommandDispatcher_InvalidCommandMakesNoCall(t *testing.T) {
	// Setup
	tracker := new(mocks.Tracker)
	dispatcher := newTestDispatcher(tracker, clock.NewFake(testEpoch), nil)

	// Execute
	for _, cmd := range []models.Command{
		{Type: models.LEDControl, State: "BLINK"},
		{Type: "LASER", State: models.StateOn},
		{Type: models.BuzzerControl, State: models.StateOn, Message: "hi"},
	} {
		_, err := dispatcher.Send(context.Background(), cmd)

		// Assert
		var verr *models.ValidationError
		assert.ErrorAs(t, err, &verr, cmd.String())
	}
	assert.Empty(t, tracker.Calls)
}

func TestCommandDispatcher_BuzzerUnconfirmedOnTimeout(t *testing.T) {
	// Setup
	tracker := new(mocks.Tracker)
	clk := clock.NewFake(testEpoch)
	cmd := models.Command{Type: models.BuzzerControl, State: models.StateOn}
	tracker.On("SendCommand", mock.Anything, cmd).Return(nil).Once()
	tracker.On("TrackerState", mock.Anything).Return(models.DeviceStatus{BuzzerActive: false}, nil)
	dispatcher := newTestDispatcher(tracker, clk, nil)

	// Execute
	ack, err := dispatcher.Send(context.Background(), cmd)

	// Assert
	require.NoError(t, err)
	assert.False(t, ack.Confirmed)
	assert.Equal(t, constants.AckUnconfirmed, ack.Status)
	assert.Equal(t, 4, ack.Polls)
	assert.Equal(t, 6*time.Second, clk.Elapsed())
	assert.Equal(t, testEpoch.Add(6*time.Second), ack.ResolvedAt)
	tracker.AssertExpectations(t)
}

func TestCommandDispatcher_ConfirmedAfterSeveralPolls(t *testing.T) {
	tracker := new(mocks.Tracker)
	clk := clock.NewFake(testEpoch)
	cmd := models.Command{Type: models.BatterySaver, State: models.StateOn}
	tracker.On("SendCommand", mock.Anything, cmd).Return(nil).Once()
	tracker.On("TrackerState", mock.Anything).Return(models.DeviceStatus{}, nil).Once()
	tracker.On("TrackerState", mock.Anything).Return(models.DeviceStatus{}, &models.NetworkError{Op: "GET", Attempts: 2, Err: errors.New("timeout")}).Once()
	tracker.On("TrackerState", mock.Anything).Return(models.DeviceStatus{BatterySaveMode: true}, nil).Once()

	ack, err := newTestDispatcher(tracker, clk, nil).Send(context.Background(), cmd)

	require.NoError(t, err)
	assert.True(t, ack.Confirmed)
	assert.Equal(t, 3, ack.Polls)
}

func TestCommandDispatcher_SendFailure(t *testing.T) {
	tracker := new(mocks.Tracker)
	cmd := models.Command{Type: models.LiveTracking, State: models.StateOff}
	sendErr := &models.APIError{Op: "GET /tracker/TRK1/command/live_tracking/off", Status: 500, Attempts: 1}
	tracker.On("SendCommand", mock.Anything, cmd).Return(sendErr).Once()

	_, err := newTestDispatcher(tracker, clock.NewFake(testEpoch), nil).Send(context.Background(), cmd)

	assert.ErrorIs(t, err, sendErr)
	tracker.AssertNotCalled(t, "TrackerState", mock.Anything)
}

func TestCommandDispatcher_PublicShareOn(t *testing.T) {
	// Setup
	tracker := new(mocks.Tracker)
	tracker.On("CreateShare", mock.Anything, constants.DefaultShareMessage).
		Return(models.Share{ID: "S1", Link: "https://tractive.com/s/S1", Active: true}, nil).Once()
	tracker.On("ListShares", mock.Anything).Return([]models.Share{{ID: "S1", Active: true}}, nil)

	// Execute
	ack, err := newTestDispatcher(tracker, clock.NewFake(testEpoch), nil).
		Send(context.Background(), models.Command{Type: models.PublicShare, State: models.StateOn})

	// Assert
	require.NoError(t, err)
	assert.True(t, ack.Confirmed)
	assert.Equal(t, "S1", ack.ShareID)
	assert.Equal(t, "https://tractive.com/s/S1", ack.ShareLink)
	tracker.AssertNotCalled(t, "SendCommand", mock.Anything, mock.Anything)
}

func TestCommandDispatcher_PublicShareOffDeactivatesActive(t *testing.T) {
	// Setup
	tracker := new(mocks.Tracker)
	tracker.On("ListShares", mock.Anything).Return([]models.Share{{ID: "S1", Active: true}, {ID: "S2"}, {ID: "S3", Active: true}}, nil).Once()
	tracker.On("DeactivateShare", mock.Anything, "S1").Return(nil).Once()
	tracker.On("DeactivateShare", mock.Anything, "S3").Return(nil).Once()
	tracker.On("ListShares", mock.Anything).Return([]models.Share{{ID: "S1"}, {ID: "S2"}, {ID: "S3"}}, nil).Once()

	// Execute
	ack, err := newTestDispatcher(tracker, clock.NewFake(testEpoch), nil).
		Send(context.Background(), models.Command{Type: models.PublicShare, State: models.StateOff})

	// Assert
	require.NoError(t, err)
	assert.True(t, ack.Confirmed)
	tracker.AssertExpectations(t)
	tracker.AssertNotCalled(t, "DeactivateShare", mock.Anything, "S2")
}

func TestCommandDispatcher_CancelledConfirmation(t *testing.T) {
	tracker := new(mocks.Tracker)
	clk := clock.NewFake(testEpoch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := models.Command{Type: models.LEDControl, State: models.StateOff}
	tracker.On("SendCommand", mock.Anything, cmd).Return(nil).Once()
	tracker.On("TrackerState", mock.Anything).Return(models.DeviceStatus{LEDActive: true}, nil)
	clk.OnSleep(func(time.Time) { cancel() })

	ack, err := newTestDispatcher(tracker, clk, nil).Send(ctx, cmd)

	require.NoError(t, err)
	assert.Equal(t, constants.AckUnconfirmed, ack.Status)
	assert.Equal(t, 1, ack.Polls)
	assert.Contains(t, ack.Description, "canceled")
}
