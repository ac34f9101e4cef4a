package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/tractive-agent/internal/metrics_collectors"
	"github.com/benmeehan/tractive-agent/internal/mocks"
	"github.com/benmeehan/tractive-agent/internal/models"
	"github.com/benmeehan/tractive-agent/internal/services"
	"github.com/benmeehan/tractive-agent/internal/state_managers"
	"github.com/benmeehan/tractive-agent/pkg/clock"
)

var (
	liveOn  = models.Command{Type: models.LiveTracking, State: models.StateOn}
	liveOff = models.Command{Type: models.LiveTracking, State: models.StateOff}
)

func fixAt(at time.Time, uncertainty float64) models.GPSLocation {
	return models.GPSLocation{Latitude: 52.52, Longitude: 13.405, Timestamp: at.Unix(), Uncertainty: uncertainty}
}

type resolverFixture struct {
	tracker *mocks.Tracker
	ledger  *state_managers.MemoryLedger
	clock   *clock.Fake
	metrics *metrics_collectors.SessionMetrics
	config  services.LocationResolverConfig
}

func newResolverFixture() *resolverFixture {
	return &resolverFixture{
		tracker: new(mocks.Tracker),
		ledger:  state_managers.NewMemoryLedger(),
		clock:   clock.NewFake(testEpoch),
		metrics: metrics_collectors.NewSessionMetrics(),
		config: services.LocationResolverConfig{
			FreshnessThreshold: 5 * time.Minute,
			MaxUncertainty:     100,
			PassiveWindow:      24 * time.Hour,
			LiveTimeout:        10 * time.Second,
			PollInterval:       2 * time.Second,
			ClockSkew:          30 * time.Second,
			RestoreTimeout:     5 * time.Second,
		},
	}
}

func (f *resolverFixture) resolver() *services.LocationResolver {
	return services.NewLocationResolver(f.config, f.tracker, f.ledger, f.clock, f.metrics, zerolog.Nop())
}

// expectLive prepares the calls leading up to POLL_LIVE: a stale last report, no
// passive fix and live tracking switched off.
func (f *resolverFixture) expectLive(stale models.GPSLocation) {
	f.tracker.On("LatestFix", mock.Anything).Return(stale, nil).Once()
	f.tracker.On("PassiveFix", mock.Anything, 24*time.Hour).Return(models.GPSLocation{}, services.ErrNoPositions).Once()
	f.tracker.On("TrackerID", mock.Anything).Return("TRK1", nil)
	f.tracker.On("LiveTrackingActive", mock.Anything).Return(false, nil).Once()
	f.tracker.On("SendCommand", mock.Anything, liveOn).Return(nil).Once()
}

func TestLocationResolver_FreshCachedFixNeverActivatesLive(t *testing.T) {
	// Setup
	f := newResolverFixture()
	fresh := fixAt(testEpoch.Add(-time.Minute), 10)
	f.tracker.On("LatestFix", mock.Anything).Return(fresh, nil).Once()

	// Execute
	res, err := f.resolver().Resolve(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, fresh, res.Location)
	assert.Equal(t, services.StrategyCached, res.Strategy)
	assert.Equal(t, []services.ResolverState{services.StateIdle, services.StateRequestCached, services.StateDone}, res.States)
	assert.False(t, res.LiveActivated)
	f.tracker.AssertNotCalled(t, "LiveTrackingActive", mock.Anything)
	f.tracker.AssertNotCalled(t, "SendCommand", mock.Anything, mock.Anything)
	f.tracker.AssertExpectations(t)
}

func TestLocationResolver_ThresholdPlusOneSecondFallsThroughToPassive(t *testing.T) {
	// Setup
	f := newResolverFixture()
	stale := fixAt(testEpoch.Add(-5*time.Minute-time.Second), 10)
	passive := fixAt(testEpoch.Add(-30*time.Second), 20)
	f.tracker.On("LatestFix", mock.Anything).Return(stale, nil).Once()
	f.tracker.On("PassiveFix", mock.Anything, 24*time.Hour).Return(passive, nil).Once()

	// Execute
	res, err := f.resolver().Resolve(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, services.StrategyPassive, res.Strategy)
	assert.Equal(t, passive, res.Location)
	assert.Contains(t, res.States, services.StateRequestPassive)
	assert.NotContains(t, res.States, services.StateActivateLive)
	f.tracker.AssertExpectations(t)
}

func TestLocationResolver_ThresholdBoundaryAccepted(t *testing.T) {
	f := newResolverFixture()
	f.tracker.On("LatestFix", mock.Anything).Return(fixAt(testEpoch.Add(-5*time.Minute), 10), nil).Once()

	res, err := f.resolver().Resolve(context.Background())

	require.NoError(t, err)
	assert.Equal(t, services.StrategyCached, res.Strategy)
}

func TestLocationResolver_ImpreciseFixNotAccepted(t *testing.T) {
	f := newResolverFixture()
	f.tracker.On("LatestFix", mock.Anything).Return(fixAt(testEpoch, 250), nil).Once()
	f.tracker.On("PassiveFix", mock.Anything, 24*time.Hour).Return(fixAt(testEpoch.Add(-time.Second), 25), nil).Once()

	res, err := f.resolver().Resolve(context.Background())

	require.NoError(t, err)
	assert.Equal(t, services.StrategyPassive, res.Strategy)
	assert.Equal(t, 25.0, res.Location.Uncertainty)
}

func TestLocationResolver_FutureFixDiscarded(t *testing.T) {
	f := newResolverFixture()
	f.tracker.On("LatestFix", mock.Anything).Return(fixAt(testEpoch.Add(time.Hour), 5), nil).Once()
	f.tracker.On("PassiveFix", mock.Anything, 24*time.Hour).Return(fixAt(testEpoch, 5), nil).Once()

	res, err := f.resolver().Resolve(context.Background())

	require.NoError(t, err)
	assert.Equal(t, services.StrategyPassive, res.Strategy)
}

func TestLocationResolver_LiveActivationAndRestore(t *testing.T) {
	// Setup
	f := newResolverFixture()
	stale := fixAt(testEpoch.Add(-time.Hour), 10)
	f.expectLive(stale)
	f.tracker.On("LatestFix", mock.Anything).Return(stale, nil).Once()
	f.tracker.On("LatestFix", mock.Anything).Return(fixAt(testEpoch.Add(time.Second), 8), nil).Once()
	f.tracker.On("SendCommand", mock.Anything, liveOff).Return(nil).Once()

	// Execute
	res, err := f.resolver().Resolve(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, services.StrategyLive, res.Strategy)
	assert.Equal(t, []services.ResolverState{
		services.StateIdle, services.StateRequestCached, services.StateRequestPassive,
		services.StateActivateLive, services.StatePollLive, services.StateRestore, services.StateDone,
	}, res.States)
	assert.True(t, res.LiveActivated)
	assert.True(t, res.Restored)
	assert.Equal(t, 2, res.Polls)
	assert.Equal(t, []time.Duration{2 * time.Second}, f.clock.Sleeps())
	pending, _ := f.ledger.Pending()
	assert.Empty(t, pending)
	f.tracker.AssertNumberOfCalls(t, "SendCommand", 2)
	f.tracker.AssertExpectations(t)

	snap, err := f.metrics.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.Resolutions["live"])
	assert.Equal(t, 1.0, snap.Restores["ok"])
}

func TestLocationResolver_RestoreOnceWhenPollingFails(t *testing.T) {
	// Setup
	f := newResolverFixture()
	transport := &models.NetworkError{Op: "GET /device_pos_report/TRK1", Attempts: 4, Err: errors.New("connection reset")}
	f.tracker.On("LatestFix", mock.Anything).Return(models.GPSLocation{}, transport)
	f.tracker.On("PassiveFix", mock.Anything, 24*time.Hour).Return(models.GPSLocation{}, transport).Once()
	f.tracker.On("TrackerID", mock.Anything).Return("TRK1", nil)
	f.tracker.On("LiveTrackingActive", mock.Anything).Return(false, nil).Once()
	f.tracker.On("SendCommand", mock.Anything, liveOn).Return(nil).Once()
	f.tracker.On("SendCommand", mock.Anything, liveOff).Return(nil).Once()

	// Execute
	res, err := f.resolver().Resolve(context.Background())

	// Assert
	var locErr *models.LocationUnavailableError
	require.ErrorAs(t, err, &locErr)
	assert.Equal(t, string(services.StatePollLive), locErr.LastState)
	assert.Nil(t, locErr.StaleFix)
	assert.ErrorAs(t, err, &transport)
	assert.Equal(t, 6, res.Polls)
	assert.Equal(t, 10*time.Second, f.clock.Elapsed())
	assert.True(t, res.Restored)
	assert.Equal(t, services.StateFailed, res.States[len(res.States)-1])
	f.tracker.AssertNumberOfCalls(t, "SendCommand", 2)
	f.tracker.AssertExpectations(t)
}

func TestLocationResolver_NonTransientPollErrorStopsAndRestores(t *testing.T) {
	f := newResolverFixture()
	f.expectLive(fixAt(testEpoch.Add(-time.Hour), 10))
	f.tracker.On("LatestFix", mock.Anything).Return(models.GPSLocation{}, &models.AuthError{Op: "GET", Status: 401}).Once()
	f.tracker.On("SendCommand", mock.Anything, liveOff).Return(nil).Once()

	res, err := f.resolver().Resolve(context.Background())

	var authErr *models.AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, res.Polls)
	assert.Empty(t, f.clock.Sleeps())
	f.tracker.AssertExpectations(t)
}

func TestLocationResolver_TimeoutCarriesStaleFix(t *testing.T) {
	// Setup
	f := newResolverFixture()
	stale := fixAt(testEpoch.Add(-time.Hour), 10)
	older := fixAt(testEpoch.Add(-2*time.Hour), 1)
	f.tracker.On("LatestFix", mock.Anything).Return(older, nil).Once()
	f.tracker.On("PassiveFix", mock.Anything, 24*time.Hour).Return(stale, nil).Once()
	f.tracker.On("TrackerID", mock.Anything).Return("TRK1", nil)
	f.tracker.On("LiveTrackingActive", mock.Anything).Return(false, nil).Once()
	f.tracker.On("SendCommand", mock.Anything, liveOn).Return(nil).Once()
	f.tracker.On("LatestFix", mock.Anything).Return(older, nil)
	f.tracker.On("SendCommand", mock.Anything, liveOff).Return(nil).Once()

	// Execute
	_, err := f.resolver().Resolve(context.Background())

	// Assert
	var locErr *models.LocationUnavailableError
	require.ErrorAs(t, err, &locErr)
	require.NotNil(t, locErr.StaleFix)
	assert.Equal(t, stale, *locErr.StaleFix)
	assert.ErrorIs(t, err, services.ErrNoFreshFix)
	f.tracker.AssertNumberOfCalls(t, "SendCommand", 2)
}

func TestLocationResolver_CancelDuringPollStillRestores(t *testing.T) {
	// Setup
	f := newResolverFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stale := fixAt(testEpoch.Add(-time.Hour), 10)
	f.expectLive(stale)
	f.tracker.On("LatestFix", mock.Anything).Return(stale, nil)
	f.tracker.On("SendCommand", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), liveOff).Return(nil).Once()
	f.clock.OnSleep(func(time.Time) { cancel() })

	// Execute
	res, err := f.resolver().Resolve(ctx)

	// Assert
	var locErr *models.LocationUnavailableError
	require.ErrorAs(t, err, &locErr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Restored)
	assert.Equal(t, 1, res.Polls)
	f.tracker.AssertNumberOfCalls(t, "SendCommand", 2)
	f.tracker.AssertExpectations(t)
}

func TestLocationResolver_LiveAlreadyOnIsLeftAlone(t *testing.T) {
	// Setup
	f := newResolverFixture()
	stale := fixAt(testEpoch.Add(-time.Hour), 10)
	f.tracker.On("LatestFix", mock.Anything).Return(stale, nil).Once()
	f.tracker.On("PassiveFix", mock.Anything, 24*time.Hour).Return(stale, nil).Once()
	f.tracker.On("TrackerID", mock.Anything).Return("TRK1", nil)
	f.tracker.On("LiveTrackingActive", mock.Anything).Return(true, nil).Once()
	f.tracker.On("LatestFix", mock.Anything).Return(fixAt(testEpoch, 5), nil).Once()

	// Execute
	res, err := f.resolver().Resolve(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, services.StrategyLive, res.Strategy)
	assert.False(t, res.LiveActivated)
	assert.NotContains(t, res.States, services.StateRestore)
	f.tracker.AssertNotCalled(t, "SendCommand", mock.Anything, mock.Anything)
}

func TestLocationResolver_WithoutLive(t *testing.T) {
	f := newResolverFixture()
	stale := fixAt(testEpoch.Add(-time.Hour), 10)
	f.tracker.On("LatestFix", mock.Anything).Return(stale, nil).Once()
	f.tracker.On("PassiveFix", mock.Anything, 24*time.Hour).Return(models.GPSLocation{}, services.ErrNoPositions).Once()

	_, err := f.resolver().Resolve(context.Background(), services.AllowLive(false))

	var locErr *models.LocationUnavailableError
	require.ErrorAs(t, err, &locErr)
	assert.ErrorIs(t, err, services.ErrLiveDisabled)
	require.NotNil(t, locErr.StaleFix)
	assert.Equal(t, stale, *locErr.StaleFix)
	f.tracker.AssertNotCalled(t, "LiveTrackingActive", mock.Anything)
}

func TestLocationResolver_FailedActivationIsRestored(t *testing.T) {
	// Setup
	f := newResolverFixture()
	sendErr := &models.NetworkError{Op: "GET /tracker/TRK1/command/live_tracking/on", Attempts: 1, Err: errors.New("read: connection reset")}
	stale := fixAt(testEpoch.Add(-time.Hour), 10)
	f.tracker.On("LatestFix", mock.Anything).Return(stale, nil).Once()
	f.tracker.On("PassiveFix", mock.Anything, 24*time.Hour).Return(models.GPSLocation{}, services.ErrNoPositions).Once()
	f.tracker.On("TrackerID", mock.Anything).Return("TRK1", nil)
	f.tracker.On("LiveTrackingActive", mock.Anything).Return(false, nil).Once()
	f.tracker.On("SendCommand", mock.Anything, liveOn).Return(sendErr).Once()
	f.tracker.On("SendCommand", mock.Anything, liveOff).Return(nil).Once()

	// Execute
	res, err := f.resolver().Resolve(context.Background())

	// Assert
	var locErr *models.LocationUnavailableError
	require.ErrorAs(t, err, &locErr)
	assert.Equal(t, string(services.StateActivateLive), locErr.LastState)
	assert.NotContains(t, res.States, services.StatePollLive)
	assert.True(t, res.Restored)
	f.tracker.AssertExpectations(t)
}

func TestLocationResolver_FailedRestoreStaysInLedger(t *testing.T) {
	// Setup
	f := newResolverFixture()
	stale := fixAt(testEpoch.Add(-time.Hour), 10)
	f.expectLive(stale)
	f.tracker.On("LatestFix", mock.Anything).Return(fixAt(testEpoch, 5), nil).Once()
	f.tracker.On("SendCommand", mock.Anything, liveOff).Return(errors.New("tracker offline")).Once()

	// Execute
	res, err := f.resolver().Resolve(context.Background())

	// Assert
	require.NoError(t, err)
	assert.False(t, res.Restored)
	pending, _ := f.ledger.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "TRK1", pending[0].TrackerID)

	snap, _ := f.metrics.Snapshot()
	assert.Equal(t, 1.0, snap.Restores["failed"])
}

func TestLocationResolver_LedgerRecordCarriesSessionID(t *testing.T) {
	// Setup
	f := newResolverFixture()
	f.config.SessionID = func() string { return "session-7" }
	f.expectLive(fixAt(testEpoch.Add(-time.Hour), 10))
	f.tracker.On("LatestFix", mock.Anything).Return(fixAt(testEpoch, 5), nil).Once()
	f.tracker.On("SendCommand", mock.Anything, liveOff).Return(errors.New("tracker offline")).Once()

	// Execute
	_, err := f.resolver().Resolve(context.Background())

	// Assert
	require.NoError(t, err)
	pending, err := f.ledger.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "session-7", pending[0].SessionID)
	assert.True(t, pending[0].ActivatedAt.Equal(testEpoch))
}

func TestLocationResolver_RestoresWhenPollingPanics(t *testing.T) {
	// Setup
	f := newResolverFixture()
	f.expectLive(fixAt(testEpoch.Add(-time.Hour), 10))
	f.tracker.On("LatestFix", mock.Anything).
		Run(func(mock.Arguments) { panic("tracker client bug") }).
		Return(models.GPSLocation{}, nil).Once()
	f.tracker.On("SendCommand", mock.Anything, liveOff).Return(nil).Once()
	resolver := f.resolver()

	// Execute
	assert.Panics(t, func() { _, _ = resolver.Resolve(context.Background()) })

	// Assert
	f.tracker.AssertCalled(t, "SendCommand", mock.Anything, liveOff)
	pending, err := f.ledger.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	f.tracker.AssertExpectations(t)
}
