package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/tractive-agent/internal/constants"
	"github.com/benmeehan/tractive-agent/internal/models"
	"github.com/benmeehan/tractive-agent/internal/registry"
	"github.com/benmeehan/tractive-agent/pkg/clock"
	"github.com/benmeehan/tractive-agent/pkg/location"
	"github.com/benmeehan/tractive-agent/pkg/mqtt"
)

// Monitor event types.
const (
	EventLocation   = "location"
	EventCloser     = "closer"
	EventLowBattery = "low_battery"
	EventHome       = "home"
	EventError      = "error"
)

// Locator resolves a fix. LocationResolver implements it.
type Locator interface {
	Resolve(ctx context.Context, opts ...ResolveOption) (Resolution, error)
}

// MonitorEvent is one observation published by the monitor.
type MonitorEvent struct {
	Type           string              `json:"type"`
	Time           time.Time           `json:"time"`
	Location       *models.GPSLocation `json:"location,omitempty"`
	DistanceMeters *float64            `json:"distance_meters,omitempty"`
	BatteryLevel   int                 `json:"battery_level,omitempty"`
	Error          string              `json:"error,omitempty"`
}

// MonitorConfig configures MonitorService.
type MonitorConfig struct {
	Interval        time.Duration
	ErrorBackoff    time.Duration
	Home            *location.Point
	ThresholdMeters float64
	ApproachMeters  float64
	LowBattery      int
	StopAtHome      bool
	Topic           string
	QOS             byte
}

// MonitorService periodically locates the pet and reports movement relative to home.
type MonitorService struct {
	config    MonitorConfig
	locator   Locator
	tracker   TrackerAPI
	publisher mqtt.Publisher
	clock     clock.Clock
	logger    zerolog.Logger

	// Internal state management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	handler      func(MonitorEvent)
	lastDistance *float64
	lowAlerted   bool
}

var _ registry.Service = (*MonitorService)(nil)

// NewMonitorService creates a MonitorService. publisher may be nil.
func NewMonitorService(config MonitorConfig, locator Locator, tracker TrackerAPI, publisher mqtt.Publisher, clk clock.Clock, logger zerolog.Logger) *MonitorService {
	if config.Interval <= 0 {
		config.Interval = constants.DefaultMonitorInterval
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = constants.DefaultMonitorErrorBackoff
	}
	if config.ThresholdMeters <= 0 {
		config.ThresholdMeters = constants.DefaultHomeThresholdMeters
	}
	if config.LowBattery <= 0 {
		config.LowBattery = constants.DefaultLowBatteryPercent
	}
	if config.Topic == "" {
		config.Topic = constants.DefaultMonitorTopic
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	return &MonitorService{
		config:    config,
		locator:   locator,
		tracker:   tracker,
		publisher: publisher,
		clock:     clk,
		logger:    logger,
	}
}

// Check runs one observation and returns the events it produced.
func (m *MonitorService) Check(ctx context.Context) ([]MonitorEvent, error) {
	now := m.clock.Now()
	res, err := m.locator.Resolve(ctx, AllowLive(false))
	if err != nil {
		var locErr *models.LocationUnavailableError
		if !errors.As(err, &locErr) || locErr.StaleFix == nil {
			return []MonitorEvent{{Type: EventError, Time: now, Error: err.Error()}}, err
		}
		m.logger.Debug().Err(err).Msg("Using stale fix")
		res.Location = *locErr.StaleFix
	}

	fix := res.Location
	events := []MonitorEvent{{Type: EventLocation, Time: now, Location: &fix}}

	home := false
	if m.config.Home != nil {
		d := models.DistanceFromHome(fix, *m.config.Home)
		events[0].DistanceMeters = &d
		if m.lastDistance != nil && *m.lastDistance-d >= m.config.ApproachMeters {
			events = append(events, MonitorEvent{Type: EventCloser, Time: now, Location: &fix, DistanceMeters: &d})
		}
		m.lastDistance = &d
		home = models.IsAtHome(fix, *m.config.Home, m.config.ThresholdMeters)
	}

	status, err := m.tracker.DeviceStatus(ctx)
	if err != nil {
		events = append(events, MonitorEvent{Type: EventError, Time: now, Error: err.Error()})
		return events, err
	}
	events[0].BatteryLevel = status.BatteryLevel
	switch {
	case status.IsLowBattery(m.config.LowBattery) && !m.lowAlerted:
		m.lowAlerted = true
		events = append(events, MonitorEvent{Type: EventLowBattery, Time: now, BatteryLevel: status.BatteryLevel})
	case !status.IsLowBattery(m.config.LowBattery):
		m.lowAlerted = false
	}

	if home {
		events = append(events, MonitorEvent{Type: EventHome, Time: now, Location: &fix, DistanceMeters: events[0].DistanceMeters})
	}
	return events, nil
}

// Run checks at the configured interval until ctx ends or, with StopAtHome, the pet
// is home. handler may be nil.
func (m *MonitorService) Run(ctx context.Context, handler func(MonitorEvent)) error {
	m.logger.Info().Dur("interval", m.config.Interval).Bool("home_known", m.config.Home != nil).Msg("Monitor started")
	for {
		events, err := m.Check(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reachedHome := false
		for _, e := range events {
			m.emit(e, handler)
			if e.Type == EventHome {
				reachedHome = true
			}
		}
		if reachedHome && m.config.StopAtHome {
			m.logger.Info().Msg("Pet is home, monitor finished")
			return nil
		}

		wait := m.config.Interval
		if err != nil {
			m.logger.Warn().Err(err).Dur("backoff", m.config.ErrorBackoff).Msg("Monitor check failed")
			wait = m.config.ErrorBackoff
		}
		if err := m.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (m *MonitorService) emit(e MonitorEvent, handler func(MonitorEvent)) {
	if handler != nil {
		handler(e)
	}
	if m.publisher == nil {
		return
	}
	topic := m.config.Topic + "/" + e.Type
	if err := m.publisher.PublishJSON(topic, m.config.QOS, e); err != nil {
		m.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish monitor event")
	}
}

// OnEvent sets the handler used by Start.
func (m *MonitorService) OnEvent(handler func(MonitorEvent)) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

// Start runs the monitor in the background until Stop.
func (m *MonitorService) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.logger.Warn().Msg("MonitorService is already running")
		return errors.New("monitor service is already running")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	handler := m.handler
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Run(m.ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error().Err(err).Msg("Monitor stopped with error")
		}
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()
	return nil
}

// Stop cancels a monitor started with Start and waits for it to exit.
func (m *MonitorService) Stop() error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		m.logger.Warn().Msg("MonitorService is not running")
		return errors.New("monitor service is not running")
	}
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info().Msg("MonitorService stopped")
	return nil
}
