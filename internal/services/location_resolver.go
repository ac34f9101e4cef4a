package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/tractive-agent/internal/constants"
	"github.com/benmeehan/tractive-agent/internal/metrics_collectors"
	"github.com/benmeehan/tractive-agent/internal/models"
	"github.com/benmeehan/tractive-agent/pkg/clock"
)

// ResolverState is a step of one resolution pass.
type ResolverState string

const (
	StateIdle           ResolverState = "IDLE"
	StateRequestCached  ResolverState = "REQUEST_CACHED"
	StateRequestPassive ResolverState = "REQUEST_PASSIVE"
	StateActivateLive   ResolverState = "ACTIVATE_LIVE"
	StatePollLive       ResolverState = "POLL_LIVE"
	StateRestore        ResolverState = "RESTORE"
	StateDone           ResolverState = "DONE"
	StateFailed         ResolverState = "FAILED"
)

// Strategies that can produce a fix.
const (
	StrategyCached  = "cached"
	StrategyPassive = "passive"
	StrategyLive    = "live"
	StrategyFailed  = "failed"
)

var (
	// ErrNoFreshFix means every strategy ran without producing an acceptable fix.
	ErrNoFreshFix = errors.New("no fresh fix")
	// ErrLiveDisabled means the pass stopped before ACTIVATE_LIVE because live tracking
	// was not allowed.
	ErrLiveDisabled = errors.New("live tracking not allowed")
)

// RestoreLedger remembers trackers whose live tracking must be switched off again.
type RestoreLedger interface {
	Record(record models.LiveTrackingRecord) error
	Clear(trackerID string) error
}

// LocationResolverConfig holds the acceptance and timing knobs.
type LocationResolverConfig struct {
	FreshnessThreshold time.Duration
	MaxUncertainty     float64
	PassiveWindow      time.Duration
	LiveTimeout        time.Duration
	PollInterval       time.Duration
	ClockSkew          time.Duration
	RestoreTimeout     time.Duration
	// SessionID names the login that switched live tracking on in ledger records.
	SessionID          func() string
}

// Resolution is the outcome of a successful pass.
type Resolution struct {
	Location      models.GPSLocation `json:"location"`
	Strategy      string             `json:"strategy"`
	States        []ResolverState    `json:"states"`
	LiveActivated bool               `json:"live_activated"`
	Restored      bool               `json:"restored"`
	Polls         int                `json:"polls"`
}

type resolveOptions struct {
	allowLive bool
}

// ResolveOption tunes one Resolve call.
type ResolveOption func(*resolveOptions)

// AllowLive controls whether the pass may switch live tracking on. It is allowed by
// default.
func AllowLive(allow bool) ResolveOption {
	return func(o *resolveOptions) { o.allowLive = allow }
}

// LocationResolver obtains a fix, falling back from the last report to the passive
// history and finally to a temporary live tracking session.
type LocationResolver struct {
	config  LocationResolverConfig
	tracker TrackerAPI
	ledger  RestoreLedger
	clock   clock.Clock
	metrics *metrics_collectors.SessionMetrics
	logger  zerolog.Logger
}

// NewLocationResolver creates a LocationResolver. Zero config fields take the defaults.
func NewLocationResolver(
	config LocationResolverConfig,
	tracker TrackerAPI,
	ledger RestoreLedger,
	clk clock.Clock,
	metrics *metrics_collectors.SessionMetrics,
	logger zerolog.Logger,
) *LocationResolver {
	if config.FreshnessThreshold <= 0 {
		config.FreshnessThreshold = constants.DefaultFreshnessThreshold
	}
	if config.MaxUncertainty <= 0 {
		config.MaxUncertainty = constants.DefaultMaxUncertainty
	}
	if config.PassiveWindow <= 0 {
		config.PassiveWindow = constants.DefaultMaxGPSFallbackHours * time.Hour
	}
	if config.LiveTimeout <= 0 {
		config.LiveTimeout = constants.DefaultLiveTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = constants.DefaultLivePollInterval
	}
	if config.ClockSkew <= 0 {
		config.ClockSkew = constants.DefaultClockSkew
	}
	if config.RestoreTimeout <= 0 {
		config.RestoreTimeout = constants.DefaultRestoreTimeout
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if metrics == nil {
		metrics = metrics_collectors.NewSessionMetrics()
	}
	return &LocationResolver{
		config:  config,
		tracker: tracker,
		ledger:  ledger,
		clock:   clk,
		metrics: metrics,
		logger:  logger,
	}
}

// pass is the state of one Resolve call.
type pass struct {
	res        Resolution
	candidates []models.GPSLocation
	accepted   []models.GPSLocation
	lastErr    error
}

func (r *LocationResolver) enter(p *pass, state ResolverState) {
	p.res.States = append(p.res.States, state)
	r.logger.Debug().Str("state", string(state)).Msg("Resolver state")
}

// consider records fix as a candidate and reports whether it is acceptable.
func (r *LocationResolver) consider(p *pass, fix models.GPSLocation) bool {
	now := r.clock.Now()
	if err := fix.Validate(now, r.config.ClockSkew); err != nil {
		r.logger.Warn().Err(err).Msg("Discarding invalid fix")
		return false
	}
	p.candidates = append(p.candidates, fix)
	if fix.Age(now) > r.config.FreshnessThreshold || fix.Uncertainty > r.config.MaxUncertainty {
		r.logger.Debug().Dur("age", fix.Age(now)).Float64("uncertainty", fix.Uncertainty).Msg("Fix not fresh enough")
		return false
	}
	p.accepted = append(p.accepted, fix)
	return true
}

func (r *LocationResolver) done(p *pass, strategy string) (Resolution, error) {
	r.enter(p, StateDone)
	p.res.Location, _ = models.BestFix(p.accepted)
	p.res.Strategy = strategy
	r.metrics.Resolution(strategy)
	r.logger.Info().
		Str("strategy", strategy).
		Float64("latitude", p.res.Location.Latitude).
		Float64("longitude", p.res.Location.Longitude).
		Float64("uncertainty", p.res.Location.Uncertainty).
		Msg("Location resolved")
	return p.res, nil
}

func (r *LocationResolver) fail(p *pass, state ResolverState) (Resolution, error) {
	r.enter(p, StateFailed)
	r.metrics.Resolution(StrategyFailed)
	err := &models.LocationUnavailableError{LastState: string(state), Err: p.lastErr}
	if err.Err == nil {
		err.Err = ErrNoFreshFix
	}
	if best, ok := models.BestFix(p.candidates); ok {
		err.StaleFix = &best
	}
	return p.res, err
}

// Resolve runs one pass of the state machine. When live tracking gets switched on by
// this call it is switched off again before Resolve returns, whatever the outcome and
// even when ctx is cancelled.
func (r *LocationResolver) Resolve(ctx context.Context, opts ...ResolveOption) (Resolution, error) {
	o := resolveOptions{allowLive: true}
	for _, opt := range opts {
		opt(&o)
	}
	p := &pass{}
	r.enter(p, StateIdle)

	r.enter(p, StateRequestCached)
	if fix, err := r.tracker.LatestFix(ctx); err != nil {
		r.logger.Debug().Err(err).Msg("Last report unavailable")
		p.lastErr = err
	} else if r.consider(p, fix) {
		return r.done(p, StrategyCached)
	}
	if ctx.Err() != nil {
		p.lastErr = ctx.Err()
		return r.fail(p, StateRequestCached)
	}

	r.enter(p, StateRequestPassive)
	if fix, err := r.tracker.PassiveFix(ctx, r.config.PassiveWindow); err != nil {
		r.logger.Debug().Err(err).Msg("Passive fix unavailable")
		p.lastErr = err
	} else if r.consider(p, fix) {
		return r.done(p, StrategyPassive)
	}
	if ctx.Err() != nil {
		p.lastErr = ctx.Err()
		return r.fail(p, StateRequestPassive)
	}
	if !o.allowLive {
		p.lastErr = ErrLiveDisabled
		return r.fail(p, StateRequestPassive)
	}

	r.enter(p, StateActivateLive)
	trackerID, err := r.tracker.TrackerID(ctx)
	if err != nil {
		p.lastErr = err
		return r.fail(p, StateActivateLive)
	}
	active, err := r.tracker.LiveTrackingActive(ctx)
	if err != nil {
		p.lastErr = err
		return r.fail(p, StateActivateLive)
	}

	activated, accepted := r.live(ctx, p, trackerID, active)
	if accepted {
		return r.done(p, StrategyLive)
	}
	if !activated {
		return r.fail(p, StateActivateLive)
	}
	return r.fail(p, StatePollLive)
}

// live activates live tracking unless it is already on and polls for a fix. Live
// tracking switched on here is restored on every exit, panics included.
func (r *LocationResolver) live(ctx context.Context, p *pass, trackerID string, active bool) (activated, accepted bool) {
	defer func() {
		if p.res.LiveActivated {
			r.restore(ctx, p, trackerID)
		}
	}()

	activated = true
	if !active {
		activated = r.activate(ctx, p, trackerID)
	} else {
		r.logger.Debug().Msg("Live tracking already on, polling without activation")
	}
	if activated {
		accepted = r.poll(ctx, p)
	}
	return activated, accepted
}

// activate switches live tracking on. The ledger entry is written first so a crash
// after the command leaves a record for the next run.
func (r *LocationResolver) activate(ctx context.Context, p *pass, trackerID string) bool {
	record := models.LiveTrackingRecord{TrackerID: trackerID, ActivatedAt: r.clock.Now()}
	if r.config.SessionID != nil {
		record.SessionID = r.config.SessionID()
	}
	if r.ledger != nil {
		if err := r.ledger.Record(record); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to record live tracking activation")
		}
	}

	// Set before sending: a failed send may still have reached the device.
	p.res.LiveActivated = true
	err := r.tracker.SendCommand(ctx, models.Command{Type: models.LiveTracking, State: models.StateOn})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Live tracking activation failed")
		p.lastErr = err
		return false
	}
	r.logger.Info().Str("tracker_id", trackerID).Msg("Live tracking switched on")
	return true
}

// poll waits for an acceptable fix until the live timeout or ctx ends.
func (r *LocationResolver) poll(ctx context.Context, p *pass) bool {
	r.enter(p, StatePollLive)
	deadline := r.clock.Now().Add(r.config.LiveTimeout)
	p.lastErr = nil

	for {
		if err := ctx.Err(); err != nil {
			p.lastErr = err
			return false
		}

		fix, err := r.tracker.LatestFix(ctx)
		p.res.Polls++
		switch {
		case err == nil:
			if r.consider(p, fix) {
				return true
			}
		case ctx.Err() != nil:
			p.lastErr = ctx.Err()
			return false
		case !models.IsTransient(err):
			p.lastErr = err
			return false
		default:
			r.logger.Debug().Err(err).Int("poll", p.res.Polls).Msg("Live poll failed")
			p.lastErr = err
		}

		remaining := deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			if p.lastErr == nil {
				p.lastErr = fmt.Errorf("%w within %s of live tracking", ErrNoFreshFix, r.config.LiveTimeout)
			} else {
				p.lastErr = fmt.Errorf("no fix within %s of live tracking: %w", r.config.LiveTimeout, p.lastErr)
			}
			return false
		}
		wait := r.config.PollInterval
		if wait > remaining {
			wait = remaining
		}
		if err := r.clock.Sleep(ctx, wait); err != nil {
			p.lastErr = err
			return false
		}
	}
}

// restore switches live tracking off on a context detached from the caller's, so a
// cancelled or expired ctx still gets its cleanup.
func (r *LocationResolver) restore(ctx context.Context, p *pass, trackerID string) {
	r.enter(p, StateRestore)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.RestoreTimeout)
	defer cancel()

	err := r.tracker.SendCommand(rctx, models.Command{Type: models.LiveTracking, State: models.StateOff})
	r.metrics.Restore(err == nil)
	if err != nil {
		r.logger.Error().Err(err).Str("tracker_id", trackerID).Msg("Failed to switch live tracking off")
		return
	}
	p.res.Restored = true
	if r.ledger != nil {
		if err := r.ledger.Clear(trackerID); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to clear live tracking record")
		}
	}
	r.logger.Info().Str("tracker_id", trackerID).Msg("Live tracking restored")
}
