package services

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/tractive-agent/internal/constants"
	"github.com/benmeehan/tractive-agent/internal/metrics_collectors"
	"github.com/benmeehan/tractive-agent/internal/models"
	"github.com/benmeehan/tractive-agent/pkg/clock"
)

// CommandDispatcherConfig holds the confirmation settings.
type CommandDispatcherConfig struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	ShareMessage   string
}

// CommandDispatcher sends device controls and waits for the tracker to report the
// requested state.
type CommandDispatcher struct {
	config  CommandDispatcherConfig
	tracker TrackerAPI
	clock   clock.Clock
	metrics *metrics_collectors.SessionMetrics
	logger  zerolog.Logger
}

// NewCommandDispatcher creates a CommandDispatcher.
func NewCommandDispatcher(
	config CommandDispatcherConfig,
	tracker TrackerAPI,
	clk clock.Clock,
	metrics *metrics_collectors.SessionMetrics,
	logger zerolog.Logger,
) *CommandDispatcher {
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = constants.DefaultConfirmTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = constants.DefaultConfirmPollInterval
	}
	if config.ShareMessage == "" {
		config.ShareMessage = constants.DefaultShareMessage
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if metrics == nil {
		metrics = metrics_collectors.NewSessionMetrics()
	}
	return &CommandDispatcher{
		config:  config,
		tracker: tracker,
		clock:   clk,
		metrics: metrics,
		logger:  logger,
	}
}

type confirmFunc func(ctx context.Context) (bool, error)

// Send validates cmd, issues it and polls for confirmation. A command the tracker
// accepted but never reflected in time comes back as unconfirmed, not as an error.
func (d *CommandDispatcher) Send(ctx context.Context, cmd models.Command) (models.Acknowledgement, error) {
	if err := cmd.Validate(); err != nil {
		return models.Acknowledgement{}, err
	}

	ack := models.Acknowledgement{Command: cmd, SentAt: d.clock.Now()}
	log := d.logger.With().Str("command", cmd.String()).Logger()

	var confirm confirmFunc
	var err error
	if cmd.Type == models.PublicShare {
		confirm, err = d.sendShare(ctx, cmd, &ack)
	} else {
		err = d.tracker.SendCommand(ctx, cmd)
		confirm = d.stateMatches(cmd)
	}
	if err != nil {
		d.metrics.Command(string(cmd.Type), "failed")
		log.Error().Err(err).Msg("Command failed")
		return models.Acknowledgement{}, err
	}
	log.Info().Msg("Command sent, waiting for confirmation")

	d.await(ctx, confirm, &ack, log)
	ack.ResolvedAt = d.clock.Now()
	d.metrics.Command(string(cmd.Type), ack.Status)
	return ack, nil
}

func (d *CommandDispatcher) await(ctx context.Context, confirm confirmFunc, ack *models.Acknowledgement, log zerolog.Logger) {
	deadline := d.clock.Now().Add(d.config.ConfirmTimeout)
	ack.Status = constants.AckUnconfirmed

	for {
		ok, err := confirm(ctx)
		ack.Polls++
		if err == nil && ok {
			ack.Status = constants.AckConfirmed
			ack.Confirmed = true
			log.Info().Int("polls", ack.Polls).Msg("Command confirmed")
			return
		}
		if err != nil {
			log.Warn().Err(err).Int("poll", ack.Polls).Msg("Confirmation poll failed")
			if ctx.Err() != nil || !models.IsTransient(err) {
				ack.Description = err.Error()
				return
			}
		}

		remaining := deadline.Sub(d.clock.Now())
		if remaining <= 0 {
			ack.Description = "state not reflected within " + d.config.ConfirmTimeout.String()
			log.Warn().Int("polls", ack.Polls).Msg("Command unconfirmed")
			return
		}
		wait := d.config.PollInterval
		if wait > remaining {
			wait = remaining
		}
		if err := d.clock.Sleep(ctx, wait); err != nil {
			ack.Description = err.Error()
			return
		}
	}
}

// stateMatches reads the tracker record and compares the attribute cmd changes.
func (d *CommandDispatcher) stateMatches(cmd models.Command) confirmFunc {
	want := cmd.State.Bool()
	return func(ctx context.Context) (bool, error) {
		status, err := d.tracker.TrackerState(ctx)
		if err != nil {
			return false, err
		}
		switch cmd.Type {
		case models.LEDControl:
			return status.LEDActive == want, nil
		case models.BuzzerControl:
			return status.BuzzerActive == want, nil
		case models.LiveTracking:
			return status.LiveTracking == want, nil
		case models.BatterySaver:
			return status.BatterySaveMode == want, nil
		}
		return false, nil
	}
}

// sendShare opens a share for ON and closes every active share for OFF.
func (d *CommandDispatcher) sendShare(ctx context.Context, cmd models.Command, ack *models.Acknowledgement) (confirmFunc, error) {
	if cmd.State == models.StateOn {
		message := strings.TrimSpace(cmd.Message)
		if message == "" {
			message = d.config.ShareMessage
		}
		share, err := d.tracker.CreateShare(ctx, message)
		if err != nil {
			return nil, err
		}
		ack.ShareID = share.ID
		ack.ShareLink = share.Link
		return func(ctx context.Context) (bool, error) {
			shares, err := d.tracker.ListShares(ctx)
			if err != nil {
				return false, err
			}
			for _, s := range shares {
				if s.ID == share.ID && s.Active {
					return true, nil
				}
			}
			return false, nil
		}, nil
	}

	shares, err := d.tracker.ListShares(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range shares {
		if !s.Active {
			continue
		}
		if err := d.tracker.DeactivateShare(ctx, s.ID); err != nil {
			return nil, err
		}
	}
	return func(ctx context.Context) (bool, error) {
		shares, err := d.tracker.ListShares(ctx)
		if err != nil {
			return false, err
		}
		for _, s := range shares {
			if s.Active {
				return false, nil
			}
		}
		return true, nil
	}, nil
}
