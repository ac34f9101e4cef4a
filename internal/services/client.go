package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benmeehan/tractive-agent/internal/constants"
	"github.com/benmeehan/tractive-agent/internal/metrics_collectors"
	"github.com/benmeehan/tractive-agent/internal/models"
	"github.com/benmeehan/tractive-agent/internal/state_managers"
	"github.com/benmeehan/tractive-agent/internal/utils"
	"github.com/benmeehan/tractive-agent/pkg/clock"
	"github.com/benmeehan/tractive-agent/pkg/encryption"
	"github.com/benmeehan/tractive-agent/pkg/file"
	http_utils "github.com/benmeehan/tractive-agent/pkg/httpUtils"
	"github.com/benmeehan/tractive-agent/pkg/location"
	"github.com/benmeehan/tractive-agent/pkg/mqtt"
	"github.com/benmeehan/tractive-agent/pkg/s3"
	"github.com/benmeehan/tractive-agent/pkg/securestore"
)

// ClientOptions are the collaborators NewClient wires together. Only Config is required.
type ClientOptions struct {
	Config      *utils.Config
	Credentials models.Credentials
	Terminal    Terminal
	Passcode    func() (string, error)
	Getenv      func(string) string
	HTTPClient  *http.Client
	Clock       clock.Clock
	FileClient  file.FileOperations
	Store       securestore.SecureStore
	Logger      zerolog.Logger
}

type pendingLedger interface {
	RestoreLedger
	Pending() ([]models.LiveTrackingRecord, error)
}

// Client bundles one session with the services riding on it. Open it before use and
// always Close it.
type Client struct {
	config     *utils.Config
	fileClient file.FileOperations
	clock      clock.Clock
	metrics    *metrics_collectors.SessionMetrics
	logger     zerolog.Logger

	creds      *homeCapture
	vault      *CredentialVault
	session    *SessionManager
	tracker    *TrackerService
	resolver   *LocationResolver
	dispatcher *CommandDispatcher
	export     *ExportService
	ledger     pendingLedger

	closeOnce sync.Once
}

// homeCapture remembers the home position of the credentials the session logged in
// with.
type homeCapture struct {
	CredentialResolver
	mu   sync.Mutex
	home *location.Point
}

func (h *homeCapture) Resolve(ctx context.Context) (models.Credentials, error) {
	c, err := h.CredentialResolver.Resolve(ctx)
	if err == nil {
		if p, ok := c.Home(); ok {
			h.mu.Lock()
			h.home = &p
			h.mu.Unlock()
		}
	}
	return c, err
}

func (h *homeCapture) Home() (location.Point, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.home == nil {
		return location.Point{}, false
	}
	return *h.home, true
}

// NewClient builds every service without touching the network.
func NewClient(opts ClientOptions) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = utils.DefaultConfig()
	}
	fileClient := opts.FileClient
	if fileClient == nil {
		fileClient = file.NewFileService()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	logger := opts.Logger

	store := opts.Store
	if store == nil {
		var err error
		store, err = securestore.New(securestore.Options{
			Backend:  cfg.Credentials.Backend,
			Dir:      cfg.Credentials.Dir,
			S3:       s3Options(cfg.Credentials.S3),
			S3Prefix: cfg.Credentials.S3.Prefix,
		}, fileClient)
		if err != nil {
			return nil, &models.CredentialError{Op: "open store", Reason: "secure store unavailable", Err: err}
		}
	}

	passcode := opts.Passcode
	if passcode == nil {
		env := cfg.Credentials.PasscodeEnv
		passcode = func() (string, error) { return getenv(env), nil }
	}
	keys := encryption.NewDerivedKeyProvider(
		encryption.NewFileKeyProvider(cfg.Credentials.KeyFile, true, fileClient),
		constants.CredentialsAAD,
		passcode,
	)
	vault := NewCredentialVault(CredentialVaultConfig{
		Explicit:        opts.Credentials,
		Getenv:          getenv,
		LegacyFile:      cfg.Credentials.LegacyFile,
		AllowPrompt:     cfg.PromptAllowed() && opts.Terminal != nil,
		PersistPrompted: cfg.Credentials.PersistPrompt,
	}, store, encryption.NewEncryptionManager(keys, constants.CredentialsAAD), fileClient, opts.Terminal, logger.With().Str("service", "vault").Logger())

	metrics := metrics_collectors.NewSessionMetrics()
	creds := &homeCapture{CredentialResolver: vault}
	session := NewSessionManager(SessionManagerConfig{
		BaseURL:        cfg.APIBaseURL,
		ClientID:       cfg.ClientID,
		RequestTimeout: cfg.RequestTimeout,
		RetryAttempts:  cfg.Retries(),
		Backoff: BackoffPolicy{
			BaseDelay: cfg.Retry.BaseDelay,
			MaxDelay:  cfg.Retry.MaxDelay,
			Jitter:    cfg.Retry.Jitter,
		},
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		CacheEnabled:      cfg.CacheEnabled(),
		CacheTTL:          cfg.Cache.TTL,
	}, opts.HTTPClient, creds, clk, metrics, logger.With().Str("service", "session").Logger())

	var ledger pendingLedger = state_managers.NewMemoryLedger()
	if cfg.State.File != "" {
		ledger = state_managers.NewLiveTrackingStateManager(cfg.State.File, fileClient, logger)
	}

	var storage s3.ObjectStorageClient
	if cfg.Export.S3.Enabled() {
		objects, err := s3.NewObjectStorage(s3Options(cfg.Export.S3), fileClient)
		if err != nil {
			return nil, fmt.Errorf("export storage: %w", err)
		}
		storage = objects
	}

	tracker := NewTrackerService(session, cfg.TrackerID, logger.With().Str("service", "tracker").Logger())
	resolver := NewLocationResolver(LocationResolverConfig{
		FreshnessThreshold: cfg.Location.FreshnessThreshold,
		MaxUncertainty:     cfg.Location.MaxUncertainty,
		PassiveWindow:      cfg.MaxGPSFallback(),
		LiveTimeout:        cfg.Location.LiveTimeout,
		PollInterval:       cfg.Location.PollInterval,
		ClockSkew:          cfg.Location.ClockSkew,
		RestoreTimeout:     cfg.Location.RestoreTimeout,
		SessionID:          func() string { return session.Session().ID },
	}, tracker, ledger, clk, metrics, logger.With().Str("service", "resolver").Logger())
	dispatcher := NewCommandDispatcher(CommandDispatcherConfig{
		ConfirmTimeout: cfg.Commands.ConfirmTimeout,
		PollInterval:   cfg.Commands.PollInterval,
		ShareMessage:   cfg.Commands.ShareMessage,
	}, tracker, clk, metrics, logger.With().Str("service", "commands").Logger())

	return &Client{
		config:     cfg,
		fileClient: fileClient,
		clock:      clk,
		metrics:    metrics,
		logger:     logger,
		creds:      creds,
		vault:      vault,
		session:    session,
		tracker:    tracker,
		resolver:   resolver,
		dispatcher: dispatcher,
		export:     NewExportService(tracker, fileClient, storage, cfg.Export.S3.Prefix, logger.With().Str("service", "export").Logger()),
		ledger:     ledger,
	}, nil
}

func s3Options(c utils.S3Config) s3.Options {
	return s3.Options{
		Endpoint:      c.Endpoint,
		Bucket:        c.Bucket,
		Region:        c.Region,
		AccessKeyFile: c.AccessKeyFile,
		SecretKeyFile: c.SecretKeyFile,
	}
}

// Open logs in and then switches off live tracking left on by an earlier run.
func (c *Client) Open(ctx context.Context) error {
	if _, err := c.session.Login(ctx); err != nil {
		return err
	}
	if err := c.restorePending(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to restore live tracking from an earlier run")
	}
	return nil
}

// Close restores any live tracking still recorded and discards the session. Only the
// first call does anything.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.restorePending(ctx)
		c.session.Close()
		c.logger.Debug().Msg("Client closed")
	})
	return err
}

// WithClient opens a client, runs fn and closes the client on every path.
func WithClient(ctx context.Context, opts ClientOptions, fn func(*Client) error) (err error) {
	client, err := NewClient(opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := client.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := client.Open(ctx); err != nil {
		return err
	}
	return fn(client)
}

func (c *Client) restorePending(ctx context.Context) error {
	records, err := c.ledger.Pending()
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range records {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.Location.RestoreTimeout)
		tracker := NewTrackerService(c.session, rec.TrackerID, c.logger)
		err := tracker.SendCommand(rctx, models.Command{Type: models.LiveTracking, State: models.StateOff})
		cancel()
		c.metrics.Restore(err == nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", rec.TrackerID, err))
			continue
		}
		if err := c.ledger.Clear(rec.TrackerID); err != nil {
			errs = append(errs, err)
		}
		c.logger.Info().Str("tracker_id", rec.TrackerID).Str("session_id", rec.SessionID).Msg("Restored live tracking")
	}
	return errors.Join(errs...)
}

func (c *Client) Config() *utils.Config                       { return c.config }
func (c *Client) Vault() *CredentialVault                     { return c.vault }
func (c *Client) Session() *SessionManager                    { return c.session }
func (c *Client) Tracker() *TrackerService                    { return c.tracker }
func (c *Client) Resolver() *LocationResolver                 { return c.resolver }
func (c *Client) Dispatcher() *CommandDispatcher              { return c.dispatcher }
func (c *Client) Export() *ExportService                      { return c.export }
func (c *Client) Metrics() *metrics_collectors.SessionMetrics { return c.metrics }

// Home returns the configured home, else the one stored with the credentials.
func (c *Client) Home() (location.Point, bool) {
	if c.config.Home.Latitude != nil && c.config.Home.Longitude != nil {
		p := location.Point{Latitude: *c.config.Home.Latitude, Longitude: *c.config.Home.Longitude}
		return p, p.Valid()
	}
	return c.creds.Home()
}

// DistanceFromHome returns the meters between fix and home.
func (c *Client) DistanceFromHome(fix models.GPSLocation) (float64, bool) {
	home, ok := c.Home()
	if !ok {
		return 0, false
	}
	return models.DistanceFromHome(fix, home), true
}

// IsAtHome reports whether fix is inside threshold, or home.threshold_meters when
// threshold is zero.
func (c *Client) IsAtHome(fix models.GPSLocation, threshold float64) bool {
	if threshold <= 0 {
		threshold = c.config.Home.ThresholdMeters
	}
	home, ok := c.Home()
	return ok && models.IsAtHome(fix, home, threshold)
}

// Monitor builds a monitor around the resolver. Zero threshold keeps the configured one.
func (c *Client) Monitor(threshold float64, publisher mqtt.Publisher) (*MonitorService, error) {
	home, ok := c.Home()
	if !ok {
		return nil, &models.ValidationError{Field: "home", Reason: "home position is not configured"}
	}
	if threshold <= 0 {
		threshold = c.config.Home.ThresholdMeters
	}
	return NewMonitorService(MonitorConfig{
		Interval:        c.config.Monitor.Interval,
		ErrorBackoff:    c.config.Monitor.ErrorBackoff,
		Home:            &home,
		ThresholdMeters: threshold,
		ApproachMeters:  c.config.Monitor.ApproachMeters,
		LowBattery:      c.config.Monitor.LowBatteryLevel,
		StopAtHome:      true,
		Topic:           c.config.Monitor.MQTT.Topic,
		QOS:             byte(c.config.Monitor.MQTT.QOS),
	}, c.resolver, c.tracker, publisher, c.clock, c.logger.With().Str("service", "monitor").Logger()), nil
}

// MonitorPublisher connects to the configured MQTT broker. It returns nil when
// publishing is disabled.
func (c *Client) MonitorPublisher() (*mqtt.MqttService, error) {
	m := c.config.Monitor.MQTT
	if !m.Enabled {
		return nil, nil
	}
	var password string
	if m.PasswordFile != "" {
		raw, err := c.fileClient.ReadFile(m.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read mqtt password: %w", err)
		}
		password = strings.TrimSpace(raw)
	}
	publisher := mqtt.NewMqttService(c.fileClient)
	if err := publisher.Initialize(mqtt.Options{
		Broker:        m.Broker,
		ClientID:      m.ClientID,
		Username:      m.Username,
		Password:      password,
		CACertificate: m.CACertificate,
		Timeout:       m.Timeout,
	}); err != nil {
		return nil, &models.NetworkError{Op: "mqtt connect " + m.Broker, Attempts: 1, Err: err}
	}
	return publisher, nil
}

// Geocoder returns the reverse geocoder for maps.api_key.
func (c *Client) Geocoder() (location.Geocoder, error) {
	if c.config.Maps.APIKey == "" {
		return nil, &models.ValidationError{Field: "maps.api_key", Reason: "required for address lookup"}
	}
	geocoder, err := location.NewGoogleGeocoder(c.config.Maps.APIKey)
	if err != nil {
		return nil, err
	}
	return geocoder, nil
}

// DownloadPicture saves the pet's profile picture to path.
func (c *Client) DownloadPicture(ctx context.Context, pet models.PetData, path string) (int64, error) {
	url := PictureURL(c.config.APIBaseURL, pet)
	if url == "" {
		return 0, &models.ValidationError{Field: "profile_picture_id", Reason: "pet has no profile picture"}
	}
	n, err := http_utils.DownloadFile(ctx, c.session.HTTPClient(), url, path)
	if err != nil {
		return 0, &models.NetworkError{Op: "GET " + url, Attempts: 1, Err: err}
	}
	return n, nil
}
