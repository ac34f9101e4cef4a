package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/benmeehan/tractive-agent/internal/constants"
	"github.com/benmeehan/tractive-agent/pkg/file"
)

// S3Config points at a bucket. Keys are read from files.
type S3Config struct {
	Endpoint      string `yaml:"endpoint"`        // host:port or URL of the S3 endpoint
	Bucket        string `yaml:"bucket"`          // Bucket name
	Region        string `yaml:"region"`          // Bucket region
	AccessKeyFile string `yaml:"access_key_file"` // Path to the access key
	SecretKeyFile string `yaml:"secret_key_file"` // Path to the secret key
	Prefix        string `yaml:"prefix"`          // Object name prefix
}

// Enabled reports whether enough is set to build a client.
func (s S3Config) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// Config represents the structure of the configuration file.
type Config struct {
	APIBaseURL          string        `yaml:"api_base_url"`           // Tractive API root
	RequestTimeout      time.Duration `yaml:"request_timeout"`        // Per request timeout
	RetryAttempts       *int          `yaml:"retry_attempts"`         // Retries after the first attempt
	MaxGPSFallbackHours int           `yaml:"max_gps_fallback_hours"` // Oldest passive fix accepted
	ClientID            string        `yaml:"client_id"`              // X-Tractive-Client header value
	TrackerID           string        `yaml:"tracker_id"`             // Tracker to use when the account has several

	Retry struct {
		BaseDelay time.Duration `yaml:"base_delay"` // First backoff delay
		MaxDelay  time.Duration `yaml:"max_delay"`  // Upper bound for any single delay
		Jitter    float64       `yaml:"jitter"`     // Fraction of the delay randomised, 0-1
	} `yaml:"retry"`

	RateLimit struct {
		RequestsPerMinute int `yaml:"requests_per_minute"` // Sustained request rate
		Burst             int `yaml:"burst"`               // Requests allowed in a burst
	} `yaml:"rate_limit"`

	Cache struct {
		Enabled *bool         `yaml:"enabled"` // Cache GET responses
		TTL     time.Duration `yaml:"ttl"`     // Cache entry lifetime
	} `yaml:"cache"`

	Location struct {
		FreshnessThreshold time.Duration `yaml:"freshness_threshold"` // Age under which a cached fix is accepted
		MaxUncertainty     float64       `yaml:"max_uncertainty"`     // Meters, worse fixes are not fresh
		LiveTimeout        time.Duration `yaml:"live_timeout"`        // Total wait for a live fix
		PollInterval       time.Duration `yaml:"poll_interval"`       // Delay between live polls
		ClockSkew          time.Duration `yaml:"clock_skew"`          // Future timestamps tolerated
		RestoreTimeout     time.Duration `yaml:"restore_timeout"`     // Budget for switching live tracking back
	} `yaml:"location"`

	Commands struct {
		ConfirmTimeout time.Duration `yaml:"confirm_timeout"` // How long to poll for confirmation
		PollInterval   time.Duration `yaml:"poll_interval"`   // Delay between confirmation polls
		ShareMessage   string        `yaml:"share_message"`   // Default public share message
	} `yaml:"commands"`

	Credentials struct {
		Backend       string   `yaml:"backend"`          // file, s3 or memory
		Dir           string   `yaml:"dir"`              // Directory of the encrypted store
		KeyFile       string   `yaml:"key_file"`         // Path to the vault key, keep it outside dir
		LegacyFile    string   `yaml:"legacy_file"`      // Plaintext login.conf to migrate
		PasscodeEnv   string   `yaml:"passcode_env"`     // Env var holding an optional passcode
		PersistPrompt bool     `yaml:"persist_prompted"` // Store credentials entered at the prompt
		AllowPrompt   *bool    `yaml:"allow_prompt"`     // Prompt on a terminal when nothing else is found
		S3            S3Config `yaml:"s3"`               // Bucket for the s3 backend
	} `yaml:"credentials"`

	Home struct {
		Latitude        *float64 `yaml:"latitude"`         // Home latitude
		Longitude       *float64 `yaml:"longitude"`        // Home longitude
		ThresholdMeters float64  `yaml:"threshold_meters"` // Radius counted as home
	} `yaml:"home"`

	Monitor struct {
		Interval        time.Duration `yaml:"interval"`          // Delay between checks
		ErrorBackoff    time.Duration `yaml:"error_backoff"`     // Delay after a failed check
		ApproachMeters  float64       `yaml:"approach_meters"`   // Movement towards home that counts as closer
		LowBatteryLevel int           `yaml:"low_battery_level"` // Percent that raises low_battery
		CriticalBattery int           `yaml:"critical_battery"`  // Percent that counts as critical

		MQTT struct {
			Enabled       bool          `yaml:"enabled"`        // Publish monitor events
			Broker        string        `yaml:"broker"`         // MQTT broker address
			ClientID      string        `yaml:"client_id"`      // MQTT client ID
			Username      string        `yaml:"username"`       // Broker user
			PasswordFile  string        `yaml:"password_file"`  // Path to the broker password
			CACertificate string        `yaml:"ca_certificate"` // Path to the CA certificate
			Topic         string        `yaml:"topic"`          // Topic prefix
			QOS           int           `yaml:"qos"`            // MQTT QoS level
			Timeout       time.Duration `yaml:"timeout"`        // Connect and publish timeout
		} `yaml:"mqtt"`
	} `yaml:"monitor"`

	Maps struct {
		APIKey string `yaml:"api_key"` // Google maps API key for reverse geocoding
	} `yaml:"maps"`

	Export struct {
		Hours int      `yaml:"hours"` // Default export window
		S3    S3Config `yaml:"s3"`    // Bucket for --upload
	} `yaml:"export"`

	State struct {
		File string `yaml:"file"` // Live tracking restore ledger
	} `yaml:"state"`

	Logging struct {
		Level  string `yaml:"level"`  // zerolog level
		Format string `yaml:"format"` // console or json
	} `yaml:"logging"`
}

// Retries returns the configured retry count.
func (c *Config) Retries() int {
	if c.RetryAttempts == nil {
		return constants.DefaultRetryAttempts
	}
	return *c.RetryAttempts
}

// CacheEnabled reports whether GET responses are cached.
func (c *Config) CacheEnabled() bool {
	return c.Cache.Enabled == nil || *c.Cache.Enabled
}

// PromptAllowed reports whether the vault may ask on a terminal.
func (c *Config) PromptAllowed() bool {
	return c.Credentials.AllowPrompt == nil || *c.Credentials.AllowPrompt
}

// MaxGPSFallback returns the oldest passive fix age.
func (c *Config) MaxGPSFallback() time.Duration {
	return time.Duration(c.MaxGPSFallbackHours) * time.Hour
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = constants.DefaultAPIBaseURL
	}
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	setDuration(&c.RequestTimeout, constants.DefaultRequestTimeout)
	if c.RetryAttempts == nil {
		n := constants.DefaultRetryAttempts
		c.RetryAttempts = &n
	}
	if c.MaxGPSFallbackHours == 0 {
		c.MaxGPSFallbackHours = constants.DefaultMaxGPSFallbackHours
	}
	if c.ClientID == "" {
		c.ClientID = constants.DefaultClientID
	}

	setDuration(&c.Retry.BaseDelay, constants.DefaultRetryBaseDelay)
	setDuration(&c.Retry.MaxDelay, constants.DefaultRetryMaxDelay)
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = constants.DefaultRetryJitter
	}

	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = constants.DefaultRequestsPerMinute
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = constants.DefaultRateBurst
	}
	setDuration(&c.Cache.TTL, constants.DefaultCacheTTL)

	setDuration(&c.Location.FreshnessThreshold, constants.DefaultFreshnessThreshold)
	if c.Location.MaxUncertainty == 0 {
		c.Location.MaxUncertainty = constants.DefaultMaxUncertainty
	}
	setDuration(&c.Location.LiveTimeout, constants.DefaultLiveTimeout)
	setDuration(&c.Location.PollInterval, constants.DefaultLivePollInterval)
	setDuration(&c.Location.ClockSkew, constants.DefaultClockSkew)
	setDuration(&c.Location.RestoreTimeout, constants.DefaultRestoreTimeout)

	setDuration(&c.Commands.ConfirmTimeout, constants.DefaultConfirmTimeout)
	setDuration(&c.Commands.PollInterval, constants.DefaultConfirmPollInterval)
	if c.Commands.ShareMessage == "" {
		c.Commands.ShareMessage = constants.DefaultShareMessage
	}

	dir := DefaultDataDir()
	if c.Credentials.Dir == "" {
		c.Credentials.Dir = dir
	}
	if c.Credentials.KeyFile == "" {
		c.Credentials.KeyFile = filepath.Join(DefaultKeyDir(), constants.DefaultKeyFileName)
	}
	if c.Credentials.LegacyFile == "" {
		c.Credentials.LegacyFile = constants.DefaultLegacyFile
	}
	if c.Credentials.PasscodeEnv == "" {
		c.Credentials.PasscodeEnv = constants.DefaultPasscodeEnv
	}

	if c.Home.ThresholdMeters == 0 {
		c.Home.ThresholdMeters = constants.DefaultHomeThresholdMeters
	}

	setDuration(&c.Monitor.Interval, constants.DefaultMonitorInterval)
	setDuration(&c.Monitor.ErrorBackoff, constants.DefaultMonitorErrorBackoff)
	if c.Monitor.ApproachMeters == 0 {
		c.Monitor.ApproachMeters = constants.DefaultHomeThresholdMeters
	}
	if c.Monitor.LowBatteryLevel == 0 {
		c.Monitor.LowBatteryLevel = constants.DefaultLowBatteryPercent
	}
	if c.Monitor.CriticalBattery == 0 {
		c.Monitor.CriticalBattery = constants.DefaultCriticalBatteryLevel
	}
	if c.Monitor.MQTT.Topic == "" {
		c.Monitor.MQTT.Topic = constants.DefaultMonitorTopic
	}
	setDuration(&c.Monitor.MQTT.Timeout, 10*time.Second)

	if c.Export.Hours == 0 {
		c.Export.Hours = constants.DefaultExportHours
	}
	if c.State.File == "" {
		c.State.File = filepath.Join(dir, constants.DefaultStateFileName)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// ApplyEnv overrides fields from TRACTIVE_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv(constants.EnvAPIBaseURL); v != "" {
		c.APIBaseURL = strings.TrimRight(v, "/")
	}
	if v := getenv(constants.EnvTrackerID); v != "" {
		c.TrackerID = v
	}
	lat, lon := getenv(constants.EnvHomeLatitude), getenv(constants.EnvHomeLongitude)
	if lat != "" && lon != "" {
		la, err := strconv.ParseFloat(lat, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", constants.EnvHomeLatitude, err)
		}
		lo, err := strconv.ParseFloat(lon, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", constants.EnvHomeLongitude, err)
		}
		c.Home.Latitude, c.Home.Longitude = &la, &lo
	}
	return nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return fmt.Errorf("api_base_url must be an http(s) URL: %q", c.APIBaseURL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.Retries() < 0 {
		return fmt.Errorf("retry_attempts must not be negative")
	}
	if c.MaxGPSFallbackHours < 0 {
		return fmt.Errorf("max_gps_fallback_hours must not be negative")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must not be below retry.base_delay")
	}
	if (c.Home.Latitude == nil) != (c.Home.Longitude == nil) {
		return fmt.Errorf("home needs both latitude and longitude")
	}
	return nil
}

// LoadConfig loads the YAML configuration from the specified file. A missing file
// yields the defaults.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if filename != "" {
		exists, err := fileClient.IsFileExists(filename)
		if err != nil {
			return nil, err
		}
		if exists {
			if err := fileClient.ReadYamlFile(filename, &config); err != nil {
				return nil, err
			}
		}
	}
	config.ApplyDefaults()
	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultDataDir is $XDG_CONFIG_HOME/tractive, falling back to ~/.config/tractive.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, constants.DefaultAppDirName)
	}
	return filepath.Join(".", "."+constants.DefaultAppDirName)
}

// DefaultKeyDir holds the vault key. It is never the directory of the encrypted store,
// so a copy of the store alone cannot be decrypted.
func DefaultKeyDir() string {
	if dir := os.Getenv(constants.EnvDataHome); dir != "" {
		return filepath.Join(dir, constants.DefaultAppDirName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", constants.DefaultAppDirName)
	}
	return filepath.Join(".", "."+constants.DefaultAppDirName+"-key")
}

// DefaultConfigPath honours TRACTIVE_CONFIG before the data dir.
func DefaultConfigPath() string {
	if p := os.Getenv(constants.EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(DefaultDataDir(), constants.DefaultConfigFileName)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
