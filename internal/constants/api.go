package constants

import "time"

// Tractive graph API
const (
	DefaultAPIBaseURL = "https://graph.tractive.com/3"
	ClientHeader      = "X-Tractive-Client"
	DefaultClientID   = "5728aa1fc9077f7c32000186"
	AuthGrantType     = "tractive"

	PathAuthToken         = "/auth/token"
	PathUserTrackers      = "/user/%s/trackers"
	PathUserTrackables    = "/user/%s/trackable_objects"
	PathTracker           = "/tracker/%s"
	PathHardwareReport    = "/device_hw_report/%s"
	PathPositionReport    = "/device_pos_report/%s"
	PathPositions         = "/tracker/%s/positions"
	PathTrackerCommand    = "/tracker/%s/command/%s/%s"
	PathBatterySaveMode   = "/tracker/%s/battery_save_mode"
	PathTrackableObject   = "/trackable_object/%s"
	PathTrackerShares     = "/tracker/%s/public_shares"
	PathPublicShare       = "/public_share/%s"
	PathCreatePublicShare = "/public_share"
	PathDeactivateShare   = "/public_share/%s/deactivate"
	PathProfilePicture    = "/media/resource/%s.96_96_1.jpg"

	PositionsFormat = "json_segments"
)

// Defaults applied when the config leaves a field empty.
const (
	DefaultRequestTimeout      = 30 * time.Second
	DefaultRetryAttempts       = 3
	DefaultRetryBaseDelay      = time.Second
	DefaultRetryMaxDelay       = 30 * time.Second
	DefaultRetryJitter         = 0.25
	DefaultRequestsPerMinute   = 60
	DefaultRateBurst           = 5
	DefaultCacheTTL            = 300 * time.Second
	DefaultTokenLifetime       = time.Hour
	TokenExpirySkew            = 30 * time.Second
	DefaultMaxGPSFallbackHours = 24
	MaxPositionsHistory        = 30 * 24 * time.Hour

	DefaultFreshnessThreshold = 5 * time.Minute
	DefaultMaxUncertainty     = 100.0
	DefaultLiveTimeout        = 60 * time.Second
	DefaultLivePollInterval   = 2 * time.Second
	DefaultClockSkew          = 30 * time.Second
	DefaultRestoreTimeout     = 15 * time.Second

	DefaultConfirmTimeout      = 20 * time.Second
	DefaultConfirmPollInterval = 2 * time.Second

	DefaultHomeThresholdMeters  = 50.0
	DefaultMonitorInterval      = 10 * time.Second
	DefaultMonitorErrorBackoff  = 5 * time.Second
	DefaultMonitorTopic         = "tractive/monitor"
	DefaultShareMessage         = "Pet location sharing"
	DefaultExportHours          = 24
	DefaultLowBatteryPercent    = 20
	DefaultCriticalBatteryLevel = 10
)

// Credential storage
const (
	CredentialsKey        = "credentials"
	CredentialsAAD        = "tractive-credentials-v1"
	DefaultLegacyFile     = "login.conf"
	DefaultPasscodeEnv    = "TRACTIVE_PASSCODE"
	MigratedLegacySuffix  = ".migrated"
	EnvEmail              = "TRACTIVE_EMAIL"
	EnvPassword           = "TRACTIVE_PASSWORD"
	EnvHomeLatitude       = "TRACTIVE_HOME_LAT"
	EnvHomeLongitude      = "TRACTIVE_HOME_LON"
	EnvConfigPath         = "TRACTIVE_CONFIG"
	EnvDataHome           = "XDG_DATA_HOME"
	EnvAPIBaseURL         = "TRACTIVE_API_BASE_URL"
	EnvTrackerID          = "TRACTIVE_TRACKER_ID"
	DefaultAppDirName     = "tractive"
	DefaultKeyFileName    = "vault.key"
	DefaultStateFileName  = "live_tracking.json"
	DefaultConfigFileName = "config.yaml"
)
