package constants

// Wire names used in the tracker command URL and status payloads.
const (
	WireLEDControl    = "led_control"
	WireBuzzerControl = "buzzer_control"
	WireLiveTracking  = "live_tracking"
	WireBatterySaver  = "battery_saver"
	WirePublicShare   = "public_share"

	WireOn  = "on"
	WireOff = "off"
)

// Acknowledgement statuses
const (
	// AckConfirmed means the device status reflected the requested state.
	AckConfirmed = "confirmed"
	// AckUnconfirmed means the command was accepted but the status never changed in time.
	AckUnconfirmed = "unconfirmed"
)

// MaxShareMessageLength bounds the public share message.
const MaxShareMessageLength = 255
