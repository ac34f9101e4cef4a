package models

import (
	"strings"
	"time"
)

// DeviceState is the tracker's reporting state.
type DeviceState string

const (
	DeviceActive  DeviceState = "ACTIVE"
	DeviceIdle    DeviceState = "IDLE"
	DeviceOffline DeviceState = "OFFLINE"
	DeviceUnknown DeviceState = "UNKNOWN"
)

// ParseDeviceState maps the API's tracker state onto DeviceState.
func ParseDeviceState(wire string) DeviceState {
	switch strings.ToLower(strings.TrimSpace(wire)) {
	case "operational", "active":
		return DeviceActive
	case "inactive", "idle", "sleeping":
		return DeviceIdle
	case "not_reporting", "offline", "shutdown":
		return DeviceOffline
	default:
		return DeviceUnknown
	}
}

// TemperatureState is the tracker's temperature warning.
type TemperatureState string

const (
	TemperatureNormal  TemperatureState = "normal"
	TemperatureHot     TemperatureState = "hot"
	TemperatureCold    TemperatureState = "cold"
	TemperatureUnknown TemperatureState = "unknown"
)

// ParseTemperatureState maps the hardware report's temperature_state.
func ParseTemperatureState(wire string) TemperatureState {
	switch TemperatureState(strings.ToLower(strings.TrimSpace(wire))) {
	case TemperatureNormal:
		return TemperatureNormal
	case TemperatureHot:
		return TemperatureHot
	case TemperatureCold:
		return TemperatureCold
	default:
		return TemperatureUnknown
	}
}

// BatteryState buckets the battery level.
type BatteryState string

const (
	BatteryExcellent BatteryState = "excellent"
	BatteryGood      BatteryState = "good"
	BatteryFair      BatteryState = "fair"
	BatteryLow       BatteryState = "low"
	BatteryCritical  BatteryState = "critical"
)

// BatteryStateOf returns the bucket for level (0-100).
func BatteryStateOf(level int) BatteryState {
	switch {
	case level >= 80:
		return BatteryExcellent
	case level >= 60:
		return BatteryGood
	case level >= 40:
		return BatteryFair
	case level >= 20:
		return BatteryLow
	default:
		return BatteryCritical
	}
}

// DeviceStatus combines the hardware report and the tracker record.
type DeviceStatus struct {
	BatteryLevel     int              `json:"battery_level"`
	HardwareStatus   string           `json:"hardware_status"`
	Timestamp        int64            `json:"timestamp"`
	TemperatureState TemperatureState `json:"temperature_state"`
	State            DeviceState      `json:"state"`
	BatterySaveMode  bool             `json:"battery_save_mode"`

	LiveTracking bool `json:"live_tracking"`
	LEDActive    bool `json:"led_active"`
	BuzzerActive bool `json:"buzzer_active"`
}

// BatteryState returns the bucket of the current level.
func (d DeviceStatus) BatteryState() BatteryState {
	return BatteryStateOf(d.BatteryLevel)
}

// IsLowBattery reports a level below threshold percent.
func (d DeviceStatus) IsLowBattery(threshold int) bool {
	return d.BatteryLevel < threshold
}

// IsCriticalBattery reports a level below the critical percentage.
func (d DeviceStatus) IsCriticalBattery(critical int) bool {
	return d.BatteryLevel < critical
}

// NeedsAttention reports a low battery, a temperature warning or an offline device.
func (d DeviceStatus) NeedsAttention(lowThreshold int) bool {
	return d.IsLowBattery(lowThreshold) ||
		d.TemperatureState == TemperatureHot ||
		d.TemperatureState == TemperatureCold ||
		d.State == DeviceOffline
}

// SinceUpdate returns the time elapsed since the last hardware report.
func (d DeviceStatus) SinceUpdate(now time.Time) time.Duration {
	if d.Timestamp == 0 {
		return 0
	}
	return now.Sub(time.Unix(d.Timestamp, 0))
}

// TrackerInfo describes the hardware behind a tracker id.
type TrackerInfo struct {
	ID              string `json:"id"`
	ModelNumber     string `json:"model_number"`
	HardwareEdition string `json:"hw_edition"`
	FirmwareVersion string `json:"fw_version"`
}
