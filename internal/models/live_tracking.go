package models

import "time"

// LiveTrackingRecord marks a tracker whose live tracking this tool switched on and has
// not yet switched off.
type LiveTrackingRecord struct {
	TrackerID   string    `json:"tracker_id"`
	SessionID   string    `json:"session_id,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
}
