package models

import "time"

// Session is one authenticated login. It is owned by a single SessionManager.
type Session struct {
	ID          string    `json:"id"`
	AccessToken string    `json:"-"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	BaseURL     string    `json:"base_url"`
	TrackerID   string    `json:"tracker_id,omitempty"`
	PetID       string    `json:"pet_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Valid reports whether the token can still be used at now, leaving skew for the
// request to reach the server.
func (s *Session) Valid(now time.Time, skew time.Duration) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return now.Add(skew).Before(s.ExpiresAt)
}
