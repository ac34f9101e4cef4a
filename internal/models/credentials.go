package models

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/benmeehan/tractive-agent/pkg/location"
)

// Credentials are the account login plus an optional home position.
type Credentials struct {
	Email         string   `json:"email"`
	Password      string   `json:"password"`
	HomeLatitude  *float64 `json:"home_latitude,omitempty"`
	HomeLongitude *float64 `json:"home_longitude,omitempty"`
}

// Complete reports whether both email and password are present.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.Email) != "" && c.Password != ""
}

// Home returns the configured home position.
func (c Credentials) Home() (location.Point, bool) {
	if c.HomeLatitude == nil || c.HomeLongitude == nil {
		return location.Point{}, false
	}
	p := location.Point{Latitude: *c.HomeLatitude, Longitude: *c.HomeLongitude}
	return p, p.Valid()
}

// WithHome returns a copy with the home position set.
func (c Credentials) WithHome(lat, lon float64) Credentials {
	c.HomeLatitude = &lat
	c.HomeLongitude = &lon
	return c
}

// String never prints the password.
func (c Credentials) String() string {
	return "Credentials{email:" + MaskEmail(c.Email) + " password:[redacted]}"
}

// MarshalZerologObject logs the masked email only.
func (c Credentials) MarshalZerologObject(e *zerolog.Event) {
	e.Str("email", MaskEmail(c.Email)).Bool("has_password", c.Password != "")
	_, hasHome := c.Home()
	e.Bool("has_home", hasHome)
}

// Wipe clears the password from the value.
func (c *Credentials) Wipe() {
	c.Password = ""
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		if email == "" {
			return ""
		}
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
