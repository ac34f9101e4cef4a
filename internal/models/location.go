package models

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/benmeehan/tractive-agent/pkg/location"
)

// GPSLocation is a single fix. Values are passed by copy and never mutated.
type GPSLocation struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Timestamp   int64   `json:"timestamp"`
	Uncertainty float64 `json:"uncertainty"`
	Altitude    float64 `json:"altitude"`
	Speed       float64 `json:"speed"`
	Course      float64 `json:"course"`
}

// Time returns the fix time.
func (g GPSLocation) Time() time.Time {
	return time.Unix(g.Timestamp, 0)
}

// Age returns how old the fix is at now.
func (g GPSLocation) Age(now time.Time) time.Duration {
	return now.Sub(g.Time())
}

// Point returns the coordinates.
func (g GPSLocation) Point() location.Point {
	return location.Point{Latitude: g.Latitude, Longitude: g.Longitude}
}

// DistanceTo returns the haversine distance to other in meters.
func (g GPSLocation) DistanceTo(other GPSLocation) float64 {
	return location.Distance(g.Point(), other.Point())
}

// AccuracyLevel describes the uncertainty in words.
func (g GPSLocation) AccuracyLevel() string {
	return location.AccuracyLevel(g.Uncertainty)
}

// Validate checks coordinates, a non-negative uncertainty and a timestamp no further in
// the future than skew.
func (g GPSLocation) Validate(now time.Time, skew time.Duration) error {
	if !g.Point().Valid() {
		return fmt.Errorf("coordinates out of range: %f,%f", g.Latitude, g.Longitude)
	}
	if g.Uncertainty < 0 || math.IsNaN(g.Uncertainty) {
		return fmt.Errorf("negative uncertainty: %f", g.Uncertainty)
	}
	if g.Timestamp <= 0 {
		return errors.New("missing timestamp")
	}
	if g.Time().After(now.Add(skew)) {
		return fmt.Errorf("timestamp %d is in the future", g.Timestamp)
	}
	return nil
}

// Better reports whether a should be preferred over b: the more recent fix wins, and
// on equal timestamps the lower uncertainty wins.
func Better(a, b GPSLocation) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.Uncertainty < b.Uncertainty
}

// BestFix returns the preferred fix among candidates.
func BestFix(candidates []GPSLocation) (GPSLocation, bool) {
	if len(candidates) == 0 {
		return GPSLocation{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if Better(c, best) {
			best = c
		}
	}
	return best, true
}

// DistanceFromHome returns the distance between fix and home in meters.
func DistanceFromHome(fix GPSLocation, home location.Point) float64 {
	return location.Distance(home, fix.Point())
}

// IsAtHome reports whether fix lies within threshold meters of home.
func IsAtHome(fix GPSLocation, home location.Point, threshold float64) bool {
	return DistanceFromHome(fix, home) <= threshold
}
