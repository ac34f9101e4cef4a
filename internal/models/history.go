package models

import "time"

// TrackPoint is a fix annotated with movement since the previous fix.
type TrackPoint struct {
	GPSLocation
	DistanceMeters     float64 `json:"distance_meters"`
	CalculatedSpeedKMH float64 `json:"calculated_speed_kmh"`
	CumulativeDistance float64 `json:"cumulative_distance"`
}

// Analyze annotates points, which must be in time order.
func Analyze(points []GPSLocation) []TrackPoint {
	out := make([]TrackPoint, len(points))
	var cumulative float64
	for i, p := range points {
		out[i].GPSLocation = p
		if i == 0 {
			continue
		}
		prev := points[i-1]
		d := prev.DistanceTo(p)
		cumulative += d
		out[i].DistanceMeters = d
		out[i].CumulativeDistance = cumulative
		if dt := p.Timestamp - prev.Timestamp; dt > 0 {
			out[i].CalculatedSpeedKMH = d / float64(dt) * 3.6
		}
	}
	return out
}

// LocationHistory summarises the fixes over a time window.
type LocationHistory struct {
	Points        []TrackPoint  `json:"points"`
	Count         int           `json:"count"`
	TimeSpan      time.Duration `json:"time_span"`
	TotalDistance float64       `json:"total_distance"`
	MaxSpeed      float64       `json:"max_speed"`
	AverageSpeed  float64       `json:"average_speed"`
}

// NewLocationHistory builds the summary for time ordered points.
func NewLocationHistory(points []GPSLocation) LocationHistory {
	track := Analyze(points)
	h := LocationHistory{Points: track, Count: len(track)}
	if len(track) == 0 {
		return h
	}

	first, last := track[0], track[len(track)-1]
	h.TimeSpan = time.Duration(last.Timestamp-first.Timestamp) * time.Second
	h.TotalDistance = last.CumulativeDistance

	for _, p := range track {
		if p.CalculatedSpeedKMH > h.MaxSpeed {
			h.MaxSpeed = p.CalculatedSpeedKMH
		}
	}
	if hours := h.TimeSpan.Hours(); hours > 0 {
		h.AverageSpeed = h.TotalDistance / 1000 / hours
	}
	return h
}

// Start returns the first fix.
func (h LocationHistory) Start() (GPSLocation, bool) {
	if len(h.Points) == 0 {
		return GPSLocation{}, false
	}
	return h.Points[0].GPSLocation, true
}

// End returns the last fix.
func (h LocationHistory) End() (GPSLocation, bool) {
	if len(h.Points) == 0 {
		return GPSLocation{}, false
	}
	return h.Points[len(h.Points)-1].GPSLocation, true
}
