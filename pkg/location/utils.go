package location

import "math"

// EarthRadiusMeters is the mean earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// Distance returns the great-circle distance between a and b in meters (haversine).
func Distance(a, b Point) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := radians(b.Latitude - a.Latitude)
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// AccuracyLevel buckets a position uncertainty in meters.
func AccuracyLevel(uncertainty float64) string {
	switch {
	case uncertainty <= 5:
		return "Excellent"
	case uncertainty <= 15:
		return "Good"
	case uncertainty <= 50:
		return "Fair"
	default:
		return "Poor"
	}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
