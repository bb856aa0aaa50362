package behavior

import (
	"math"

	"github.com/orbitpay/sentra/pkg/models"
)

// earthRadiusKm is the mean Earth radius used for great-circle distances.
const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometers between two
// locations. Symmetric, and zero for identical points.
func Haversine(a, b models.GeoLocation) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// HasCoordinates reports whether the location carries usable coordinates.
// Events without coordinates are skipped by distance-based checks.
func HasCoordinates(loc *models.GeoLocation) bool {
	return loc != nil && (loc.Latitude != 0 || loc.Longitude != 0)
}

// ImpossibleTravel reports whether moving between two locations in the given
// elapsed hours implies a speed above maxSpeedKmh. Never flags when elapsed
// time is zero or negative.
func ImpossibleTravel(from, to models.GeoLocation, elapsedHours, maxSpeedKmh float64) (bool, float64) {
	if elapsedHours <= 0 {
		return false, 0
	}
	distance := Haversine(from, to)
	speed := distance / elapsedHours
	return speed > maxSpeedKmh, speed
}
