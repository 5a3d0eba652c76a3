// Package geo holds the distance and progress math used by the arrival monitor.
// All functions are pure.
package geo

import (
	"math"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
)

// EarthRadiusMeters is the IUGG mean Earth radius.
const EarthRadiusMeters = 6371008.8

// Thresholds are the zone band boundaries in meters of remaining distance.
type Thresholds struct {
	// FarMeters: remaining distance above this is ZoneFar.
	FarMeters float64
	// NearMeters: remaining distance at or below this is ZoneNear.
	NearMeters float64
}

// DefaultThresholds are used when the config does not provide bands.
var DefaultThresholds = Thresholds{ //nolint:gochecknoglobals // Immutable defaults.
	FarMeters:  5000,
	NearMeters: 1000,
}

// DistanceMeters returns the great-circle distance between a and b (haversine).
func DistanceMeters(a, b arrival.Coordinate) float64 {
	if a == b {
		return 0
	}

	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// Rounding can push h marginally above 1 for antipodal points.
	h = math.Min(1, h)

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Remaining returns the distance from pos to the destination boundary.
// It is negative inside the radius.
func Remaining(pos arrival.Coordinate, d *arrival.Destination) float64 {
	return DistanceMeters(pos, d.Center()) - d.RadiusMeters
}

// ProgressFraction returns 1 - remaining/maxObserved clamped to [0,1].
// A zero maxObserved is the degenerate arrived case and yields 1.
func ProgressFraction(remaining, maxObserved float64) float64 {
	if maxObserved == 0 {
		return 1
	}

	p := 1 - remaining/maxObserved

	switch {
	case p < 0 || math.IsNaN(p):
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// ZoneFor classifies a remaining distance into a zone.
func ZoneFor(remaining float64, t Thresholds) arrival.Zone {
	switch {
	case remaining <= 0:
		return arrival.ZoneArrived
	case remaining <= t.NearMeters:
		return arrival.ZoneNear
	case remaining <= t.FarMeters:
		return arrival.ZoneMid
	default:
		return arrival.ZoneFar
	}
}

// OffsetNorth returns the coordinate meters north of c along its meridian.
// Tests and simulators use it to place fixes at known distances.
func OffsetNorth(c arrival.Coordinate, meters float64) arrival.Coordinate {
	return arrival.Coordinate{
		Latitude:  c.Latitude + degrees(meters/EarthRadiusMeters),
		Longitude: c.Longitude,
	}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
