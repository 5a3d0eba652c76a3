package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
)

// TestDistanceMeters checks identity, symmetry and a known reference distance.
func TestDistanceMeters(t *testing.T) {
	t.Parallel()

	taipei := arrival.Coordinate{Latitude: 25.0330, Longitude: 121.5654}
	kaohsiung := arrival.Coordinate{Latitude: 22.6273, Longitude: 120.3014}

	require.Zero(t, DistanceMeters(taipei, taipei))
	require.InDelta(t, DistanceMeters(taipei, kaohsiung), DistanceMeters(kaohsiung, taipei), 1e-6)

	// Roughly 297 km by great circle.
	require.InDelta(t, 297_000, DistanceMeters(taipei, kaohsiung), 3_000)

	// One degree of latitude is about 111.2 km.
	require.InDelta(t, 111_195, DistanceMeters(
		arrival.Coordinate{Latitude: 0, Longitude: 0},
		arrival.Coordinate{Latitude: 1, Longitude: 0},
	), 10)

	antipode := DistanceMeters(
		arrival.Coordinate{Latitude: 0, Longitude: 0},
		arrival.Coordinate{Latitude: 0, Longitude: 180},
	)
	require.InDelta(t, math.Pi*EarthRadiusMeters, antipode, 1)
}

// TestRemaining verifies the radius is subtracted and the result goes negative inside.
func TestRemaining(t *testing.T) {
	t.Parallel()

	dest := &arrival.Destination{ID: "d", Latitude: 25, Longitude: 121, RadiusMeters: 100}

	outside := OffsetNorth(dest.Center(), 1000)
	require.InDelta(t, 900, Remaining(outside, dest), 0.5)

	inside := OffsetNorth(dest.Center(), 50)
	require.InDelta(t, -50, Remaining(inside, dest), 0.5)

	require.InDelta(t, -100, Remaining(dest.Center(), dest), 1e-9)
}

// TestProgressFraction covers clamping and the zero-denominator case.
func TestProgressFraction(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 0.0, ProgressFraction(1000, 1000), 1e-9)
	require.InDelta(t, 0.6, ProgressFraction(400, 1000), 1e-9)
	require.InDelta(t, 1.0, ProgressFraction(-50, 1000), 1e-9)
	require.InDelta(t, 0.0, ProgressFraction(1500, 1000), 1e-9)
	require.InDelta(t, 1.0, ProgressFraction(123, 0), 1e-9)
}

// TestZoneFor classifies each band boundary.
func TestZoneFor(t *testing.T) {
	t.Parallel()

	th := Thresholds{FarMeters: 5000, NearMeters: 1000}

	require.Equal(t, arrival.ZoneArrived, ZoneFor(0, th))
	require.Equal(t, arrival.ZoneArrived, ZoneFor(-5, th))
	require.Equal(t, arrival.ZoneNear, ZoneFor(1000, th))
	require.Equal(t, arrival.ZoneMid, ZoneFor(1000.1, th))
	require.Equal(t, arrival.ZoneMid, ZoneFor(5000, th))
	require.Equal(t, arrival.ZoneFar, ZoneFor(5000.1, th))
}
