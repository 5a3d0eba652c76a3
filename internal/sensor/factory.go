package sensor

import (
	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/platform"
)

// Factory builds a fresh adapter per session.
type Factory struct {
	// Providers feed the GPS strategy.
	Providers []Provider
	// GPS tunes the GPS strategy.
	GPS GPSConfig
	// Regions backs the geofence strategy; nil disables it.
	Regions platform.RegionMonitor
	// WarningRadiusMeters sizes the optional warning region.
	WarningRadiusMeters float64
}

// New returns an adapter for the strategy. Geofence falls back to GPS when no region monitor is configured.
//
//nolint:ireturn // Callers pick the strategy at runtime.
func (f *Factory) New(strategy arrival.Strategy) Adapter {
	if strategy == arrival.StrategyGeofence && f.Regions != nil {
		return NewGeofence(f.Regions, f.WarningRadiusMeters)
	}

	return NewGPS(f.Providers, f.GPS)
}
