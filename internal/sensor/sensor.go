package sensor

import (
	"context"
	"strings"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/platform"
)

// Kind is the type of a sensor event.
type Kind int

const (
	// KindProximity carries a positive remaining distance.
	KindProximity Kind = iota
	// KindRegionEntered means the device is inside the destination radius.
	KindRegionEntered
	// KindWarningRegionEntered means the device entered the wider warning region.
	KindWarningRegionEntered
	// KindStrategyFailed means the strategy cannot work for this session.
	KindStrategyFailed
	// KindSensorUnavailable means no provider delivered a fix for a while.
	KindSensorUnavailable
)

// String returns a short name for logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindProximity:
		return "proximity"
	case KindRegionEntered:
		return "region_entered"
	case KindWarningRegionEntered:
		return "warning_region_entered"
	case KindStrategyFailed:
		return "strategy_failed"
	case KindSensorUnavailable:
		return "sensor_unavailable"
	default:
		return "unknown"
	}
}

// Event is a normalized sensor signal.
type Event struct {
	// Kind of the event.
	Kind Kind
	// SessionID is stamped by the monitor so stale events can be dropped.
	SessionID string
	// Remaining is the distance to the destination boundary for proximity events.
	Remaining float64
	// Fix is the position that produced the event, when there is one.
	Fix *arrival.Fix
	// RegionID is set for region events.
	RegionID string
	// Err explains strategy failures.
	Err error
	// Strategy is the strategy that produced the event.
	Strategy arrival.Strategy
}

// Sink receives events. Implementations must not block for long.
type Sink func(Event)

// Adapter is one sensing strategy. Start and Stop are idempotent.
type Adapter interface {
	Strategy() arrival.Strategy
	Start(ctx context.Context, dest *arrival.Destination, sink Sink) error
	Stop(ctx context.Context)
}

// ZoneAware adapters adjust their cadence to the current zone.
type ZoneAware interface {
	SetZone(zone arrival.Zone)
}

// TransitionHandler adapters consume platform region transitions.
type TransitionHandler interface {
	// HandleTransition reports whether the transition belonged to this adapter.
	HandleTransition(t platform.RegionTransition) bool
}

// warningSuffix marks the secondary region registered next to a destination.
const warningSuffix = "#warning"

// PrimaryRegionID is the geofence id of a destination.
func PrimaryRegionID(destinationID string) string {
	return destinationID
}

// WarningRegionID is the id of the wider warning geofence of a destination.
func WarningRegionID(destinationID string) string {
	return destinationID + warningSuffix
}

// DestinationFromRegion maps a region id back to its destination id.
func DestinationFromRegion(regionID string) (destinationID string, warning bool) {
	if id, ok := strings.CutSuffix(regionID, warningSuffix); ok {
		return id, true
	}

	return regionID, false
}
