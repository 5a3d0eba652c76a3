package arrival

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownStrategy is returned when a strategy name cannot be parsed.
var ErrUnknownStrategy = errors.New("unknown sensing strategy")

// Strategy selects how proximity is sensed for a session.
type Strategy int

const (
	// StrategyGPS polls positions continuously and computes distance.
	StrategyGPS Strategy = iota
	// StrategyGeofence relies on platform region-transition events.
	StrategyGeofence
)

// String returns the lower-case strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyGPS:
		return "gps"
	case StrategyGeofence:
		return "geofence"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts "gps" or "geofence" (any case) into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gps", "":
		return StrategyGPS, nil
	case "geofence":
		return StrategyGeofence, nil
	default:
		return StrategyGPS, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Zone is a coarse distance band derived from the remaining distance.
type Zone int

const (
	// ZoneFar is beyond the far threshold.
	ZoneFar Zone = iota
	// ZoneMid is between the near and far thresholds.
	ZoneMid
	// ZoneNear is within the near threshold.
	ZoneNear
	// ZoneArrived is inside the destination radius.
	ZoneArrived
)

// String returns the lower-case zone name.
func (z Zone) String() string {
	switch z {
	case ZoneFar:
		return "far"
	case ZoneMid:
		return "mid"
	case ZoneNear:
		return "near"
	case ZoneArrived:
		return "arrived"
	default:
		return fmt.Sprintf("zone(%d)", int(z))
	}
}

// State is the monitoring lifecycle state.
type State int

const (
	// StateIdle means no session is active.
	StateIdle State = iota
	// StateArmed is entered on arm, before the first sensor event.
	StateArmed
	// StateMonitoring means at least one proximity event was processed.
	StateMonitoring
	// StateArrived is terminal until dismissal.
	StateArrived
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateMonitoring:
		return "monitoring"
	case StateArrived:
		return "arrived"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a snapshot of an alarm session owned by the monitor.
type Session struct {
	// ID is unique per arm call.
	ID string
	// Destination is the snapshot taken at arm time.
	Destination Destination
	// Start is the position supplied when arming, if any.
	Start *Coordinate
	// Strategy is the sensing strategy currently in use.
	Strategy Strategy
	// MaxObservedRemainingMeters is the progress denominator; zero means unknown.
	MaxObservedRemainingMeters float64
	// State is the lifecycle state.
	State State
	// Zone is the band of the latest remaining distance.
	Zone Zone
	// RemainingMeters is the latest remaining distance, when known.
	RemainingMeters float64
	// HasRemaining is true once a proximity update was processed.
	HasRemaining bool
	// Progress is the latest progress fraction in [0,1].
	Progress float64
	// ArrivedAcknowledged is set when the user acted on the arrived notification.
	ArrivedAcknowledged bool
	// PowerSave is true while the device reports power-saving mode.
	PowerSave bool
	// SensorUnavailable is true while no position provider responds.
	SensorUnavailable bool
	// ArmedAt is when the session was created.
	ArmedAt time.Time
	// ArrivedAt is when arrival was declared, zero before that.
	ArrivedAt time.Time
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}

	cloned := *s

	if s.Start != nil {
		start := *s.Start
		cloned.Start = &start
	}

	return &cloned
}
