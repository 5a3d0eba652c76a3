package arrival

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidLatitude is returned when a latitude is outside [-90, 90].
	ErrInvalidLatitude = errors.New("latitude must be within [-90, 90]")
	// ErrInvalidLongitude is returned when a longitude is outside [-180, 180].
	ErrInvalidLongitude = errors.New("longitude must be within [-180, 180]")
	// ErrInvalidRadius is returned when a destination radius is not positive.
	ErrInvalidRadius = errors.New("radius must be positive")
	// ErrDestinationIDRequired is returned when a destination has no id.
	ErrDestinationIDRequired = errors.New("destination id is required")
	// ErrAlarmNotFound is returned by stores when no alarm has the requested id.
	ErrAlarmNotFound = errors.New("alarm not found")
)

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	// Latitude in degrees, positive north.
	Latitude float64
	// Longitude in degrees, positive east.
	Longitude float64
}

// Validate checks that the coordinate lies within the valid WGS84 ranges.
func (c Coordinate) Validate() error {
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: %v", ErrInvalidLatitude, c.Latitude)
	}

	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: %v", ErrInvalidLongitude, c.Longitude)
	}

	return nil
}

// Destination is the point and radius an alarm watches for.
// A session works on a snapshot that never changes while it is active.
type Destination struct {
	// ID identifies the destination; it equals the owning alarm id.
	ID string
	// Name is the human-readable label shown in notifications.
	Name string
	// Latitude of the destination center.
	Latitude float64
	// Longitude of the destination center.
	Longitude float64
	// RadiusMeters is the arrival radius around the center.
	RadiusMeters float64
}

// Center returns the destination center as a coordinate.
func (d *Destination) Center() Coordinate {
	return Coordinate{
		Latitude:  d.Latitude,
		Longitude: d.Longitude,
	}
}

// Clone returns a copy of the destination.
func (d *Destination) Clone() *Destination {
	if d == nil {
		return nil
	}

	cloned := *d

	return &cloned
}

// Validate checks the destination id, center and radius.
func (d *Destination) Validate() error {
	if d.ID == "" {
		return ErrDestinationIDRequired
	}

	if err := d.Center().Validate(); err != nil {
		return err
	}

	if d.RadiusMeters <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRadius, d.RadiusMeters)
	}

	return nil
}

// Fix is a single position report from a position provider.
type Fix struct {
	Coordinate

	// Timestamp is when the provider measured the position.
	Timestamp time.Time
	// AccuracyMeters is the reported horizontal accuracy, zero when unknown.
	AccuracyMeters float64
	// Provider names the source that produced the fix (for example "fine" or "coarse").
	Provider string
}

// Alarm is the persisted arrival alarm: a destination plus its enabled flag.
type Alarm struct {
	// Destination is the watched place.
	Destination Destination
	// Enabled is true while the alarm is armed.
	Enabled bool
	// Strategy is the preferred sensing strategy for this alarm.
	Strategy Strategy
	// UpdatedAt is when the alarm was last written.
	UpdatedAt time.Time
}

// ID returns the alarm id, which is the destination id.
func (a *Alarm) ID() string {
	return a.Destination.ID
}

// Clone returns a copy of the alarm.
func (a *Alarm) Clone() *Alarm {
	if a == nil {
		return nil
	}

	cloned := *a

	return &cloned
}
