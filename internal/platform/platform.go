package platform

import (
	"context"
	"errors"
	"time"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
)

var (
	// ErrSensorUnavailable signals that no position provider responds.
	ErrSensorUnavailable = errors.New("position sensor unavailable")
	// ErrRegionRegistrationFailed signals that the platform rejected a geofence.
	ErrRegionRegistrationFailed = errors.New("region registration failed")
	// ErrExactScheduleDenied signals that exact wake scheduling is not permitted.
	ErrExactScheduleDenied = errors.New("exact wake scheduling denied")
)

// SubscribeOptions are the filters a position provider applies before delivering a fix.
type SubscribeOptions struct {
	// MinInterval is the minimum time between two delivered fixes.
	MinInterval time.Duration
	// MinDisplacementMeters is the minimum movement between two delivered fixes.
	MinDisplacementMeters float64
}

// PositionSource streams position fixes.
type PositionSource interface {
	// Subscribe starts the stream. The channel is closed after Unsubscribe.
	Subscribe(ctx context.Context, opts SubscribeOptions) (<-chan arrival.Fix, error)
	// Unsubscribe stops the stream. It is safe to call when not subscribed.
	Unsubscribe(ctx context.Context) error
}

// Region is a circular geofence.
type Region struct {
	// ID identifies the region in transition callbacks.
	ID string
	// Center of the circle.
	Center arrival.Coordinate
	// RadiusMeters of the circle.
	RadiusMeters float64
}

// TransitionKind is the direction of a region transition.
type TransitionKind string

const (
	// TransitionEnter is reported when the device enters a region.
	TransitionEnter TransitionKind = "enter"
	// TransitionExit is reported when the device leaves a region.
	TransitionExit TransitionKind = "leave"
)

// RegionTransition is delivered asynchronously by a RegionMonitor, possibly after a restart.
type RegionTransition struct {
	// RegionID is the id given at registration.
	RegionID string
	// Kind is enter or leave.
	Kind TransitionKind
	// At is when the platform observed the transition.
	At time.Time
}

// RegionMonitor registers geofences with the platform.
// Transitions are delivered to the handler the implementation was constructed with.
type RegionMonitor interface {
	RegisterRegion(ctx context.Context, region Region) error
	UnregisterRegion(ctx context.Context, id string) error
}

// Action is a button on a notification.
type Action struct {
	// ID is returned in the action callback.
	ID string
	// Label is the button text.
	Label string
}

// Notification is the content of a posted notification.
type Notification struct {
	// ID is the notification slot; posting the same id replaces the content.
	ID string
	// Title is the headline.
	Title string
	// Body is the detail text.
	Body string
	// Progress is a percentage in 0..100, nil when not shown.
	Progress *int
	// Ongoing notifications cannot be swiped away silently.
	Ongoing bool
	// FullScreen requests a screen wake / full-attention presentation.
	FullScreen bool
	// Actions are the buttons offered to the user.
	Actions []Action
}

// NotificationSink posts and cancels notifications.
type NotificationSink interface {
	Post(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id string) error
}

// Pattern is a vibration pattern of alternating off/on durations.
type Pattern struct {
	// Timings alternate off and on durations, starting with off.
	Timings []time.Duration
	// Repeat makes the pattern loop until stopped.
	Repeat bool
}

// VibrationSink drives the vibration motor.
type VibrationSink interface {
	StartPattern(ctx context.Context, p Pattern) error
	Stop(ctx context.Context) error
}

// WakeSource keeps the device awake. The platform releases it after maxDuration.
type WakeSource interface {
	Acquire(ctx context.Context, maxDuration time.Duration) error
	Release(ctx context.Context) error
}

// OneShotWakeScheduler wakes the process once at an instant, keyed by id.
// Scheduling an id that is already pending replaces it.
type OneShotWakeScheduler interface {
	// ScheduleExact returns ErrExactScheduleDenied when exact wakes are not permitted.
	ScheduleExact(ctx context.Context, id string, at time.Time) error
	// ScheduleWindowed fires somewhere within [at, at+window].
	ScheduleWindowed(ctx context.Context, id string, at time.Time, window time.Duration) error
	// Cancel drops a pending wake; it is safe when none is pending.
	Cancel(ctx context.Context, id string) error
}

// ProgressPercent converts a fraction into a notification progress value.
func ProgressPercent(fraction float64) *int {
	p := int(fraction*100 + 0.5)

	switch {
	case p < 0:
		p = 0
	case p > 100:
		p = 100
	}

	return &p
}
