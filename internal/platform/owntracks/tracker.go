package owntracks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/platform"
)

const (
	eventSuffix   = "/event"
	commandSuffix = "/cmd"
)

// TransitionHandler receives region transitions reported by the device.
type TransitionHandler func(ctx context.Context, t platform.RegionTransition)

// FixListener receives location reports. It reports whether the fix was used.
type FixListener func(fix arrival.Fix) bool

// Tracker follows one OwnTracks device. It fans location reports out to
// listeners and manages the device's waypoints as geofences.
type Tracker struct {
	broker       Broker
	topic        string
	onTransition TransitionHandler
	now          func() time.Time

	// mu protects the fields below.
	mu        sync.Mutex
	ctx       context.Context
	listeners []FixListener
	regions   map[string]Waypoint
	lastTST   int64
}

var _ platform.RegionMonitor = (*Tracker)(nil)

// NewTracker creates a tracker for the device publishing on deviceTopic.
func NewTracker(broker Broker, deviceTopic string, onTransition TransitionHandler) *Tracker {
	return &Tracker{
		broker:       broker,
		topic:        strings.TrimSuffix(deviceTopic, "/"),
		onTransition: onTransition,
		now:          time.Now,
		ctx:          context.Background(),
		regions:      make(map[string]Waypoint),
	}
}

// AddListener registers a receiver of location reports.
func (t *Tracker) AddListener(l FixListener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// Start subscribes to the device location and event topics.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	t.ctx = logger.WithKV(context.WithoutCancel(ctx), "device", t.topic)
	t.mu.Unlock()

	if err := t.broker.Subscribe(t.topic, t.handleLocation); err != nil {
		return fmt.Errorf("subscribe to locations: %w", err)
	}

	if err := t.broker.Subscribe(t.topic+eventSuffix, t.handleEvent); err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}

	return nil
}

// Stop drops both subscriptions.
func (t *Tracker) Stop() error {
	return errors.Join(
		t.broker.Unsubscribe(t.topic),
		t.broker.Unsubscribe(t.topic+eventSuffix),
	)
}

// RegisterRegion sends the region to the device as a waypoint.
func (t *Tracker) RegisterRegion(ctx context.Context, region platform.Region) error {
	if region.ID == "" || region.RadiusMeters <= 0 {
		return fmt.Errorf("%w: invalid region %q", platform.ErrRegionRegistrationFailed, region.ID)
	}

	if err := region.Center.Validate(); err != nil {
		return fmt.Errorf("%w: %w", platform.ErrRegionRegistrationFailed, err)
	}

	t.mu.Lock()
	wp := waypoint(region, time.Unix(t.nextTSTLocked(), 0))
	t.regions[region.ID] = wp
	t.mu.Unlock()

	cmd := Command{
		Type:      TypeCommand,
		Action:    ActionSetWaypoints,
		Waypoints: &Waypoints{Type: TypeWaypoints, Waypoints: []Waypoint{wp}},
	}

	if err := t.broker.PublishJSON(t.topic+commandSuffix, cmd); err != nil {
		t.mu.Lock()
		delete(t.regions, region.ID)
		t.mu.Unlock()

		return fmt.Errorf("%w: %w", platform.ErrRegionRegistrationFailed, err)
	}

	logger.DebugKV(ctx, "Region registered", "region", region.ID, "radius_m", wp.Radius)

	return nil
}

// UnregisterRegion clears the device waypoints and sends back the remaining ones.
func (t *Tracker) UnregisterRegion(ctx context.Context, id string) error {
	t.mu.Lock()

	if _, ok := t.regions[id]; !ok {
		t.mu.Unlock()
		return nil
	}

	delete(t.regions, id)
	remaining := t.waypointsLocked()
	t.mu.Unlock()

	topic := t.topic + commandSuffix

	if err := t.broker.PublishJSON(topic, Command{Type: TypeCommand, Action: ActionClearWaypoints}); err != nil {
		return fmt.Errorf("clear waypoints: %w", err)
	}

	if len(remaining) > 0 {
		cmd := Command{
			Type:      TypeCommand,
			Action:    ActionSetWaypoints,
			Waypoints: &Waypoints{Type: TypeWaypoints, Waypoints: remaining},
		}

		if err := t.broker.PublishJSON(topic, cmd); err != nil {
			return fmt.Errorf("restore waypoints: %w", err)
		}
	}

	logger.DebugKV(ctx, "Region unregistered", "region", id)

	return nil
}

// Regions returns the ids of the registered regions, sorted.
func (t *Tracker) Regions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.regions))
	for id := range t.regions {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

func (t *Tracker) handleLocation(_ string, payload []byte) error {
	fix, err := ParseLocation(payload)
	if err != nil {
		// Devices publish other message types on the same topic.
		if errors.Is(err, errUnexpectedType) {
			return nil
		}

		return err
	}

	t.mu.Lock()
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l(fix)
	}

	return nil
}

func (t *Tracker) handleEvent(_ string, payload []byte) error {
	transition, err := ParseTransition(payload)
	if err != nil {
		return err
	}

	if transition.At.IsZero() {
		transition.At = t.now()
	}

	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()

	logger.DebugKV(ctx, "Region transition", "region", transition.RegionID, "event", transition.Kind)

	if t.onTransition != nil {
		t.onTransition(ctx, transition)
	}

	return nil
}

// nextTSTLocked returns a waypoint timestamp no other region uses. The device keys waypoints by it.
func (t *Tracker) nextTSTLocked() int64 {
	tst := max(t.now().Unix(), t.lastTST+1)
	t.lastTST = tst

	return tst
}

func (t *Tracker) waypointsLocked() []Waypoint {
	result := make([]Waypoint, 0, len(t.regions))
	for _, wp := range t.regions {
		result = append(result, wp)
	}

	slices.SortFunc(result, func(a, b Waypoint) int {
		return strings.Compare(a.RegionID, b.RegionID)
	})

	return result
}
