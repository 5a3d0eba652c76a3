package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/monitor"
	"github.com/oshokin/arrival-alarm/internal/platform"
	"github.com/oshokin/arrival-alarm/internal/schedule"
	"github.com/oshokin/arrival-alarm/internal/sensor"
	"github.com/oshokin/arrival-alarm/internal/store"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type fakeNotes struct {
	mu        sync.Mutex
	active    map[string]platform.Notification
	cancelled []string
}

func (f *fakeNotes) Post(_ context.Context, n platform.Notification) error {
	f.mu.Lock()
	f.active[n.ID] = n
	f.mu.Unlock()

	return nil
}

func (f *fakeNotes) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	delete(f.active, id)
	f.cancelled = append(f.cancelled, id)
	f.mu.Unlock()

	return nil
}

func (f *fakeNotes) get(id string) (platform.Notification, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.active[id]

	return n, ok
}

type nopVibration struct{}

func (nopVibration) StartPattern(context.Context, platform.Pattern) error { return nil }
func (nopVibration) Stop(context.Context) error                          { return nil }

type nopWake struct{}

func (nopWake) Acquire(context.Context, time.Duration) error { return nil }
func (nopWake) Release(context.Context) error                { return nil }

// fakeAdapter reports events through the sink given at start.
type fakeAdapter struct {
	strategy arrival.Strategy

	mu   sync.Mutex
	sink sensor.Sink
}

func (f *fakeAdapter) Strategy() arrival.Strategy { return f.strategy }

func (f *fakeAdapter) Start(_ context.Context, _ *arrival.Destination, sink sensor.Sink) error {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()

	return nil
}

func (f *fakeAdapter) Stop(context.Context) {
	f.mu.Lock()
	f.sink = nil
	f.mu.Unlock()
}

func (f *fakeAdapter) SetZone(arrival.Zone) {}

func (f *fakeAdapter) emit(e sensor.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()

	sink(e)
}

type fakeFactory struct {
	mu   sync.Mutex
	made []*fakeAdapter
}

func (f *fakeFactory) New(strategy arrival.Strategy) sensor.Adapter {
	a := &fakeAdapter{strategy: strategy}

	f.mu.Lock()
	f.made = append(f.made, a)
	f.mu.Unlock()

	return a
}

func (f *fakeFactory) last() *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.made[len(f.made)-1]
}

type fakeWakeScheduler struct {
	mu        sync.Mutex
	pending   map[string]time.Time
	cancelled []string
}

func (f *fakeWakeScheduler) ScheduleExact(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	f.pending[id] = at
	f.mu.Unlock()

	return nil
}

func (f *fakeWakeScheduler) ScheduleWindowed(ctx context.Context, id string, at time.Time, _ time.Duration) error {
	return f.ScheduleExact(ctx, id, at)
}

func (f *fakeWakeScheduler) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	delete(f.pending, id)
	f.cancelled = append(f.cancelled, id)
	f.mu.Unlock()

	return nil
}

func (f *fakeWakeScheduler) at(id string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	at, ok := f.pending[id]

	return at, ok
}

type fakePush struct {
	mu    sync.Mutex
	fixes []arrival.Fix
}

func (f *fakePush) Push(fix arrival.Fix) bool {
	f.mu.Lock()
	f.fixes = append(f.fixes, fix)
	f.mu.Unlock()

	return true
}

type harness struct {
	ctx     context.Context //nolint:containedctx // Test helper.
	d       *Dispatcher
	st      *store.Store
	notes   *fakeNotes
	factory *fakeFactory
	wake    *fakeWakeScheduler
}

// monday is 2024-01-01 08:00 UTC, a Monday.
var monday = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func start(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)

	h := &harness{
		st:      st,
		notes:   &fakeNotes{active: make(map[string]platform.Notification)},
		factory: &fakeFactory{},
		wake:    &fakeWakeScheduler{pending: make(map[string]time.Time)},
	}

	h.d = New(Config{}, st, h.notes, nil)

	mon := monitor.New(monitor.Config{}, monitor.Deps{
		Sensors:       h.factory,
		Notifications: h.notes,
		Vibration:     nopVibration{},
		Wake:          nopWake{},
		Enabler:       h.d,
		Route:         h.d.Route,
	})
	sched := schedule.New(schedule.Config{Now: func() time.Time { return monday }}, h.wake, st, h.d, nil)
	h.d.Bind(mon, sched)

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx

	done := make(chan error, 1)

	go func() {
		done <- h.d.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, st.Close())
	})

	// The first reply means the store subscription is in place.
	_, _, err = h.d.Status(ctx)
	require.NoError(t, err)

	return h
}

func (h *harness) status(t *testing.T) (arrival.Session, bool) {
	t.Helper()

	s, active, err := h.d.Status(h.ctx)
	require.NoError(t, err)

	return s, active
}

func (h *harness) putAlarm(t *testing.T, id string, enabled bool) {
	t.Helper()

	require.NoError(t, h.st.PutAlarm(h.ctx, &arrival.Alarm{
		Destination: arrival.Destination{
			ID:           id,
			Name:         "Home",
			Latitude:     25.0478,
			Longitude:    121.5170,
			RadiusMeters: 150,
		},
		Enabled:  enabled,
		Strategy: arrival.StrategyGPS,
	}))
}

func (h *harness) enabled(t *testing.T, id string) bool {
	t.Helper()

	alarm, err := h.st.GetAlarm(h.ctx, id)
	require.NoError(t, err)

	return alarm.Enabled
}

// TestDispatcher_ArmDismiss arms a stored alarm and keeps its enabled flag in sync.
func TestDispatcher_ArmDismiss(t *testing.T) {
	t.Parallel()

	h := start(t)

	_, _, err := h.d.Arm(h.ctx, ArmParams{AlarmID: "home"})
	require.ErrorIs(t, err, arrival.ErrAlarmNotFound)

	h.putAlarm(t, "home", false)

	session, armed, err := h.d.Arm(h.ctx, ArmParams{AlarmID: "home"})
	require.NoError(t, err)
	require.True(t, armed)
	require.Equal(t, arrival.StrategyGPS, session.Strategy)
	require.Equal(t, "home", session.Destination.ID)
	require.True(t, h.enabled(t, "home"))

	again, armed, err := h.d.Arm(h.ctx, ArmParams{AlarmID: "home"})
	require.NoError(t, err)
	require.False(t, armed)
	require.Equal(t, session.ID, again.ID)

	dismissed, err := h.d.Dismiss(h.ctx)
	require.NoError(t, err)
	require.True(t, dismissed)
	require.False(t, h.enabled(t, "home"))

	dismissed, err = h.d.Dismiss(h.ctx)
	require.NoError(t, err)
	require.False(t, dismissed)

	_, active := h.status(t)
	require.False(t, active)
}

// TestDispatcher_ArmStrategyOverride uses the requested strategy instead of the stored one.
func TestDispatcher_ArmStrategyOverride(t *testing.T) {
	t.Parallel()

	h := start(t)
	h.putAlarm(t, "home", false)

	geofence := arrival.StrategyGeofence

	session, armed, err := h.d.Arm(h.ctx, ArmParams{AlarmID: "home", Strategy: &geofence})
	require.NoError(t, err)
	require.True(t, armed)
	require.Equal(t, arrival.StrategyGeofence, session.Strategy)
}

// TestDispatcher_RoutesAdapterEvents serializes adapter events through the mailbox.
func TestDispatcher_RoutesAdapterEvents(t *testing.T) {
	t.Parallel()

	h := start(t)
	h.putAlarm(t, "home", false)

	_, armed, err := h.d.Arm(h.ctx, ArmParams{AlarmID: "home"})
	require.NoError(t, err)
	require.True(t, armed)

	adapter := h.factory.last()
	adapter.emit(sensor.Event{Kind: sensor.KindProximity, Remaining: 900, Strategy: arrival.StrategyGPS})

	session, active := h.status(t)
	require.True(t, active)
	require.Equal(t, arrival.StateMonitoring, session.State)
	require.True(t, session.HasRemaining)
	require.InDelta(t, 900, session.RemainingMeters, 0.001)

	adapter.emit(sensor.Event{Kind: sensor.KindRegionEntered, Strategy: arrival.StrategyGPS})

	session, _ = h.status(t)
	require.Equal(t, arrival.StateArrived, session.State)

	// Swiping the arrived notification away dismisses the alarm.
	h.d.NotificationDismissed(h.ctx, monitor.DefaultNotificationID)

	_, active = h.status(t)
	require.False(t, active)
	require.False(t, h.enabled(t, "home"))
}

// TestDispatcher_NotificationDismissAction dismisses from the notification button.
func TestDispatcher_NotificationDismissAction(t *testing.T) {
	t.Parallel()

	h := start(t)
	h.putAlarm(t, "home", false)

	_, _, err := h.d.Arm(h.ctx, ArmParams{AlarmID: "home"})
	require.NoError(t, err)

	h.d.NotificationAction(h.ctx, monitor.DefaultNotificationID, "snooze")

	_, active := h.status(t)
	require.True(t, active)

	// Swiping while monitoring re-posts instead of dismissing.
	h.d.NotificationDismissed(h.ctx, monitor.DefaultNotificationID)

	_, active = h.status(t)
	require.True(t, active)

	h.d.NotificationAction(h.ctx, monitor.DefaultNotificationID, monitor.ActionDismiss)

	_, active = h.status(t)
	require.False(t, active)
}

// TestDispatcher_RegionWakeUp arms an enabled alarm in geofence mode when its region is entered cold.
func TestDispatcher_RegionWakeUp(t *testing.T) {
	t.Parallel()

	h := start(t)
	h.putAlarm(t, "home", true)
	h.putAlarm(t, "office", false)

	enter := func(regionID string) {
		h.d.HandleTransition(h.ctx, platform.RegionTransition{
			RegionID: regionID,
			Kind:     platform.TransitionEnter,
			At:       monday,
		})
	}

	enter(sensor.WarningRegionID("home"))
	enter(sensor.PrimaryRegionID("office"))
	enter(sensor.PrimaryRegionID("missing"))
	h.d.HandleTransition(h.ctx, platform.RegionTransition{RegionID: sensor.PrimaryRegionID("home"), Kind: platform.TransitionExit})

	_, active := h.status(t)
	require.False(t, active)

	enter(sensor.PrimaryRegionID("home"))

	session, active := h.status(t)
	require.True(t, active)
	require.Equal(t, "home", session.Destination.ID)
	require.Equal(t, arrival.StrategyGeofence, session.Strategy)
	require.Equal(t, arrival.StateArrived, session.State)
}

// TestDispatcher_ScheduledPrompt walks a rule from store write to confirmed arm.
func TestDispatcher_ScheduledPrompt(t *testing.T) {
	t.Parallel()

	h := start(t)
	h.putAlarm(t, "home", false)

	require.NoError(t, h.st.PutRule(h.ctx, &arrival.RecurrenceRule{
		ID:            "commute",
		DestinationID: "home",
		Days:          arrival.NewDaySet(time.Monday),
		Hour:          17,
		Minute:        30,
		Enabled:       true,
	}))

	key := schedule.Key("commute")

	require.Eventually(t, func() bool {
		at, ok := h.wake.at(key)
		return ok && at.Equal(time.Date(2024, 1, 1, 17, 30, 0, 0, time.UTC))
	}, waitFor, tick)

	h.d.FireWake(h.ctx, key)
	h.d.FireWake(h.ctx, "unrelated")
	h.status(t)

	prompt, ok := h.notes.get(PromptID("commute"))
	require.True(t, ok)
	require.Equal(t, "Arm arrival alarm for Home?", prompt.Title)
	require.Equal(t, "Scheduled Mon at 17:30", prompt.Body)
	require.Len(t, prompt.Actions, 2)

	h.d.NotificationAction(h.ctx, PromptID("commute"), ActionArm)

	session, active := h.status(t)
	require.True(t, active)
	require.Equal(t, "home", session.Destination.ID)

	_, ok = h.notes.get(PromptID("commute"))
	require.False(t, ok)

	require.NoError(t, h.st.DeleteRule(h.ctx, "commute"))

	require.Eventually(t, func() bool {
		_, ok := h.wake.at(key)
		return !ok
	}, waitFor, tick)
}

// TestDispatcher_PromptSkip cancels the prompt without arming.
func TestDispatcher_PromptSkip(t *testing.T) {
	t.Parallel()

	h := start(t)
	h.putAlarm(t, "home", false)

	rule := &arrival.RecurrenceRule{
		ID: "commute", DestinationID: "home", Days: arrival.NewDaySet(time.Monday), Hour: 17, Enabled: true,
	}
	require.NoError(t, h.d.PromptArm(h.ctx, rule))

	h.d.NotificationAction(h.ctx, PromptID("commute"), ActionSkip)

	_, active := h.status(t)
	require.False(t, active)

	_, ok := h.notes.get(PromptID("commute"))
	require.False(t, ok)
}

// TestDispatcher_StoreChangesEndSession dismisses when the active alarm is disabled or deleted.
func TestDispatcher_StoreChangesEndSession(t *testing.T) {
	t.Parallel()

	h := start(t)
	h.putAlarm(t, "home", false)
	h.putAlarm(t, "office", false)

	inactive := func() bool {
		_, active := h.status(t)
		return !active
	}

	_, _, err := h.d.Arm(h.ctx, ArmParams{AlarmID: "home"})
	require.NoError(t, err)

	// Writes to another alarm leave the session alone.
	require.NoError(t, h.st.DeleteAlarm(h.ctx, "office"))
	require.NoError(t, h.st.SetAlarmEnabled(h.ctx, "home", false))
	require.Eventually(t, inactive, waitFor, tick)

	_, armed, err := h.d.Arm(h.ctx, ArmParams{AlarmID: "home"})
	require.NoError(t, err)
	require.True(t, armed)

	require.NoError(t, h.st.DeleteAlarm(h.ctx, "home"))
	require.Eventually(t, inactive, waitFor, tick)
}

// TestDispatcher_PowerSaveAndPositions covers the companion inputs.
func TestDispatcher_PowerSaveAndPositions(t *testing.T) {
	t.Parallel()

	h := start(t)

	h.d.PowerSaveChanged(h.ctx, true)

	session, _ := h.status(t)
	require.True(t, session.PowerSave)

	require.Zero(t, h.d.ReportPosition(arrival.Fix{}))

	push := &fakePush{}
	h.d.AddPositionSink(push)
	h.d.PositionReported(h.ctx, arrival.Fix{Coordinate: arrival.Coordinate{Latitude: 1, Longitude: 2}})

	push.mu.Lock()
	defer push.mu.Unlock()

	require.Len(t, push.fixes, 1)
}

// TestDispatcher_Lifecycle checks binding and calls after shutdown.
func TestDispatcher_Lifecycle(t *testing.T) {
	t.Parallel()

	st, err := store.Open(":memory:")
	require.NoError(t, err)

	defer func() {
		require.NoError(t, st.Close())
	}()

	d := New(Config{Mailbox: 1}, st, &fakeNotes{active: make(map[string]platform.Notification)}, nil)
	require.ErrorIs(t, d.Run(context.Background()), errNotBound)

	d = New(Config{}, st, &fakeNotes{active: make(map[string]platform.Notification)}, nil)
	d.Bind(monitor.New(monitor.Config{}, monitor.Deps{
		Sensors:       &fakeFactory{},
		Notifications: &fakeNotes{active: make(map[string]platform.Notification)},
		Vibration:     nopVibration{},
		Wake:          nopWake{},
	}), schedule.New(schedule.Config{}, &fakeWakeScheduler{pending: make(map[string]time.Time)}, st, d, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- d.Run(ctx)
	}()

	_, active, err := d.Status(ctx)
	require.NoError(t, err)
	require.False(t, active)

	cancel()
	require.NoError(t, <-done)

	_, _, err = d.Status(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
}
