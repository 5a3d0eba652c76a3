package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/geo"
	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/platform"
	"github.com/oshokin/arrival-alarm/internal/sensor"
)

const (
	// DefaultNotificationID is the single ongoing notification slot.
	DefaultNotificationID = "arrival-monitor"
	// DefaultWakeCeiling bounds how long the arrival wake source is held.
	DefaultWakeCeiling = 10 * time.Minute
)

// DefaultVibration is the repeating arrival pattern.
func DefaultVibration() platform.Pattern {
	return platform.Pattern{
		Timings: []time.Duration{0, 800 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond},
		Repeat:  true,
	}
}

// AdapterFactory builds a sensor adapter for a strategy.
type AdapterFactory interface {
	New(strategy arrival.Strategy) sensor.Adapter
}

// AlarmEnabler persists the enabled flag of an alarm. The monitor never writes the store itself.
type AlarmEnabler interface {
	SetAlarmEnabled(ctx context.Context, alarmID string, enabled bool) error
}

// Observer is notified about lifecycle transitions, e.g. for metrics.
type Observer interface {
	SessionArmed(strategy arrival.Strategy)
	ProgressUpdated(zone arrival.Zone, progress float64)
	ArrivalDeclared(strategy arrival.Strategy, elapsed time.Duration)
	SessionDismissed(state arrival.State)
	StrategyFellBack()
}

type noopObserver struct{}

func (noopObserver) SessionArmed(arrival.Strategy)                   {}
func (noopObserver) ProgressUpdated(arrival.Zone, float64)           {}
func (noopObserver) ArrivalDeclared(arrival.Strategy, time.Duration) {}
func (noopObserver) SessionDismissed(arrival.State)                  {}
func (noopObserver) StrategyFellBack()                               {}

// Config tunes the monitor.
type Config struct {
	// Thresholds are the zone bands.
	Thresholds geo.Thresholds
	// WakeCeiling is the maximum hold time of the arrival wake source.
	WakeCeiling time.Duration
	// Vibration is started on arrival.
	Vibration platform.Pattern
	// NotificationID is the notification slot owned by the monitor.
	NotificationID string
}

// Deps are the resources owned by the monitor.
type Deps struct {
	Sensors       AdapterFactory
	Notifications platform.NotificationSink
	Vibration     platform.VibrationSink
	Wake          platform.WakeSource
	// Enabler is optional.
	Enabler AlarmEnabler
	// Observer is optional.
	Observer Observer
	// Route receives adapter events stamped with their session id.
	// When nil, events are handled inline on the adapter goroutine.
	Route func(ctx context.Context, e sensor.Event)
	// Now is the clock, time.Now by default.
	Now func() time.Time
}

// ArmRequest describes a session to start.
type ArmRequest struct {
	// Destination is snapshotted for the session lifetime.
	Destination arrival.Destination
	// Start is the current position when known.
	Start *arrival.Coordinate
	// Strategy selects the sensing strategy.
	Strategy arrival.Strategy
}

// activeSession is the monitor-private session state.
type activeSession struct {
	snapshot arrival.Session
	adapter  sensor.Adapter
	// baseCtx carries the logger of the arm call to adapter callbacks.
	baseCtx  context.Context //nolint:containedctx // Adapter sinks have no context of their own.
	wakeHeld bool
	warned   bool
}

// Monitor is the arrival state machine.
type Monitor struct {
	cfg  Config
	deps Deps

	// mu protects the fields below.
	mu        sync.Mutex
	current   *activeSession
	powerSave bool
}

// New creates a monitor. Zero config values take defaults.
func New(cfg Config, deps Deps) *Monitor {
	if cfg.Thresholds == (geo.Thresholds{}) {
		cfg.Thresholds = geo.DefaultThresholds
	}

	if cfg.WakeCeiling <= 0 {
		cfg.WakeCeiling = DefaultWakeCeiling
	}

	if len(cfg.Vibration.Timings) == 0 {
		cfg.Vibration = DefaultVibration()
	}

	if cfg.NotificationID == "" {
		cfg.NotificationID = DefaultNotificationID
	}

	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}

	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Monitor{cfg: cfg, deps: deps}
}

// NotificationID returns the slot used for the monitoring notification.
func (m *Monitor) NotificationID() string {
	return m.cfg.NotificationID
}

// Arm starts a session. It returns false and the existing session when one is already active.
func (m *Monitor) Arm(ctx context.Context, req ArmRequest) (arrival.Session, bool) {
	m.mu.Lock()

	if m.current != nil {
		existing := *m.current.snapshot.Clone()
		m.mu.Unlock()

		logger.DebugKV(ctx, "Duplicate arm ignored", "session_id", existing.ID)

		return existing, false
	}

	dest := req.Destination
	adapter := m.deps.Sensors.New(req.Strategy)

	s := &activeSession{
		snapshot: arrival.Session{
			ID:          uuid.NewString(),
			Destination: dest,
			Strategy:    adapter.Strategy(),
			State:       arrival.StateArmed,
			Zone:        arrival.ZoneFar,
			PowerSave:   m.powerSave,
			ArmedAt:     m.deps.Now(),
		},
		adapter: adapter,
		baseCtx: context.WithoutCancel(ctx),
	}

	if req.Start != nil {
		start := *req.Start
		s.snapshot.Start = &start
	}

	m.current = s

	cmds := []command{
		m.enableCmd(dest.ID, true),
		m.postCmd(s.snapshot.ID, monitoringContent(m.cfg.NotificationID, s, m.powerSave)),
		m.startCmd(s.snapshot.ID, adapter, &dest),
	}
	result := *s.snapshot.Clone()
	m.mu.Unlock()

	ctx = logger.WithKV(ctx, "session_id", result.ID)
	logger.InfoKV(ctx, "Alarm armed",
		"destination_id", dest.ID,
		"strategy", result.Strategy.String(),
		"radius_m", dest.RadiusMeters,
	)

	m.deps.Observer.SessionArmed(result.Strategy)
	m.execute(ctx, cmds)

	if req.Start != nil && result.Strategy == arrival.StrategyGPS {
		m.proximity(ctx, result.ID, geo.Remaining(*req.Start, &dest), arrival.StrategyGPS)
	}

	return m.statusOr(result), true
}

// OnProximityUpdate processes a remaining distance for the active session.
// An arrival it triggers is attributed to the session's strategy.
func (m *Monitor) OnProximityUpdate(ctx context.Context, remaining float64) {
	m.mu.Lock()

	strategy := arrival.StrategyGPS
	if m.current != nil {
		strategy = m.current.snapshot.Strategy
	}

	m.mu.Unlock()

	m.proximity(ctx, "", remaining, strategy)
}

// OnRegionEntered declares arrival. Only the first call per session has an effect.
func (m *Monitor) OnRegionEntered(ctx context.Context) {
	m.mu.Lock()

	var strategy arrival.Strategy
	if m.current != nil {
		strategy = m.current.snapshot.Strategy
	}

	m.mu.Unlock()

	m.arrive(ctx, "", strategy)
}

// OnWarningRegionEntered switches the notification to the warning copy without changing state.
func (m *Monitor) OnWarningRegionEntered(ctx context.Context) {
	m.warning(ctx, "")
}

// Dismiss ends the session from any state. It reports whether a session was active.
func (m *Monitor) Dismiss(ctx context.Context) bool {
	m.mu.Lock()

	s := m.current
	if s == nil {
		m.mu.Unlock()

		logger.Debug(ctx, "Dismiss ignored, no active session")

		return false
	}

	m.current = nil

	cmds := []command{m.stopCmd(s.adapter)}

	if s.snapshot.State == arrival.StateArrived {
		cmds = append(cmds, m.stopVibrationCmd())
	}

	if s.wakeHeld {
		cmds = append(cmds, m.releaseWakeCmd())
	}

	cmds = append(cmds,
		m.cancelCmd(),
		m.enableCmd(s.snapshot.Destination.ID, false),
	)
	state := s.snapshot.State
	m.mu.Unlock()

	ctx = logger.WithKV(ctx, "session_id", s.snapshot.ID)
	logger.InfoKV(ctx, "Alarm dismissed", "state", state.String())

	m.deps.Observer.SessionDismissed(state)
	m.execute(ctx, cmds)

	return true
}

// OnNotificationDismissedByUser handles the user swiping the notification away.
// While monitoring the notification is re-posted. After arrival it returns true
// so the caller can dismiss the alarm.
func (m *Monitor) OnNotificationDismissedByUser(ctx context.Context) bool {
	m.mu.Lock()

	s := m.current
	if s == nil {
		m.mu.Unlock()
		return false
	}

	if s.snapshot.State == arrival.StateArrived {
		s.snapshot.ArrivedAcknowledged = true
		m.mu.Unlock()

		return true
	}

	var cmds []command

	if s.wakeHeld {
		s.wakeHeld = false
		cmds = append(cmds, m.releaseWakeCmd())
	}

	cmds = append(cmds, m.postCmd(s.snapshot.ID, monitoringContent(m.cfg.NotificationID, s, m.powerSave)))
	m.mu.Unlock()

	logger.InfoKV(ctx, "Monitoring notification dismissed by user, re-posting", "session_id", s.snapshot.ID)
	m.execute(ctx, cmds)

	return false
}

// OnStrategyFailed falls back to GPS for the rest of the active session.
func (m *Monitor) OnStrategyFailed(ctx context.Context, cause error) {
	m.strategyFailed(ctx, "", cause)
}

// OnSensorUnavailable reports lost positioning in the notification. Monitoring continues.
func (m *Monitor) OnSensorUnavailable(ctx context.Context) {
	m.sensorUnavailable(ctx, "")
}

// OnPowerSaveChanged updates the power-saving notice of the notification.
func (m *Monitor) OnPowerSaveChanged(ctx context.Context, on bool) {
	m.mu.Lock()

	if m.powerSave == on {
		m.mu.Unlock()
		return
	}

	m.powerSave = on

	s := m.current
	if s == nil {
		m.mu.Unlock()
		return
	}

	s.snapshot.PowerSave = on

	var cmds []command
	if s.snapshot.State != arrival.StateArrived {
		cmds = append(cmds, m.postCmd(s.snapshot.ID, monitoringContent(m.cfg.NotificationID, s, on)))
	}
	m.mu.Unlock()

	logger.InfoKV(ctx, "Power-saving mode changed", "on", on)
	m.execute(ctx, cmds)
}

// HandleEvent routes an adapter event. Events stamped with another session id are dropped.
func (m *Monitor) HandleEvent(ctx context.Context, e sensor.Event) {
	switch e.Kind {
	case sensor.KindProximity:
		m.proximity(ctx, e.SessionID, e.Remaining, e.Strategy)
	case sensor.KindRegionEntered:
		m.arrive(ctx, e.SessionID, e.Strategy)
	case sensor.KindWarningRegionEntered:
		m.warning(ctx, e.SessionID)
	case sensor.KindStrategyFailed:
		m.strategyFailed(ctx, e.SessionID, e.Err)
	case sensor.KindSensorUnavailable:
		m.sensorUnavailable(ctx, e.SessionID)
	default:
		logger.WarnKV(ctx, "Unknown sensor event", "kind", e.Kind.String())
	}
}

// HandleRegionTransition hands a platform transition to the active adapter.
// It reports whether the adapter recognized the region.
func (m *Monitor) HandleRegionTransition(_ context.Context, t platform.RegionTransition) bool {
	m.mu.Lock()

	var adapter sensor.Adapter
	if m.current != nil {
		adapter = m.current.adapter
	}

	m.mu.Unlock()

	handler, ok := adapter.(sensor.TransitionHandler)
	if !ok {
		return false
	}

	return handler.HandleTransition(t)
}

// Status returns a snapshot of the active session.
func (m *Monitor) Status() (arrival.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return arrival.Session{State: arrival.StateIdle, PowerSave: m.powerSave}, false
	}

	return *m.current.snapshot.Clone(), true
}

// Active reports whether a session exists.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current != nil
}

// statusOr returns the current snapshot when it still belongs to fallback's session.
func (m *Monitor) statusOr(fallback arrival.Session) arrival.Session {
	current, ok := m.Status()
	if ok && current.ID == fallback.ID {
		return current
	}

	return fallback
}

// lookup returns the session matching sessionID, or the current one for an empty id.
// Callers hold m.mu.
func (m *Monitor) lookup(sessionID string) *activeSession {
	if m.current == nil {
		return nil
	}

	if sessionID != "" && m.current.snapshot.ID != sessionID {
		return nil
	}

	return m.current
}

func (m *Monitor) isCurrent(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current != nil && m.current.snapshot.ID == sessionID
}

func (m *Monitor) proximity(ctx context.Context, sessionID string, remaining float64, strategy arrival.Strategy) {
	if remaining <= 0 {
		m.arrive(ctx, sessionID, strategy)
		return
	}

	m.mu.Lock()

	s := m.lookup(sessionID)
	if s == nil {
		m.mu.Unlock()

		logger.DebugKV(ctx, "Proximity update dropped, no matching session", "session_id", sessionID)

		return
	}

	if s.snapshot.State == arrival.StateArrived {
		m.mu.Unlock()
		return
	}

	snap := &s.snapshot
	if snap.MaxObservedRemainingMeters == 0 || remaining > snap.MaxObservedRemainingMeters {
		snap.MaxObservedRemainingMeters = remaining
	}

	previousZone := snap.Zone
	snap.State = arrival.StateMonitoring
	snap.RemainingMeters = remaining
	snap.HasRemaining = true
	snap.SensorUnavailable = false
	snap.Progress = geo.ProgressFraction(remaining, snap.MaxObservedRemainingMeters)
	snap.Zone = geo.ZoneFor(remaining, m.cfg.Thresholds)

	cmds := []command{m.postCmd(snap.ID, monitoringContent(m.cfg.NotificationID, s, m.powerSave))}

	if zoned, ok := s.adapter.(sensor.ZoneAware); ok && snap.Zone != previousZone {
		zone := snap.Zone
		cmds = append(cmds, command{
			name:    "set_zone",
			session: snap.ID,
			run: func(context.Context) error {
				zoned.SetZone(zone)
				return nil
			},
		})
	}

	zone, progress := snap.Zone, snap.Progress
	m.mu.Unlock()

	logger.DebugKV(ctx, "Proximity update",
		"session_id", snap.ID,
		"remaining_m", remaining,
		"zone", zone.String(),
		"progress", progress,
	)

	m.deps.Observer.ProgressUpdated(zone, progress)
	m.execute(ctx, cmds)
}

func (m *Monitor) arrive(ctx context.Context, sessionID string, origin arrival.Strategy) {
	m.mu.Lock()

	s := m.lookup(sessionID)
	if s == nil {
		m.mu.Unlock()

		logger.DebugKV(ctx, "Arrival dropped, no matching session", "session_id", sessionID)

		return
	}

	if s.snapshot.State == arrival.StateArrived {
		m.mu.Unlock()

		logger.DebugKV(ctx, "Duplicate arrival ignored", "session_id", s.snapshot.ID)

		return
	}

	now := m.deps.Now()
	snap := &s.snapshot
	snap.State = arrival.StateArrived
	snap.Zone = arrival.ZoneArrived
	snap.Progress = 1
	snap.ArrivedAt = now

	cmds := []command{
		m.stopCmd(s.adapter),
		{
			name:    "start_vibration",
			session: snap.ID,
			run: func(ctx context.Context) error {
				return m.deps.Vibration.StartPattern(ctx, m.cfg.Vibration)
			},
		},
	}

	if s.wakeHeld {
		cmds = append(cmds, m.releaseWakeCmd())
	}

	s.wakeHeld = true
	cmds = append(cmds,
		command{
			name:    "acquire_wake",
			session: snap.ID,
			run: func(ctx context.Context) error {
				return m.deps.Wake.Acquire(ctx, m.cfg.WakeCeiling)
			},
		},
		m.postCmd(snap.ID, arrivedContent(m.cfg.NotificationID, &snap.Destination, origin == arrival.StrategyGPS)),
	)

	id, elapsed := snap.ID, now.Sub(snap.ArmedAt)
	m.mu.Unlock()

	logger.InfoKV(ctx, "Arrived at destination", "session_id", id, "strategy", origin.String())

	m.deps.Observer.ArrivalDeclared(origin, elapsed)
	m.execute(ctx, cmds)
}

func (m *Monitor) warning(ctx context.Context, sessionID string) {
	m.mu.Lock()

	s := m.lookup(sessionID)
	if s == nil || s.snapshot.State == arrival.StateArrived || s.snapshot.Strategy != arrival.StrategyGeofence {
		m.mu.Unlock()
		return
	}

	s.warned = true
	cmds := []command{m.postCmd(s.snapshot.ID, monitoringContent(m.cfg.NotificationID, s, m.powerSave))}
	m.mu.Unlock()

	logger.InfoKV(ctx, "Warning region entered", "session_id", s.snapshot.ID)
	m.execute(ctx, cmds)
}

func (m *Monitor) strategyFailed(ctx context.Context, sessionID string, cause error) {
	m.mu.Lock()

	s := m.lookup(sessionID)
	if s == nil || s.snapshot.State == arrival.StateArrived || s.snapshot.Strategy == arrival.StrategyGPS {
		m.mu.Unlock()
		return
	}

	old := s.adapter
	s.adapter = m.deps.Sensors.New(arrival.StrategyGPS)
	s.snapshot.Strategy = arrival.StrategyGPS
	s.warned = false

	dest := s.snapshot.Destination
	cmds := []command{
		m.stopCmd(old),
		m.startCmd(s.snapshot.ID, s.adapter, &dest),
		m.postCmd(s.snapshot.ID, monitoringContent(m.cfg.NotificationID, s, m.powerSave)),
	}
	m.mu.Unlock()

	logger.WarnKV(ctx, "Sensing strategy failed, falling back to GPS",
		"session_id", s.snapshot.ID,
		"from", old.Strategy().String(),
		"error", cause,
	)

	m.deps.Observer.StrategyFellBack()
	m.execute(ctx, cmds)
}

func (m *Monitor) sensorUnavailable(ctx context.Context, sessionID string) {
	m.mu.Lock()

	s := m.lookup(sessionID)
	if s == nil || s.snapshot.State == arrival.StateArrived || s.snapshot.SensorUnavailable {
		m.mu.Unlock()
		return
	}

	s.snapshot.SensorUnavailable = true
	cmds := []command{m.postCmd(s.snapshot.ID, monitoringContent(m.cfg.NotificationID, s, m.powerSave))}
	m.mu.Unlock()

	logger.WarnKV(ctx, "Location unavailable", "session_id", s.snapshot.ID)
	m.execute(ctx, cmds)
}

// sink stamps adapter events with the session id and routes them.
func (m *Monitor) sink(ctx context.Context, sessionID string) sensor.Sink {
	return func(e sensor.Event) {
		e.SessionID = sessionID

		if m.deps.Route != nil {
			m.deps.Route(ctx, e)
			return
		}

		m.HandleEvent(ctx, e)
	}
}

// errStrategyStart wraps an adapter start failure that is handled by falling back.
var errStrategyStart = errors.New("sensor start failed")

func (m *Monitor) startCmd(sessionID string, adapter sensor.Adapter, dest *arrival.Destination) command {
	return command{
		name:    "start_sensor",
		session: sessionID,
		run: func(ctx context.Context) error {
			m.mu.Lock()

			baseCtx := ctx
			if s := m.lookup(sessionID); s != nil {
				baseCtx = s.baseCtx
			}

			m.mu.Unlock()

			if err := adapter.Start(ctx, dest, m.sink(baseCtx, sessionID)); err != nil {
				if adapter.Strategy() == arrival.StrategyGeofence {
					m.strategyFailed(ctx, sessionID, err)
					return nil
				}

				return errors.Join(errStrategyStart, err)
			}

			// A dismiss that raced with the start must not leave the adapter running.
			if !m.isCurrent(sessionID) {
				adapter.Stop(ctx)
			}

			return nil
		},
	}
}
