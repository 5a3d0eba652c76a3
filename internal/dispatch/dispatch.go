// Package dispatch serializes everything that happens to the arrival engine.
//
// A single actor goroutine takes typed messages from a buffered mailbox and
// drives the monitor and the recurrence scheduler one message at a time.
// Adapter callbacks, wake-ups, companion input and store changes are posted
// without blocking; the control API uses the synchronous wrappers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/monitor"
	"github.com/oshokin/arrival-alarm/internal/platform"
	"github.com/oshokin/arrival-alarm/internal/schedule"
	"github.com/oshokin/arrival-alarm/internal/sensor"
	"github.com/oshokin/arrival-alarm/internal/store"
)

const (
	// DefaultMailbox is the mailbox capacity.
	DefaultMailbox = 64
	// ActionArm confirms a scheduled prompt.
	ActionArm = "arm"
	// ActionSkip declines a scheduled prompt.
	ActionSkip = "skip"

	promptPrefix = "rule-prompt:"
	tracerName   = "github.com/oshokin/arrival-alarm/internal/dispatch"
)

var (
	// ErrNotRunning is returned by the synchronous wrappers once Run has returned.
	ErrNotRunning = errors.New("dispatcher is not running")

	errNotBound      = errors.New("dispatcher is not bound to an engine")
	errUnknownAction = errors.New("unknown notification action")
)

// Engine is the monitoring state machine as seen by the dispatcher.
type Engine interface {
	Arm(ctx context.Context, req monitor.ArmRequest) (arrival.Session, bool)
	Dismiss(ctx context.Context) bool
	OnRegionEntered(ctx context.Context)
	OnNotificationDismissedByUser(ctx context.Context) bool
	OnPowerSaveChanged(ctx context.Context, on bool)
	HandleEvent(ctx context.Context, e sensor.Event)
	HandleRegionTransition(ctx context.Context, t platform.RegionTransition) bool
	Status() (arrival.Session, bool)
	NotificationID() string
}

// Recurrence is the recurrence scheduler as seen by the dispatcher.
type Recurrence interface {
	Arm(ctx context.Context, rule *arrival.RecurrenceRule) error
	OnFire(ctx context.Context, ruleID string) error
	Cancel(ctx context.Context, ruleID string) error
	RearmAll(ctx context.Context, rules []*arrival.RecurrenceRule) error
}

// Store persists alarms and rules and streams their changes.
type Store interface {
	store.AlarmStore
	store.ScheduleStore
	Subscribe(ctx context.Context) <-chan store.Change
}

// PositionSink accepts fixes reported from outside, e.g. a push position source.
type PositionSink interface {
	Push(fix arrival.Fix) bool
}

// Observer is notified after each handled message.
type Observer interface {
	MessageHandled(kind string, elapsed time.Duration, failed bool)
}

type noopObserver struct{}

func (noopObserver) MessageHandled(string, time.Duration, bool) {}

// Config tunes the dispatcher.
type Config struct {
	// Mailbox is the mailbox capacity, DefaultMailbox when zero.
	Mailbox int
}

type envelope struct {
	ctx context.Context //nolint:containedctx // Messages carry the logger of their origin.
	msg message
}

// Dispatcher is the actor in front of the engine.
type Dispatcher struct {
	store         Store
	notifications platform.NotificationSink
	observer      Observer
	tracer        trace.Tracer
	mailbox       chan envelope
	done          chan struct{}

	engine     Engine
	recurrence Recurrence

	// mu protects positions.
	mu        sync.RWMutex
	positions []PositionSink
}

var (
	_ monitor.AlarmEnabler = (*Dispatcher)(nil)
	_ schedule.Prompter    = (*Dispatcher)(nil)
)

// New creates a dispatcher. Call Bind before Run. observer may be nil.
func New(cfg Config, st Store, notifications platform.NotificationSink, observer Observer) *Dispatcher {
	if cfg.Mailbox <= 0 {
		cfg.Mailbox = DefaultMailbox
	}

	if observer == nil {
		observer = noopObserver{}
	}

	return &Dispatcher{
		store:         st,
		notifications: notifications,
		observer:      observer,
		tracer:        otel.Tracer(tracerName),
		mailbox:       make(chan envelope, cfg.Mailbox),
		done:          make(chan struct{}),
	}
}

// Bind attaches the engine and the scheduler. Both depend on the dispatcher, so they are built after it.
func (d *Dispatcher) Bind(engine Engine, recurrence Recurrence) {
	d.engine = engine
	d.recurrence = recurrence
}

// AddPositionSink registers a receiver of reported positions.
func (d *Dispatcher) AddPositionSink(sink PositionSink) {
	d.mu.Lock()
	d.positions = append(d.positions, sink)
	d.mu.Unlock()
}

// Run re-arms stored rules and serves the mailbox until ctx is done. It may be called once.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.engine == nil || d.recurrence == nil {
		return errNotBound
	}

	defer close(d.done)

	ctx = logger.WithName(ctx, "dispatch")
	changes := d.store.Subscribe(ctx)

	rules, err := d.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	if err = d.recurrence.RearmAll(ctx, rules); err != nil {
		logger.ErrorKV(ctx, "Re-arming rules failed", "error", err)
	}

	logger.InfoKV(ctx, "Dispatcher started", "rules", len(rules))

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Dispatcher stopped")
			return nil
		case env := <-d.mailbox:
			d.handle(env)
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}

			d.handle(envelope{ctx: ctx, msg: storeChange{change: c}})
		}
	}
}

// Arm arms a stored alarm and waits for the result. armed is false when another session is active.
func (d *Dispatcher) Arm(ctx context.Context, params ArmParams) (session arrival.Session, armed bool, err error) {
	reply := make(chan armResult, 1)

	if err = d.send(ctx, armAlarm{params: params, reply: reply}); err != nil {
		return arrival.Session{}, false, err
	}

	select {
	case r := <-reply:
		return r.session, r.armed, r.err
	case <-ctx.Done():
		return arrival.Session{}, false, ctx.Err()
	case <-d.done:
		return arrival.Session{}, false, ErrNotRunning
	}
}

// Dismiss ends the active session and reports whether there was one.
func (d *Dispatcher) Dismiss(ctx context.Context) (bool, error) {
	reply := make(chan bool, 1)

	if err := d.send(ctx, dismiss{reply: reply}); err != nil {
		return false, err
	}

	select {
	case dismissed := <-reply:
		return dismissed, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-d.done:
		return false, ErrNotRunning
	}
}

// Status returns the session snapshot once every earlier message is handled.
func (d *Dispatcher) Status(ctx context.Context) (arrival.Session, bool, error) {
	reply := make(chan statusResult, 1)

	if err := d.send(ctx, status{reply: reply}); err != nil {
		return arrival.Session{}, false, err
	}

	select {
	case r := <-reply:
		return r.session, r.active, nil
	case <-ctx.Done():
		return arrival.Session{}, false, ctx.Err()
	case <-d.done:
		return arrival.Session{}, false, ErrNotRunning
	}
}

// Route receives monitor adapter events. It never blocks.
func (d *Dispatcher) Route(ctx context.Context, e sensor.Event) {
	if e.Kind == sensor.KindProximity {
		d.post(ctx, proximityUpdate{event: e})
		return
	}

	d.post(ctx, sensorEvent{event: e})
}

// HandleTransition receives region transitions from the region monitor.
func (d *Dispatcher) HandleTransition(ctx context.Context, t platform.RegionTransition) {
	d.post(ctx, regionTransition{transition: t})
}

// Fire queues a rule wake-up.
func (d *Dispatcher) Fire(ctx context.Context, ruleID string) {
	d.post(ctx, fire{ruleID: ruleID})
}

// FireWake is the handler of the one-shot wake scheduler.
func (d *Dispatcher) FireWake(ctx context.Context, key string) {
	ruleID, ok := schedule.RuleIDFromKey(key)
	if !ok {
		logger.WarnKV(ctx, "Ignoring wake with unknown key", "key", key)
		return
	}

	d.Fire(ctx, ruleID)
}

// NotificationAction queues a notification button press.
func (d *Dispatcher) NotificationAction(ctx context.Context, notificationID, action string) {
	d.post(ctx, notificationAction{notificationID: notificationID, action: action})
}

// NotificationDismissed queues a notification swipe.
func (d *Dispatcher) NotificationDismissed(ctx context.Context, notificationID string) {
	d.post(ctx, notificationDismissed{notificationID: notificationID})
}

// PowerSaveChanged queues a power-saving mode change.
func (d *Dispatcher) PowerSaveChanged(ctx context.Context, on bool) {
	d.post(ctx, powerSave{on: on})
}

// PositionReported forwards a fix to the position sinks.
func (d *Dispatcher) PositionReported(_ context.Context, fix arrival.Fix) {
	d.ReportPosition(fix)
}

// ReportPosition offers a fix to every position sink and returns how many accepted it.
func (d *Dispatcher) ReportPosition(fix arrival.Fix) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	accepted := 0

	for _, sink := range d.positions {
		if sink.Push(fix) {
			accepted++
		}
	}

	return accepted
}

// SetAlarmEnabled persists the enabled flag on behalf of the monitor. A deleted alarm is ignored.
func (d *Dispatcher) SetAlarmEnabled(ctx context.Context, alarmID string, enabled bool) error {
	err := d.store.SetAlarmEnabled(ctx, alarmID, enabled)
	if errors.Is(err, arrival.ErrAlarmNotFound) {
		logger.DebugKV(ctx, "Alarm is gone, enabled flag not stored", "alarm_id", alarmID)
		return nil
	}

	return err
}

// PromptArm posts a confirmation prompt for a fired rule on its own notification slot.
func (d *Dispatcher) PromptArm(ctx context.Context, rule *arrival.RecurrenceRule) error {
	name := rule.DestinationID

	if alarm, err := d.store.GetAlarm(ctx, rule.DestinationID); err == nil && alarm.Destination.Name != "" {
		name = alarm.Destination.Name
	}

	return d.notifications.Post(ctx, platform.Notification{
		ID:    PromptID(rule.ID),
		Title: "Arm arrival alarm for " + name + "?",
		Body:  fmt.Sprintf("Scheduled %s at %02d:%02d", rule.Days, rule.Hour, rule.Minute),
		Actions: []platform.Action{
			{ID: ActionArm, Label: "Arm"},
			{ID: ActionSkip, Label: "Skip"},
		},
	})
}

// PromptID is the notification slot of a rule prompt.
func PromptID(ruleID string) string {
	return promptPrefix + ruleID
}

// send queues a message, waiting for room.
func (d *Dispatcher) send(ctx context.Context, msg message) error {
	select {
	case d.mailbox <- envelope{ctx: context.WithoutCancel(ctx), msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrNotRunning
	}
}

// post queues a message without blocking the caller, which may be the actor itself.
// When the mailbox is full the message is handed to a goroutine and may be reordered.
func (d *Dispatcher) post(ctx context.Context, msg message) {
	env := envelope{ctx: context.WithoutCancel(ctx), msg: msg}

	select {
	case d.mailbox <- env:
		return
	default:
	}

	logger.DebugKV(ctx, "Mailbox full, deferring message", "kind", msg.kind())

	go func() {
		select {
		case d.mailbox <- env:
		case <-d.done:
		}
	}()
}

func (d *Dispatcher) handle(env envelope) {
	kind := env.msg.kind()
	start := time.Now()

	ctx, span := d.tracer.Start(env.ctx, "dispatch."+kind, trace.WithAttributes(attribute.String("message.kind", kind)))
	defer span.End()

	err := d.dispatch(ctx, env.msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnKV(ctx, "Message handling failed", "kind", kind, "error", err)
	}

	d.observer.MessageHandled(kind, time.Since(start), err != nil)
}

//nolint:cyclop // One case per message type.
func (d *Dispatcher) dispatch(ctx context.Context, msg message) error {
	switch m := msg.(type) {
	case armAlarm:
		session, armed, err := d.armAlarm(ctx, m.params)
		m.reply <- armResult{session: session, armed: armed, err: err}

		return err
	case dismiss:
		m.reply <- d.engine.Dismiss(ctx)
	case status:
		session, active := d.engine.Status()
		m.reply <- statusResult{session: session, active: active}
	case proximityUpdate:
		d.engine.HandleEvent(ctx, m.event)
	case sensorEvent:
		d.engine.HandleEvent(ctx, m.event)
	case regionTransition:
		return d.regionTransition(ctx, m.transition)
	case fire:
		return d.recurrence.OnFire(ctx, m.ruleID)
	case notificationAction:
		return d.notificationAction(ctx, m.notificationID, m.action)
	case notificationDismissed:
		d.notificationDismissed(ctx, m.notificationID)
	case powerSave:
		d.engine.OnPowerSaveChanged(ctx, m.on)
	case storeChange:
		return d.storeChange(ctx, m.change)
	}

	return nil
}

func (d *Dispatcher) armAlarm(ctx context.Context, params ArmParams) (arrival.Session, bool, error) {
	alarm, err := d.store.GetAlarm(ctx, params.AlarmID)
	if err != nil {
		return arrival.Session{}, false, err
	}

	strategy := alarm.Strategy
	if params.Strategy != nil {
		strategy = *params.Strategy
	}

	session, armed := d.engine.Arm(ctx, monitor.ArmRequest{
		Destination: alarm.Destination,
		Start:       params.Start,
		Strategy:    strategy,
	})

	return session, armed, nil
}

// regionTransition hands the transition to the active adapter. An enter on a
// destination with no session wakes the stored alarm in geofence mode.
func (d *Dispatcher) regionTransition(ctx context.Context, t platform.RegionTransition) error {
	if d.engine.HandleRegionTransition(ctx, t) {
		return nil
	}

	destinationID, warning := sensor.DestinationFromRegion(t.RegionID)
	if t.Kind != platform.TransitionEnter || warning {
		return nil
	}

	ctx = logger.WithKV(ctx, "region_id", t.RegionID)

	if current, active := d.engine.Status(); active {
		if current.Destination.ID == destinationID {
			d.engine.OnRegionEntered(ctx)
			return nil
		}

		logger.DebugKV(ctx, "Region entered for another destination, ignored", "active", current.Destination.ID)

		return nil
	}

	alarm, err := d.store.GetAlarm(ctx, destinationID)

	switch {
	case errors.Is(err, arrival.ErrAlarmNotFound):
		logger.Debug(ctx, "Region entered for an unknown alarm, ignored")
		return nil
	case err != nil:
		return err
	case !alarm.Enabled:
		logger.Debug(ctx, "Region entered for a disabled alarm, ignored")
		return nil
	}

	logger.Info(ctx, "Region wake-up, arming stored alarm")

	if _, armed := d.engine.Arm(ctx, monitor.ArmRequest{
		Destination: alarm.Destination,
		Strategy:    arrival.StrategyGeofence,
	}); armed {
		d.engine.OnRegionEntered(ctx)
	}

	return nil
}

func (d *Dispatcher) notificationAction(ctx context.Context, notificationID, action string) error {
	if notificationID == d.engine.NotificationID() {
		if action != monitor.ActionDismiss {
			return fmt.Errorf("%w: %q", errUnknownAction, action)
		}

		d.engine.Dismiss(ctx)

		return nil
	}

	ruleID, ok := strings.CutPrefix(notificationID, promptPrefix)
	if !ok {
		logger.DebugKV(ctx, "Action on unknown notification", "notification_id", notificationID)
		return nil
	}

	cancelErr := d.notifications.Cancel(ctx, notificationID)

	switch action {
	case ActionArm:
		rule, err := d.store.GetRule(ctx, ruleID)
		if err != nil {
			return errors.Join(cancelErr, err)
		}

		_, armed, err := d.armAlarm(ctx, ArmParams{AlarmID: rule.DestinationID})
		logger.InfoKV(ctx, "Scheduled prompt confirmed", "rule_id", ruleID, "armed", armed)

		return errors.Join(cancelErr, err)
	case ActionSkip:
		logger.InfoKV(ctx, "Scheduled prompt skipped", "rule_id", ruleID)
		return cancelErr
	default:
		return errors.Join(cancelErr, fmt.Errorf("%w: %q", errUnknownAction, action))
	}
}

func (d *Dispatcher) notificationDismissed(ctx context.Context, notificationID string) {
	if notificationID == d.engine.NotificationID() {
		if d.engine.OnNotificationDismissedByUser(ctx) {
			d.engine.Dismiss(ctx)
		}

		return
	}

	if ruleID, ok := strings.CutPrefix(notificationID, promptPrefix); ok {
		logger.InfoKV(ctx, "Scheduled prompt dismissed", "rule_id", ruleID)
	}
}

// storeChange keeps pending wakes in line with stored rules and ends a session whose alarm
// was deleted or disabled. The store is re-read because changes arrive after the fact.
func (d *Dispatcher) storeChange(ctx context.Context, c store.Change) error {
	switch c.Entity {
	case store.EntityRule:
		if c.Kind == store.ChangeDelete || c.Rule == nil {
			return d.recurrence.Cancel(ctx, c.ID)
		}

		return d.recurrence.Arm(ctx, c.Rule)
	case store.EntityAlarm:
		current, active := d.engine.Status()
		if !active || current.Destination.ID != c.ID {
			return nil
		}

		alarm, err := d.store.GetAlarm(ctx, c.ID)

		switch {
		case errors.Is(err, arrival.ErrAlarmNotFound):
			logger.InfoKV(ctx, "Active alarm deleted, dismissing", "alarm_id", c.ID)
		case err != nil:
			return err
		case !alarm.Enabled:
			logger.InfoKV(ctx, "Active alarm disabled, dismissing", "alarm_id", c.ID)
		default:
			return nil
		}

		d.engine.Dismiss(ctx)
	}

	return nil
}
