package arrival

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	domain "github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/platform"
)

// Field names of the Struct messages.
const (
	FieldID                  = "id"
	FieldAlarmID             = "alarm_id"
	FieldName                = "name"
	FieldLatitude            = "latitude"
	FieldLongitude           = "longitude"
	FieldRadius              = "radius_m"
	FieldEnabled             = "enabled"
	FieldStrategy            = "strategy"
	FieldUpdatedAt           = "updated_at"
	FieldDestinationID       = "destination_id"
	FieldDays                = "days"
	FieldHour                = "hour"
	FieldMinute              = "minute"
	FieldAccuracy            = "accuracy_m"
	FieldTimestamp           = "timestamp"
	FieldProvider            = "provider"
	FieldAccepted            = "accepted"
	FieldRegionID            = "region_id"
	FieldEvent               = "event"
	FieldAt                  = "at"
	FieldArmed               = "armed"
	FieldActive              = "active"
	FieldSession             = "session"
	FieldDestinationName     = "destination_name"
	FieldState               = "state"
	FieldZone                = "zone"
	FieldRemaining           = "remaining_m"
	FieldMaxRemaining        = "max_observed_remaining_m"
	FieldProgress            = "progress"
	FieldPowerSave           = "power_save"
	FieldSensorUnavailable   = "sensor_unavailable"
	FieldArrivedAcknowledged = "arrived_acknowledged"
	FieldArmedAt             = "armed_at"
	FieldArrivedAt           = "arrived_at"
	FieldStart               = "start"
)

var (
	errFieldRequired = errors.New("field is required")
	errFieldType     = errors.New("field has the wrong type")
	errNotInteger    = errors.New("field must be an integer")
)

// fields reads typed values from a Struct and remembers the first failure.
type fields struct {
	s   *structpb.Struct
	err error
}

func (f *fields) value(key string) (*structpb.Value, bool) {
	v, ok := f.s.GetFields()[key]
	if !ok || v.GetKind() == nil {
		return nil, false
	}

	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, false
	}

	return v, true
}

func (f *fields) fail(key string, err error) {
	if f.err == nil {
		f.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (f *fields) has(key string) bool {
	_, ok := f.value(key)
	return ok
}

func (f *fields) text(key string, required bool) string {
	v, ok := f.value(key)
	if !ok {
		if required {
			f.fail(key, errFieldRequired)
		}

		return ""
	}

	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		f.fail(key, errFieldType)
		return ""
	}

	return s.StringValue
}

func (f *fields) number(key string, required bool) float64 {
	v, ok := f.value(key)
	if !ok {
		if required {
			f.fail(key, errFieldRequired)
		}

		return 0
	}

	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		f.fail(key, errFieldType)
		return 0
	}

	return n.NumberValue
}

func (f *fields) integer(key string, required bool) int {
	n := f.number(key, required)
	if n != math.Trunc(n) {
		f.fail(key, errNotInteger)
		return 0
	}

	return int(n)
}

func (f *fields) boolean(key string) bool {
	v, ok := f.value(key)
	if !ok {
		return false
	}

	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		f.fail(key, errFieldType)
		return false
	}

	return b.BoolValue
}

func (f *fields) instant(key string) time.Time {
	s := f.text(key, false)
	if s == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		f.fail(key, err)
	}

	return t
}

func (f *fields) integers(key string) []int {
	v, ok := f.value(key)
	if !ok {
		return nil
	}

	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		f.fail(key, errFieldType)
		return nil
	}

	result := make([]int, 0, len(list.ListValue.GetValues()))

	for _, item := range list.ListValue.GetValues() {
		n, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
			f.fail(key, errNotInteger)
			return nil
		}

		result = append(result, int(n.NumberValue))
	}

	return result
}

// ToDomainAlarm converts a PutAlarm request. The strategy defaults to gps.
func ToDomainAlarm(s *structpb.Struct) (*domain.Alarm, error) {
	f := fields{s: s}

	alarm := &domain.Alarm{
		Destination: domain.Destination{
			ID:           f.text(FieldID, false),
			Name:         f.text(FieldName, false),
			Latitude:     f.number(FieldLatitude, true),
			Longitude:    f.number(FieldLongitude, true),
			RadiusMeters: f.number(FieldRadius, true),
		},
		Enabled: f.boolean(FieldEnabled),
	}
	strategy := f.text(FieldStrategy, false)

	if f.err != nil {
		return nil, f.err
	}

	var err error
	if alarm.Strategy, err = domain.ParseStrategy(strategy); err != nil {
		return nil, err
	}

	return alarm, nil
}

// FromDomainAlarm converts an alarm into its Struct form.
func FromDomainAlarm(alarm *domain.Alarm) *structpb.Struct {
	return mustStruct(map[string]any{
		FieldID:        alarm.Destination.ID,
		FieldName:      alarm.Destination.Name,
		FieldLatitude:  alarm.Destination.Latitude,
		FieldLongitude: alarm.Destination.Longitude,
		FieldRadius:    alarm.Destination.RadiusMeters,
		FieldEnabled:   alarm.Enabled,
		FieldStrategy:  alarm.Strategy.String(),
		FieldUpdatedAt: formatTime(alarm.UpdatedAt),
	})
}

// ToDomainRule converts a PutRule request. Days use 1..7 with 1 being Sunday.
func ToDomainRule(s *structpb.Struct) (*domain.RecurrenceRule, error) {
	f := fields{s: s}

	rule := &domain.RecurrenceRule{
		ID:            f.text(FieldID, false),
		DestinationID: f.text(FieldDestinationID, true),
		Hour:          f.integer(FieldHour, true),
		Minute:        f.integer(FieldMinute, false),
		Enabled:       !f.has(FieldEnabled) || f.boolean(FieldEnabled),
	}
	days := f.integers(FieldDays)

	if f.err != nil {
		return nil, f.err
	}

	var err error
	if rule.Days, err = domain.ParseDays(days); err != nil {
		return nil, err
	}

	return rule, nil
}

// FromDomainRule converts a rule into its Struct form.
func FromDomainRule(rule *domain.RecurrenceRule) *structpb.Struct {
	days := make([]any, 0, 7)
	for _, d := range rule.Days.Ints() {
		days = append(days, d)
	}

	return mustStruct(map[string]any{
		FieldID:            rule.ID,
		FieldDestinationID: rule.DestinationID,
		FieldDays:          days,
		FieldHour:          rule.Hour,
		FieldMinute:        rule.Minute,
		FieldEnabled:       rule.Enabled,
	})
}

// ToDomainFix converts a ReportPosition request. A missing timestamp means now.
func ToDomainFix(s *structpb.Struct, now time.Time) (domain.Fix, error) {
	f := fields{s: s}

	fix := domain.Fix{
		Coordinate: domain.Coordinate{
			Latitude:  f.number(FieldLatitude, true),
			Longitude: f.number(FieldLongitude, true),
		},
		AccuracyMeters: f.number(FieldAccuracy, false),
		Timestamp:      f.instant(FieldTimestamp),
		Provider:       f.text(FieldProvider, false),
	}

	if f.err != nil {
		return domain.Fix{}, f.err
	}

	if err := fix.Validate(); err != nil {
		return domain.Fix{}, err
	}

	if fix.Timestamp.IsZero() {
		fix.Timestamp = now
	}

	return fix, nil
}

// ToRegionTransition converts a ReportRegionEvent request.
func ToRegionTransition(s *structpb.Struct, now time.Time) (platform.RegionTransition, error) {
	f := fields{s: s}

	t := platform.RegionTransition{
		RegionID: f.text(FieldRegionID, true),
		Kind:     platform.TransitionKind(f.text(FieldEvent, true)),
		At:       f.instant(FieldAt),
	}

	if f.err != nil {
		return platform.RegionTransition{}, f.err
	}

	if t.Kind != platform.TransitionEnter && t.Kind != platform.TransitionExit {
		return platform.RegionTransition{}, fmt.Errorf("%s: %w: %q", FieldEvent, errFieldType, t.Kind)
	}

	if t.At.IsZero() {
		t.At = now
	}

	return t, nil
}

// FromSession converts a session snapshot. Optional values are omitted when unknown.
func FromSession(session *domain.Session, active bool) *structpb.Struct {
	values := map[string]any{
		FieldActive:    active,
		FieldState:     session.State.String(),
		FieldPowerSave: session.PowerSave,
	}

	if active {
		values[FieldID] = session.ID
		values[FieldDestinationID] = session.Destination.ID
		values[FieldDestinationName] = session.Destination.Name
		values[FieldStrategy] = session.Strategy.String()
		values[FieldZone] = session.Zone.String()
		values[FieldProgress] = session.Progress
		values[FieldMaxRemaining] = session.MaxObservedRemainingMeters
		values[FieldSensorUnavailable] = session.SensorUnavailable
		values[FieldArrivedAcknowledged] = session.ArrivedAcknowledged
		values[FieldArmedAt] = formatTime(session.ArmedAt)

		if session.HasRemaining {
			values[FieldRemaining] = session.RemainingMeters
		}

		if !session.ArrivedAt.IsZero() {
			values[FieldArrivedAt] = formatTime(session.ArrivedAt)
		}

		if session.Start != nil {
			values[FieldStart] = map[string]any{
				FieldLatitude:  session.Start.Latitude,
				FieldLongitude: session.Start.Longitude,
			}
		}
	}

	return mustStruct(values)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

// mustStruct builds a Struct from values this package produced; they are always convertible.
func mustStruct(values map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(values)
	if err != nil {
		panic(fmt.Sprintf("struct conversion: %v", err))
	}

	return s
}
