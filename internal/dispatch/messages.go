package dispatch

import (
	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/platform"
	"github.com/oshokin/arrival-alarm/internal/sensor"
	"github.com/oshokin/arrival-alarm/internal/store"
)

// message is one unit of work for the actor.
type message interface {
	kind() string
}

// ArmParams selects the alarm to arm.
type ArmParams struct {
	// AlarmID is the stored alarm.
	AlarmID string
	// Start is the current position when known.
	Start *arrival.Coordinate
	// Strategy overrides the alarm's preferred strategy when set.
	Strategy *arrival.Strategy
}

type armResult struct {
	session arrival.Session
	armed   bool
	err     error
}

type statusResult struct {
	session arrival.Session
	active  bool
}

type armAlarm struct {
	params ArmParams
	reply  chan armResult
}

type dismiss struct {
	reply chan bool
}

type status struct {
	reply chan statusResult
}

type proximityUpdate struct {
	event sensor.Event
}

type sensorEvent struct {
	event sensor.Event
}

type regionTransition struct {
	transition platform.RegionTransition
}

type fire struct {
	ruleID string
}

type notificationAction struct {
	notificationID string
	action         string
}

type notificationDismissed struct {
	notificationID string
}

type powerSave struct {
	on bool
}

type storeChange struct {
	change store.Change
}

func (armAlarm) kind() string              { return "arm_alarm" }
func (dismiss) kind() string               { return "dismiss" }
func (status) kind() string                { return "status" }
func (proximityUpdate) kind() string       { return "proximity_update" }
func (sensorEvent) kind() string           { return "sensor_event" }
func (regionTransition) kind() string      { return "region_transition" }
func (fire) kind() string                  { return "fire" }
func (notificationAction) kind() string    { return "notification_action" }
func (notificationDismissed) kind() string { return "notification_dismissed" }
func (powerSave) kind() string             { return "power_save" }
func (storeChange) kind() string           { return "store_change" }
