package owntracks

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/platform"
)

// OwnTracks message types.
const (
	TypeLocation   = "location"
	TypeTransition = "transition"
	TypeCommand    = "cmd"
	TypeWaypoints  = "waypoints"
	TypeWaypoint   = "waypoint"
)

// Command actions.
const (
	ActionSetWaypoints   = "setWaypoints"
	ActionClearWaypoints = "clearWaypoints"
)

var (
	errUnexpectedType = errors.New("unexpected message type")
	errUnknownEvent   = errors.New("unknown transition event")
)

// Location is a location report.
type Location struct {
	Type      string  `json:"_type"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Accuracy  float64 `json:"acc,omitempty"`
	Timestamp int64   `json:"tst"`
	Trigger   string  `json:"t,omitempty"`
}

// Transition is a region enter or leave report.
type Transition struct {
	Type        string `json:"_type"`
	Event       string `json:"event"`
	Description string `json:"desc"`
	RegionID    string `json:"rid,omitempty"`
	Timestamp   int64  `json:"tst"`
	WaypointTST int64  `json:"wtst,omitempty"`
}

// Waypoint is a region definition sent to the device.
type Waypoint struct {
	Type        string  `json:"_type"`
	Description string  `json:"desc"`
	RegionID    string  `json:"rid"`
	Latitude    float64 `json:"lat"`
	Longitude   float64 `json:"lon"`
	Radius      int     `json:"rad"`
	Timestamp   int64   `json:"tst"`
}

// Waypoints is a list of waypoints.
type Waypoints struct {
	Type      string     `json:"_type"`
	Waypoints []Waypoint `json:"waypoints"`
}

// Command is a remote command for the device.
type Command struct {
	Type      string     `json:"_type"`
	Action    string     `json:"action"`
	Waypoints *Waypoints `json:"waypoints,omitempty"`
}

// ParseLocation decodes a location report into a fix.
func ParseLocation(payload []byte) (arrival.Fix, error) {
	var msg Location
	if err := json.Unmarshal(payload, &msg); err != nil {
		return arrival.Fix{}, fmt.Errorf("decode location: %w", err)
	}

	if msg.Type != TypeLocation {
		return arrival.Fix{}, fmt.Errorf("%w: %q", errUnexpectedType, msg.Type)
	}

	fix := arrival.Fix{
		Coordinate:     arrival.Coordinate{Latitude: msg.Latitude, Longitude: msg.Longitude},
		AccuracyMeters: msg.Accuracy,
	}

	if msg.Timestamp > 0 {
		fix.Timestamp = time.Unix(msg.Timestamp, 0)
	}

	if err := fix.Coordinate.Validate(); err != nil {
		return arrival.Fix{}, err
	}

	return fix, nil
}

// ParseTransition decodes a transition report. The region id is rid when present, desc otherwise.
func ParseTransition(payload []byte) (platform.RegionTransition, error) {
	var msg Transition
	if err := json.Unmarshal(payload, &msg); err != nil {
		return platform.RegionTransition{}, fmt.Errorf("decode transition: %w", err)
	}

	if msg.Type != TypeTransition {
		return platform.RegionTransition{}, fmt.Errorf("%w: %q", errUnexpectedType, msg.Type)
	}

	t := platform.RegionTransition{RegionID: msg.RegionID}
	if t.RegionID == "" {
		t.RegionID = msg.Description
	}

	switch platform.TransitionKind(msg.Event) {
	case platform.TransitionEnter:
		t.Kind = platform.TransitionEnter
	case platform.TransitionExit:
		t.Kind = platform.TransitionExit
	default:
		return platform.RegionTransition{}, fmt.Errorf("%w: %q", errUnknownEvent, msg.Event)
	}

	if msg.Timestamp > 0 {
		t.At = time.Unix(msg.Timestamp, 0)
	}

	return t, nil
}

func waypoint(r platform.Region, at time.Time) Waypoint {
	return Waypoint{
		Type:        TypeWaypoint,
		Description: r.ID,
		RegionID:    r.ID,
		Latitude:    r.Center.Latitude,
		Longitude:   r.Center.Longitude,
		Radius:      int(r.RadiusMeters + 0.5),
		Timestamp:   at.Unix(),
	}
}
