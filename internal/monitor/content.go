package monitor

import (
	"fmt"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/platform"
)

// ActionDismiss is the notification action that turns the alarm off.
const ActionDismiss = "dismiss"

const (
	bodyWaiting     = "Waiting for location"
	bodyWatching    = "Watching for arrival"
	bodyWarning     = "Zone changed, still some way to go"
	bodyUnavailable = "Location unavailable"
	bodyArrived     = "You have reached your destination"
	powerSaveNotice = " (power-saving mode may delay updates)"
)

// FormatDistance renders meters for notification copy.
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%.0f m", meters)
	}

	return fmt.Sprintf("%.1f km", meters/1000)
}

func destinationLabel(d *arrival.Destination) string {
	if d.Name != "" {
		return d.Name
	}

	return d.ID
}

// monitoringContent renders the ongoing notification for a session that has not arrived.
func monitoringContent(id string, s *activeSession, powerSave bool) platform.Notification {
	n := platform.Notification{
		ID:      id,
		Title:   "Heading to " + destinationLabel(&s.snapshot.Destination),
		Ongoing: true,
		Actions: []platform.Action{{ID: ActionDismiss, Label: "Turn off"}},
	}

	switch {
	case s.snapshot.SensorUnavailable:
		n.Body = bodyUnavailable
	case s.snapshot.HasRemaining:
		n.Body = zoneBody(s.snapshot.Zone, s.snapshot.RemainingMeters)
	case s.warned:
		n.Body = bodyWarning
	case s.snapshot.Strategy == arrival.StrategyGeofence:
		n.Body = bodyWatching
	default:
		n.Body = bodyWaiting
	}

	// Geofence sessions only know the zone, never a percentage.
	if s.snapshot.Strategy == arrival.StrategyGPS {
		n.Progress = platform.ProgressPercent(s.snapshot.Progress)
	}

	if powerSave {
		n.Body += powerSaveNotice
	}

	return n
}

func zoneBody(zone arrival.Zone, remaining float64) string {
	switch zone {
	case arrival.ZoneNear:
		return "Almost there, " + FormatDistance(remaining) + " to go"
	case arrival.ZoneMid:
		return "Getting closer, " + FormatDistance(remaining) + " to go"
	default:
		return FormatDistance(remaining) + " to go"
	}
}

// arrivedContent renders the alarm notification.
func arrivedContent(id string, d *arrival.Destination, fullScreen bool) platform.Notification {
	return platform.Notification{
		ID:         id,
		Title:      "Arrived at " + destinationLabel(d),
		Body:       bodyArrived,
		Progress:   platform.ProgressPercent(1),
		Ongoing:    true,
		FullScreen: fullScreen,
		Actions:    []platform.Action{{ID: ActionDismiss, Label: "Turn off alarm"}},
	}
}
