package device

import (
	"time"

	"github.com/oshokin/arrival-alarm/internal/platform"
)

// Outbound message types.
const (
	TypeNotificationPost   = "notification.post"
	TypeNotificationCancel = "notification.cancel"
	TypeVibrationStart     = "vibration.start"
	TypeVibrationStop      = "vibration.stop"
	TypeWakeAcquire        = "wake.acquire"
	TypeWakeRelease        = "wake.release"
)

// Inbound message types.
const (
	TypeAction    = "action"
	TypeDismissed = "dismissed"
	TypePowerSave = "power_save"
	TypePosition  = "position"
)

// Message is the envelope exchanged with companions.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ActionPayload is the body of notification.post actions.
type ActionPayload struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// NotificationPayload is the body of notification.post.
type NotificationPayload struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	Progress   *int            `json:"progress,omitempty"`
	Ongoing    bool            `json:"ongoing"`
	FullScreen bool            `json:"full_screen"`
	Actions    []ActionPayload `json:"actions,omitempty"`
}

// IDPayload carries a notification id.
type IDPayload struct {
	ID string `json:"id"`
}

// VibrationPayload is the body of vibration.start.
type VibrationPayload struct {
	TimingsMS []int64 `json:"timings_ms"`
	Repeat    bool    `json:"repeat"`
}

// WakePayload is the body of wake.acquire.
type WakePayload struct {
	MaxDurationMS int64 `json:"max_duration_ms"`
}

// ActionReport is sent by a companion when a notification button is pressed.
type ActionReport struct {
	NotificationID string `json:"notification_id"`
	Action         string `json:"action"`
}

// DismissedReport is sent when the user swipes a notification away.
type DismissedReport struct {
	NotificationID string `json:"notification_id"`
}

// PowerSaveReport is sent when the companion enters or leaves power-saving mode.
type PowerSaveReport struct {
	On bool `json:"on"`
}

// PositionReport is a fix measured by the companion.
type PositionReport struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_m"`
	Timestamp      time.Time `json:"timestamp"`
}

func notificationPayload(n platform.Notification) NotificationPayload {
	p := NotificationPayload{
		ID:         n.ID,
		Title:      n.Title,
		Body:       n.Body,
		Progress:   n.Progress,
		Ongoing:    n.Ongoing,
		FullScreen: n.FullScreen,
	}

	for _, a := range n.Actions {
		p.Actions = append(p.Actions, ActionPayload{ID: a.ID, Label: a.Label})
	}

	return p
}

func vibrationPayload(p platform.Pattern) VibrationPayload {
	timings := make([]int64, 0, len(p.Timings))
	for _, d := range p.Timings {
		timings = append(timings, d.Milliseconds())
	}

	return VibrationPayload{TimingsMS: timings, Repeat: p.Repeat}
}
