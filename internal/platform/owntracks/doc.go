// Package owntracks connects the daemon to a phone running OwnTracks over MQTT.
//
// Location reports published on the device topic become position fixes.
// Geofences are sent to the phone as waypoints on <device>/cmd, and the
// enter and leave events it publishes on <device>/event become region
// transitions.
package owntracks
