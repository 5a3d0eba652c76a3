// Package sensor adapts the platform positioning and geofence capabilities into
// one normalized stream of proximity events for the monitor.
//
// Two strategies implement Adapter: GPS merges continuous fixes from several
// providers and computes the remaining distance itself, Geofence registers
// regions and turns platform transitions into arrival events.
package sensor
