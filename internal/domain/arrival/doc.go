// Package arrival contains core domain types for the arrival alarm.
//
// It defines the persisted Alarm with its Destination, the weekly
// RecurrenceRule, position Fixes and the in-memory Session snapshot handed out
// by the monitor. Clone helpers avoid leaking internal references.
package arrival
