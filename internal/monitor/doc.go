// Package monitor implements the arrival monitoring state machine.
//
// A Monitor owns at most one session at a time and walks it through
// Idle, Armed, Monitoring and Arrived. Decisions are taken under the monitor
// mutex and produce a list of commands (sensor start/stop, notification,
// vibration, wake source, alarm enable flag) that run after the mutex is
// released.
package monitor
