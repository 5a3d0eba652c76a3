// Package platform declares the capabilities the arrival engine consumes from
// the host: positioning, region monitoring, notifications, vibration, the wake
// source and the one-shot wake scheduler.
//
// Concrete adapters live in the subpackages owntracks, device and wake. The
// error values here are the signals adapters convert platform failures into.
package platform
