// Package daemon assembles the arrival engine and serves it.
//
// Serve wires the SQLite store, the companion hub, the optional OwnTracks
// bridge, the sensor factory, the monitor, the wake and recurrence schedulers
// and the dispatcher, then exposes them over gRPC and HTTP until the context
// is canceled.
package daemon
