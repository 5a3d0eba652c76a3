// Package httpapi serves the HTTP surface of the daemon: health, metrics,
// the companion display websocket and read-only JSON views of the engine.
package httpapi
