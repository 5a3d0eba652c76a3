// Package observability wires Prometheus metrics and OpenTelemetry tracing for the daemon.
package observability
