// Package integration holds end-to-end tests that run the arrival daemon
// and talk to it over its gRPC control API.
package integration
