// Package common holds helpers shared by the arrivalctl commands and the
// integration tests.
//
// It provides a gRPC client wrapper for the daemon's control API with call
// timeouts, a typed view of session snapshots, and detection of the current
// system actor (hostname/username) attached to every call.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
