// Package version reports build metadata of the arrival-alarm binaries.
//
// Version, Commit and BuildTime are set with -ldflags at release time. Local
// builds fall back to the VCS stamps the Go toolchain records in the binary.
package version
