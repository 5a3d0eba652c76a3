// Package wake persists pending one-shot wake registrations.
//
// The FileRepository stores them as protobuf JSON on disk so that scheduled
// wakes survive a daemon restart.
package wake
