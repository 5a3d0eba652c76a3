// Package arrival implements the gRPC control API of the arrival daemon.
//
// The service descriptor is written by hand over protobuf well-known types
// (Struct, ListValue, Empty and scalar wrappers), so no generated code is
// needed. The package also ships the matching client stub.
package arrival
