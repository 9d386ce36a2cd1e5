// Package common provides the data structures shared by the storage client
// and server.
//
// Key Components:
//
//   - Message: Control message for all requests and responses, with factory
//     functions for every message type. Payload is never part of a Message,
//     it travels as raw bytes after a write request or as a length prefixed
//     data stream in answer to a read.
//
//   - OpsErr: Error codes of storage operations. Per target results are signed,
//     non-negative values are byte counts, negative values are negated codes.
//
//   - TargetState: Reachability and consistency of a storage target as reported
//     by the management service.
//
//   - ServerConfig / ClientConfig: Validated configuration of servers, clients
//     and the retry engine.
//
//   - Logger: Logging implementation that plugs into Dragonboat's logger
//     registry and is shared by all packages.
package common
