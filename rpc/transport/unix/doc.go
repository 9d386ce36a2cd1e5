// Package unix implements the transport layer of the storage RPC system using
// Unix domain sockets. It provides low latency communication with storage
// targets running on the same machine.
//
// This package extends the base transport layer with Unix socket-specific connectors
// while inheriting the connection pool, non-blocking I/O and framing from the base
// package.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners (removing stale socket files)
//     and accepts connections
package unix
