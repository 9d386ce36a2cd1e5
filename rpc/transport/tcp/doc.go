// Package tcp implements the TCP socket based transport of the storage RPC
// system. It provides concrete implementations of the base package's connector
// interfaces for TCP connections.
//
// This package builds on the base package's transport functionality, inheriting
// its connection pool, non-blocking I/O and framing. See the base package
// documentation for the underlying mechanisms.
//
// Key Components:
//
//   - clientConnector: TCP-specific implementation of base.IClientConnector
//
//   - serverConnector: TCP-specific implementation of base.IServerConnector
//
// Both sides apply the TCPConf and SocketConf options (no delay, keep-alive,
// linger, buffer sizes) to every established connection.
package tcp
