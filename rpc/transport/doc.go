// Package transport defines the interfaces and abstractions the storage RPC
// engine uses to talk to storage nodes. It provides a common contract that
// all transport implementations must fulfill.
//
// The package focuses on:
//   - Non-blocking connections (IConn) and a pool with acquire/release/invalidate
//     discipline (IConnPool)
//   - Readiness multiplexing of many connections in a single call (IPoller)
//   - The server side contract used by storage target servers
//
// Key Components:
//
//   - IConn: Connection with TryRead/TryWrite that never block.
//
//   - IConnPool: Pooled connections per node, bounded per node. Ownership of
//     an acquired connection is exclusive until it is released or invalidated.
//
//   - IPoller: One poll over an arbitrary set of connections per round.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receive requests and hand them to the registered handler.
package transport
