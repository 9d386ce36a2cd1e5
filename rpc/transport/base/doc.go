// Package base provides the foundation for the transport layers of the storage
// RPC system, implementing the core functionality independent of the specific
// network protocol (TCP, Unix sockets). It is extended with protocol-specific
// connectors.
//
// The package focuses on:
//   - Non-blocking socket connections for a single threaded round driver
//   - A bounded connection pool per storage node
//   - Readiness multiplexing with poll(2)
//   - Control message framing and read stream chunk encoding
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     that allow extending the base transport with different network protocols.
//
//   - socketConn: Performs exactly one read or write attempt on the socket's file
//     descriptor. The Go runtime keeps sockets non-blocking, EAGAIN is reported as
//     transport.ErrWouldBlock.
//
//   - connPool: Hands out connections per node up to MaxConnsPerNode. Blocking
//     acquires wait for a released or invalidated slot, non-blocking ones fail with
//     transport.ErrPoolExhausted.
//
//   - unixPoller: Polls any number of pooled connections in one system call.
//
//   - serverTransport: Accepts connections and hands every request frame to the
//     registered handler, which then streams its response directly on the connection.
//
// Wire Format:
//
//	control frame: uint32 length (big endian) + serialized message, at most common.MsgBufSize
//	read stream:   repeated int64 length (big endian) + data, 0 ends the stream,
//	               a negative length is an error code
//
// Thread Safety:
//
//	The pool and the server are safe for concurrent use. A connection is owned by
//	whoever acquired it, a poller must only be used by one goroutine at a time.
package base
