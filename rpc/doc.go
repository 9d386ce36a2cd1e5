// Package rpc provides the communication layer between storage clients and
// storage target servers.
//
// The package is organized into several subpackages:
//
//   - common: The wire protocol (messages, framing constants, error codes),
//     target health states, configuration structures and logging.
//
//   - transport: Network abstractions with pluggable implementations (TCP,
//     Unix sockets). Client connections are pooled and can be switched to
//     non-blocking I/O and polled for readiness.
//
//   - serializer: Message serialization (Binary, JSON) for control messages.
//
//   - client: The multiplexed, retrying client engine and a striped file
//     client built on top of it.
//
//   - server: The storage target server and its chunk file request handling.
package rpc
