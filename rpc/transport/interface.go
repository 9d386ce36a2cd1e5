package transport

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dStor/rpc/common"
	"io"
	"time"
)

var (
	// ErrWouldBlock is returned by non-blocking I/O that could not make progress
	ErrWouldBlock = errors.New("transport: operation would block")
	// ErrPoolExhausted is returned by a non-blocking Acquire if the node has no free connection
	ErrPoolExhausted = errors.New("transport: no connection available")
	// ErrClosed is returned once a pool or connection has been closed
	ErrClosed = errors.New("transport: closed")
)

// --------------------------------------------------------------------------
// Nodes
// --------------------------------------------------------------------------

// Node identifies a storage node that connections are made to
type Node struct {
	ID       uint16
	Alias    string
	Endpoint string // host:port for tcp, socket path for unix
}

func (n Node) String() string {
	if n.Alias != "" {
		return fmt.Sprintf("%s [ID: %d]", n.Alias, n.ID)
	}
	return fmt.Sprintf("node %d (%s)", n.ID, n.Endpoint)
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IConn is a stream connection to a storage node with non-blocking I/O.
// TryRead and TryWrite never wait; they return ErrWouldBlock if the socket
// is not ready. TryRead returns io.EOF once the peer closed the connection.
type IConn interface {
	TryRead(p []byte) (int, error)
	TryWrite(p []byte) (int, error)
	// Node returns the node this connection belongs to
	Node() Node
	io.Closer
}

// IPollable is implemented by connections backed by a file descriptor
type IPollable interface {
	Fd() int
}

// IConnPool hands out pooled connections to storage nodes. Every acquired
// connection must be given back exactly once, either with Release (healthy,
// reusable) or with Invalidate (broken, closed and removed from the pool).
// Implementations must be safe for concurrent use.
type IConnPool interface {
	// Acquire returns a connection to node. If the node's connection limit is
	// reached, a non-blocking call returns ErrPoolExhausted while a blocking call
	// waits for a free slot. Connection establishment errors are returned as is.
	Acquire(ctx context.Context, node Node, blocking bool) (IConn, error)
	// Release returns a healthy connection to the pool
	Release(conn IConn)
	// Invalidate closes a broken connection and frees its slot
	Invalidate(conn IConn)
	// Close closes all idle connections
	Close() error
}

// --------------------------------------------------------------------------
// Readiness Multiplexing
// --------------------------------------------------------------------------

// PollEvents is a bitmask of socket readiness events
type PollEvents int16

const (
	PollIn  PollEvents = 1 << iota // data can be read
	PollOut                        // data can be written
	PollErr                        // error condition
	PollHup                        // peer hung up
)

// PollItem registers a connection for events; REvents is filled in by Poll
type PollItem struct {
	Conn    IConn
	Events  PollEvents
	REvents PollEvents
}

// IPoller waits for readiness of a set of connections in a single call.
// A poller is used by one goroutine at a time.
type IPoller interface {
	// Poll blocks until at least one item is ready or timeout elapsed.
	// A zero timeout only checks the current state. It returns the number
	// of ready items, 0 means the timeout elapsed.
	Poll(items []PollItem, timeout time.Duration) (int, error)
}

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc handles one request. msg holds the serialized request
// without its length prefix. Request payload (if any) is read from conn, the
// response is written to conn. Returning an error closes the connection.
type ServerHandleFunc func(msg []byte, conn io.ReadWriter) error

// IRPCServerTransport is the interface for the server side transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers the request handler
	// This handler should be called when a request is received
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and serves until Close is called
	Listen(config common.ServerConfig) error
	// Start binds the listener, serves in the background and returns the bound address
	Start(config common.ServerConfig) (string, error)
	// Close stops accepting connections and closes open ones
	Close() error
}
