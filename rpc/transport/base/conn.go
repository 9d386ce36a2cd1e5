package base

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"golang.org/x/sys/unix"
	"io"
	"net"
	"sync/atomic"
	"syscall"
)

// socketConn wraps a net.Conn and performs non-blocking I/O directly on its
// file descriptor. The Go runtime keeps the descriptor in non-blocking mode,
// so one read or write attempt never parks the calling goroutine.
type socketConn struct {
	conn   net.Conn
	raw    syscall.RawConn
	fd     int
	node   transport.Node
	owner  *nodePool
	closed atomic.Bool
}

// newSocketConn wraps conn, it must be backed by a socket
func newSocketConn(conn net.Conn, node transport.Node) (*socketConn, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("connection of type %T does not expose a file descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("failed to access raw connection: %v", err)
	}

	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return nil, fmt.Errorf("failed to access file descriptor: %v", err)
	}

	return &socketConn{conn: conn, raw: raw, fd: fd, node: node}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConn)
// --------------------------------------------------------------------------

func (c *socketConn) TryRead(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, transport.ErrClosed
	}

	var n int
	var opErr error
	err := c.raw.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), p)
		return true // never wait for readiness, that is the poller's job
	})
	if err != nil {
		return 0, err
	}

	switch {
	case isWouldBlock(opErr):
		return 0, transport.ErrWouldBlock
	case opErr != nil:
		return 0, opErr
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

func (c *socketConn) TryWrite(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, transport.ErrClosed
	}

	var n int
	var opErr error
	err := c.raw.Write(func(fd uintptr) bool {
		n, opErr = unix.SendmsgN(int(fd), p, nil, nil, unix.MSG_NOSIGNAL)
		return true
	})
	if err != nil {
		return 0, err
	}

	if isWouldBlock(opErr) {
		return 0, transport.ErrWouldBlock
	}
	if opErr != nil {
		return 0, opErr
	}
	return n, nil
}

func (c *socketConn) Node() transport.Node {
	return c.node
}

func (c *socketConn) Fd() int {
	return c.fd
}

func (c *socketConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// isWouldBlock reports whether err means the socket was not ready
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
