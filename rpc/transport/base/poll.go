package base

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"golang.org/x/sys/unix"
	"time"
)

// unixPoller implements transport.IPoller with poll(2). The descriptor slice
// is reused between calls, so a poller must not be shared between goroutines.
type unixPoller struct {
	fds []unix.PollFd
}

// NewPoller creates a poller for connections created by this package
func NewPoller() transport.IPoller {
	return &unixPoller{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IPoller)
// --------------------------------------------------------------------------

func (p *unixPoller) Poll(items []transport.PollItem, timeout time.Duration) (int, error) {
	p.fds = p.fds[:0]
	for _, item := range items {
		pc, ok := item.Conn.(transport.IPollable)
		if !ok {
			return 0, fmt.Errorf("connection of type %T cannot be polled", item.Conn)
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(pc.Fd()), Events: toUnixEvents(item.Events)})
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}

	for {
		n, err := unix.Poll(p.fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		for i := range items {
			items[i].REvents = fromUnixEvents(p.fds[i].Revents)
		}
		return n, nil
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func toUnixEvents(ev transport.PollEvents) int16 {
	var res int16
	if ev&transport.PollIn != 0 {
		res |= unix.POLLIN
	}
	if ev&transport.PollOut != 0 {
		res |= unix.POLLOUT
	}
	return res
}

func fromUnixEvents(ev int16) transport.PollEvents {
	var res transport.PollEvents
	if ev&unix.POLLIN != 0 {
		res |= transport.PollIn
	}
	if ev&unix.POLLOUT != 0 {
		res |= transport.PollOut
	}
	if ev&(unix.POLLERR|unix.POLLNVAL) != 0 {
		res |= transport.PollErr
	}
	if ev&unix.POLLHUP != 0 {
		res |= transport.PollHup
	}
	return res
}
