package client

import (
	"fmt"
	"github.com/ValentinKolb/dStor/lib/hdrpool"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"io"
)

// SessionState is the state of a TargetSession
type SessionState uint8

const (
	StatePrepare SessionState = iota
	StateSendHeader
	StateSendData
	StateRecvHeader
	StateRecvData
	StateSocketInvalidate
	StateCleanup
	StateRetryWait
	StateDone
)

var sessionStateNames = map[SessionState]string{
	StatePrepare:          "prepare",
	StateSendHeader:       "send-header",
	StateSendData:         "send-data",
	StateRecvHeader:       "recv-header",
	StateRecvData:         "recv-data",
	StateSocketInvalidate: "socket-invalidate",
	StateCleanup:          "cleanup",
	StateRetryWait:        "retry-wait",
	StateDone:             "done",
}

func (s SessionState) String() string {
	if name, ok := sessionStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// logFlags remember which recurring warnings a session already logged
type logFlags uint8

const (
	loggedTryAgain logFlags = 1 << iota
	loggedIndirectCommErr
	loggedUnknownControl
	loggedShortWrite
)

// TargetSession is the request of one logical operation to one storage
// target. The caller fills in the request fields, hands the sessions to
// Communicate and reads NodeResult (and Stat) once it returned.
//
// A zero session starts in StatePrepare. Sessions must not be shared between
// concurrent calls.
type TargetSession struct {
	// TargetID is the storage target, or the mirror group if Mirrored is set
	TargetID uint16
	// Mirrored marks TargetID as a buddy mirror group
	Mirrored bool
	// UseSecondary selects the secondary of the mirror group. The retry
	// controller may flip it for strategies that allow buddy fallback.
	UseSecondary bool

	FileHandle string
	Offset     int64
	Length     int64

	// Source provides write payload (positions 0..Length), Sink receives read
	// payload (positions 0..Length). Use io.NewSectionReader / io.NewOffsetWriter
	// to map them into larger buffers.
	Source io.ReaderAt
	Sink   io.WriterAt

	// NodeResult is the final result: bytes transferred (or 0) on success,
	// a negated common.OpsErr on failure
	NodeResult int64
	// Stat is set by a successful StatStorage
	Stat *common.StorageStat

	state            SessionState
	selectedTargetID uint16
	node             transport.Node
	hdr              *hdrpool.Buffer
	conn             transport.IConn

	// header send / receive progress inside hdr
	hdrLen int
	hdrPos int

	// payload progress
	transferred int64
	xfer        []byte
	xferPos     int
	xferLen     int
	chunkLeft   int64
	prefix      [common.DataLengthPrefixSize]byte
	prefixPos   int

	// readiness from the last poll
	needsGate bool
	polled    bool
	revents   transport.PollEvents

	logged logFlags
}

// State returns the current state of the session
func (s *TargetSession) State() SessionState {
	return s.state
}

// SelectedTargetID returns the concrete target contacted by the last attempt
func (s *TargetSession) SelectedTargetID() uint16 {
	return s.selectedTargetID
}

// Err returns the error of a finished session, nil on success
func (s *TargetSession) Err() error {
	return common.ResultError(s.NodeResult)
}

func (s *TargetSession) String() string {
	if s.Mirrored {
		return fmt.Sprintf("mirror group %d (target %d, secondary: %t)", s.TargetID, s.selectedTargetID, s.UseSecondary)
	}
	return fmt.Sprintf("target %d", s.TargetID)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// fail records code as the session result
func (s *TargetSession) fail(code common.OpsErr) {
	s.NodeResult = code.Result()
}

// failed returns the error code of the session, OpsErrSuccess if none
func (s *TargetSession) failed() common.OpsErr {
	return common.OpsErrFromResult(s.NodeResult)
}

// resetAttempt clears the progress of a previous attempt
func (s *TargetSession) resetAttempt() {
	s.NodeResult = 0
	s.Stat = nil
	s.hdrLen, s.hdrPos = 0, 0
	s.transferred = 0
	s.xferPos, s.xferLen = 0, 0
	s.chunkLeft = 0
	s.prefixPos = 0
	s.needsGate = false
	s.polled = false
	s.revents = 0
}

// logOnce reports whether flag was not logged before and marks it as logged
func (s *TargetSession) logOnce(flag logFlags) bool {
	if s.logged&flag != 0 {
		return false
	}
	s.logged |= flag
	return true
}
