package client

import (
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/transport"
)

// RetryFlags select optional behavior of the retry controller
type RetryFlags uint8

const (
	// RetryBuddyFallback allows switching to the healthy buddy of an unhealthy
	// target without consuming retry budget
	RetryBuddyFallback RetryFlags = 1 << iota
	// RetryLoopAgain retries "try again" answers forever without consuming retry budget
	RetryLoopAgain
)

// healthVerdict is the decision of a strategy about the selected target's state
type healthVerdict uint8

const (
	healthProceed healthVerdict = iota // send the request
	healthFail                         // fail the attempt with a communication error
	healthSkip                         // finish successfully without contacting the target
)

// ioStatus is returned by the payload steps of a strategy
type ioStatus uint8

const (
	ioDone    ioStatus = iota // step complete
	ioPending                 // socket would block, wait for readiness
	ioFailed                  // connection is broken, session result is set
	ioAborted                 // stream ended cleanly with an error, session result is set
)

// Strategy parameterizes the generic session state machine for one kind of
// request. It is stateless, all progress lives in the TargetSession.
type Strategy struct {
	// Name is used in logs and metrics
	Name  string
	Flags RetryFlags

	// BuildRequest creates the request header for the selected target
	BuildRequest func(s *TargetSession, flags common.MsgFlags) *common.Message

	// SendData streams the request payload, nil if the request has none
	SendData func(s *TargetSession, conn transport.IConn) ioStatus

	// Response is the expected response type, MsgTUnknown if the response
	// consists of payload only
	Response common.MessageType

	// HandleResponse evaluates the response header and sets the session result
	HandleResponse func(s *TargetSession, resp *common.Message)

	// RecvData consumes the response payload, nil if the response has none
	RecvData func(s *TargetSession, conn transport.IConn) ioStatus

	// TargetHealth decides how to treat the selected target's health, nil
	// uses the default policy (offline or bad targets fail)
	TargetHealth func(s *TargetSession, state common.TargetState) healthVerdict
}

// afterSendHeader returns the state following a completely sent header
func (st *Strategy) afterSendHeader() SessionState {
	if st.SendData != nil {
		return StateSendData
	}
	return st.afterSend()
}

// afterSend returns the state following the request
func (st *Strategy) afterSend() SessionState {
	if st.Response != common.MsgTUnknown {
		return StateRecvHeader
	}
	return StateRecvData
}

// health applies the strategy's health policy
func (st *Strategy) health(s *TargetSession, state common.TargetState) healthVerdict {
	if st.TargetHealth != nil {
		return st.TargetHealth(s, state)
	}
	return defaultTargetHealth(s, state)
}

// defaultTargetHealth fails attempts on offline or bad targets
func defaultTargetHealth(_ *TargetSession, state common.TargetState) healthVerdict {
	if state.Reachability == common.ReachabilityOffline || state.Consistency == common.ConsistencyBad {
		return healthFail
	}
	return healthProceed
}

// requestFlags returns the mirror flags of a request for s
func requestFlags(s *TargetSession) common.MsgFlags {
	var flags common.MsgFlags
	if !s.Mirrored {
		return flags
	}
	flags |= common.MsgFlagBuddyMirror
	if s.UseSecondary {
		flags |= common.MsgFlagBuddyMirrorSecond
	}
	return flags
}
