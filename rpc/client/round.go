package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dStor/lib/hdrpool"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"time"
)

// RoundStats are the counters of a round after its per-session pass
type RoundStats struct {
	Round                  int
	NumSessions            int
	NumDone                int
	NumRetryWaiters        int
	NumAcquiredConnections int
	NumUnconnectable       int
	NumBufferless          int
	NumPollSockets         int
	CurrentRetryNum        int
}

// accounted returns the number of sessions the pass accounted for
func (r RoundStats) accounted() int {
	return r.NumRetryWaiters + r.NumDone + r.NumUnconnectable + r.NumBufferless + r.NumPollSockets
}

// roundContext is the state shared by all sessions of one Communicate call
type roundContext struct {
	RoundStats
	maxRetries int

	connectFailureLogged bool
	pollTimedOut         bool
	pollTimeoutLogged    bool

	items  []transport.PollItem
	polled []*TargetSession
}

// beginRound resets the per-round counters
func (rc *roundContext) beginRound() {
	rc.Round++
	rc.NumDone = 0
	rc.NumRetryWaiters = 0
	rc.NumUnconnectable = 0
	rc.NumBufferless = 0
	rc.NumPollSockets = 0
	rc.items = rc.items[:0]
	rc.polled = rc.polled[:0]
}

// driver advances the sessions of one Communicate call
type driver struct {
	ctx context.Context
	ioc *IOContext
	st  *Strategy
	rc  *roundContext
}

// gateResult is the outcome of the readiness check before socket I/O
type gateResult uint8

const (
	gateReady  gateResult = iota // do the I/O
	gateWait                     // registered for readiness, wait for the next round
	gateFailed                   // moved to socket invalidation
)

// --------------------------------------------------------------------------
// Round Driver
// --------------------------------------------------------------------------

// Communicate runs one logical operation: it drives all sessions with the
// given strategy until every session is done. Each round advances every
// session as far as possible without blocking and then waits for socket
// readiness with a single poll over all sessions. Per-target results are
// read from the sessions afterwards, the returned error only reports an
// unusable I/O context.
func Communicate(ctx context.Context, sessions []*TargetSession, strategy *Strategy, ioc *IOContext) error {
	if err := ioc.validate(); err != nil {
		return err
	}
	if strategy == nil || strategy.BuildRequest == nil {
		return fmt.Errorf("strategy without request builder")
	}
	if strategy.Response != common.MsgTUnknown && strategy.HandleResponse == nil {
		return fmt.Errorf("strategy %s expects a response but has no handler", strategy.Name)
	}

	d := &driver{
		ctx: ctx,
		ioc: ioc,
		st:  strategy,
		rc: &roundContext{
			RoundStats: RoundStats{NumSessions: len(sessions)},
			maxRetries: ioc.Config.MaxRetries,
		},
	}

	for {
		d.rc.beginRound()
		roundsTotal.Inc()

		for _, s := range sessions {
			d.advance(s)
		}
		d.rc.pollTimedOut = false

		if d.rc.accounted() > d.rc.NumSessions {
			invariantViolationsTotal.Inc()
			Logger.Errorf("Round %d accounted for %d of %d sessions", d.rc.Round, d.rc.accounted(), d.rc.NumSessions)
		}
		if d.ioc.onRound != nil {
			d.ioc.onRound(d.rc.RoundStats)
		}

		if d.rc.NumDone == d.rc.NumSessions {
			break
		}

		switch {
		case len(d.rc.items) > 0:
			d.poll()
		case d.rc.NumRetryWaiters > 0 && d.rc.NumRetryWaiters+d.rc.NumDone == d.rc.NumSessions:
			d.handleRetries(sessions)
		}
	}

	for _, s := range sessions {
		sessionsCounter(strategy.Name, s.NodeResult >= 0).Inc()
		if s.NodeResult > 0 && (strategy.SendData != nil || strategy.RecvData != nil) {
			bytesCounter(strategy.Name).Add(int(s.NodeResult))
		}
	}
	return nil
}

// advance runs the state machine of s until it has to wait or is parked
func (d *driver) advance(s *TargetSession) {
	for {
		var park bool
		switch s.state {
		case StatePrepare:
			park = d.prepare(s)
		case StateSendHeader:
			park = d.sendHeader(s)
		case StateSendData:
			park = d.transfer(s, transport.PollOut, d.st.SendData)
		case StateRecvHeader:
			park = d.recvHeader(s)
		case StateRecvData:
			park = d.transfer(s, transport.PollIn, d.st.RecvData)
		case StateSocketInvalidate:
			d.invalidate(s)
		case StateCleanup:
			d.cleanup(s)
		case StateRetryWait:
			d.rc.NumRetryWaiters++
			return
		case StateDone:
			d.rc.NumDone++
			return
		default:
			panic(fmt.Sprintf("session %s in invalid state %d", s, s.state))
		}
		if park {
			return
		}
	}
}

// poll waits for readiness of all registered sessions
func (d *driver) poll() {
	timeout := d.ioc.Config.PollTimeout()
	if d.rc.NumBufferless+d.rc.NumUnconnectable > 0 {
		timeout = 0 // other sessions can make progress right away
	}

	n, err := d.ioc.Poller.Poll(d.rc.items, timeout)
	pollsTotal.Inc()

	if err != nil || (n == 0 && timeout > 0) {
		d.rc.pollTimedOut = true
		pollTimeoutsTotal.Inc()
		if !d.rc.pollTimeoutLogged {
			d.rc.pollTimeoutLogged = true
			if err != nil {
				Logger.Warningf("Readiness wait for %d sockets failed: %v", len(d.rc.items), err)
			} else {
				Logger.Warningf("Readiness wait for %d sockets timed out after %s", len(d.rc.items), timeout)
			}
		}
	}

	for i, s := range d.rc.polled {
		s.polled = true
		s.revents = 0
		if err == nil {
			s.revents = d.rc.items[i].REvents
		}
	}
}

// --------------------------------------------------------------------------
// State Handlers (return true if the session is parked for this round)
// --------------------------------------------------------------------------

// prepare selects the target, acquires a header buffer, builds the request
// and acquires a connection
func (d *driver) prepare(s *TargetSession) bool {
	s.resetAttempt()

	if d.ctx.Err() != nil {
		s.fail(common.OpsErrInterrupted)
		s.state = StateCleanup
		return false
	}

	// Resolve the concrete target
	selected, ok := d.selectTarget(s)
	if !ok {
		Logger.Errorf("Unknown mirror group %d", s.TargetID)
		s.fail(common.OpsErrUnknownTarget)
		s.state = StateCleanup
		return false
	}
	s.selectedTargetID = selected

	// Check target health
	state, ok := d.ioc.States.GetCombinedState(selected)
	if !ok {
		Logger.Errorf("No state known for target %d", selected)
		s.fail(common.OpsErrUnknownTarget)
		s.state = StateCleanup
		return false
	}
	switch d.st.health(s, state) {
	case healthFail:
		Logger.Debugf("Not contacting %s, target state is %s", s, state)
		s.fail(common.OpsErrCommunication)
		s.state = StateCleanup
		return false
	case healthSkip:
		Logger.Debugf("Skipping %s, target state is %s", s, state)
		s.NodeResult = 0
		s.state = StateCleanup
		return false
	}

	// Acquire a header buffer, only wait if this operation holds no connection
	if s.hdr == nil {
		buf, err := d.ioc.Headers.Acquire(d.ctx, d.rc.NumAcquiredConnections == 0)
		switch {
		case errors.Is(err, hdrpool.ErrExhausted):
			d.rc.NumBufferless++
			return true
		case err != nil && d.ctx.Err() != nil:
			s.fail(common.OpsErrInterrupted)
			s.state = StateCleanup
			return false
		case err != nil:
			Logger.Errorf("Failed to acquire header buffer for %s: %v", s, err)
			s.fail(common.OpsErrInternal)
			s.state = StateCleanup
			return false
		}
		s.hdr = buf
	}

	// Resolve the node
	node, err := d.ioc.Nodes.ResolveByTarget(selected)
	if err != nil {
		Logger.Errorf("Failed to resolve node of %s: %v", s, err)
		s.fail(common.OpsErrUnknownNode)
		s.state = StateCleanup
		return false
	}
	s.node = node

	// Build the request frame
	msg := d.st.BuildRequest(s, requestFlags(s))
	buf := s.hdr.Bytes()
	n, err := d.ioc.Serializer.SerializeTo(*msg, buf[common.MsgLengthPrefixSize:])
	if err != nil {
		Logger.Errorf("Failed to serialize %s request for %s: %v", d.st.Name, s, err)
		s.fail(common.OpsErrProtocol)
		s.state = StateCleanup
		return false
	}
	binary.BigEndian.PutUint32(buf[:common.MsgLengthPrefixSize], uint32(n))
	s.hdrLen = common.MsgLengthPrefixSize + n

	// Acquire a connection, only wait if this operation holds no other connection
	conn, err := d.ioc.Pool.Acquire(d.ctx, node, d.rc.NumAcquiredConnections == 0)
	switch {
	case errors.Is(err, transport.ErrPoolExhausted):
		d.releaseHeader(s)
		d.rc.NumUnconnectable++
		return true
	case err != nil && d.ctx.Err() != nil:
		s.fail(common.OpsErrInterrupted)
		s.state = StateCleanup
		return false
	case err != nil:
		if !d.rc.connectFailureLogged {
			d.rc.connectFailureLogged = true
			Logger.Warningf("Failed to connect to %s for %s: %v", node, s, err)
		}
		s.fail(common.OpsErrCommunication)
		s.state = StateCleanup
		return false
	}
	s.conn = conn
	d.rc.NumAcquiredConnections++

	s.state = StateSendHeader
	return false
}

// sendHeader writes the request frame
func (d *driver) sendHeader(s *TargetSession) bool {
	switch d.gate(s, transport.PollOut, s.needsGate) {
	case gateWait:
		return true
	case gateFailed:
		return false
	}

	buf := s.hdr.Bytes()
	for s.hdrPos < s.hdrLen {
		n, err := s.conn.TryWrite(buf[s.hdrPos:s.hdrLen])
		s.hdrPos += n
		if errors.Is(err, transport.ErrWouldBlock) {
			s.needsGate = true
			d.register(s, transport.PollOut)
			return true
		}
		if err != nil {
			Logger.Debugf("Failed to send header to %s: %v", s.node, err)
			s.fail(common.OpsErrCommunication)
			s.state = StateSocketInvalidate
			return false
		}
	}

	s.hdrPos = 0
	s.needsGate = false
	s.state = d.st.afterSendHeader()
	return false
}

// transfer runs a payload step of the strategy
func (d *driver) transfer(s *TargetSession, events transport.PollEvents, step func(*TargetSession, transport.IConn) ioStatus) bool {
	switch d.gate(s, events, true) {
	case gateWait:
		return true
	case gateFailed:
		return false
	}

	switch step(s, s.conn) {
	case ioPending:
		d.register(s, events)
		return true
	case ioFailed:
		s.state = StateSocketInvalidate
	case ioAborted:
		s.state = StateCleanup
	default:
		if s.state == StateSendData {
			s.state = d.st.afterSend()
		} else {
			s.state = StateCleanup
		}
	}
	return false
}

// recvHeader reads the length prefixed response message and hands it to the strategy
func (d *driver) recvHeader(s *TargetSession) bool {
	switch d.gate(s, transport.PollIn, true) {
	case gateWait:
		return true
	case gateFailed:
		return false
	}

	buf := s.hdr.Bytes()
	for {
		want := common.MsgLengthPrefixSize
		if s.hdrPos >= common.MsgLengthPrefixSize {
			msgLen := int64(binary.BigEndian.Uint32(buf[:common.MsgLengthPrefixSize]))
			if msgLen > int64(len(buf)-common.MsgLengthPrefixSize) {
				Logger.Errorf("Peer of %s announced oversized message of %d bytes", s, msgLen)
				s.fail(common.OpsErrProtocol)
				s.state = StateSocketInvalidate
				return false
			}
			want += int(msgLen)
			if s.hdrPos == want {
				break
			}
		}

		n, err := s.conn.TryRead(buf[s.hdrPos:want])
		s.hdrPos += n
		if errors.Is(err, transport.ErrWouldBlock) {
			d.register(s, transport.PollIn)
			return true
		}
		if err != nil {
			Logger.Debugf("Failed to receive response from %s: %v", s.node, err)
			s.fail(common.OpsErrCommunication)
			s.state = StateSocketInvalidate
			return false
		}
	}

	var resp common.Message
	if err := d.ioc.Serializer.Deserialize(buf[common.MsgLengthPrefixSize:s.hdrPos], &resp); err != nil {
		Logger.Errorf("Malformed response from peer of %s: %v", s, err)
		s.fail(common.OpsErrProtocol)
		s.state = StateSocketInvalidate
		return false
	}

	switch {
	case resp.MsgType == common.MsgTGenericResponse:
		handleGenericResponse(s, &resp)
		s.state = StateCleanup
		return false
	case resp.MsgType != d.st.Response:
		Logger.Errorf("Unexpected response %s from peer of %s, expected %s", resp.MsgType, s, d.st.Response)
		s.fail(common.OpsErrProtocol)
		s.state = StateSocketInvalidate
		return false
	}

	d.st.HandleResponse(s, &resp)
	if s.NodeResult >= 0 && d.st.RecvData != nil {
		s.state = StateRecvData
	} else {
		s.state = StateCleanup
	}
	return false
}

// invalidate classifies the failure and removes the connection from the pool
func (d *driver) invalidate(s *TargetSession) {
	switch {
	case d.ctx.Err() != nil:
		s.fail(common.OpsErrInterrupted)
	case s.failed() == common.OpsErrSuccess:
		s.fail(common.OpsErrCommunication)
	}

	if s.conn != nil {
		d.ioc.Pool.Invalidate(s.conn)
		s.conn = nil
		d.rc.NumAcquiredConnections--
	}
	s.state = StateCleanup
}

// cleanup releases the resources of an attempt and decides whether it is retried
func (d *driver) cleanup(s *TargetSession) {
	if s.conn != nil {
		d.ioc.Pool.Release(s.conn)
		s.conn = nil
		d.rc.NumAcquiredConnections--
	}
	d.releaseHeader(s)

	code := s.failed()
	if code.Retryable() && d.ctx.Err() != nil {
		code = common.OpsErrInterrupted
		s.fail(code)
	}

	if code.Retryable() {
		s.state = StateRetryWait
		return
	}
	if code != common.OpsErrSuccess && code != common.OpsErrInterrupted {
		Logger.Debugf("%s request for %s failed: %s", d.st.Name, s, code)
	}
	s.state = StateDone
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// gate checks cancellation, node liveness, injected faults and the round's
// poll result before socket I/O. If readiness is required, the session must
// have been reported ready by the last poll, otherwise it registers for events.
func (d *driver) gate(s *TargetSession, events transport.PollEvents, needReadiness bool) gateResult {
	polled, revents := s.polled, s.revents
	s.polled, s.revents = false, 0

	switch {
	case d.ctx.Err() != nil:
		s.fail(common.OpsErrInterrupted)
	case !d.ioc.Nodes.IsActive(s.node.ID):
		Logger.Debugf("Node %s of %s is no longer active", s.node, s)
		s.fail(common.OpsErrCommunication)
	case d.ioc.FaultInjector != nil && d.ioc.FaultInjector(s, s.state):
		s.fail(common.OpsErrCommTimedOut)
	case polled && d.rc.pollTimedOut:
		s.fail(common.OpsErrCommTimedOut)
	case !needReadiness:
		return gateReady
	case polled && revents&(events|transport.PollErr|transport.PollHup) != 0:
		return gateReady
	default:
		d.register(s, events)
		return gateWait
	}

	s.state = StateSocketInvalidate
	return gateFailed
}

// register adds the session's connection to the next poll
func (d *driver) register(s *TargetSession, events transport.PollEvents) {
	d.rc.items = append(d.rc.items, transport.PollItem{Conn: s.conn, Events: events})
	d.rc.polled = append(d.rc.polled, s)
	d.rc.NumPollSockets++
}

// releaseHeader returns the session's header buffer
func (d *driver) releaseHeader(s *TargetSession) {
	if s.hdr != nil {
		d.ioc.Headers.Release(s.hdr)
		s.hdr = nil
	}
}

// selectTarget resolves the concrete target of s
func (d *driver) selectTarget(s *TargetSession) (uint16, bool) {
	if !s.Mirrored {
		return s.TargetID, true
	}
	if d.ioc.Mirrors == nil {
		return 0, false
	}
	if s.UseSecondary {
		return d.ioc.Mirrors.SecondaryOf(s.TargetID)
	}
	return d.ioc.Mirrors.PrimaryOf(s.TargetID)
}

// validate checks the I/O context and fills in defaults
func (ioc *IOContext) validate() error {
	switch {
	case ioc == nil:
		return fmt.Errorf("missing I/O context")
	case ioc.Pool == nil:
		return fmt.Errorf("missing connection pool")
	case ioc.Poller == nil:
		return fmt.Errorf("missing poller")
	case ioc.Headers == nil:
		return fmt.Errorf("missing header buffer pool")
	case ioc.Nodes == nil:
		return fmt.Errorf("missing node directory")
	case ioc.States == nil:
		return fmt.Errorf("missing target states")
	case ioc.Serializer == nil:
		return fmt.Errorf("missing serializer")
	}
	if err := ioc.Config.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if ioc.sleep == nil {
		ioc.sleep = sleepCtx
	}
	return nil
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
