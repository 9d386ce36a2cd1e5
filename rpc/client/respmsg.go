package client

import (
	"github.com/ValentinKolb/dStor/rpc/common"
)

// handleGenericResponse maps a control message sent instead of the expected
// response to a session error. Every condition is logged once per session.
func handleGenericResponse(s *TargetSession, resp *common.Message) {
	switch resp.Control {
	case common.CtrlTryAgain:
		if s.logOnce(loggedTryAgain) {
			Logger.Warningf("Peer asked to retry request to %s: %s", s, resp.Err)
		}
		s.fail(common.OpsErrAgain)

	case common.CtrlIndirectCommErr:
		if s.logOnce(loggedIndirectCommErr) {
			Logger.Warningf("Peer of %s reported an indirect communication error: %s", s, resp.Err)
		}
		s.fail(common.OpsErrCommunication)

	default:
		if s.logOnce(loggedUnknownControl) {
			Logger.Errorf("Peer of %s sent unknown control code %d: %s", s, resp.Control, resp.Err)
		}
		s.fail(common.OpsErrProtocol)
	}
}
