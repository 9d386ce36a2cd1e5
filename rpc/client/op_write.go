package client

import (
	"github.com/ValentinKolb/dStor/rpc/common"
)

// WriteStrategy writes Length bytes from the session's source at Offset.
// Writes to the primary of a mirror group ask the primary to forward the data
// to its secondary. Busy peers are retried forever.
var WriteStrategy = &Strategy{
	Name:  "write",
	Flags: RetryLoopAgain,
	BuildRequest: func(s *TargetSession, flags common.MsgFlags) *common.Message {
		if s.Mirrored && !s.UseSecondary {
			flags |= common.MsgFlagBuddyMirrorForward
		}
		return common.NewWriteLocalFileRequest(s.selectedTargetID, s.FileHandle, s.Offset, s.Length, flags)
	},
	SendData:       sendPayload,
	Response:       common.MsgTWriteLocalFileResp,
	HandleResponse: handleWriteResponse,
}

func handleWriteResponse(s *TargetSession, resp *common.Message) {
	switch {
	case resp.Result < 0:
		s.NodeResult = resp.Result
	case resp.Result > s.Length:
		Logger.Errorf("Peer of %s confirmed %d bytes, only %d were sent", s, resp.Result, s.Length)
		s.fail(common.OpsErrProtocol)
	default:
		if resp.Result < s.Length && s.logOnce(loggedShortWrite) {
			Logger.Warningf("Short write to %s: %d of %d bytes", s, resp.Result, s.Length)
		}
		s.NodeResult = resp.Result
	}
}
