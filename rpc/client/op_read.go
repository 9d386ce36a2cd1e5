package client

import (
	"github.com/ValentinKolb/dStor/rpc/common"
)

// ReadStrategy reads Length bytes at Offset into the session's sink. The
// response is a data stream without header. Unhealthy mirror targets fall
// back to their buddy.
var ReadStrategy = &Strategy{
	Name:  "read",
	Flags: RetryBuddyFallback,
	BuildRequest: func(s *TargetSession, flags common.MsgFlags) *common.Message {
		return common.NewReadLocalFileRequest(s.selectedTargetID, s.FileHandle, s.Offset, s.Length, flags)
	},
	Response:     common.MsgTUnknown,
	RecvData:     recvStream,
	TargetHealth: readTargetHealth,
}

// readTargetHealth avoids reading from mirror targets that are not in sync
func readTargetHealth(s *TargetSession, state common.TargetState) healthVerdict {
	if s.Mirrored && state.Consistency != common.ConsistencyGood {
		return healthFail
	}
	return defaultTargetHealth(s, state)
}
