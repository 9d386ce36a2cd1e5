package client

import (
	"github.com/ValentinKolb/dStor/rpc/common"
)

// FsyncStrategy flushes a chunk file. For mirrored files the caller adds one
// session per buddy; a secondary that is offline or bad is skipped.
var FsyncStrategy = &Strategy{
	Name: "fsync",
	BuildRequest: func(s *TargetSession, flags common.MsgFlags) *common.Message {
		return common.NewFsyncLocalFileRequest(s.selectedTargetID, s.FileHandle, flags)
	},
	Response: common.MsgTFsyncLocalFileResp,
	HandleResponse: func(s *TargetSession, resp *common.Message) {
		s.NodeResult = resp.Result
	},
	TargetHealth: fsyncTargetHealth,
}

func fsyncTargetHealth(s *TargetSession, state common.TargetState) healthVerdict {
	if s.Mirrored && s.UseSecondary {
		if state.Reachability == common.ReachabilityOffline || state.Consistency == common.ConsistencyBad {
			return healthSkip
		}
		return healthProceed // a resyncing secondary can still be flushed
	}
	return defaultTargetHealth(s, state)
}
