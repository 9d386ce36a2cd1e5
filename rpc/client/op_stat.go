package client

import (
	"github.com/ValentinKolb/dStor/rpc/common"
)

// StatStorageStrategy queries the capacity of a target
var StatStorageStrategy = &Strategy{
	Name: "stat",
	BuildRequest: func(s *TargetSession, _ common.MsgFlags) *common.Message {
		return common.NewStatStorageRequest(s.selectedTargetID)
	},
	Response: common.MsgTStatStorageResp,
	HandleResponse: func(s *TargetSession, resp *common.Message) {
		s.NodeResult = resp.Result
		if resp.Result >= 0 {
			if resp.Stat == nil {
				s.fail(common.OpsErrProtocol)
				return
			}
			stat := *resp.Stat
			s.Stat = &stat
		}
	},
}
