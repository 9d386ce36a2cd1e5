package client

import (
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger(common.LoggerRPC)
)
