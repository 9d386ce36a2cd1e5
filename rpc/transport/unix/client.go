package unix

import (
	"context"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"github.com/ValentinKolb/dStor/rpc/transport/base"
	"net"
)

// clientConnector implements the IClientConnector interface for Unix sockets
type clientConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "unix"
}

func (c *clientConnector) Connect(ctx context.Context, endpoint string, config common.ClientConfig) (net.Conn, error) {
	dialer := net.Dialer{Timeout: config.ConnectTimeout()}
	return dialer.DialContext(ctx, "unix", endpoint)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	return upgradeUnixConn(conn, config.Transport.SocketConf)
}

// --------------------------------------------------------------------------
// Connection Pool Factory Method
// --------------------------------------------------------------------------

// NewUnixConnPool creates a new Unix socket connection pool
func NewUnixConnPool(config common.ClientConfig) transport.IConnPool {
	return base.NewBaseConnPool(&clientConnector{}, config)
}
