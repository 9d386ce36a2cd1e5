package tcp

import (
	"context"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"github.com/ValentinKolb/dStor/rpc/transport/base"
	"net"
)

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(ctx context.Context, endpoint string, config common.ClientConfig) (net.Conn, error) {
	dialer := net.Dialer{Timeout: config.ConnectTimeout()}
	return dialer.DialContext(ctx, "tcp", endpoint)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	return upgradeTCPConn(conn, config.Transport.SocketConf, config.Transport.TCPConf)
}

// --------------------------------------------------------------------------
// Connection Pool Factory Method
// --------------------------------------------------------------------------

// NewTCPConnPool creates a new TCP connection pool
func NewTCPConnPool(config common.ClientConfig) transport.IConnPool {
	return base.NewBaseConnPool(&clientConnector{}, config)
}
