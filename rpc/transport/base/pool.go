package base

import (
	"context"
	"fmt"
	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"net"
	"sync"
	"sync/atomic"
)

var Logger = logger.GetLogger(common.LoggerTransport)

var (
	dialTotal        = metrics.GetOrCreateCounter("dstor_conn_dial_total")
	dialErrorsTotal  = metrics.GetOrCreateCounter("dstor_conn_dial_errors_total")
	invalidatedTotal = metrics.GetOrCreateCounter("dstor_conn_invalidated_total")
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(ctx context.Context, endpoint string, config common.ClientConfig) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// nodePool holds the connections to one node
type nodePool struct {
	node  transport.Node
	mu    sync.Mutex
	idle  []*socketConn
	open  int           // idle + handed out + being dialed
	freed chan struct{} // closed and replaced whenever a slot becomes available
}

// connPool implements transport.IConnPool independent of the transport medium
type connPool struct {
	connector IClientConnector
	config    common.ClientConfig
	nodes     *xsync.MapOf[uint16, *nodePool]
	closed    atomic.Bool
}

// -----------------------------------------------------------
// Pool Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseConnPool creates a new connection pool using the specified connector
func NewBaseConnPool(connector IClientConnector, config common.ClientConfig) transport.IConnPool {
	if config.Transport.MaxConnsPerNode <= 0 {
		config.Transport.MaxConnsPerNode = 1
	}
	return &connPool{
		connector: connector,
		config:    config,
		nodes:     xsync.NewMapOf[uint16, *nodePool](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnPool)
// --------------------------------------------------------------------------

func (p *connPool) Acquire(ctx context.Context, node transport.Node, blocking bool) (transport.IConn, error) {
	if p.closed.Load() {
		return nil, transport.ErrClosed
	}

	np, _ := p.nodes.LoadOrCompute(node.ID, func() *nodePool {
		return &nodePool{node: node, freed: make(chan struct{})}
	})

	for {
		np.mu.Lock()

		// Reuse an idle connection
		if n := len(np.idle); n > 0 {
			conn := np.idle[n-1]
			np.idle = np.idle[:n-1]
			np.mu.Unlock()
			return conn, nil
		}

		// Open a new connection if the limit allows it
		if np.open < p.config.Transport.MaxConnsPerNode {
			np.open++
			np.mu.Unlock()

			conn, err := p.dial(ctx, np)
			if err != nil {
				np.mu.Lock()
				np.open--
				np.signal()
				np.mu.Unlock()
				return nil, err
			}
			return conn, nil
		}

		wake := np.freed
		np.mu.Unlock()

		if !blocking {
			return nil, transport.ErrPoolExhausted
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if p.closed.Load() {
			return nil, transport.ErrClosed
		}
	}
}

func (p *connPool) Release(conn transport.IConn) {
	sc, ok := conn.(*socketConn)
	if !ok || sc.owner == nil {
		_ = conn.Close()
		return
	}

	np := sc.owner
	np.mu.Lock()
	defer np.mu.Unlock()

	if p.closed.Load() {
		_ = sc.Close()
		np.open--
	} else {
		np.idle = append(np.idle, sc)
	}
	np.signal()
}

func (p *connPool) Invalidate(conn transport.IConn) {
	invalidatedTotal.Inc()
	_ = conn.Close()

	sc, ok := conn.(*socketConn)
	if !ok || sc.owner == nil {
		return
	}

	np := sc.owner
	np.mu.Lock()
	np.open--
	np.signal()
	np.mu.Unlock()

	Logger.Debugf("Invalidated connection to %s", np.node)
}

func (p *connPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.nodes.Range(func(_ uint16, np *nodePool) bool {
		np.mu.Lock()
		for _, conn := range np.idle {
			_ = conn.Close()
			np.open--
		}
		np.idle = nil
		np.signal()
		np.mu.Unlock()
		return true
	})
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// dial establishes and upgrades a new connection for np
func (p *connPool) dial(ctx context.Context, np *nodePool) (*socketConn, error) {
	dialTotal.Inc()

	conn, err := p.connector.Connect(ctx, np.node.Endpoint, p.config)
	if err != nil {
		dialErrorsTotal.Inc()
		return nil, fmt.Errorf("failed to connect to %s via %s: %w", np.node, p.connector.GetName(), err)
	}

	if err := p.connector.UpgradeConnection(conn, p.config); err != nil {
		Logger.Warningf("Failed to apply socket options for %s: %v", np.node, err)
	}

	sc, err := newSocketConn(conn, np.node)
	if err != nil {
		_ = conn.Close()
		dialErrorsTotal.Inc()
		return nil, err
	}
	sc.owner = np

	Logger.Debugf("Connected to %s using %s transport", np.node, p.connector.GetName())
	return sc, nil
}

// signal wakes all goroutines waiting for a slot, np.mu must be held
func (np *nodePool) signal() {
	close(np.freed)
	np.freed = make(chan struct{})
}
