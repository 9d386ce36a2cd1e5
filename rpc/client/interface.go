package client

import (
	"context"
	"github.com/ValentinKolb/dStor/lib/hdrpool"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/serializer"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"time"
)

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// INodeDirectory resolves storage targets to the nodes hosting them
type INodeDirectory interface {
	// ResolveByTarget returns the node of a target or an error if either is unknown
	ResolveByTarget(targetID uint16) (transport.Node, error)
	// IsActive reports whether the node is still considered alive
	IsActive(nodeID uint16) bool
}

// ITargetStates provides the externally reported health of storage targets
type ITargetStates interface {
	// GetCombinedState returns reachability and consistency of a target, false if unknown
	GetCombinedState(targetID uint16) (common.TargetState, bool)
}

// IMirrorBuddies maps buddy mirror groups to their member targets
type IMirrorBuddies interface {
	PrimaryOf(groupID uint16) (uint16, bool)
	SecondaryOf(groupID uint16) (uint16, bool)
}

// IHeaderPool provides fixed size header buffers (see hdrpool.Pool)
type IHeaderPool interface {
	Acquire(ctx context.Context, blocking bool) (*hdrpool.Buffer, error)
	Release(buf *hdrpool.Buffer)
}

// --------------------------------------------------------------------------
// I/O Context
// --------------------------------------------------------------------------

// IOContext bundles everything one call of Communicate needs besides the
// sessions and the strategy. Pool, header pool and the cluster views may be
// shared between concurrent calls, the poller must not.
type IOContext struct {
	Pool       transport.IConnPool
	Poller     transport.IPoller
	Headers    IHeaderPool
	Nodes      INodeDirectory
	States     ITargetStates
	Mirrors    IMirrorBuddies
	Serializer serializer.IRPCSerializer
	Config     common.EngineConfig

	// FaultInjector is consulted before every socket I/O step. Returning true
	// makes the step fail as if the connection timed out.
	FaultInjector func(s *TargetSession, state SessionState) bool

	// test hooks
	sleep   func(ctx context.Context, d time.Duration) error
	onRound func(stats RoundStats)
}
