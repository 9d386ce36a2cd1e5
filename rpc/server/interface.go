package server

import (
	"context"
	"github.com/ValentinKolb/dStor/lib/chunkstore"
	"github.com/ValentinKolb/dStor/rpc/common"
	"io"
)

// Target is one storage target served by this node
type Target struct {
	ID            uint16
	Store         chunkstore.IChunkStore
	CapacityBytes int64
	CapacityFiles int64
}

// IRPCServerAdapter handles the requests addressed to a target. Unlike a
// plain request/response handler it works on the connection itself, since
// write payload follows the request header and read data is streamed
// instead of a response header. A returned error closes the connection.
type IRPCServerAdapter interface {
	Handle(req *common.Message, conn io.ReadWriter, target *Target) error
}

// IForwarder sends a write received by the primary of a mirror group to the
// group's secondary
type IForwarder interface {
	// Forward writes data to the secondary of the group whose primary is
	// req.TargetID. It returns false if the target has no usable buddy.
	Forward(ctx context.Context, req *common.Message, data []byte) (forwarded bool, err error)
	Close() error
}
