package server

import (
	"bytes"
	"context"
	"fmt"
	"github.com/ValentinKolb/dStor/lib/cluster"
	"github.com/ValentinKolb/dStor/lib/hdrpool"
	"github.com/ValentinKolb/dStor/rpc/client"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/serializer"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"github.com/ValentinKolb/dStor/rpc/transport/base"
)

// forwarderImpl forwards mirrored writes with the client engine
type forwarderImpl struct {
	registry *cluster.Registry
	ioc      client.IOContext
	headers  *hdrpool.Pool
}

// NewMirrorForwarder creates a forwarder that sends writes to buddy
// secondaries over pool, resolving mirror groups and targets with registry
func NewMirrorForwarder(registry *cluster.Registry, pool transport.IConnPool, serializer serializer.IRPCSerializer, config common.ClientConfig) (IForwarder, error) {
	headers, err := hdrpool.New(hdrpool.Config{
		Size:     common.MsgBufSize,
		Capacity: config.Engine.HeaderBuffers,
		Reserve:  config.Engine.HeaderBufferReserve,
	})
	if err != nil {
		return nil, err
	}

	return &forwarderImpl{
		registry: registry,
		headers:  headers,
		ioc: client.IOContext{
			Pool:       pool,
			Headers:    headers,
			Nodes:      registry,
			States:     registry,
			Mirrors:    registry,
			Serializer: serializer,
			Config:     config.Engine,
		},
	}, nil
}

func (f *forwarderImpl) Forward(ctx context.Context, req *common.Message, data []byte) (bool, error) {
	groupID, ok := f.registry.GroupOfPrimary(req.TargetID)
	if !ok {
		Logger.Debugf("Target %d is not the primary of a mirror group, not forwarding", req.TargetID)
		return false, nil
	}
	secondary, _ := f.registry.SecondaryOf(groupID)
	if state, ok := f.registry.GetCombinedState(secondary); !ok || state.Reachability == common.ReachabilityOffline {
		Logger.Debugf("Secondary %d of mirror group %d is offline, not forwarding", secondary, groupID)
		return false, nil
	}

	session := &client.TargetSession{
		TargetID:     groupID,
		Mirrored:     true,
		UseSecondary: true,
		FileHandle:   req.FileHandle,
		Offset:       req.Offset,
		Length:       int64(len(data)),
		Source:       bytes.NewReader(data),
	}

	// every call needs its own poller
	ioc := f.ioc
	ioc.Poller = base.NewPoller()
	if err := client.Communicate(ctx, []*client.TargetSession{session}, client.WriteStrategy, &ioc); err != nil {
		return false, err
	}
	if err := session.Err(); err != nil {
		return false, fmt.Errorf("mirror group %d: %w", groupID, err)
	}
	if session.NodeResult != int64(len(data)) {
		return false, fmt.Errorf("mirror group %d: short write (%d of %d bytes)", groupID, session.NodeResult, len(data))
	}
	return true, nil
}

func (f *forwarderImpl) Close() error {
	f.headers.Close()
	return f.ioc.Pool.Close()
}
