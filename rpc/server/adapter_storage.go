package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dStor/lib/chunkstore"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/serializer"
	"github.com/ValentinKolb/dStor/rpc/transport/base"
	"io"
	"time"
)

// maxWritePayload bounds the payload of a single write request
const maxWritePayload = 64 * 1024 * 1024

// forwardTimeout bounds the forwarding of one write to the buddy secondary
const forwardTimeout = 30 * time.Second

// NewStorageServerAdapter creates the adapter for chunk file requests.
// forwarder may be nil, writes are then stored on the primary only. busy is
// consulted for every request, if it returns true the request is answered
// with a "try again" control message.
func NewStorageServerAdapter(serializer serializer.IRPCSerializer, forwarder IForwarder, busy func() bool) IRPCServerAdapter {
	if busy == nil {
		busy = func() bool { return false }
	}
	return &storageAdapterImpl{
		serializer: serializer,
		forwarder:  forwarder,
		busy:       busy,
	}
}

type storageAdapterImpl struct {
	serializer serializer.IRPCSerializer
	forwarder  IForwarder
	busy       func() bool
}

func (a *storageAdapterImpl) Handle(req *common.Message, conn io.ReadWriter, target *Target) error {
	// Write payload has to be consumed in any case to keep the connection usable
	var payload []byte
	if req.MsgType == common.MsgTWriteLocalFile {
		if req.Count < 0 || req.Count > maxWritePayload {
			return fmt.Errorf("write payload of %d bytes out of range", req.Count)
		}
		payload = make([]byte, req.Count)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return fmt.Errorf("failed to read write payload: %w", err)
		}
	}

	if target == nil {
		Logger.Warningf("Request %s for unknown target %d", req.MsgType, req.TargetID)
		return a.fail(req, conn, common.OpsErrUnknownTarget)
	}

	if a.busy() {
		tryAgainTotal.Inc()
		if req.MsgType == common.MsgTReadLocalFile {
			return base.WriteStreamEnd(conn, common.OpsErrAgain)
		}
		return a.respond(conn, common.NewGenericResponse(common.CtrlTryAgain, "target busy"))
	}

	switch req.MsgType {
	case common.MsgTReadLocalFile:
		return a.handleRead(req, conn, target)
	case common.MsgTWriteLocalFile:
		return a.handleWrite(req, conn, target, payload)
	case common.MsgTFsyncLocalFile:
		return a.handleFsync(req, conn, target)
	case common.MsgTStatStorage:
		return a.handleStat(req, conn, target)
	default:
		return fmt.Errorf("unsupported message type: %s", req.MsgType)
	}
}

// --------------------------------------------------------------------------
// Request Handlers
// --------------------------------------------------------------------------

// handleRead streams the requested range as data chunks followed by the end marker
func (a *storageAdapterImpl) handleRead(req *common.Message, conn io.ReadWriter, target *Target) error {
	if req.Count < 0 || req.Offset < 0 {
		return a.fail(req, conn, common.OpsErrInval)
	}

	data, err := target.Store.ReadAt(target.ID, req.FileHandle, req.Offset, req.Count)
	if err != nil {
		Logger.Errorf("Failed to read %s from target %d: %v", req.FileHandle, target.ID, err)
		return a.fail(req, conn, storeErrCode(err))
	}

	for len(data) > 0 {
		n := min(len(data), common.MaxDataChunkSize)
		if err := base.WriteDataChunk(conn, data[:n]); err != nil {
			return err
		}
		bytesReadTotal.Add(n)
		data = data[n:]
	}
	requestsCounter(req.MsgType, true).Inc()
	return base.WriteStreamEnd(conn, common.OpsErrSuccess)
}

// handleWrite stores the payload and forwards it to the buddy secondary if requested
func (a *storageAdapterImpl) handleWrite(req *common.Message, conn io.ReadWriter, target *Target, payload []byte) error {
	if req.Offset < 0 {
		return a.fail(req, conn, common.OpsErrInval)
	}

	usage, err := target.Store.Usage(target.ID)
	if err != nil {
		Logger.Errorf("Failed to get usage of target %d: %v", target.ID, err)
		return a.fail(req, conn, storeErrCode(err))
	}
	if usage.Bytes+int64(len(payload)) > target.CapacityBytes {
		return a.fail(req, conn, common.OpsErrNoSpace)
	}

	if err := target.Store.WriteAt(target.ID, req.FileHandle, req.Offset, payload); err != nil {
		Logger.Errorf("Failed to write %s on target %d: %v", req.FileHandle, target.ID, err)
		return a.fail(req, conn, storeErrCode(err))
	}
	bytesWrittenTotal.Add(len(payload))

	if req.Flags.Has(common.MsgFlagBuddyMirrorForward) && a.forwarder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		forwarded, err := a.forwarder.Forward(ctx, req, payload)
		cancel()
		if err != nil {
			forwardErrorTotal.Inc()
			Logger.Warningf("Failed to forward write of %s to the buddy of target %d: %v", req.FileHandle, target.ID, err)
			requestsCounter(req.MsgType, false).Inc()
			return a.respond(conn, common.NewGenericResponse(common.CtrlIndirectCommErr, err.Error()))
		}
		if forwarded {
			forwardsTotal.Inc()
		}
	}

	requestsCounter(req.MsgType, true).Inc()
	return a.respond(conn, common.NewWriteLocalFileResponse(int64(len(payload))))
}

// handleFsync makes the chunk file durable
func (a *storageAdapterImpl) handleFsync(req *common.Message, conn io.ReadWriter, target *Target) error {
	if err := target.Store.Sync(target.ID, req.FileHandle); err != nil {
		Logger.Errorf("Failed to sync %s on target %d: %v", req.FileHandle, target.ID, err)
		return a.fail(req, conn, storeErrCode(err))
	}
	requestsCounter(req.MsgType, true).Inc()
	return a.respond(conn, common.NewFsyncLocalFileResponse(0))
}

// handleStat reports the capacity of the target
func (a *storageAdapterImpl) handleStat(req *common.Message, conn io.ReadWriter, target *Target) error {
	usage, err := target.Store.Usage(target.ID)
	if err != nil {
		Logger.Errorf("Failed to get usage of target %d: %v", target.ID, err)
		return a.fail(req, conn, storeErrCode(err))
	}
	requestsCounter(req.MsgType, true).Inc()
	return a.respond(conn, common.NewStatStorageResponse(0, common.StorageStat{
		TotalBytes:  target.CapacityBytes,
		FreeBytes:   max(target.CapacityBytes-usage.Bytes, 0),
		TotalInodes: target.CapacityFiles,
		FreeInodes:  max(target.CapacityFiles-usage.Files, 0),
	}))
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// respond sends a control message
func (a *storageAdapterImpl) respond(conn io.Writer, msg *common.Message) error {
	data, err := a.serializer.Serialize(*msg)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}
	return base.WriteMsgFrame(conn, data)
}

// fail answers a request with an error code in the response format the client expects
func (a *storageAdapterImpl) fail(req *common.Message, conn io.Writer, code common.OpsErr) error {
	requestsCounter(req.MsgType, false).Inc()
	switch req.MsgType {
	case common.MsgTReadLocalFile:
		return base.WriteStreamEnd(conn, code)
	case common.MsgTWriteLocalFile:
		return a.respond(conn, common.NewWriteLocalFileResponse(code.Result()))
	case common.MsgTFsyncLocalFile:
		return a.respond(conn, common.NewFsyncLocalFileResponse(code.Result()))
	case common.MsgTStatStorage:
		return a.respond(conn, &common.Message{MsgType: common.MsgTStatStorageResp, Result: code.Result()})
	default:
		return fmt.Errorf("unsupported message type: %s", req.MsgType)
	}
}

// storeErrCode maps chunk store errors to operation error codes
func storeErrCode(err error) common.OpsErr {
	if errors.Is(err, chunkstore.ErrInvalidRange) {
		return common.OpsErrInval
	}
	return common.OpsErrIO
}
