package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dStor/lib/hdrpool"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/serializer"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"io"
)

// ICluster is the complete client side view of the storage cluster
type ICluster interface {
	INodeDirectory
	ITargetStates
	IMirrorBuddies
}

// StorageClient performs file I/O on striped files. It splits requests into
// per chunk sessions and runs them with Communicate. It is safe for
// concurrent use, every call runs its own rounds.
type StorageClient struct {
	config     common.ClientConfig
	pool       transport.IConnPool
	headers    *hdrpool.Pool
	cluster    ICluster
	serializer serializer.IRPCSerializer
	newPoller  func() transport.IPoller
}

// NewStorageClient creates a client. The connection pool is owned by the
// client afterwards and closed by Close.
func NewStorageClient(config common.ClientConfig, pool transport.IConnPool, newPoller func() transport.IPoller, cluster ICluster, serializer serializer.IRPCSerializer) (*StorageClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	headers, err := hdrpool.New(hdrpool.Config{
		Size:     common.MsgBufSize,
		Capacity: config.Engine.HeaderBuffers,
		Reserve:  config.Engine.HeaderBufferReserve,
	})
	if err != nil {
		return nil, err
	}

	return &StorageClient{
		config:     config,
		pool:       pool,
		headers:    headers,
		cluster:    cluster,
		serializer: serializer,
		newPoller:  newPoller,
	}, nil
}

// --------------------------------------------------------------------------
// File Operations
// --------------------------------------------------------------------------

// Write writes data at offset of a striped file and returns the number of bytes written
func (c *StorageClient) Write(ctx context.Context, fileHandle string, stripe Stripe, offset int64, data []byte) (int64, error) {
	if err := stripe.Validate(); err != nil {
		return 0, err
	}
	if err := stripe.CheckOffset(offset); err != nil {
		return 0, err
	}

	extents := stripe.Split(offset, int64(len(data)))
	sessions := make([]*TargetSession, len(extents))
	for i, e := range extents {
		sessions[i] = c.newSession(fileHandle, stripe, e)
		sessions[i].Source = io.NewSectionReader(bytes.NewReader(data), e.BufOffset, e.Length)
	}

	if err := Communicate(ctx, sessions, WriteStrategy, c.ioContext()); err != nil {
		return 0, err
	}
	return sumResults("write", sessions, extents)
}

// Read reads into buf from offset of a striped file and returns the number
// of bytes read. Reading stops at the first chunk that returned less data
// than requested (end of file).
func (c *StorageClient) Read(ctx context.Context, fileHandle string, stripe Stripe, offset int64, buf []byte) (int64, error) {
	if err := stripe.Validate(); err != nil {
		return 0, err
	}
	if err := stripe.CheckOffset(offset); err != nil {
		return 0, err
	}

	extents := stripe.Split(offset, int64(len(buf)))
	sessions := make([]*TargetSession, len(extents))
	for i, e := range extents {
		sessions[i] = c.newSession(fileHandle, stripe, e)
		sessions[i].Sink = io.NewOffsetWriter(bytesWriterAt(buf), e.BufOffset)
	}

	if err := Communicate(ctx, sessions, ReadStrategy, c.ioContext()); err != nil {
		return 0, err
	}
	return sumResults("read", sessions, extents)
}

// Fsync flushes the chunk files of a striped file on all its targets. For
// mirrored files both buddies are flushed.
func (c *StorageClient) Fsync(ctx context.Context, fileHandle string, stripe Stripe) error {
	if err := stripe.Validate(); err != nil {
		return err
	}

	var sessions []*TargetSession
	for _, t := range stripe.UniqueTargets() {
		sessions = append(sessions, &TargetSession{TargetID: t, Mirrored: stripe.Mirrored, FileHandle: fileHandle})
		if stripe.Mirrored {
			sessions = append(sessions, &TargetSession{TargetID: t, Mirrored: true, UseSecondary: true, FileHandle: fileHandle})
		}
	}

	if err := Communicate(ctx, sessions, FsyncStrategy, c.ioContext()); err != nil {
		return err
	}
	return joinErrors("fsync", sessions)
}

// StatStorage queries the capacity of targets. It returns the numbers of all
// targets that answered and an error for those that did not.
func (c *StorageClient) StatStorage(ctx context.Context, targets []uint16) (map[uint16]common.StorageStat, error) {
	sessions := make([]*TargetSession, len(targets))
	for i, t := range targets {
		sessions[i] = &TargetSession{TargetID: t}
	}

	if err := Communicate(ctx, sessions, StatStorageStrategy, c.ioContext()); err != nil {
		return nil, err
	}

	res := make(map[uint16]common.StorageStat, len(targets))
	for _, s := range sessions {
		if s.NodeResult >= 0 && s.Stat != nil {
			res[s.TargetID] = *s.Stat
		}
	}
	return res, joinErrors("stat", sessions)
}

// Close releases the header buffers and closes the connection pool
func (c *StorageClient) Close() error {
	c.headers.Close()
	return c.pool.Close()
}

// HeaderStats returns the usage of the header buffer pool
func (c *StorageClient) HeaderStats() hdrpool.Stats {
	return c.headers.Stats()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// ioContext creates the I/O context of one call
func (c *StorageClient) ioContext() *IOContext {
	return &IOContext{
		Pool:       c.pool,
		Poller:     c.newPoller(),
		Headers:    c.headers,
		Nodes:      c.cluster,
		States:     c.cluster,
		Mirrors:    c.cluster,
		Serializer: c.serializer,
		Config:     c.config.Engine,
	}
}

func (c *StorageClient) newSession(fileHandle string, stripe Stripe, e Extent) *TargetSession {
	return &TargetSession{
		TargetID:   e.Target,
		Mirrored:   stripe.Mirrored,
		FileHandle: fileHandle,
		Offset:     e.ChunkOffset,
		Length:     e.Length,
	}
}

// sumResults adds up the transferred bytes in file order, stopping at the first short extent
func sumResults(op string, sessions []*TargetSession, extents []Extent) (int64, error) {
	var total int64
	for i, s := range sessions {
		if s.NodeResult < 0 {
			return total, fmt.Errorf("%s on %s failed: %w", op, s, s.Err())
		}
		total += s.NodeResult
		if s.NodeResult < extents[i].Length {
			break
		}
	}
	return total, nil
}

// joinErrors collects the errors of all failed sessions
func joinErrors(op string, sessions []*TargetSession) error {
	var errs []error
	for _, s := range sessions {
		if err := s.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s on %s failed: %w", op, s, err))
		}
	}
	return errors.Join(errs...)
}

// bytesWriterAt exposes a byte slice as io.WriterAt
type bytesWriterAt []byte

func (b bytesWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(b)) {
		return 0, io.ErrShortBuffer
	}
	return copy(b[off:], p), nil
}
