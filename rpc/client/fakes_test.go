package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dStor/lib/cluster"
	"github.com/ValentinKolb/dStor/lib/hdrpool"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/serializer"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Fake storage peers
// --------------------------------------------------------------------------

// peerHandler produces the raw response bytes for a request. attempt counts
// the requests received by the request's target, starting at 1.
type peerHandler func(req *common.Message, payload []byte, attempt int) []byte

// fakeNet emulates all storage targets in memory
type fakeNet struct {
	mu       sync.Mutex
	ser      serializer.IRPCSerializer
	handler  peerHandler
	chunks   map[string][]byte
	requests map[uint16]int
}

func newFakeNet() *fakeNet {
	n := &fakeNet{
		ser:      serializer.NewBinarySerializer(),
		chunks:   make(map[string][]byte),
		requests: make(map[uint16]int),
	}
	n.handler = n.store
	return n
}

// serve dispatches a complete request to the handler
func (n *fakeNet) serve(req *common.Message, payload []byte) []byte {
	n.mu.Lock()
	n.requests[req.TargetID]++
	attempt := n.requests[req.TargetID]
	h := n.handler
	n.mu.Unlock()
	return h(req, payload, attempt)
}

func (n *fakeNet) attempts(target uint16) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requests[target]
}

// frame serializes a response message with its length prefix
func (n *fakeNet) frame(msg *common.Message) []byte {
	data, err := n.ser.Serialize(*msg)
	if err != nil {
		panic(err)
	}
	buf := make([]byte, common.MsgLengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[common.MsgLengthPrefixSize:], data)
	return buf
}

// stream encodes data as a read stream with chunks of at most chunk bytes
// followed by the terminating prefix end
func stream(data []byte, chunk int, end int64) []byte {
	var buf bytes.Buffer
	prefix := make([]byte, common.DataLengthPrefixSize)
	for len(data) > 0 {
		n := chunk
		if n > len(data) {
			n = len(data)
		}
		binary.BigEndian.PutUint64(prefix, uint64(n))
		buf.Write(prefix)
		buf.Write(data[:n])
		data = data[n:]
	}
	binary.BigEndian.PutUint64(prefix, uint64(end))
	buf.Write(prefix)
	return buf.Bytes()
}

// store implements the storage target semantics on in-memory chunk files
func (n *fakeNet) store(req *common.Message, payload []byte, _ int) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := fmt.Sprintf("%d/%s", req.TargetID, req.FileHandle)
	switch req.MsgType {
	case common.MsgTReadLocalFile:
		data := n.chunks[key]
		var part []byte
		if req.Offset < int64(len(data)) {
			end := req.Offset + req.Count
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			part = data[req.Offset:end]
		}
		return stream(part, 1000, 0)

	case common.MsgTWriteLocalFile:
		data := n.chunks[key]
		if end := req.Offset + int64(len(payload)); end > int64(len(data)) {
			grown := make([]byte, end)
			copy(grown, data)
			data = grown
		}
		copy(data[req.Offset:], payload)
		n.chunks[key] = data
		return n.frame(common.NewWriteLocalFileResponse(int64(len(payload))))

	case common.MsgTFsyncLocalFile:
		return n.frame(common.NewFsyncLocalFileResponse(0))

	case common.MsgTStatStorage:
		return n.frame(common.NewStatStorageResponse(0, common.StorageStat{
			TotalBytes: 1 << 30, FreeBytes: 1 << 29, TotalInodes: 1000, FreeInodes: 900,
		}))
	}
	return n.frame(common.NewGenericResponse(99, "unsupported"))
}

// --------------------------------------------------------------------------
// Fake connections, pool and poller
// --------------------------------------------------------------------------

// fakeConn delivers requests to the fake net as soon as they are complete.
// Every blockEvery-th call is preceded by blockEvery would-block results and
// maxIO limits the bytes moved per call.
type fakeConn struct {
	net        *fakeNet
	node       transport.Node
	in, out    bytes.Buffer
	req        *common.Message
	blockEvery int
	maxIO      int
	calls      int
	closed     bool
}

func (c *fakeConn) wouldBlock() bool {
	c.calls++
	return c.blockEvery > 0 && c.calls%(c.blockEvery+1) != 0
}

func (c *fakeConn) limit(n int) int {
	if c.maxIO > 0 && n > c.maxIO {
		return c.maxIO
	}
	return n
}

func (c *fakeConn) TryWrite(p []byte) (int, error) {
	if c.closed {
		return 0, transport.ErrClosed
	}
	if c.wouldBlock() {
		return 0, transport.ErrWouldBlock
	}
	n := c.limit(len(p))
	c.in.Write(p[:n])
	c.process()
	return n, nil
}

func (c *fakeConn) TryRead(p []byte) (int, error) {
	if c.closed {
		return 0, transport.ErrClosed
	}
	if c.wouldBlock() || c.out.Len() == 0 {
		return 0, transport.ErrWouldBlock
	}
	return c.out.Read(p[:c.limit(len(p))])
}

func (c *fakeConn) Node() transport.Node { return c.node }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// process parses complete requests (header and payload) and queues the responses
func (c *fakeConn) process() {
	for {
		if c.req == nil {
			if c.in.Len() < common.MsgLengthPrefixSize {
				return
			}
			l := int(binary.BigEndian.Uint32(c.in.Bytes()[:common.MsgLengthPrefixSize]))
			if c.in.Len() < common.MsgLengthPrefixSize+l {
				return
			}
			c.in.Next(common.MsgLengthPrefixSize)
			var msg common.Message
			if err := c.net.ser.Deserialize(c.in.Next(l), &msg); err != nil {
				panic(err)
			}
			c.req = &msg
		}

		var payload []byte
		if c.req.MsgType == common.MsgTWriteLocalFile {
			if int64(c.in.Len()) < c.req.Count {
				return
			}
			payload = append([]byte(nil), c.in.Next(int(c.req.Count))...)
		}

		c.out.Write(c.net.serve(c.req, payload))
		c.req = nil
	}
}

// fakePool hands out fake connections and counts the ownership transfers
type fakePool struct {
	net        *fakeNet
	maxPerNode int
	blockEvery int
	maxIO      int
	failDials  int

	mu          sync.Mutex
	open        map[uint16]int
	idle        map[uint16][]*fakeConn
	acquired    int
	released    int
	invalidated int
	dials       int
}

func newFakePool(net *fakeNet) *fakePool {
	return &fakePool{net: net, open: make(map[uint16]int), idle: make(map[uint16][]*fakeConn)}
}

func (p *fakePool) Acquire(_ context.Context, node transport.Node, blocking bool) (transport.IConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idle := p.idle[node.ID]; len(idle) > 0 {
		conn := idle[len(idle)-1]
		p.idle[node.ID] = idle[:len(idle)-1]
		p.acquired++
		return conn, nil
	}
	if p.maxPerNode > 0 && p.open[node.ID] >= p.maxPerNode {
		if blocking {
			return nil, errors.New("blocking acquire on exhausted fake pool")
		}
		return nil, transport.ErrPoolExhausted
	}

	p.dials++
	if p.failDials > 0 {
		p.failDials--
		return nil, errors.New("connection refused")
	}
	p.open[node.ID]++
	p.acquired++
	return &fakeConn{net: p.net, node: node, blockEvery: p.blockEvery, maxIO: p.maxIO}, nil
}

func (p *fakePool) Release(conn transport.IConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := conn.(*fakeConn)
	p.released++
	p.idle[c.node.ID] = append(p.idle[c.node.ID], c)
}

func (p *fakePool) Invalidate(conn transport.IConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := conn.(*fakeConn)
	p.invalidated++
	p.open[c.node.ID]--
	_ = c.Close()
}

func (p *fakePool) Close() error { return nil }

// fakePoller reports every registered connection as ready unless told to
// fail or time out
type fakePoller struct {
	timeouts int
	failures int
	calls    int
	timeout  []time.Duration
}

func (p *fakePoller) Poll(items []transport.PollItem, timeout time.Duration) (int, error) {
	p.calls++
	p.timeout = append(p.timeout, timeout)
	if p.failures > 0 {
		p.failures--
		return 0, errors.New("poll failed")
	}
	if p.timeouts > 0 && timeout > 0 {
		p.timeouts--
		return 0, nil
	}
	for i := range items {
		items[i].REvents = items[i].Events
	}
	return len(items), nil
}

// --------------------------------------------------------------------------
// Test environment
// --------------------------------------------------------------------------

// testEnv is a cluster of four nodes hosting targets 101-104. Mirror group 1
// mirrors 101 to 102, group 2 mirrors 103 to 104.
type testEnv struct {
	net    *fakeNet
	pool   *fakePool
	poller *fakePoller
	reg    *cluster.Registry
	hdr    *hdrpool.Pool
	ioc    *IOContext
	rounds []RoundStats
	sleeps []time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg := cluster.NewRegistry()
	for id := uint16(1); id <= 4; id++ {
		reg.AddNode(transport.Node{ID: id, Endpoint: fmt.Sprintf("node%d:8000", id)})
		reg.MapTarget(100+id, id)
	}
	reg.AddMirrorGroup(1, cluster.MirrorGroup{Primary: 101, Secondary: 102})
	reg.AddMirrorGroup(2, cluster.MirrorGroup{Primary: 103, Secondary: 104})

	hdr, err := hdrpool.New(hdrpool.Config{Size: common.MsgBufSize, Capacity: 16, Reserve: 2})
	require.NoError(t, err)

	cfg := common.DefaultClientConfig().Engine
	cfg.MaxRetries = 3

	env := &testEnv{net: newFakeNet(), poller: &fakePoller{}, reg: reg, hdr: hdr}
	env.pool = newFakePool(env.net)
	env.ioc = &IOContext{
		Pool:       env.pool,
		Poller:     env.poller,
		Headers:    hdr,
		Nodes:      reg,
		States:     reg,
		Mirrors:    reg,
		Serializer: env.net.ser,
		Config:     cfg,
		sleep: func(ctx context.Context, d time.Duration) error {
			env.sleeps = append(env.sleeps, d)
			return ctx.Err()
		},
		onRound: func(stats RoundStats) {
			env.rounds = append(env.rounds, stats)
		},
	}
	return env
}

// run communicates and checks the resource accounting afterwards
func (e *testEnv) run(t *testing.T, strategy *Strategy, sessions ...*TargetSession) {
	t.Helper()
	e.runCtx(t, context.Background(), strategy, sessions...)
}

func (e *testEnv) runCtx(t *testing.T, ctx context.Context, strategy *Strategy, sessions ...*TargetSession) {
	t.Helper()
	e.rounds = nil
	require.NoError(t, Communicate(ctx, sessions, strategy, e.ioc))

	for _, s := range sessions {
		assert.Equal(t, StateDone, s.State(), "session %s not done", s)
		assert.Nil(t, s.conn, "session %s still holds a connection", s)
		assert.Nil(t, s.hdr, "session %s still holds a header buffer", s)
	}
	for _, r := range e.rounds {
		assert.LessOrEqual(t, r.accounted(), r.NumSessions, "round %d: %+v", r.Round, r)
	}
	if n := len(e.rounds); n > 0 {
		assert.Zero(t, e.rounds[n-1].NumAcquiredConnections)
	}
	assert.Equal(t, e.pool.acquired, e.pool.released+e.pool.invalidated, "connection accounting")
	assert.Zero(t, e.hdr.Stats().InUse, "header buffers in use")
}

func (e *testEnv) setState(t *testing.T, target uint16, reach common.Reachability, cons common.Consistency) {
	t.Helper()
	require.NoError(t, e.reg.SetTargetState(target, common.TargetState{Reachability: reach, Consistency: cons}))
}

// sliceSink is an io.WriterAt over a fixed slice
type sliceSink []byte

func (s sliceSink) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(s)) {
		return 0, errors.New("write beyond sink")
	}
	return copy(s[off:], p), nil
}

func pattern(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7) + seed
	}
	return data
}
