package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dStor/lib/hdrpool"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestWriteSingleTarget(t *testing.T) {
	env := newTestEnv(t)
	data := pattern(4096, 1)

	s := &TargetSession{TargetID: 101, FileHandle: "f1", Offset: 0, Length: 4096, Source: bytes.NewReader(data)}
	env.run(t, WriteStrategy, s)

	assert.Equal(t, int64(4096), s.NodeResult)
	assert.NoError(t, s.Err())
	assert.Equal(t, uint16(101), s.SelectedTargetID())
	assert.Equal(t, data, env.net.chunks["101/f1"])
	assert.Empty(t, env.sleeps)
}

func TestWouldBlockDoesNotChangeResults(t *testing.T) {
	data := pattern(70000, 3)

	for _, blockEvery := range []int{0, 1, 3} {
		for _, maxIO := range []int{0, 1, 7, 4096} {
			if maxIO == 1 && blockEvery > 0 {
				continue // same coverage, too many rounds
			}
			t.Run(fmt.Sprintf("block=%d/maxIO=%d", blockEvery, maxIO), func(t *testing.T) {
				env := newTestEnv(t)
				env.pool.blockEvery = blockEvery
				env.pool.maxIO = maxIO

				w := &TargetSession{TargetID: 102, FileHandle: "f", Offset: 100, Length: int64(len(data)), Source: bytes.NewReader(data)}
				env.run(t, WriteStrategy, w)
				require.Equal(t, int64(len(data)), w.NodeResult)

				buf := make([]byte, len(data))
				r := &TargetSession{TargetID: 102, FileHandle: "f", Offset: 100, Length: int64(len(buf)), Sink: sliceSink(buf)}
				env.run(t, ReadStrategy, r)
				require.Equal(t, int64(len(data)), r.NodeResult)
				assert.Equal(t, data, buf)

				st := &TargetSession{TargetID: 102}
				env.run(t, StatStorageStrategy, st)
				require.NotNil(t, st.Stat)
				assert.Equal(t, int64(1<<30), st.Stat.TotalBytes)

				assert.Zero(t, env.pool.invalidated)
			})
		}
	}
}

func TestReadEndOfStream(t *testing.T) {
	env := newTestEnv(t)
	env.net.chunks["103/short"] = pattern(10, 0)

	// nothing stored: the first prefix already ends the stream
	buf := make([]byte, 100)
	empty := &TargetSession{TargetID: 103, FileHandle: "missing", Length: 100, Sink: sliceSink(buf)}
	short := &TargetSession{TargetID: 103, FileHandle: "short", Length: 100, Sink: sliceSink(make([]byte, 100))}
	env.run(t, ReadStrategy, empty, short)

	assert.Equal(t, int64(0), empty.NodeResult)
	assert.Equal(t, int64(10), short.NodeResult)
}

func TestBuddyFallbackOnRead(t *testing.T) {
	env := newTestEnv(t)
	env.net.chunks["102/m"] = pattern(512, 9)
	env.setState(t, 101, common.ReachabilityOffline, common.ConsistencyGood)

	buf := make([]byte, 512)
	s := &TargetSession{TargetID: 1, Mirrored: true, FileHandle: "m", Length: 512, Sink: sliceSink(buf)}
	env.run(t, ReadStrategy, s)

	assert.Equal(t, int64(512), s.NodeResult)
	assert.True(t, s.UseSecondary)
	assert.Equal(t, uint16(102), s.SelectedTargetID())
	assert.Equal(t, pattern(512, 9), buf)
	assert.Empty(t, env.sleeps, "failover must not sleep")
	assert.Zero(t, env.rounds[len(env.rounds)-1].CurrentRetryNum, "failover must not consume budget")
	assert.Zero(t, env.net.attempts(101))
}

func TestNoBuddyFallbackOnWrite(t *testing.T) {
	env := newTestEnv(t)
	env.ioc.Config.MaxRetries = 2
	env.setState(t, 101, common.ReachabilityPOffline, common.ConsistencyGood)
	env.net.handler = func(req *common.Message, _ []byte, _ int) []byte {
		return env.net.frame(common.NewGenericResponse(common.CtrlIndirectCommErr, "buddy unreachable"))
	}

	s := &TargetSession{TargetID: 1, Mirrored: true, FileHandle: "w", Length: 10, Source: bytes.NewReader(pattern(10, 0))}
	env.run(t, WriteStrategy, s)

	assert.False(t, s.UseSecondary)
	assert.Equal(t, common.OpsErrCommunication, s.failed())
	assert.Equal(t, 3, env.net.attempts(101))
	assert.Zero(t, env.net.attempts(102))
	assert.Len(t, env.sleeps, 1, "the first retry is immediate")
}

func TestBothBuddiesOfflineFailsAllWaiters(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, 101, common.ReachabilityOffline, common.ConsistencyGood)
	env.setState(t, 102, common.ReachabilityOffline, common.ConsistencyGood)
	env.net.handler = func(*common.Message, []byte, int) []byte {
		return stream(nil, 1, common.OpsErrAgain.Result())
	}

	a := &TargetSession{TargetID: 1, Mirrored: true, FileHandle: "a", Length: 10, Sink: sliceSink(make([]byte, 10))}
	b := &TargetSession{TargetID: 103, FileHandle: "b", Length: 10, Sink: sliceSink(make([]byte, 10))}
	env.run(t, ReadStrategy, a, b)

	assert.Equal(t, common.OpsErrCommunication, a.failed())
	// the co-waiting session is given up in the same round
	assert.Equal(t, common.OpsErrCommunication, b.failed())
	assert.Empty(t, env.sleeps)
}

func TestTryAgainExhaustsBudget(t *testing.T) {
	env := newTestEnv(t)
	env.ioc.Config.MaxRetries = 3
	env.net.handler = func(req *common.Message, _ []byte, _ int) []byte {
		return env.net.frame(common.NewGenericResponse(common.CtrlTryAgain, "busy"))
	}

	s := &TargetSession{TargetID: 104}
	env.run(t, StatStorageStrategy, s)

	assert.Equal(t, common.OpsErrCommunication, s.failed())
	assert.Equal(t, 4, env.net.attempts(104))
	assert.Len(t, env.sleeps, 2, "the first retry is immediate")
	assert.Equal(t, 3, env.rounds[len(env.rounds)-1].CurrentRetryNum)
	assert.NotZero(t, s.logged&loggedTryAgain)
}

func TestUnlimitedRetriesEventuallySucceed(t *testing.T) {
	env := newTestEnv(t)
	env.ioc.Config.MaxRetries = 0
	env.net.handler = func(req *common.Message, payload []byte, attempt int) []byte {
		if attempt <= 20 {
			return env.net.frame(common.NewGenericResponse(common.CtrlTryAgain, "busy"))
		}
		return env.net.store(req, payload, attempt)
	}

	s := &TargetSession{TargetID: 101}
	env.run(t, StatStorageStrategy, s)

	require.NoError(t, s.Err())
	assert.NotNil(t, s.Stat)
	assert.Equal(t, 21, env.net.attempts(101))
	assert.Equal(t, 20, env.rounds[len(env.rounds)-1].CurrentRetryNum)
}

func TestWriteRetriesTryAgainWithoutBudget(t *testing.T) {
	env := newTestEnv(t)
	env.ioc.Config.MaxRetries = 1
	env.net.handler = func(req *common.Message, payload []byte, attempt int) []byte {
		if attempt <= 5 {
			return env.net.frame(common.NewGenericResponse(common.CtrlTryAgain, "queue full"))
		}
		return env.net.store(req, payload, attempt)
	}

	data := pattern(2000, 5)
	s := &TargetSession{TargetID: 103, FileHandle: "w", Length: 2000, Source: bytes.NewReader(data)}
	env.run(t, WriteStrategy, s)

	assert.Equal(t, int64(2000), s.NodeResult)
	assert.Equal(t, 6, env.net.attempts(103))
	assert.Zero(t, env.rounds[len(env.rounds)-1].CurrentRetryNum)
	for _, d := range env.sleeps {
		assert.Equal(t, int64(env.ioc.Config.TryAgainWaitMillis), d.Milliseconds())
	}
}

func TestHeaderBufferShortage(t *testing.T) {
	env := newTestEnv(t)
	hdr, err := hdrpool.New(hdrpool.Config{Size: common.MsgBufSize, Capacity: 1, Reserve: 1})
	require.NoError(t, err)
	env.hdr = hdr
	env.ioc.Headers = hdr

	sessions := []*TargetSession{{TargetID: 101}, {TargetID: 102}, {TargetID: 103}}
	env.run(t, StatStorageStrategy, sessions...)

	for _, s := range sessions {
		assert.NoError(t, s.Err())
	}

	var bufferless int
	for _, r := range env.rounds {
		bufferless += r.NumBufferless
	}
	assert.Positive(t, bufferless, "sessions must wait for header buffers")
	assert.Empty(t, env.sleeps)
}

func TestPoolExhaustionKeepsSessionsPrepared(t *testing.T) {
	env := newTestEnv(t)
	env.pool.maxPerNode = 1

	data := pattern(3000, 2)
	var sessions []*TargetSession
	for i := 0; i < 3; i++ {
		sessions = append(sessions, &TargetSession{
			TargetID: 101, FileHandle: "p", Offset: int64(i * 1000), Length: 1000,
			Source: bytes.NewReader(data[i*1000 : (i+1)*1000]),
		})
	}
	env.run(t, WriteStrategy, sessions...)

	for _, s := range sessions {
		assert.Equal(t, int64(1000), s.NodeResult)
	}
	assert.Equal(t, data, env.net.chunks["101/p"])

	var unconnectable int
	for _, r := range env.rounds {
		unconnectable += r.NumUnconnectable
	}
	assert.Positive(t, unconnectable)
	assert.Equal(t, 1, env.pool.dials)
}

func TestConnectFailureIsRetried(t *testing.T) {
	env := newTestEnv(t)
	env.pool.failDials = 2

	s := &TargetSession{TargetID: 102}
	env.run(t, StatStorageStrategy, s)

	assert.NoError(t, s.Err())
	assert.Equal(t, 3, env.pool.dials)
	assert.Equal(t, 2, env.rounds[len(env.rounds)-1].CurrentRetryNum)
}

func TestPollTimeoutInvalidatesWaiters(t *testing.T) {
	env := newTestEnv(t)
	env.poller.timeouts = 1

	a := &TargetSession{TargetID: 101}
	b := &TargetSession{TargetID: 103}
	env.run(t, FsyncStrategy, a, b)

	assert.NoError(t, a.Err())
	assert.NoError(t, b.Err())
	assert.Equal(t, 2, env.pool.invalidated)
	assert.Equal(t, 1, env.rounds[len(env.rounds)-1].CurrentRetryNum)
}

func TestPollErrorInvalidatesWaiters(t *testing.T) {
	env := newTestEnv(t)
	env.poller.failures = 1
	env.ioc.Config.MaxRetries = 0

	s := &TargetSession{TargetID: 104}
	env.run(t, FsyncStrategy, s)

	assert.NoError(t, s.Err())
	assert.GreaterOrEqual(t, env.poller.calls, 2, "the failed poll and the one of the retry")
	assert.Equal(t, 1, env.pool.invalidated)
	assert.Equal(t, 2, env.net.attempts(104))
	assert.Equal(t, 1, env.rounds[len(env.rounds)-1].CurrentRetryNum)
	assert.Empty(t, env.sleeps, "the first retry is immediate")
}

func TestCancellationDuringBackoff(t *testing.T) {
	env := newTestEnv(t)
	env.ioc.Config.MaxRetries = 2
	env.pool.failDials = 10

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.ioc.sleep = func(ctx context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		cancel()
		return ctx.Err()
	}

	s := &TargetSession{TargetID: 101}
	env.runCtx(t, ctx, StatStorageStrategy, s)

	assert.Equal(t, common.OpsErrInterrupted, s.failed())
	assert.Equal(t, 2, env.pool.dials)
	assert.Len(t, env.sleeps, 1)
	assert.Equal(t, 1, env.rounds[len(env.rounds)-1].CurrentRetryNum, "the interrupted wait does not count")
}

func TestImmediateWorkUsesZeroPollTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.pool.maxPerNode = 1

	sessions := []*TargetSession{{TargetID: 101}, {TargetID: 101}}
	env.run(t, StatStorageStrategy, sessions...)

	require.NotEmpty(t, env.poller.timeout)
	assert.Zero(t, env.poller.timeout[0], "a session waits for a connection")
	assert.Equal(t, env.ioc.Config.PollTimeout(), env.poller.timeout[len(env.poller.timeout)-1])
}

func TestFaultInjection(t *testing.T) {
	env := newTestEnv(t)
	injected := 0
	env.ioc.FaultInjector = func(s *TargetSession, state SessionState) bool {
		if state == StateRecvHeader && injected == 0 {
			injected++
			return true
		}
		return false
	}

	s := &TargetSession{TargetID: 101}
	env.run(t, StatStorageStrategy, s)

	assert.NoError(t, s.Err())
	assert.Equal(t, 1, injected)
	assert.Equal(t, 1, env.pool.invalidated)
	assert.Equal(t, 2, env.net.attempts(101))
}

func TestCancellation(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &TargetSession{TargetID: 101}
	env.runCtx(t, ctx, StatStorageStrategy, s)

	assert.Equal(t, common.OpsErrInterrupted, s.failed())
	assert.Zero(t, env.net.attempts(101))
	assert.Empty(t, env.sleeps)
}

func TestCancellationDuringIO(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	env.ioc.FaultInjector = func(s *TargetSession, state SessionState) bool {
		cancel()
		return false
	}

	s := &TargetSession{TargetID: 101}
	env.runCtx(t, ctx, StatStorageStrategy, s)

	assert.Equal(t, common.OpsErrInterrupted, s.failed())
	assert.Equal(t, 1, env.pool.invalidated)
	assert.Zero(t, env.rounds[len(env.rounds)-1].CurrentRetryNum)
}

func TestProtocolErrorsAreFinal(t *testing.T) {
	oversized := make([]byte, common.MsgLengthPrefixSize)
	binary.BigEndian.PutUint32(oversized, common.MsgBufSize)

	testCases := []struct {
		name     string
		strategy *Strategy
		response func(env *testEnv) []byte
		expected common.OpsErr
	}{
		{
			name:     "oversized message",
			strategy: StatStorageStrategy,
			response: func(*testEnv) []byte { return oversized },
			expected: common.OpsErrProtocol,
		},
		{
			name:     "unexpected message type",
			strategy: StatStorageStrategy,
			response: func(env *testEnv) []byte { return env.net.frame(common.NewFsyncLocalFileResponse(0)) },
			expected: common.OpsErrProtocol,
		},
		{
			name:     "unknown control code",
			strategy: FsyncStrategy,
			response: func(env *testEnv) []byte { return env.net.frame(common.NewGenericResponse(42, "?")) },
			expected: common.OpsErrProtocol,
		},
		{
			name:     "read stream exceeds request",
			strategy: ReadStrategy,
			response: func(*testEnv) []byte { return stream(make([]byte, 200), 150, 0) },
			expected: common.OpsErrProtocol,
		},
		{
			name:     "oversized data chunk",
			strategy: ReadStrategy,
			response: func(*testEnv) []byte {
				b := make([]byte, common.DataLengthPrefixSize)
				binary.BigEndian.PutUint64(b, common.MaxDataChunkSize+1)
				return b
			},
			expected: common.OpsErrProtocol,
		},
		{
			name:     "peer error in read stream",
			strategy: ReadStrategy,
			response: func(*testEnv) []byte { return stream(make([]byte, 50), 50, common.OpsErrIO.Result()) },
			expected: common.OpsErrIO,
		},
		{
			name:     "peer error in write response",
			strategy: WriteStrategy,
			response: func(env *testEnv) []byte {
				return env.net.frame(common.NewWriteLocalFileResponse(common.OpsErrNoSpace.Result()))
			},
			expected: common.OpsErrNoSpace,
		},
		{
			name:     "write confirms too much",
			strategy: WriteStrategy,
			response: func(env *testEnv) []byte { return env.net.frame(common.NewWriteLocalFileResponse(1000)) },
			expected: common.OpsErrProtocol,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.net.handler = func(*common.Message, []byte, int) []byte { return tc.response(env) }

			s := &TargetSession{
				TargetID: 101, FileHandle: "x", Length: 100,
				Source: bytes.NewReader(make([]byte, 100)), Sink: sliceSink(make([]byte, 100)),
			}
			env.run(t, tc.strategy, s)

			assert.Equal(t, tc.expected, s.failed())
			assert.Equal(t, 1, env.net.attempts(101), "must not be retried")
			assert.Empty(t, env.sleeps)
		})
	}
}

func TestAddressFault(t *testing.T) {
	env := newTestEnv(t)

	// source shorter than the announced length
	s := &TargetSession{TargetID: 101, FileHandle: "a", Length: 100, Source: bytes.NewReader(make([]byte, 10))}
	env.run(t, WriteStrategy, s)

	assert.Equal(t, common.OpsErrAddressFault, s.failed())
	assert.Equal(t, 1, env.pool.invalidated)
	assert.Empty(t, env.sleeps)
}

func TestIndirectCommErrIsRetried(t *testing.T) {
	env := newTestEnv(t)
	env.net.handler = func(req *common.Message, payload []byte, attempt int) []byte {
		if attempt == 1 {
			return env.net.frame(common.NewGenericResponse(common.CtrlIndirectCommErr, "buddy down"))
		}
		return env.net.store(req, payload, attempt)
	}

	s := &TargetSession{TargetID: 101, FileHandle: "f"}
	env.run(t, FsyncStrategy, s)

	assert.NoError(t, s.Err())
	assert.NotZero(t, s.logged&loggedIndirectCommErr)
	assert.Zero(t, env.pool.invalidated, "a control response leaves the connection usable")
}

func TestFsyncSkipsUnusableSecondary(t *testing.T) {
	for _, state := range []common.TargetState{
		{Reachability: common.ReachabilityOffline, Consistency: common.ConsistencyGood},
		{Reachability: common.ReachabilityOnline, Consistency: common.ConsistencyBad},
	} {
		t.Run(state.String(), func(t *testing.T) {
			env := newTestEnv(t)
			env.setState(t, 104, state.Reachability, state.Consistency)

			primary := &TargetSession{TargetID: 2, Mirrored: true, FileHandle: "f"}
			secondary := &TargetSession{TargetID: 2, Mirrored: true, UseSecondary: true, FileHandle: "f"}
			env.run(t, FsyncStrategy, primary, secondary)

			assert.NoError(t, primary.Err())
			assert.NoError(t, secondary.Err())
			assert.Equal(t, 1, env.net.attempts(103))
			assert.Zero(t, env.net.attempts(104))
		})
	}
}

func TestFsyncFlushesResyncingSecondary(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, 104, common.ReachabilityOnline, common.ConsistencyNeedsResync)

	secondary := &TargetSession{TargetID: 2, Mirrored: true, UseSecondary: true, FileHandle: "f"}
	env.run(t, FsyncStrategy, secondary)

	assert.NoError(t, secondary.Err())
	assert.Equal(t, 1, env.net.attempts(104))
}

func TestMirrorCooldownWithoutBudget(t *testing.T) {
	env := newTestEnv(t)
	env.ioc.Config.MaxRetries = 1
	env.setState(t, 101, common.ReachabilityPOffline, common.ConsistencyGood)
	env.setState(t, 102, common.ReachabilityOnline, common.ConsistencyNeedsResync)

	cooldowns := 0
	env.ioc.sleep = func(ctx context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		cooldowns++
		if cooldowns == 3 {
			// states settle
			env.setState(t, 101, common.ReachabilityOnline, common.ConsistencyGood)
		}
		return nil
	}
	env.net.handler = func(req *common.Message, payload []byte, attempt int) []byte {
		if attempt <= 3 {
			return env.net.frame(common.NewGenericResponse(common.CtrlIndirectCommErr, "resync running"))
		}
		return env.net.store(req, payload, attempt)
	}

	s := &TargetSession{TargetID: 1, Mirrored: true, FileHandle: "c", Length: 4, Source: bytes.NewReader([]byte("abcd"))}
	env.run(t, WriteStrategy, s)

	assert.Equal(t, int64(4), s.NodeResult)
	for _, d := range env.sleeps[:3] {
		assert.Equal(t, int64(env.ioc.Config.TargetStateCooldownMillis), d.Milliseconds())
	}
	assert.LessOrEqual(t, env.rounds[len(env.rounds)-1].CurrentRetryNum, 1)
}

func TestUnknownTargetIsFinal(t *testing.T) {
	env := newTestEnv(t)

	unknown := &TargetSession{TargetID: 999}
	unknownGroup := &TargetSession{TargetID: 9, Mirrored: true}
	env.run(t, StatStorageStrategy, unknown, unknownGroup)

	assert.Equal(t, common.OpsErrUnknownTarget, unknown.failed())
	assert.Equal(t, common.OpsErrUnknownTarget, unknownGroup.failed())
	assert.Empty(t, env.sleeps)
}

func TestInactiveNodeIsRetried(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.reg.SetNodeActive(1, false))

	calls := 0
	env.ioc.sleep = func(ctx context.Context, d time.Duration) error {
		calls++
		_ = env.reg.SetNodeActive(1, true)
		return nil
	}
	env.ioc.Config.RetryBaseWaitMillis = 10

	s := &TargetSession{TargetID: 101}
	env.run(t, StatStorageStrategy, s)

	assert.NoError(t, s.Err())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, env.pool.invalidated)
}

func TestInvalidEngineConfigIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.ioc.Config.PollTimeoutMillis = 0

	s := &TargetSession{TargetID: 101}
	err := Communicate(context.Background(), []*TargetSession{s}, StatStorageStrategy, env.ioc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PollTimeoutMillis")
	assert.Zero(t, env.pool.dials)
	assert.Zero(t, env.poller.calls)
	assert.Zero(t, env.net.attempts(101))

	env.ioc.Config.PollTimeoutMillis = 1000
	env.ioc.Config.HeaderBufferReserve = env.ioc.Config.HeaderBuffers + 1
	assert.Error(t, Communicate(context.Background(), []*TargetSession{s}, StatStorageStrategy, env.ioc))
}
