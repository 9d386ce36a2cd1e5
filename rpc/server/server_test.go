package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dStor/lib/cluster"
	"github.com/ValentinKolb/dStor/rpc/client"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/serializer"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"github.com/ValentinKolb/dStor/rpc/transport/base"
	"github.com/ValentinKolb/dStor/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func testServerConfig(targets ...uint16) common.ServerConfig {
	return common.ServerConfig{
		Targets:       targets,
		Backend:       common.BackendMemory,
		CapacityBytes: 1 << 30,
		CapacityFiles: 1000,
		Endpoint:      "127.0.0.1:0",
		TimeoutSecond: 5,
		LogLevel:      "info",
	}
}

// startServer starts a storage server on a loopback port and returns its address
func startServer(t *testing.T, config common.ServerConfig) string {
	t.Helper()
	s := NewStorageServer(config, tcp.NewTCPServerTransport(), serializer.NewBinarySerializer())
	addr, err := s.Start()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return addr
}

// newClient creates a storage client for registry
func newClient(t *testing.T, registry *cluster.Registry) *client.StorageClient {
	t.Helper()
	config := common.DefaultClientConfig()
	config.TimeoutSecond = 5
	config.Engine.PollTimeoutMillis = 5000

	c, err := client.NewStorageClient(config, tcp.NewTCPConnPool(config), base.NewPoller, registry, serializer.NewBinarySerializer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// twoNodes starts two servers, node 1 serving target 101 and node 2 serving
// target 102, mirrored in group 1
func twoNodes(t *testing.T, configure func(node uint16, config *common.ServerConfig)) *cluster.Registry {
	t.Helper()
	registry := cluster.NewRegistry()
	for node := uint16(1); node <= 2; node++ {
		config := testServerConfig(100 + node)
		if configure != nil {
			configure(node, &config)
		}
		addr := startServer(t, config)
		registry.AddNode(transport.Node{ID: node, Endpoint: addr})
		registry.MapTarget(100+node, node)
	}
	registry.AddMirrorGroup(1, cluster.MirrorGroup{Primary: 101, Secondary: 102})
	return registry
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 249)
	}
	return data
}

func TestStripedRoundTrip(t *testing.T) {
	registry := twoNodes(t, nil)
	c := newClient(t, registry)
	ctx := context.Background()
	stripe := client.Stripe{Targets: []uint16{101, 102}, ChunkSize: 256 * 1024}

	// larger than the data chunks of a read stream
	data := pattern(3*1024*1024 + 123)
	n, err := c.Write(ctx, "file", stripe, 1000, data)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	buf := make([]byte, len(data))
	n, err = c.Read(ctx, "file", stripe, 1000, buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.True(t, bytes.Equal(data, buf), "read data differs")

	require.NoError(t, c.Fsync(ctx, "file", stripe))

	stats, err := c.StatStorage(ctx, []uint16{101, 102})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	used := (1 << 30) - stats[101].FreeBytes + (1 << 30) - stats[102].FreeBytes
	assert.Equal(t, int64(len(data)+1000), used)
	assert.Equal(t, int64(999), stats[101].FreeInodes)

	assert.Zero(t, c.HeaderStats().InUse)
}

func TestReadPastEndOfFile(t *testing.T) {
	registry := twoNodes(t, nil)
	c := newClient(t, registry)
	ctx := context.Background()
	stripe := client.Stripe{Targets: []uint16{101}, ChunkSize: 1024}

	_, err := c.Write(ctx, "short", stripe, 0, []byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 100)
	n, err := c.Read(ctx, "short", stripe, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	n, err = c.Read(ctx, "never-written", stripe, 0, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBusyServerIsRetried(t *testing.T) {
	registry := twoNodes(t, func(_ uint16, config *common.ServerConfig) {
		config.TryAgainEvery = 2
	})
	c := newClient(t, registry)
	ctx := context.Background()
	stripe := client.Stripe{Targets: []uint16{101, 102}, ChunkSize: 4096}

	data := pattern(64 * 1024)
	n, err := c.Write(ctx, "busy", stripe, 0, data)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	buf := make([]byte, len(data))
	n, err = c.Read(ctx, "busy", stripe, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, buf)
}

func TestTargetNotServed(t *testing.T) {
	registry := twoNodes(t, nil)
	registry.MapTarget(103, 1) // node 1 does not serve 103
	c := newClient(t, registry)

	_, err := c.StatStorage(context.Background(), []uint16{103})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.OpsErrUnknownTarget))
}

func TestNoSpace(t *testing.T) {
	registry := twoNodes(t, func(_ uint16, config *common.ServerConfig) {
		config.CapacityBytes = 100
	})
	c := newClient(t, registry)

	_, err := c.Write(context.Background(), "big", client.Stripe{Targets: []uint16{101}, ChunkSize: 1024}, 0, pattern(101))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.OpsErrNoSpace))
}

func TestMirroredWriteIsForwarded(t *testing.T) {
	// the secondary has to run first, the primary needs its address
	secondary := startServer(t, testServerConfig(102))

	topology := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(topology, []byte(fmt.Sprintf(`
nodes:
  - id: 1
    endpoint: "127.0.0.1:1"
  - id: 2
    endpoint: %q
targets:
  - id: 101
    node: 1
  - id: 102
    node: 2
mirror_groups:
  - id: 1
    primary: 101
    secondary: 102
`, secondary)), 0o644))

	config := testServerConfig(101)
	config.TopologyFile = topology
	primary := startServer(t, config)

	registry := cluster.NewRegistry()
	registry.AddNode(transport.Node{ID: 1, Endpoint: primary})
	registry.AddNode(transport.Node{ID: 2, Endpoint: secondary})
	registry.MapTarget(101, 1)
	registry.MapTarget(102, 2)
	registry.AddMirrorGroup(1, cluster.MirrorGroup{Primary: 101, Secondary: 102})
	c := newClient(t, registry)
	ctx := context.Background()

	data := pattern(200 * 1024)
	n, err := c.Write(ctx, "mirrored", client.Stripe{Targets: []uint16{1}, ChunkSize: 1 << 20, Mirrored: true}, 0, data)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	// the secondary holds a copy
	buf := make([]byte, len(data))
	n, err = c.Read(ctx, "mirrored", client.Stripe{Targets: []uint16{102}, ChunkSize: 1 << 20}, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, buf)

	// reads of the group fall back to the secondary once the primary is offline
	require.NoError(t, registry.SetTargetState(101, common.TargetState{Reachability: common.ReachabilityOffline}))
	buf = make([]byte, len(data))
	n, err = c.Read(ctx, "mirrored", client.Stripe{Targets: []uint16{1}, ChunkSize: 1 << 20, Mirrored: true}, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, buf)
}
