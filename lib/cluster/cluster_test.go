package cluster

import (
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.AddNode(transport.Node{ID: 1, Endpoint: "localhost:8000"})
	reg.MapTarget(101, 1)
	reg.MapTarget(102, 9)

	node, err := reg.ResolveByTarget(101)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8000", node.Endpoint)
	assert.True(t, reg.IsActive(1))

	_, err = reg.ResolveByTarget(55)
	assert.ErrorIs(t, err, ErrUnknownTarget)
	_, err = reg.ResolveByTarget(102)
	assert.ErrorIs(t, err, ErrUnknownNode)

	require.NoError(t, reg.SetNodeActive(1, false))
	assert.False(t, reg.IsActive(1))
	assert.ErrorIs(t, reg.SetNodeActive(2, false), ErrUnknownNode)

	// re-adding a node keeps its activity
	reg.AddNode(transport.Node{ID: 1, Endpoint: "localhost:9000"})
	assert.False(t, reg.IsActive(1))
}

func TestRegistryTargetStates(t *testing.T) {
	reg := NewRegistry()
	reg.MapTarget(101, 1)

	state, ok := reg.GetCombinedState(101)
	require.True(t, ok)
	assert.True(t, state.Healthy())

	offline := common.TargetState{Reachability: common.ReachabilityOffline, Consistency: common.ConsistencyGood}
	require.NoError(t, reg.SetTargetState(101, offline))
	state, _ = reg.GetCombinedState(101)
	assert.Equal(t, offline, state)
	assert.False(t, state.Healthy())

	_, ok = reg.GetCombinedState(7)
	assert.False(t, ok)
	assert.ErrorIs(t, reg.SetTargetState(7, offline), ErrUnknownTarget)
}

func TestRegistryMirrorGroups(t *testing.T) {
	reg := NewRegistry()
	reg.AddMirrorGroup(1, MirrorGroup{Primary: 101, Secondary: 201})

	p, ok := reg.PrimaryOf(1)
	require.True(t, ok)
	s, _ := reg.SecondaryOf(1)
	assert.Equal(t, uint16(101), p)
	assert.Equal(t, uint16(201), s)

	g, ok := reg.GroupOfPrimary(101)
	require.True(t, ok)
	assert.Equal(t, uint16(1), g)

	require.NoError(t, reg.SwitchMirror(1))
	p, _ = reg.PrimaryOf(1)
	assert.Equal(t, uint16(201), p)
	_, ok = reg.GroupOfPrimary(101)
	assert.False(t, ok)

	_, ok = reg.PrimaryOf(2)
	assert.False(t, ok)
	assert.Error(t, reg.SwitchMirror(2))
	assert.Equal(t, []uint16{1}, reg.MirrorGroups())
}

func TestLoadTopology(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	content := `
nodes:
  - id: 1
    alias: storage01
    endpoint: "127.0.0.1:8001"
  - id: 2
    endpoint: "127.0.0.1:8002"
    inactive: true
targets:
  - id: 101
    node: 1
  - id: 201
    node: 2
    reachability: poffline
    consistency: needs-resync
mirror_groups:
  - id: 1
    primary: 101
    secondary: 201
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	reg, err := LoadTopology(path)
	require.NoError(t, err)

	assert.Len(t, reg.Nodes(), 2)
	assert.Equal(t, []uint16{101, 201}, reg.Targets())
	assert.True(t, reg.IsActive(1))
	assert.False(t, reg.IsActive(2))

	state, ok := reg.GetCombinedState(201)
	require.True(t, ok)
	assert.Equal(t, common.ReachabilityPOffline, state.Reachability)
	assert.Equal(t, common.ConsistencyNeedsResync, state.Consistency)

	node, err := reg.ResolveByTarget(101)
	require.NoError(t, err)
	assert.Equal(t, "storage01", node.Alias)
}

func TestTopologyValidation(t *testing.T) {
	testCases := []struct {
		name string
		topo Topology
	}{
		{
			name: "target on unknown node",
			topo: Topology{Targets: []TargetConf{{ID: 1, Node: 4}}},
		},
		{
			name: "invalid reachability",
			topo: Topology{
				Nodes:   []NodeConf{{ID: 1, Endpoint: "x"}},
				Targets: []TargetConf{{ID: 1, Node: 1, Reachability: "gone"}},
			},
		},
		{
			name: "mirror group with unknown member",
			topo: Topology{
				Nodes:        []NodeConf{{ID: 1, Endpoint: "x"}},
				Targets:      []TargetConf{{ID: 1, Node: 1}},
				MirrorGroups: []MirrorGroupConf{{ID: 1, Primary: 1, Secondary: 2}},
			},
		},
		{
			name: "mirror group mirrors itself",
			topo: Topology{
				Nodes:        []NodeConf{{ID: 1, Endpoint: "x"}},
				Targets:      []TargetConf{{ID: 1, Node: 1}},
				MirrorGroups: []MirrorGroupConf{{ID: 1, Primary: 1, Secondary: 1}},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.topo.Build()
			assert.Error(t, err)
		})
	}
}
