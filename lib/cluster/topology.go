package cluster

import (
	"fmt"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = validator.New()

// NodeConf describes one storage node of a topology file
type NodeConf struct {
	ID       uint16 `mapstructure:"id" validate:"required"`
	Alias    string `mapstructure:"alias"`
	Endpoint string `mapstructure:"endpoint" validate:"required"`
	Inactive bool   `mapstructure:"inactive"`
}

// TargetConf describes one storage target and its health
type TargetConf struct {
	ID           uint16 `mapstructure:"id" validate:"required"`
	Node         uint16 `mapstructure:"node" validate:"required"`
	Reachability string `mapstructure:"reachability" validate:"omitempty,oneof=online poffline offline"`
	Consistency  string `mapstructure:"consistency" validate:"omitempty,oneof=good needs-resync bad"`
}

// MirrorGroupConf describes one buddy mirror group
type MirrorGroupConf struct {
	ID        uint16 `mapstructure:"id" validate:"required"`
	Primary   uint16 `mapstructure:"primary" validate:"required"`
	Secondary uint16 `mapstructure:"secondary" validate:"required,nefield=Primary"`
}

// Topology is the static description of a storage cluster
type Topology struct {
	Nodes        []NodeConf        `mapstructure:"nodes" validate:"dive"`
	Targets      []TargetConf      `mapstructure:"targets" validate:"dive"`
	MirrorGroups []MirrorGroupConf `mapstructure:"mirror_groups" validate:"dive"`
}

// LoadTopology reads a topology file (yaml, json, toml, ...) and builds a registry from it
func LoadTopology(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read topology %s: %w", path, err)
	}

	var topo Topology
	if err := v.Unmarshal(&topo); err != nil {
		return nil, fmt.Errorf("failed to parse topology %s: %w", path, err)
	}

	reg, err := topo.Build()
	if err != nil {
		return nil, fmt.Errorf("invalid topology %s: %w", path, err)
	}

	Logger.Infof("Loaded topology from %s: %d nodes, %d targets, %d mirror groups",
		path, len(topo.Nodes), len(topo.Targets), len(topo.MirrorGroups))
	return reg, nil
}

// Build validates the topology and creates a registry from it
func (t *Topology) Build() (*Registry, error) {
	if err := validate.Struct(t); err != nil {
		return nil, err
	}

	reg := NewRegistry()
	for _, n := range t.Nodes {
		reg.AddNode(transport.Node{ID: n.ID, Alias: n.Alias, Endpoint: n.Endpoint})
		if n.Inactive {
			_ = reg.SetNodeActive(n.ID, false)
		}
	}

	for _, tc := range t.Targets {
		if _, ok := reg.nodes.Load(tc.Node); !ok {
			return nil, fmt.Errorf("target %d: %w: %d", tc.ID, ErrUnknownNode, tc.Node)
		}
		reach, err := common.ParseReachability(tc.Reachability)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", tc.ID, err)
		}
		cons, err := common.ParseConsistency(tc.Consistency)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", tc.ID, err)
		}
		reg.MapTarget(tc.ID, tc.Node)
		_ = reg.SetTargetState(tc.ID, common.TargetState{Reachability: reach, Consistency: cons})
	}

	for _, g := range t.MirrorGroups {
		for _, member := range []uint16{g.Primary, g.Secondary} {
			if _, ok := reg.targets.Load(member); !ok {
				return nil, fmt.Errorf("mirror group %d: %w: %d", g.ID, ErrUnknownTarget, member)
			}
		}
		reg.AddMirrorGroup(g.ID, MirrorGroup{Primary: g.Primary, Secondary: g.Secondary})
	}

	return reg, nil
}
