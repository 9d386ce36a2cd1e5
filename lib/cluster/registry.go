package cluster

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"sort"
)

var Logger = logger.GetLogger(common.LoggerCluster)

var (
	// ErrUnknownTarget is returned if a target is not mapped to any node
	ErrUnknownTarget = errors.New("unknown target")
	// ErrUnknownNode is returned if the node of a target is not registered
	ErrUnknownNode = errors.New("unknown node")
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

type nodeEntry struct {
	node   transport.Node
	active bool
}

type targetEntry struct {
	nodeID uint16
	state  common.TargetState
}

// MirrorGroup is a buddy mirror group of two targets
type MirrorGroup struct {
	Primary   uint16
	Secondary uint16
}

// Registry is an in-memory view of the storage cluster: the node directory,
// the target health store and the buddy mirror map. All methods are safe for
// concurrent use, state can be changed while operations are running.
type Registry struct {
	nodes   *xsync.MapOf[uint16, nodeEntry]
	targets *xsync.MapOf[uint16, targetEntry]
	groups  *xsync.MapOf[uint16, MirrorGroup]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		nodes:   xsync.NewMapOf[uint16, nodeEntry](),
		targets: xsync.NewMapOf[uint16, targetEntry](),
		groups:  xsync.NewMapOf[uint16, MirrorGroup](),
	}
}

// --------------------------------------------------------------------------
// Mutation
// --------------------------------------------------------------------------

// AddNode registers (or replaces) a node, new nodes are active
func (r *Registry) AddNode(node transport.Node) {
	r.nodes.Compute(node.ID, func(old nodeEntry, loaded bool) (nodeEntry, bool) {
		active := true
		if loaded {
			active = old.active
		}
		return nodeEntry{node: node, active: active}, false
	})
}

// SetNodeActive marks a node as active or inactive
func (r *Registry) SetNodeActive(nodeID uint16, active bool) error {
	var found bool
	r.nodes.Compute(nodeID, func(old nodeEntry, loaded bool) (nodeEntry, bool) {
		found = loaded
		old.active = active
		return old, !loaded
	})
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownNode, nodeID)
	}
	return nil
}

// MapTarget assigns a target to the node hosting it, the target starts online and good
func (r *Registry) MapTarget(targetID, nodeID uint16) {
	r.targets.Compute(targetID, func(old targetEntry, loaded bool) (targetEntry, bool) {
		if !loaded {
			old.state = common.TargetState{Reachability: common.ReachabilityOnline, Consistency: common.ConsistencyGood}
		}
		old.nodeID = nodeID
		return old, false
	})
}

// SetTargetState updates the health state of a mapped target
func (r *Registry) SetTargetState(targetID uint16, state common.TargetState) error {
	var found bool
	var previous common.TargetState
	r.targets.Compute(targetID, func(old targetEntry, loaded bool) (targetEntry, bool) {
		found = loaded
		previous = old.state
		old.state = state
		return old, !loaded
	})
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownTarget, targetID)
	}
	if previous != state {
		Logger.Infof("Target %d changed state from %s to %s", targetID, previous, state)
	}
	return nil
}

// AddMirrorGroup registers a buddy mirror group
func (r *Registry) AddMirrorGroup(groupID uint16, group MirrorGroup) {
	r.groups.Store(groupID, group)
}

// SwitchMirror swaps primary and secondary of a group (buddy failover)
func (r *Registry) SwitchMirror(groupID uint16) error {
	var found bool
	r.groups.Compute(groupID, func(old MirrorGroup, loaded bool) (MirrorGroup, bool) {
		found = loaded
		return MirrorGroup{Primary: old.Secondary, Secondary: old.Primary}, !loaded
	})
	if !found {
		return fmt.Errorf("%w: mirror group %d", ErrUnknownTarget, groupID)
	}
	Logger.Infof("Switched primary of mirror group %d", groupID)
	return nil
}

// --------------------------------------------------------------------------
// Node Directory
// --------------------------------------------------------------------------

// ResolveByTarget returns the node hosting targetID
func (r *Registry) ResolveByTarget(targetID uint16) (transport.Node, error) {
	target, ok := r.targets.Load(targetID)
	if !ok {
		return transport.Node{}, fmt.Errorf("%w: %d", ErrUnknownTarget, targetID)
	}
	entry, ok := r.nodes.Load(target.nodeID)
	if !ok {
		return transport.Node{}, fmt.Errorf("%w: %d (target %d)", ErrUnknownNode, target.nodeID, targetID)
	}
	return entry.node, nil
}

// IsActive reports whether a node is registered and active
func (r *Registry) IsActive(nodeID uint16) bool {
	entry, ok := r.nodes.Load(nodeID)
	return ok && entry.active
}

// Nodes returns all registered nodes sorted by ID
func (r *Registry) Nodes() []transport.Node {
	var res []transport.Node
	r.nodes.Range(func(_ uint16, e nodeEntry) bool {
		res = append(res, e.node)
		return true
	})
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// --------------------------------------------------------------------------
// Target Health Store
// --------------------------------------------------------------------------

// GetCombinedState returns the health of a target, false if it is unknown
func (r *Registry) GetCombinedState(targetID uint16) (common.TargetState, bool) {
	target, ok := r.targets.Load(targetID)
	if !ok {
		return common.TargetState{}, false
	}
	return target.state, true
}

// Targets returns the IDs of all mapped targets sorted ascending
func (r *Registry) Targets() []uint16 {
	var res []uint16
	r.targets.Range(func(id uint16, _ targetEntry) bool {
		res = append(res, id)
		return true
	})
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// --------------------------------------------------------------------------
// Buddy Mirror Map
// --------------------------------------------------------------------------

// PrimaryOf returns the current primary target of a mirror group
func (r *Registry) PrimaryOf(groupID uint16) (uint16, bool) {
	g, ok := r.groups.Load(groupID)
	return g.Primary, ok
}

// SecondaryOf returns the current secondary target of a mirror group
func (r *Registry) SecondaryOf(groupID uint16) (uint16, bool) {
	g, ok := r.groups.Load(groupID)
	return g.Secondary, ok
}

// MirrorGroups returns the IDs of all mirror groups sorted ascending
func (r *Registry) MirrorGroups() []uint16 {
	var res []uint16
	r.groups.Range(func(id uint16, _ MirrorGroup) bool {
		res = append(res, id)
		return true
	})
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// GroupOfPrimary returns the mirror group whose current primary is targetID
func (r *Registry) GroupOfPrimary(targetID uint16) (uint16, bool) {
	var groupID uint16
	var found bool
	r.groups.Range(func(id uint16, g MirrorGroup) bool {
		if g.Primary == targetID {
			groupID, found = id, true
			return false
		}
		return true
	})
	return groupID, found
}
