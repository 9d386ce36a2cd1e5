// Package cluster holds the client side view of a storage cluster that the
// RPC engine consults while running an operation:
//
//   - Node directory: which node hosts a target and whether the node is active
//   - Target health store: reachability (online, poffline, offline) and
//     consistency (good, needs-resync, bad) per target
//   - Buddy mirror map: primary and secondary target of every mirror group
//
// A Registry can be filled programmatically or loaded from a topology file:
//
//	nodes:
//	  - { id: 1, alias: storage01, endpoint: "10.0.0.1:8000" }
//	  - { id: 2, alias: storage02, endpoint: "10.0.0.2:8000" }
//	targets:
//	  - { id: 101, node: 1 }
//	  - { id: 201, node: 2, consistency: needs-resync }
//	mirror_groups:
//	  - { id: 1, primary: 101, secondary: 201 }
//
// All state lives in lock-free xsync maps, so health updates can be applied
// while operations are in flight.
package cluster
