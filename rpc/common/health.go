package common

import (
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Target Health
// --------------------------------------------------------------------------

// Reachability is the externally reported reachability of a storage target
type Reachability uint8

const (
	ReachabilityOnline   Reachability = iota
	ReachabilityPOffline              // probably offline, no heartbeat for a while
	ReachabilityOffline
)

// Consistency is the externally reported data consistency of a storage target
type Consistency uint8

const (
	ConsistencyGood Consistency = iota
	ConsistencyNeedsResync
	ConsistencyBad
)

// TargetState is the combined health state of a storage target
type TargetState struct {
	Reachability Reachability
	Consistency  Consistency
}

// Healthy reports whether the target is online and consistent
func (s TargetState) Healthy() bool {
	return s.Reachability == ReachabilityOnline && s.Consistency == ConsistencyGood
}

func (s TargetState) String() string {
	return s.Reachability.String() + "/" + s.Consistency.String()
}

var reachabilityNames = map[Reachability]string{
	ReachabilityOnline:   "online",
	ReachabilityPOffline: "poffline",
	ReachabilityOffline:  "offline",
}

var consistencyNames = map[Consistency]string{
	ConsistencyGood:        "good",
	ConsistencyNeedsResync: "needs-resync",
	ConsistencyBad:         "bad",
}

func (r Reachability) String() string {
	if s, ok := reachabilityNames[r]; ok {
		return s
	}
	return "unknown"
}

func (c Consistency) String() string {
	if s, ok := consistencyNames[c]; ok {
		return s
	}
	return "unknown"
}

// ParseReachability parses the name of a reachability state, empty means online
func ParseReachability(s string) (Reachability, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ReachabilityOnline, nil
	}
	for k, v := range reachabilityNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown reachability state: %s", s)
}

// ParseConsistency parses the name of a consistency state, empty means good
func ParseConsistency(s string) (Consistency, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ConsistencyGood, nil
	}
	for k, v := range consistencyNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown consistency state: %s", s)
}
