package model

import "fmt"

// NodeID is the unique name of an emulated node. It doubles as the address
// key used by the gateway and the prober.
type NodeID string

// NodeKind is the tagged variant consumed by the visibility pair rules.
type NodeKind int

const (
	KindUnknown       NodeKind = iota
	KindRingNode               // member of an orbital ring
	KindGroundStation          // fixed position on the surface
	KindVessel                 // slow surface mover following waypoints
)

func (k NodeKind) String() string {
	switch k {
	case KindRingNode:
		return "ring-node"
	case KindGroundStation:
		return "ground-station"
	case KindVessel:
		return "vessel"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind as its string form in JSON payloads.
func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Group is the telemetry classification of a node.
type Group string

const (
	GroupStable  Group = "stable"
	GroupDynamic Group = "dynamic"
)

// Groups lists the telemetry groups in display order.
var Groups = []Group{GroupStable, GroupDynamic}

// Surface reports whether the kind lives on the Earth's surface.
func (k NodeKind) Surface() bool {
	return k == KindGroundStation || k == KindVessel
}

// Group derives the telemetry group from the static kind only.
func (k NodeKind) Group() Group {
	if k.Surface() {
		return GroupStable
	}
	return GroupDynamic
}

// Node is the immutable identity of an emulated node. Ring and Slot are -1
// for surface nodes.
type Node struct {
	ID   NodeID   `json:"id"`
	Kind NodeKind `json:"kind"`
	Ring int      `json:"ring"`
	Slot int      `json:"slot"`
}

// RingNodeID builds the canonical identity of a ring member.
func RingNodeID(ring, slot int) NodeID {
	return NodeID(fmt.Sprintf("R%d_%d", ring, slot))
}

// Group is a shorthand for n.Kind.Group().
func (n Node) Group() Group {
	return n.Kind.Group()
}
