// Package frr assigns addresses to every candidate link and renders the FRR
// configuration each node starts with.
package frr

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/signalsfoundry/constellation-emulator/core"
	"github.com/signalsfoundry/constellation-emulator/model"
)

// InterfaceName names the interface on node that faces peer.
func InterfaceName(node, peer model.NodeID) string {
	return fmt.Sprintf("%s-to-%s", node, peer)
}

// Area is an OSPF area in dotted form.
type Area string

// Backbone is OSPF area 0.
const Backbone Area = "0.0.0.0"

// LinkAddressing is the /30 assigned to one candidate pair. A takes the
// first host address and B the second.
type LinkAddressing struct {
	Pair   core.Pair    `json:"pair"`
	Subnet netip.Prefix `json:"subnet"`
	A      netip.Prefix `json:"a"`
	B      netip.Prefix `json:"b"`
}

// Plan is the static address plan: one loopback per node and one /30 per
// candidate pair, both allocated in a deterministic order.
type Plan struct {
	nodes     []model.Node
	loopbacks map[model.NodeID]netip.Addr
	areas     map[model.NodeID]Area
	links     map[core.Pair]LinkAddressing
	byNode    map[model.NodeID][]core.Pair
}

// NewPlan allocates addresses for nodes and the candidate pairs between them.
// Loopbacks take every other address of loopbackPrefix starting at .1 and
// link subnets are consecutive /30s starting at the second block of
// linkPrefix.
func NewPlan(nodes []model.Node, pairs []core.Pair, linkPrefix, loopbackPrefix netip.Prefix) (*Plan, error) {
	if !linkPrefix.Addr().Is4() || !loopbackPrefix.Addr().Is4() {
		return nil, core.ConfigErrorf("addressing", "only IPv4 prefixes are supported")
	}
	p := &Plan{
		nodes:     append([]model.Node(nil), nodes...),
		loopbacks: make(map[model.NodeID]netip.Addr, len(nodes)),
		areas:     make(map[model.NodeID]Area, len(nodes)),
		links:     make(map[core.Pair]LinkAddressing, len(pairs)),
		byNode:    make(map[model.NodeID][]core.Pair),
	}

	loBase := toUint32(loopbackPrefix.Masked().Addr())
	surface := 0
	for i, n := range nodes {
		addr := fromUint32(loBase + uint32(2*i+1))
		if !loopbackPrefix.Contains(addr) {
			return nil, core.ConfigErrorf("addressing.loopback_prefix", "%s exhausted after %d nodes", loopbackPrefix, i)
		}
		p.loopbacks[n.ID] = addr
		if n.Kind.Surface() {
			surface++
			if surface > 254 {
				return nil, core.ConfigErrorf("ground_stations", "at most 254 surface nodes get their own OSPF area")
			}
			p.areas[n.ID] = Area(fmt.Sprintf("0.0.0.%d", surface))
		} else {
			p.areas[n.ID] = Backbone
		}
	}

	sorted := append([]core.Pair(nil), pairs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	linkBase := toUint32(linkPrefix.Masked().Addr())
	for k, pair := range sorted {
		if _, dup := p.links[pair]; dup {
			continue
		}
		netAddr := fromUint32(linkBase + uint32(4*(k+1)))
		subnet := netip.PrefixFrom(netAddr, 30)
		if linkPrefix.Bits() > 30 || !linkPrefix.Contains(netAddr) {
			return nil, core.ConfigErrorf("addressing.link_prefix", "%s exhausted after %d links", linkPrefix, k)
		}
		la := LinkAddressing{
			Pair:   pair,
			Subnet: subnet,
			A:      netip.PrefixFrom(netAddr.Next(), 30),
			B:      netip.PrefixFrom(netAddr.Next().Next(), 30),
		}
		p.links[pair] = la
		p.byNode[pair.A] = append(p.byNode[pair.A], pair)
		p.byNode[pair.B] = append(p.byNode[pair.B], pair)
	}
	return p, nil
}

// Nodes returns the planned nodes in allocation order.
func (p *Plan) Nodes() []model.Node {
	return append([]model.Node(nil), p.nodes...)
}

// Loopback returns the router ID of node.
func (p *Plan) Loopback(node model.NodeID) (netip.Addr, bool) {
	a, ok := p.loopbacks[node]
	return a, ok
}

// Area returns the OSPF area of node.
func (p *Plan) Area(node model.NodeID) Area {
	if a, ok := p.areas[node]; ok {
		return a
	}
	return Backbone
}

// Link returns the addressing of a candidate pair.
func (p *Plan) Link(pair core.Pair) (LinkAddressing, bool) {
	la, ok := p.links[pair]
	return la, ok
}

// LinksOf returns the addressing of every candidate pair touching node,
// ordered by pair.
func (p *Plan) LinksOf(node model.NodeID) []LinkAddressing {
	pairs := p.byNode[node]
	out := make([]LinkAddressing, 0, len(pairs))
	for _, pair := range pairs {
		out = append(out, p.links[pair])
	}
	return out
}

// Endpoint returns the interface name and the local and peer addresses for
// the link from node to peer. Addresses are empty when the pair was never a
// candidate.
func (p *Plan) Endpoint(node, peer model.NodeID) (iface, local, remote string) {
	iface = InterfaceName(node, peer)
	la, ok := p.links[core.NewPair(node, peer)]
	if !ok {
		return iface, "", ""
	}
	if la.Pair.A == node {
		return iface, la.A.String(), la.B.String()
	}
	return iface, la.B.String(), la.A.String()
}

func toUint32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func fromUint32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
