package core

import (
	"sort"
	"time"

	"github.com/signalsfoundry/constellation-emulator/model"
)

// Pair is an unordered node pair stored in canonical order (A < B).
type Pair struct {
	A model.NodeID `json:"a"`
	B model.NodeID `json:"b"`
}

// NewPair canonicalises x and y.
func NewPair(x, y model.NodeID) Pair {
	if y < x {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

// Less orders pairs lexicographically by endpoint.
func (p Pair) Less(o Pair) bool {
	if p.A != o.A {
		return p.A < o.A
	}
	return p.B < o.B
}

// Other returns the endpoint opposite to id.
func (p Pair) Other(id model.NodeID) model.NodeID {
	if p.A == id {
		return p.B
	}
	return p.A
}

func (p Pair) String() string {
	return string(p.A) + " <-> " + string(p.B)
}

// Link is a currently-up link between two nodes.
type Link struct {
	Pair       Pair      `json:"pair"`
	Class      LinkClass `json:"class"`
	DistanceKm float64   `json:"distance_km"`
	DelayMs    float64   `json:"delay_ms"`
	UpSince    time.Time `json:"up_since"`
}

// Snapshot is the immutable link state at one simulated instant.
type Snapshot struct {
	elapsed   time.Duration
	at        time.Time
	links     map[Pair]Link
	sorted    []Link
	positions map[model.NodeID]Position
}

func newSnapshot(elapsed time.Duration, at time.Time, links map[Pair]Link, positions map[model.NodeID]Position) *Snapshot {
	sorted := make([]Link, 0, len(links))
	for _, l := range links {
		sorted = append(sorted, l)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Pair.Less(sorted[j].Pair) })
	return &Snapshot{elapsed: elapsed, at: at, links: links, sorted: sorted, positions: positions}
}

// Elapsed is the simulated time since the scenario epoch.
func (s *Snapshot) Elapsed() time.Duration { return s.elapsed }

// Time is the absolute simulated timestamp of the snapshot.
func (s *Snapshot) Time() time.Time { return s.at }

// Len returns the number of up links.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.links)
}

// Has reports whether the pair is up.
func (s *Snapshot) Has(p Pair) bool {
	if s == nil {
		return false
	}
	_, ok := s.links[p]
	return ok
}

// Link returns the link for a pair.
func (s *Snapshot) Link(p Pair) (Link, bool) {
	if s == nil {
		return Link{}, false
	}
	l, ok := s.links[p]
	return l, ok
}

// Links returns the up links sorted by pair. The slice is a copy.
func (s *Snapshot) Links() []Link {
	if s == nil {
		return nil
	}
	return append([]Link(nil), s.sorted...)
}

// Pairs returns the set of up pairs.
func (s *Snapshot) Pairs() map[Pair]struct{} {
	out := make(map[Pair]struct{}, s.Len())
	if s == nil {
		return out
	}
	for p := range s.links {
		out[p] = struct{}{}
	}
	return out
}

// Position returns a node's position at the snapshot instant.
func (s *Snapshot) Position(id model.NodeID) (Position, bool) {
	if s == nil {
		return Position{}, false
	}
	p, ok := s.positions[id]
	return p, ok
}

// LinksOf returns the links touching a node, sorted by pair.
func (s *Snapshot) LinksOf(id model.NodeID) []Link {
	var out []Link
	for _, l := range s.Links() {
		if l.Pair.A == id || l.Pair.B == id {
			out = append(out, l)
		}
	}
	return out
}

// Continue derives a snapshot whose surviving links keep their UpSince from
// prev. Neither input is modified.
func (s *Snapshot) Continue(prev *Snapshot) *Snapshot {
	if prev == nil || s == nil {
		return s
	}
	links := make(map[Pair]Link, len(s.links))
	for p, l := range s.links {
		if old, ok := prev.links[p]; ok {
			l.UpSince = old.UpSince
		}
		links[p] = l
	}
	return newSnapshot(s.elapsed, s.at, links, s.positions)
}

// Builder turns the motion model and the visibility rules into snapshots.
type Builder struct {
	c          *Constellation
	motion     *MotionModel
	vis        *VisibilityCalculator
	candidates []Pair
}

// NewBuilder precomputes the candidate pair set for the constellation.
func NewBuilder(c *Constellation, motion *MotionModel, vis *VisibilityCalculator) *Builder {
	return &Builder{c: c, motion: motion, vis: vis, candidates: candidatePairs(c)}
}

// Candidates returns the pruned pair set evaluated on every build.
func (b *Builder) Candidates() []Pair {
	return append([]Pair(nil), b.candidates...)
}

// Build evaluates every candidate pair at the given elapsed time.
func (b *Builder) Build(elapsed time.Duration) *Snapshot {
	positions := b.motion.Positions(elapsed)
	at := b.c.Epoch().Add(elapsed)
	links := make(map[Pair]Link)
	for _, p := range b.candidates {
		na, _ := b.c.Node(p.A)
		nb, _ := b.c.Node(p.B)
		v := b.vis.IsVisible(
			Endpoint{Kind: na.Kind, Ring: na.Ring, Position: positions[p.A]},
			Endpoint{Kind: nb.Kind, Ring: nb.Ring, Position: positions[p.B]},
		)
		if !v.Visible {
			continue
		}
		links[p] = Link{Pair: p, Class: v.Class, DistanceKm: v.DistanceKm, DelayMs: v.DelayMs, UpSince: at}
	}
	return newSnapshot(elapsed, at, links, positions)
}

// candidatePairs applies the adjacency rules: ring neighbours, the same slot
// on the next ring, and every ring/surface pair.
func candidatePairs(c *Constellation) []Pair {
	seen := make(map[Pair]struct{})
	var out []Pair
	add := func(x, y model.NodeID) {
		if x == y {
			return
		}
		p := NewPair(x, y)
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	rings, n := c.RingCount(), c.RingSize()
	for i := 0; i < rings; i++ {
		for j := 0; j < n; j++ {
			add(c.RingNode(i, j).ID, c.RingNode(i, j+1).ID)
			if rings > 1 && (i+1 < rings || c.spec.CrossRingSeam) {
				add(c.RingNode(i, j).ID, c.RingNode(i+1, j).ID)
			}
		}
	}
	for _, s := range c.SurfaceNodes() {
		for i := 0; i < rings; i++ {
			for j := 0; j < n; j++ {
				add(c.RingNode(i, j).ID, s.ID)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
