package core

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/signalsfoundry/constellation-emulator/model"
)

// ConstellationSpec is the static description of the emulated network.
type ConstellationSpec struct {
	Rings          int
	NodesPerRing   int
	InclinationDeg float64
	AltitudeKm     float64

	// RAANSpreadDeg is the arc across which ring planes are spread; 360 for
	// a Walker-delta layout, 180 for a polar star.
	RAANSpreadDeg float64
	// PhaseOffsetDeg shifts slot 0 of each successive ring.
	PhaseOffsetDeg float64
	// RingPeriods optionally overrides the orbital period per ring. Missing
	// or zero entries fall back to the Keplerian period for AltitudeKm.
	RingPeriods []time.Duration
	// CrossRingSeam links the last ring back to the first.
	CrossRingSeam bool

	Epoch time.Time

	GroundStations []SiteSpec
	Vessels        []VesselSpec
}

// SiteSpec places a ground station.
type SiteSpec struct {
	Name   string
	LatDeg float64
	LonDeg float64
	AltKm  float64
}

// LatLon is a geodetic waypoint in degrees.
type LatLon struct {
	LatDeg float64
	LonDeg float64
}

// VesselSpec describes a surface node travelling back and forth along its
// waypoints.
type VesselSpec struct {
	Name           string
	SpeedDegPerSec float64
	Waypoints      []LatLon
}

// Constellation is the validated, immutable node set. Rings are
// index-addressed: Ring(i)[j] is the arena index of slot j on ring i.
type Constellation struct {
	spec  ConstellationSpec
	frame epochFrame

	nodes   []model.Node
	index   map[model.NodeID]int
	rings   [][]int
	sites   []int
	vessels []int
	periods []time.Duration
}

// NewConstellation validates spec and lays out the node arena. All
// configuration problems surface here as *ConfigurationError.
func NewConstellation(spec ConstellationSpec) (*Constellation, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	c := &Constellation{
		spec:  spec,
		frame: newEpochFrame(spec.Epoch),
		index: make(map[model.NodeID]int),
	}

	add := func(n model.Node) error {
		if _, dup := c.index[n.ID]; dup {
			return ConfigErrorf("nodes", "duplicate node name %q", n.ID)
		}
		c.index[n.ID] = len(c.nodes)
		c.nodes = append(c.nodes, n)
		return nil
	}

	defaultPeriod := OrbitalPeriod(spec.AltitudeKm)
	c.rings = make([][]int, spec.Rings)
	c.periods = make([]time.Duration, spec.Rings)
	for i := 0; i < spec.Rings; i++ {
		c.periods[i] = defaultPeriod
		if i < len(spec.RingPeriods) && spec.RingPeriods[i] > 0 {
			c.periods[i] = spec.RingPeriods[i]
		}
		c.rings[i] = make([]int, spec.NodesPerRing)
		for j := 0; j < spec.NodesPerRing; j++ {
			c.rings[i][j] = len(c.nodes)
			if err := add(model.Node{ID: model.RingNodeID(i, j), Kind: model.KindRingNode, Ring: i, Slot: j}); err != nil {
				return nil, err
			}
		}
	}
	for _, gs := range spec.GroundStations {
		c.sites = append(c.sites, len(c.nodes))
		if err := add(model.Node{ID: model.NodeID(gs.Name), Kind: model.KindGroundStation, Ring: -1, Slot: -1}); err != nil {
			return nil, err
		}
	}
	for _, v := range spec.Vessels {
		c.vessels = append(c.vessels, len(c.nodes))
		if err := add(model.Node{ID: model.NodeID(v.Name), Kind: model.KindVessel, Ring: -1, Slot: -1}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func validateSpec(spec ConstellationSpec) error {
	switch {
	case spec.Rings <= 0:
		return ConfigErrorf("constellation.rings", "must be positive, got %d", spec.Rings)
	case spec.NodesPerRing <= 0:
		return ConfigErrorf("constellation.nodes_per_ring", "must be positive, got %d", spec.NodesPerRing)
	case spec.AltitudeKm <= 0 || math.IsNaN(spec.AltitudeKm):
		return ConfigErrorf("constellation.altitude_km", "must be positive, got %v", spec.AltitudeKm)
	case spec.InclinationDeg < 0 || spec.InclinationDeg > 180:
		return ConfigErrorf("constellation.inclination_deg", "must be within [0, 180], got %v", spec.InclinationDeg)
	case spec.Epoch.IsZero():
		return ConfigErrorf("constellation.epoch", "must be set")
	}
	for i, p := range spec.RingPeriods {
		if p < 0 {
			return ConfigErrorf(fmt.Sprintf("constellation.ring_periods[%d]", i), "must not be negative, got %s", p)
		}
	}
	for i, gs := range spec.GroundStations {
		field := fmt.Sprintf("ground_stations[%d]", i)
		if gs.Name == "" {
			return ConfigErrorf(field, "name is required")
		}
		if err := validateLatLon(field, gs.LatDeg, gs.LonDeg); err != nil {
			return err
		}
	}
	for i, v := range spec.Vessels {
		field := fmt.Sprintf("vessels[%d]", i)
		if v.Name == "" {
			return ConfigErrorf(field, "name is required")
		}
		if len(v.Waypoints) < 2 {
			return ConfigErrorf(field, "needs at least two waypoints, got %d", len(v.Waypoints))
		}
		if v.SpeedDegPerSec <= 0 {
			return ConfigErrorf(field, "speed must be positive, got %v", v.SpeedDegPerSec)
		}
		for _, wp := range v.Waypoints {
			if err := validateLatLon(field, wp.LatDeg, wp.LonDeg); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateLatLon(field string, lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return ConfigErrorf(field, "latitude %v out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return ConfigErrorf(field, "longitude %v out of range", lon)
	}
	return nil
}

// Spec returns the validated specification.
func (c *Constellation) Spec() ConstellationSpec { return c.spec }

// Nodes returns a copy of the node arena in stable order: rings first, then
// ground stations, then vessels.
func (c *Constellation) Nodes() []model.Node {
	return append([]model.Node(nil), c.nodes...)
}

// Node looks up a node by identity.
func (c *Constellation) Node(id model.NodeID) (model.Node, bool) {
	idx, ok := c.index[id]
	if !ok {
		return model.Node{}, false
	}
	return c.nodes[idx], true
}

// RingCount returns the number of rings.
func (c *Constellation) RingCount() int { return len(c.rings) }

// RingSize returns the number of slots per ring.
func (c *Constellation) RingSize() int { return c.spec.NodesPerRing }

// RingNode returns the node at ring i, slot j using modular addressing.
func (c *Constellation) RingNode(ring, slot int) model.Node {
	r := mod(ring, len(c.rings))
	s := mod(slot, c.spec.NodesPerRing)
	return c.nodes[c.rings[r][s]]
}

// Period returns the orbital period of ring i.
func (c *Constellation) Period(ring int) time.Duration {
	return c.periods[ring]
}

// SurfaceNodes returns ground stations and vessels sorted by identity.
func (c *Constellation) SurfaceNodes() []model.Node {
	out := make([]model.Node, 0, len(c.sites)+len(c.vessels))
	for _, idx := range append(append([]int(nil), c.sites...), c.vessels...) {
		out = append(out, c.nodes[idx])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Epoch returns the simulated instant corresponding to elapsed time zero.
func (c *Constellation) Epoch() time.Time { return c.spec.Epoch }

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
