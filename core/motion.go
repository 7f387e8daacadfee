package core

import (
	"math"
	"time"

	"github.com/signalsfoundry/constellation-emulator/model"
)

// MotionModel computes node positions as a pure function of elapsed
// simulated time. It holds no mutable state and is safe for concurrent use.
type MotionModel struct {
	c *Constellation

	ringRadius float64
	sinInc     float64
	cosInc     float64
	raan       []float64 // per ring, radians
	phase      []float64 // per ring, radians

	sites   map[model.NodeID]Position
	vessels []vesselTrack
}

type vesselTrack struct {
	id       model.NodeID
	speed    float64 // degrees per second
	points   []LatLon
	cumLen   []float64 // cumulative path length at each waypoint
	totalLen float64
}

// NewMotionModel precomputes ring geometry and the fixed ground positions.
func NewMotionModel(c *Constellation) *MotionModel {
	spec := c.spec
	inc := spec.InclinationDeg * deg2rad
	m := &MotionModel{
		c:          c,
		ringRadius: EarthRadiusKm + spec.AltitudeKm,
		sinInc:     math.Sin(inc),
		cosInc:     math.Cos(inc),
		raan:       make([]float64, spec.Rings),
		phase:      make([]float64, spec.Rings),
		sites:      make(map[model.NodeID]Position, len(spec.GroundStations)),
	}
	spread := spec.RAANSpreadDeg
	if spread == 0 {
		spread = 360
	}
	for i := 0; i < spec.Rings; i++ {
		m.raan[i] = float64(i) * spread / float64(spec.Rings) * deg2rad
		m.phase[i] = float64(i) * spec.PhaseOffsetDeg * deg2rad
	}
	for _, gs := range spec.GroundStations {
		m.sites[model.NodeID(gs.Name)] = c.frame.position(c.frame.surface(gs.LatDeg, gs.LonDeg, gs.AltKm))
	}
	for _, v := range spec.Vessels {
		track := vesselTrack{id: model.NodeID(v.Name), speed: v.SpeedDegPerSec, points: v.Waypoints}
		track.cumLen = make([]float64, len(v.Waypoints))
		for k := 1; k < len(v.Waypoints); k++ {
			a, b := v.Waypoints[k-1], v.Waypoints[k]
			track.cumLen[k] = track.cumLen[k-1] + math.Hypot(b.LatDeg-a.LatDeg, b.LonDeg-a.LonDeg)
		}
		track.totalLen = track.cumLen[len(track.cumLen)-1]
		m.vessels = append(m.vessels, track)
	}
	return m
}

// Positions returns the position of every node at the given elapsed
// simulated time.
func (m *MotionModel) Positions(elapsed time.Duration) map[model.NodeID]Position {
	out := make(map[model.NodeID]Position, len(m.c.nodes))
	for i, ring := range m.c.rings {
		for j, idx := range ring {
			out[m.c.nodes[idx].ID] = m.c.frame.position(m.ringPosition(i, j, elapsed))
		}
	}
	for id, pos := range m.sites {
		out[id] = pos
	}
	for _, v := range m.vessels {
		ll := v.at(elapsed)
		out[v.id] = m.c.frame.position(m.c.frame.surface(ll.LatDeg, ll.LonDeg, 0))
	}
	return out
}

// ringPosition places slot j of ring i on its circular orbit.
func (m *MotionModel) ringPosition(ring, slot int, elapsed time.Duration) Vec3 {
	n := float64(m.c.spec.NodesPerRing)
	period := m.c.periods[ring].Seconds()
	// Reduce the orbit fraction first so long runs keep full precision.
	frac := math.Mod(elapsed.Seconds(), period) / period
	u := 2*math.Pi*float64(slot)/n + m.phase[ring] + 2*math.Pi*frac

	sinU, cosU := math.Sincos(u)
	sinO, cosO := math.Sincos(m.raan[ring])
	r := m.ringRadius
	return Vec3{
		X: r * (cosO*cosU - sinO*sinU*m.cosInc),
		Y: r * (sinO*cosU + cosO*sinU*m.cosInc),
		Z: r * sinU * m.sinInc,
	}
}

// at walks the waypoint path forward then back at constant speed.
func (v vesselTrack) at(elapsed time.Duration) LatLon {
	if v.totalLen == 0 {
		return v.points[0]
	}
	s := math.Mod(v.speed*elapsed.Seconds(), 2*v.totalLen)
	if s > v.totalLen {
		s = 2*v.totalLen - s
	}
	for k := 1; k < len(v.points); k++ {
		if s > v.cumLen[k] && k < len(v.points)-1 {
			continue
		}
		seg := v.cumLen[k] - v.cumLen[k-1]
		if seg == 0 {
			return v.points[k]
		}
		f := (s - v.cumLen[k-1]) / seg
		a, b := v.points[k-1], v.points[k]
		return LatLon{
			LatDeg: a.LatDeg + (b.LatDeg-a.LatDeg)*f,
			LonDeg: a.LonDeg + (b.LonDeg-a.LonDeg)*f,
		}
	}
	return v.points[len(v.points)-1]
}
