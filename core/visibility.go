package core

import (
	"math"

	"github.com/signalsfoundry/constellation-emulator/model"
)

// LinkClass identifies which pair rule governs a candidate link.
type LinkClass int

const (
	ClassNone      LinkClass = iota // pair can never link
	ClassIntraRing                  // neighbours on the same ring
	ClassInterRing                  // same slot on adjacent rings
	ClassUplink                     // ring node to surface node
)

func (c LinkClass) String() string {
	switch c {
	case ClassIntraRing:
		return "intra-ring"
	case ClassInterRing:
		return "inter-ring"
	case ClassUplink:
		return "uplink"
	default:
		return "none"
	}
}

// MarshalText renders the class by name in JSON payloads.
func (c LinkClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Thresholds are the geometric limits applied by the pair rules.
type Thresholds struct {
	RingRangeKm      float64
	CrossRingRangeKm float64
	GroundRangeKm    float64
	MinSeparationKm  float64
	MinElevationDeg  float64
	// CrossRingMaxLatitudeDeg disables inter-ring links while either endpoint
	// is beyond this absolute latitude. Zero turns the rule off.
	CrossRingMaxLatitudeDeg float64
	EarthOcclusion          bool
}

// Validate rejects thresholds that could never produce a link.
func (t Thresholds) Validate() error {
	switch {
	case t.RingRangeKm <= 0:
		return ConfigErrorf("visibility.ring_range_km", "must be positive, got %v", t.RingRangeKm)
	case t.CrossRingRangeKm < 0:
		return ConfigErrorf("visibility.cross_ring_range_km", "must not be negative, got %v", t.CrossRingRangeKm)
	case t.GroundRangeKm < 0:
		return ConfigErrorf("visibility.ground_range_km", "must not be negative, got %v", t.GroundRangeKm)
	case t.MinSeparationKm < 0:
		return ConfigErrorf("visibility.min_separation_km", "must not be negative, got %v", t.MinSeparationKm)
	case t.MinElevationDeg < -90 || t.MinElevationDeg > 90:
		return ConfigErrorf("visibility.min_elevation_deg", "must be within [-90, 90], got %v", t.MinElevationDeg)
	case t.CrossRingMaxLatitudeDeg < 0 || t.CrossRingMaxLatitudeDeg > 90:
		return ConfigErrorf("visibility.cross_ring_max_latitude_deg", "must be within [0, 90], got %v", t.CrossRingMaxLatitudeDeg)
	}
	return nil
}

// Endpoint is one side of a visibility query.
type Endpoint struct {
	Kind     model.NodeKind
	Ring     int
	Position Position
}

// Visibility is the outcome of a pair evaluation. DistanceKm and DelayMs are
// always populated, even when Visible is false.
type Visibility struct {
	Class        LinkClass
	Visible      bool
	DistanceKm   float64
	DelayMs      float64
	ElevationDeg float64 // uplinks only
}

type kindPair struct{ a, b model.NodeKind }

type pairRule func(t Thresholds, a, b Endpoint, distance float64) (bool, float64)

// VisibilityCalculator evaluates the pair rule selected by the endpoints'
// kinds. It is stateless apart from its thresholds.
type VisibilityCalculator struct {
	thresholds Thresholds
	rules      map[LinkClass]pairRule
	classes    map[kindPair]LinkClass
}

// NewVisibilityCalculator wires the rule table for the given thresholds.
func NewVisibilityCalculator(t Thresholds) (*VisibilityCalculator, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	ring, gs, vessel := model.KindRingNode, model.KindGroundStation, model.KindVessel
	return &VisibilityCalculator{
		thresholds: t,
		rules: map[LinkClass]pairRule{
			ClassIntraRing: intraRingRule,
			ClassInterRing: interRingRule,
			ClassUplink:    uplinkRule,
		},
		classes: map[kindPair]LinkClass{
			{ring, ring}:   ClassIntraRing, // refined by ring index in Classify
			{ring, gs}:     ClassUplink,
			{gs, ring}:     ClassUplink,
			{ring, vessel}: ClassUplink,
			{vessel, ring}: ClassUplink,
		},
	}, nil
}

// Thresholds returns the configured limits.
func (v *VisibilityCalculator) Thresholds() Thresholds { return v.thresholds }

// Classify returns the rule class for two endpoints.
func (v *VisibilityCalculator) Classify(a, b Endpoint) LinkClass {
	class := v.classes[kindPair{a.Kind, b.Kind}]
	if class == ClassIntraRing && a.Ring != b.Ring {
		return ClassInterRing
	}
	return class
}

// IsVisible decides whether a link between a and b can exist.
func (v *VisibilityCalculator) IsVisible(a, b Endpoint) Visibility {
	distance := a.Position.ECI.DistanceTo(b.Position.ECI)
	res := Visibility{
		Class:      v.Classify(a, b),
		DistanceKm: distance,
		DelayMs:    LinkDelayMs(distance),
	}
	rule, ok := v.rules[res.Class]
	if !ok {
		return res
	}
	res.Visible, res.ElevationDeg = rule(v.thresholds, a, b, distance)
	return res
}

func intraRingRule(t Thresholds, a, b Endpoint, distance float64) (bool, float64) {
	return distance <= t.RingRangeKm && clearPath(t, a, b, distance), 0
}

func interRingRule(t Thresholds, a, b Endpoint, distance float64) (bool, float64) {
	if distance > t.CrossRingRangeKm || !clearPath(t, a, b, distance) {
		return false, 0
	}
	if limit := t.CrossRingMaxLatitudeDeg; limit > 0 {
		if math.Abs(a.Position.LatDeg) > limit || math.Abs(b.Position.LatDeg) > limit {
			return false, 0
		}
	}
	return true, 0
}

func uplinkRule(t Thresholds, a, b Endpoint, distance float64) (bool, float64) {
	ground, sat := a, b
	if a.Kind == model.KindRingNode {
		ground, sat = b, a
	}
	elevation := ElevationDegrees(ground.Position.ECI, sat.Position.ECI)
	return distance <= t.GroundRangeKm && elevation >= t.MinElevationDeg, elevation
}

func clearPath(t Thresholds, a, b Endpoint, distance float64) bool {
	if distance < t.MinSeparationKm {
		return false
	}
	return !t.EarthOcclusion || hasLineOfSight(a.Position.ECI, b.Position.ECI)
}
