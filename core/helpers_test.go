package core

import (
	"testing"
	"time"
)

var testEpoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// twoByThreeSpec is a polar two-ring layout with perpendicular planes and a
// 360 s period, so the argument of latitude in degrees equals elapsed
// seconds. Same-slot nodes on the two rings sit sqrt(2)*r*|cos u| apart.
func twoByThreeSpec() ConstellationSpec {
	return ConstellationSpec{
		Rings:          2,
		NodesPerRing:   3,
		InclinationDeg: 90,
		AltitudeKm:     10000,
		RAANSpreadDeg:  180,
		RingPeriods:    []time.Duration{360 * time.Second, 360 * time.Second},
		Epoch:          testEpoch,
	}
}

// twoByThreeThresholds lets every node see its two ring neighbours and keeps
// cross-ring links to same-slot pairs within a quarter of sqrt(2)*r.
func twoByThreeThresholds() Thresholds {
	return Thresholds{
		RingRangeKm:      30000,
		CrossRingRangeKm: 5788,
		GroundRangeKm:    3000,
		MinSeparationKm:  100,
		MinElevationDeg:  15,
		EarthOcclusion:   true,
	}
}

func walkerSpec() ConstellationSpec {
	return ConstellationSpec{
		Rings:          4,
		NodesPerRing:   10,
		InclinationDeg: 53.9,
		AltitudeKm:     550,
		RAANSpreadDeg:  360,
		PhaseOffsetDeg: 15,
		CrossRingSeam:  true,
		Epoch:          testEpoch,
		GroundStations: []SiteSpec{
			{Name: "berlin", LatDeg: 52.52, LonDeg: 13.40},
			{Name: "nairobi", LatDeg: -1.29, LonDeg: 36.82},
			{Name: "santiago", LatDeg: -33.45, LonDeg: -70.67},
		},
		Vessels: []VesselSpec{{
			Name:           "vessel-1",
			SpeedDegPerSec: 0.05,
			Waypoints:      []LatLon{{LatDeg: 10, LonDeg: -30}, {LatDeg: 20, LonDeg: -40}, {LatDeg: 25, LonDeg: -20}},
		}},
	}
}

func walkerThresholds() Thresholds {
	return Thresholds{
		RingRangeKm:             5000,
		CrossRingRangeKm:        6000,
		GroundRangeKm:           2500,
		MinSeparationKm:         10,
		MinElevationDeg:         15,
		CrossRingMaxLatitudeDeg: 51.9,
		EarthOcclusion:          true,
	}
}

func newTestBuilder(t *testing.T, spec ConstellationSpec, th Thresholds) (*Constellation, *Builder) {
	t.Helper()

	c, err := NewConstellation(spec)
	if err != nil {
		t.Fatalf("NewConstellation: %v", err)
	}
	vis, err := NewVisibilityCalculator(th)
	if err != nil {
		t.Fatalf("NewVisibilityCalculator: %v", err)
	}
	return c, NewBuilder(c, NewMotionModel(c), vis)
}

func pairSetEqual(a, b map[Pair]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for p := range a {
		if _, ok := b[p]; !ok {
			return false
		}
	}
	return true
}
