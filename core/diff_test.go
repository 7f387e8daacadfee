package core

import (
	"strings"
	"testing"
	"time"
)

func TestDiffFirstTickEmitsUpForEveryLink(t *testing.T) {
	_, b := newTestBuilder(t, twoByThreeSpec(), twoByThreeThresholds())
	snap := b.Build(0)

	transitions := Diff(nil, snap)
	if len(transitions) != 6 {
		t.Fatalf("first diff = %d transitions, want 6", len(transitions))
	}
	for _, tr := range transitions {
		if tr.Direction != Up {
			t.Fatalf("first diff contains %s transition for %s", tr.Direction, tr.Pair)
		}
		if !tr.Timestamp.Equal(snap.Time()) {
			t.Fatalf("transition timestamp = %v, want %v", tr.Timestamp, snap.Time())
		}
	}
}

func TestDiffTwoRingsCrossLinkComesAndGoes(t *testing.T) {
	_, b := newTestBuilder(t, twoByThreeSpec(), twoByThreeThresholds())
	t0 := b.Build(0)
	t25 := b.Build(25 * time.Second)
	t50 := b.Build(50 * time.Second)

	// At 25 s slot 2 sits at u=265°, about 2000 km from its twin.
	up := Diff(t0, t25)
	if len(up) != 1 || up[0].Direction != Up || up[0].Pair != NewPair("R0_2", "R1_2") {
		t.Fatalf("diff(0s, 25s) = %+v, want a single up for R0_2 <-> R1_2", up)
	}
	if up[0].Link.Class != ClassInterRing {
		t.Fatalf("class = %s, want inter-ring", up[0].Link.Class)
	}

	// At 50 s u=290° and the pair is ~7900 km apart.
	down := Diff(t25, t50)
	if len(down) != 1 || down[0].Direction != Down || down[0].Pair != NewPair("R0_2", "R1_2") {
		t.Fatalf("diff(25s, 50s) = %+v, want a single down for R0_2 <-> R1_2", down)
	}
	if !strings.Contains(down[0].String(), "R0_2 <-> R1_2 down") {
		t.Fatalf("description %q does not name the pair and direction", down[0].String())
	}
}

func TestDiffRoundTripLaw(t *testing.T) {
	_, b := newTestBuilder(t, walkerSpec(), walkerThresholds())
	var prev *Snapshot
	for step := 0; step < 60; step++ {
		curr := b.Build(time.Duration(step) * 30 * time.Second)
		transitions := Diff(prev, curr)

		if got := ApplyTransitions(prev, transitions); !pairSetEqual(got, curr.Pairs()) {
			t.Fatalf("step %d: applying diff does not reproduce current snapshot", step)
		}

		seen := make(map[Pair]Direction)
		for i, tr := range transitions {
			if d, dup := seen[tr.Pair]; dup {
				t.Fatalf("step %d: pair %s appears as %s and %s", step, tr.Pair, d, tr.Direction)
			}
			seen[tr.Pair] = tr.Direction
			if i > 0 && !transitions[i-1].Pair.Less(tr.Pair) {
				t.Fatalf("step %d: transitions not ordered at %d", step, i)
			}
		}
		prev = curr
	}
}

func TestDiffIdenticalSnapshotsIsEmpty(t *testing.T) {
	_, b := newTestBuilder(t, walkerSpec(), walkerThresholds())
	snap := b.Build(time.Minute)
	if got := Diff(snap, snap); len(got) != 0 {
		t.Fatalf("Diff(s, s) = %d transitions, want 0", len(got))
	}
}

func TestCounts(t *testing.T) {
	ups, downs := Counts([]Transition{{Direction: Up}, {Direction: Down}, {Direction: Up}})
	if ups != 2 || downs != 1 {
		t.Fatalf("Counts = (%d, %d), want (2, 1)", ups, downs)
	}
}
