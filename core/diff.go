package core

import (
	"fmt"
	"sort"
	"time"
)

// Direction is the sense of a link transition.
type Direction int

const (
	Up Direction = iota + 1
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// MarshalText renders the direction by name in JSON payloads.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Transition records a single link appearing or disappearing between two
// consecutive snapshots. Link holds the new attributes for Up and the last
// known attributes for Down.
type Transition struct {
	Pair      Pair
	Direction Direction
	Timestamp time.Time
	Link      Link
}

// String is the human-readable event log description.
func (t Transition) String() string {
	return fmt.Sprintf("link %s %s (%s, %.1f km)", t.Pair, t.Direction, t.Link.Class, t.Link.DistanceKm)
}

// Diff compares consecutive snapshots. A nil prev yields an Up transition for
// every link in curr. The result is ordered by pair.
func Diff(prev, curr *Snapshot) []Transition {
	var out []Transition
	at := curr.Time()
	for _, l := range curr.Links() {
		if !prev.Has(l.Pair) {
			out = append(out, Transition{Pair: l.Pair, Direction: Up, Timestamp: at, Link: l})
		}
	}
	for _, l := range prev.Links() {
		if !curr.Has(l.Pair) {
			out = append(out, Transition{Pair: l.Pair, Direction: Down, Timestamp: at, Link: l})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Pair.Less(out[j].Pair) })
	return out
}

// ApplyTransitions replays transitions onto prev's pair set: ups first, then
// downs. Applying Diff(prev, curr) reproduces curr's pair set.
func ApplyTransitions(prev *Snapshot, transitions []Transition) map[Pair]struct{} {
	set := prev.Pairs()
	for _, t := range transitions {
		if t.Direction == Up {
			set[t.Pair] = struct{}{}
		}
	}
	for _, t := range transitions {
		if t.Direction == Down {
			delete(set, t.Pair)
		}
	}
	return set
}

// Counts splits transitions by direction.
func Counts(transitions []Transition) (ups, downs int) {
	for _, t := range transitions {
		switch t.Direction {
		case Up:
			ups++
		case Down:
			downs++
		}
	}
	return ups, downs
}
