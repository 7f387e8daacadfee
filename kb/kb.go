// Package kb keeps the last link state each node agent acknowledged.
package kb

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/constellation-emulator/model"
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventLinkApplied EventType = iota
)

// Event is emitted to subscribers when an agent acknowledges a link change.
type Event struct {
	Type EventType
	Node model.NodeID
	Link AppliedLink
	// WasUp is the state acknowledged for this peer before Link.
	WasUp bool
}

// AppliedLink is the state of one peer link as last acknowledged by a node.
type AppliedLink struct {
	Peer      model.NodeID `json:"peer"`
	Interface string       `json:"interface"`
	Up        bool         `json:"up"`
	DelayMs   float64      `json:"delay_ms"`
	AppliedAt time.Time    `json:"applied_at"`
}

// LinkStateBase is an in-memory, thread-safe record of acknowledged link
// state per node. It is informational: the tick diff stays the source of
// truth for what gets dispatched.
type LinkStateBase struct {
	mu sync.RWMutex

	links map[model.NodeID]map[model.NodeID]AppliedLink

	subs   map[int]func(Event)
	nextID int
}

// NewLinkStateBase constructs an empty KB.
func NewLinkStateBase() *LinkStateBase {
	return &LinkStateBase{
		links: make(map[model.NodeID]map[model.NodeID]AppliedLink),
		subs:  make(map[int]func(Event)),
	}
}

// RecordApplied stores an acknowledged link change and notifies subscribers.
func (kb *LinkStateBase) RecordApplied(node model.NodeID, link AppliedLink) error {
	if node == "" || link.Peer == "" {
		return fmt.Errorf("applied link needs node and peer, got %q/%q", node, link.Peer)
	}

	kb.mu.Lock()
	peers, ok := kb.links[node]
	if !ok {
		peers = make(map[model.NodeID]AppliedLink)
		kb.links[node] = peers
	}
	wasUp := peers[link.Peer].Up
	peers[link.Peer] = link
	subs := make([]func(Event), 0, len(kb.subs))
	for _, fn := range kb.subs {
		subs = append(subs, fn)
	}
	kb.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	event := Event{Type: EventLinkApplied, Node: node, Link: link, WasUp: wasUp}
	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// Applied returns a copy of the acknowledged links of a node sorted by peer.
func (kb *LinkStateBase) Applied(node model.NodeID) []AppliedLink {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	peers := kb.links[node]
	res := make([]AppliedLink, 0, len(peers))
	for _, l := range peers {
		res = append(res, l)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Peer < res[j].Peer })
	return res
}

// UpCount returns how many links of a node were last acknowledged as up.
func (kb *LinkStateBase) UpCount(node model.NodeID) int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	n := 0
	for _, l := range kb.links[node] {
		if l.Up {
			n++
		}
	}
	return n
}

// Nodes lists every node with at least one acknowledged link.
func (kb *LinkStateBase) Nodes() []model.NodeID {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]model.NodeID, 0, len(kb.links))
	for id := range kb.links {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *LinkStateBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.nextID
	kb.nextID++
	kb.subs[id] = fn

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		delete(kb.subs, id)
	}
}
