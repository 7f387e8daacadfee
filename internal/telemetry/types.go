package telemetry

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/constellation-emulator/core"
	"github.com/signalsfoundry/constellation-emulator/model"
)

// EventKind classifies EventLog entries.
type EventKind string

const (
	EventLinkUp            EventKind = "link_up"
	EventLinkDown          EventKind = "link_down"
	EventDispatchFailed    EventKind = "dispatch_failed"
	EventDispatchCancelled EventKind = "dispatch_cancelled"
)

// Event is one EventLog entry. Timestamp is simulated time.
type Event struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	Kind        EventKind    `json:"kind"`
	Description string       `json:"description"`
	Pair        core.Pair    `json:"pair"`
	Node        model.NodeID `json:"node,omitempty"`
}

// Period is one closed reachability window of a group. Start and End are
// wall-clock times.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	OK    int       `json:"ok"`
	Fail  int       `json:"fail"`
}

// ProbeResult is the outcome of a single reachability probe.
type ProbeResult struct {
	Node      model.NodeID  `json:"node"`
	Group     model.Group   `json:"group"`
	OK        bool          `json:"ok"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Error     string        `json:"error,omitempty"`
	RTT       time.Duration `json:"rtt_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

// NodeStatus is the latest probe of a node plus its liveness.
type NodeStatus struct {
	Last        ProbeResult `json:"last"`
	LastSuccess time.Time   `json:"last_success"`
	Active      bool        `json:"active"`
}

// Summary is the aggregator's view of the last recorded tick.
type Summary struct {
	Ticks      uint64        `json:"ticks"`
	SimTime    time.Time     `json:"sim_time"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Nodes      int           `json:"nodes"`
	Links      int           `json:"links"`
	LastUps    int           `json:"last_ups"`
	LastDowns  int           `json:"last_downs"`
	TotalUps   int           `json:"total_ups"`
	TotalDowns int           `json:"total_downs"`

	DispatchSucceeded int    `json:"dispatch_succeeded"`
	DispatchFailed    int    `json:"dispatch_failed"`
	DispatchCancelled int    `json:"dispatch_cancelled"`
	ProbesCancelled   int    `json:"probes_cancelled"`
	SinkDropped       uint64 `json:"sink_dropped"`
}

// ProbeFailure is counted as a fail for the node's group.
type ProbeFailure struct {
	Node model.NodeID
	Err  error
}

func (e *ProbeFailure) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Node, e.Err)
}

func (e *ProbeFailure) Unwrap() error { return e.Err }
