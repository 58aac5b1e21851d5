package events

import "time"

// Event type constants for graph node events.
const (
	TypeNodeStarted   = "node_started"
	TypeNodeCompleted = "node_completed"
	TypeNodeFailed    = "node_failed"
	TypeNodeRetrying  = "node_retrying"
)

// NodeEvent reports the lifecycle of one node execution. Graph is
// "research" for panel nodes and "interview" for nodes of an analyst's
// interview, whose Thread is the child thread.
type NodeEvent struct {
	BaseEvent
	Graph    string        `json:"graph"`
	Node     string        `json:"node"`
	Index    int           `json:"index"`
	Step     int           `json:"step"`
	Attempt  int           `json:"attempt,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// NewNodeEvent creates a node event of the given type.
func NewNodeEvent(eventType, threadID, graph, node string, index, step int) NodeEvent {
	return NodeEvent{
		BaseEvent: NewBaseEvent(eventType, threadID),
		Graph:     graph,
		Node:      node,
		Index:     index,
		Step:      step,
	}
}

// WithOutcome sets attempt, duration and error text.
func (e NodeEvent) WithOutcome(attempt int, d time.Duration, errText string) NodeEvent {
	e.Attempt = attempt
	e.Duration = d
	e.Error = errText
	return e
}
