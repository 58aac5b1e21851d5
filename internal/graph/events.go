package graph

import (
	"context"
	"time"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventNodeStart EventType = "node_start"
	EventNodeEnd   EventType = "node_end"
	EventNodeError EventType = "node_error"
	EventNodeRetry EventType = "node_retry"
	EventInterrupt EventType = "interrupt"
	EventRunEnd    EventType = "run_end"
	EventRunFailed EventType = "run_failed"
)

// NodeEvent describes one step of a run. Duration is the node's wall time
// for end and error events, and the backoff delay for retry events.
type NodeEvent struct {
	Type     EventType
	Graph    string
	Thread   core.ThreadID
	Node     string
	Index    int
	Step     int
	Attempt  int
	Duration time.Duration
	Err      error
	Time     time.Time
}

func (e NodeEvent) with(t EventType) NodeEvent {
	e.Type = t
	return e
}

// TaskInfo identifies the task a node body is running as.
type TaskInfo struct {
	Graph  string
	Thread core.ThreadID
	Node   string
	Index  int
	Step   int
}

type taskKey struct{}

func withTask(ctx context.Context, info TaskInfo) context.Context {
	return context.WithValue(ctx, taskKey{}, info)
}

// TaskFromContext returns the task running in ctx.
func TaskFromContext(ctx context.Context) (TaskInfo, bool) {
	info, ok := ctx.Value(taskKey{}).(TaskInfo)
	return info, ok
}
