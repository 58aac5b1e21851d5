package core

import (
	"encoding/json"
	"time"
)

// ThreadID addresses one checkpointed run.
type ThreadID string

// RunStatus is the lifecycle state of a checkpointed run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
)

// IsTerminal reports whether the run can no longer progress on its own.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted
}

// PendingTask is a node scheduled for the next superstep. Input carries the
// payload of a dynamic send, if any.
type PendingTask struct {
	Node  string          `json:"node"`
	Index int             `json:"index"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Checkpoint is the durable snapshot of a run after a superstep.
type Checkpoint struct {
	ID        string              `json:"id"`
	ThreadID  ThreadID            `json:"thread_id"`
	Graph     string              `json:"graph"`
	Step      int                 `json:"step"`
	Next      []string            `json:"next,omitempty"`
	Pending   []PendingTask       `json:"pending,omitempty"`
	Barriers  map[string][]string `json:"barriers,omitempty"`
	State     json.RawMessage     `json:"state"`
	Status    RunStatus           `json:"status"`
	Error     string              `json:"error,omitempty"`

	// InterruptedAt names the node the run paused in front of. Resuming
	// runs that node instead of pausing again.
	InterruptedAt string `json:"interrupted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Next = append([]string(nil), c.Next...)
	out.State = append(json.RawMessage(nil), c.State...)
	if c.Pending != nil {
		out.Pending = make([]PendingTask, len(c.Pending))
		for i, p := range c.Pending {
			p.Input = append(json.RawMessage(nil), p.Input...)
			out.Pending[i] = p
		}
	}
	if c.Barriers != nil {
		out.Barriers = make(map[string][]string, len(c.Barriers))
		for k, v := range c.Barriers {
			out.Barriers[k] = append([]string(nil), v...)
		}
	}
	return &out
}

// Summary derives the listing view of the checkpoint. The topic is read
// from the state when it carries one.
func (c *Checkpoint) Summary() ThreadSummary {
	var head struct {
		Topic string `json:"topic"`
	}
	_ = json.Unmarshal(c.State, &head)
	return ThreadSummary{
		ThreadID:  c.ThreadID,
		Graph:     c.Graph,
		Step:      c.Step,
		Next:      append([]string(nil), c.Next...),
		Status:    c.Status,
		Topic:     head.Topic,
		UpdatedAt: c.UpdatedAt,
	}
}

// ThreadSummary is the listing view of a stored run.
type ThreadSummary struct {
	ThreadID  ThreadID  `json:"thread_id"`
	Graph     string    `json:"graph"`
	Step      int       `json:"step"`
	Next      []string  `json:"next,omitempty"`
	Status    RunStatus `json:"status"`
	Topic     string    `json:"topic,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
