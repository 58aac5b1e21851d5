// Package events carries run and node lifecycle events from research runs
// to the CLI progress printer, the SSE stream and tests.
package events

import "time"

// Event is implemented by every event published on the bus.
type Event interface {
	EventType() string
	Timestamp() time.Time
	ThreadID() string
}

// BaseEvent holds the fields shared by all events.
type BaseEvent struct {
	Type   string    `json:"type"`
	Time   time.Time `json:"timestamp"`
	Thread string    `json:"thread_id"`
}

func (e BaseEvent) EventType() string    { return e.Type }
func (e BaseEvent) Timestamp() time.Time { return e.Time }
func (e BaseEvent) ThreadID() string     { return e.Thread }

// NewBaseEvent stamps an event of eventType for threadID with the current time.
func NewBaseEvent(eventType, threadID string) BaseEvent {
	return BaseEvent{Type: eventType, Time: time.Now(), Thread: threadID}
}
