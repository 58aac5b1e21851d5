package events

import "time"

// Event type constants for research run events.
const (
	TypeRunStarted       = "run_started"
	TypeRunAwaitingInput = "run_awaiting_feedback"
	TypeRunResumed       = "run_resumed"
	TypeRunCompleted     = "run_completed"
	TypeRunFailed        = "run_failed"
)

// RunStartedEvent is emitted when a research run begins.
type RunStartedEvent struct {
	BaseEvent
	Topic       string `json:"topic"`
	MaxAnalysts int    `json:"max_analysts"`
}

// NewRunStartedEvent creates a new run started event.
func NewRunStartedEvent(threadID, topic string, maxAnalysts int) RunStartedEvent {
	return RunStartedEvent{
		BaseEvent:   NewBaseEvent(TypeRunStarted, threadID),
		Topic:       topic,
		MaxAnalysts: maxAnalysts,
	}
}

// RunAwaitingInputEvent is emitted when a run pauses for analyst review.
type RunAwaitingInputEvent struct {
	BaseEvent
	Node     string   `json:"node"`
	Analysts []string `json:"analysts"`
}

// NewRunAwaitingInputEvent creates a new awaiting-feedback event carrying
// the roles of the current panel.
func NewRunAwaitingInputEvent(threadID, node string, analysts []string) RunAwaitingInputEvent {
	return RunAwaitingInputEvent{
		BaseEvent: NewBaseEvent(TypeRunAwaitingInput, threadID),
		Node:      node,
		Analysts:  analysts,
	}
}

// RunResumedEvent is emitted when a paused or failed run continues.
type RunResumedEvent struct {
	BaseEvent
	Feedback string `json:"feedback,omitempty"`
}

// NewRunResumedEvent creates a new run resumed event.
func NewRunResumedEvent(threadID, feedback string) RunResumedEvent {
	return RunResumedEvent{
		BaseEvent: NewBaseEvent(TypeRunResumed, threadID),
		Feedback:  feedback,
	}
}

// RunCompletedEvent is emitted once when the final report is assembled.
type RunCompletedEvent struct {
	BaseEvent
	Duration    time.Duration `json:"duration"`
	Sections    int           `json:"sections"`
	ReportBytes int           `json:"report_bytes"`
}

// NewRunCompletedEvent creates a new run completed event.
func NewRunCompletedEvent(threadID string, duration time.Duration, sections, reportBytes int) RunCompletedEvent {
	return RunCompletedEvent{
		BaseEvent:   NewBaseEvent(TypeRunCompleted, threadID),
		Duration:    duration,
		Sections:    sections,
		ReportBytes: reportBytes,
	}
}

// RunFailedEvent is emitted when a run stops on a fatal node error.
// This is a PRIORITY event - never dropped.
type RunFailedEvent struct {
	BaseEvent
	Node  string `json:"node,omitempty"`
	Error string `json:"error"`
}

// NewRunFailedEvent creates a new run failed event. errText must already
// be sanitized.
func NewRunFailedEvent(threadID, node, errText string) RunFailedEvent {
	return RunFailedEvent{
		BaseEvent: NewBaseEvent(TypeRunFailed, threadID),
		Node:      node,
		Error:     errText,
	}
}
