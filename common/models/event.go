package models

import "time"

// EventType enumerates execution events emitted by the engine.
type EventType string

const (
	EventStarted           EventType = "started"
	EventCompleted         EventType = "completed"
	EventFailed            EventType = "failed"
	EventCancelled         EventType = "cancelled"
	EventNodeStarted       EventType = "node-started"
	EventNodeCompleted     EventType = "node-completed"
	EventNodeFailed        EventType = "node-failed"
	EventNodeStatusUpdate  EventType = "node-status-update"
	EventExecutionProgress EventType = "execution-progress"
)

// IsTerminal reports whether the event type ends an execution's stream.
func (t EventType) IsTerminal() bool {
	return t == EventCompleted || t == EventFailed || t == EventCancelled
}

// ExecutionEvent is one entry in an execution's event stream. The engine
// guarantees started precedes all node events and exactly one terminal
// event (completed, failed or cancelled) closes the stream.
type ExecutionEvent struct {
	ExecutionID string                 `json:"executionId"`
	WorkflowID  string                 `json:"workflowId,omitempty"`
	Type        EventType              `json:"type"`
	NodeID      string                 `json:"nodeId,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Progress    *ExecutionProgress     `json:"progress,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// ExecutionProgress summarizes how far an execution has advanced.
type ExecutionProgress struct {
	CompletedNodes int `json:"completedNodes"`
	TotalNodes     int `json:"totalNodes"`
}
