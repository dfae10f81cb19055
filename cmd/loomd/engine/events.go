package engine

import (
	"time"

	"github.com/loomflow/loomflow/common/models"
)

// EventPublisher receives execution lifecycle events. The realtime
// fabric implements it; the engine never depends on the fabric directly.
type EventPublisher interface {
	Publish(event models.ExecutionEvent)
}

// NopPublisher discards all events.
type NopPublisher struct{}

// Publish implements EventPublisher
func (NopPublisher) Publish(models.ExecutionEvent) {}

func (e *Engine) emit(event models.ExecutionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e.publisher.Publish(event)
}

func (e *Engine) emitNodeEvent(executionID, workflowID, nodeID string, eventType models.EventType, status models.NodeExecutionStatus, errMsg string) {
	e.emit(models.ExecutionEvent{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Type:        eventType,
		NodeID:      nodeID,
		Status:      string(status),
		Error:       errMsg,
	})
}
