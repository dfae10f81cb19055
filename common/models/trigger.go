package models

import "time"

// TriggerType identifies what initiated an execution.
type TriggerType string

const (
	TriggerTypeWebhook        TriggerType = "webhook"
	TriggerTypeSchedule       TriggerType = "schedule"
	TriggerTypeManual         TriggerType = "manual"
	TriggerTypeWorkflowCalled TriggerType = "workflow-called"
	TriggerTypePolling        TriggerType = "polling"
)

// TriggerRequest is the inbound request to start a workflow.
type TriggerRequest struct {
	TriggerID     string                 `json:"triggerId"`
	TriggerType   TriggerType            `json:"triggerType"`
	WorkflowID    string                 `json:"workflowId"`
	UserID        string                 `json:"userId"`
	TriggerNodeID string                 `json:"triggerNodeId"`
	TriggerData   map[string]interface{} `json:"triggerData,omitempty"`
	Options       *TriggerOptions        `json:"options,omitempty"`
}

// TriggerOptions tunes a single trigger invocation.
type TriggerOptions struct {
	Priority          int  `json:"priority,omitempty"` // lower value = higher priority
	IsolatedExecution bool `json:"isolatedExecution,omitempty"`
	TimeoutMS         int  `json:"timeout,omitempty"`
	Manual            bool `json:"manual,omitempty"`
}

// TriggerStatus is the immediate outcome of a trigger request.
type TriggerStatus string

const (
	TriggerStatusStarted  TriggerStatus = "started"
	TriggerStatusQueued   TriggerStatus = "queued"
	TriggerStatusRejected TriggerStatus = "rejected"
)

// TriggerResponse is returned synchronously for every trigger request.
type TriggerResponse struct {
	Success     bool          `json:"success"`
	ExecutionID string        `json:"executionId,omitempty"`
	Status      TriggerStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Result      interface{}   `json:"result,omitempty"`
}

// TriggerContext is the admission-side view of one trigger. Owned by the
// trigger manager while queued or active; logical control passes to the
// engine once the execution starts.
type TriggerContext struct {
	ExecutionID       string                 `json:"executionId"`
	TriggerID         string                 `json:"triggerId"`
	TriggerType       TriggerType            `json:"triggerType"`
	WorkflowID        string                 `json:"workflowId"`
	UserID            string                 `json:"userId"`
	TriggerNodeID     string                 `json:"triggerNodeId"`
	TriggerData       map[string]interface{} `json:"triggerData,omitempty"`
	Priority          int                    `json:"priority"`
	AffectedNodes     map[string]struct{}    `json:"-"`
	IsolatedExecution bool                   `json:"isolatedExecution"`
	StartTime         time.Time              `json:"startTime"`
	Cancelled         bool                   `json:"cancelled"`
}
