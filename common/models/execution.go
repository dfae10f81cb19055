package models

import "time"

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusSuccess   ExecutionStatus = "SUCCESS"
	ExecutionStatusError     ExecutionStatus = "ERROR"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
	ExecutionStatusPaused    ExecutionStatus = "PAUSED"
	ExecutionStatusTimeout   ExecutionStatus = "TIMEOUT"
)

// IsTerminal reports whether the status is final.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusError, ExecutionStatusCancelled, ExecutionStatusTimeout:
		return true
	}
	return false
}

// NodeExecutionStatus is the lifecycle state of a single node run.
// One terminal success value and one terminal failure value; persistence
// layers that use aliases (COMPLETED/FAILED) translate at their boundary.
type NodeExecutionStatus string

const (
	NodeStatusWaiting   NodeExecutionStatus = "WAITING"
	NodeStatusQueued    NodeExecutionStatus = "QUEUED"
	NodeStatusRunning   NodeExecutionStatus = "RUNNING"
	NodeStatusSuccess   NodeExecutionStatus = "SUCCESS"
	NodeStatusError     NodeExecutionStatus = "ERROR"
	NodeStatusCancelled NodeExecutionStatus = "CANCELLED"
	NodeStatusSkipped   NodeExecutionStatus = "SKIPPED"
)

// IsTerminal reports whether the node status is final.
func (s NodeExecutionStatus) IsTerminal() bool {
	switch s {
	case NodeStatusSuccess, NodeStatusError, NodeStatusCancelled, NodeStatusSkipped:
		return true
	}
	return false
}

// Item is one unit of data flowing along an edge.
type Item struct {
	JSON   map[string]interface{} `json:"json"`
	Binary map[string][]byte      `json:"binary,omitempty"`
}

// NodeOutput is the result of one node invocation. Standard nodes populate
// Main; branching and loop nodes populate Branches keyed by port name.
// Every downstream read uses the branch recorded on the consuming edge's
// sourceOutput.
type NodeOutput struct {
	Main     []Item            `json:"main,omitempty"`
	Branches map[string][]Item `json:"branches,omitempty"`
}

// ForPort returns the items carried on the named output port. A branched
// output only answers for its named branches; a plain output answers Main
// for every port.
func (o *NodeOutput) ForPort(port string) []Item {
	if o == nil {
		return nil
	}
	if o.Branches != nil {
		return o.Branches[port]
	}
	return o.Main
}

// ExecutionError is the structured error recorded on a failed execution.
type ExecutionError struct {
	Type      string    `json:"type,omitempty"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Execution is the persisted record of one workflow run.
type Execution struct {
	ID               string                 `json:"id"`
	WorkflowID       string                 `json:"workflowId"`
	UserID           string                 `json:"userId"`
	Status           ExecutionStatus        `json:"status"`
	StartedAt        time.Time              `json:"startedAt"`
	FinishedAt       *time.Time             `json:"finishedAt,omitempty"`
	TriggerData      map[string]interface{} `json:"triggerData,omitempty"`
	Error            *ExecutionError        `json:"error,omitempty"`
	Progress         map[string]interface{} `json:"progress,omitempty"`
	WorkflowSnapshot *Workflow              `json:"workflowSnapshot,omitempty"`
}

// NodeExecution is the persisted record of one node invocation. Loop nodes
// produce one record per iteration; records are never deduplicated.
type NodeExecution struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"executionId"`
	NodeID      string                 `json:"nodeId"`
	Status      NodeExecutionStatus    `json:"status"`
	InputData   map[string]interface{} `json:"inputData,omitempty"`
	OutputData  *NodeOutput            `json:"outputData,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	FinishedAt  *time.Time             `json:"finishedAt,omitempty"`
}

// FlowNodeState is one row of saved per-node execution state, keyed by the
// composite "<executionId>_<nodeId>".
type FlowNodeState struct {
	ExecutionID string              `json:"executionId"`
	NodeID      string              `json:"nodeId"`
	Status      NodeExecutionStatus `json:"status"`
	Output      *NodeOutput         `json:"output,omitempty"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// FlowStateKey builds the composite key for a flow-state row.
func FlowStateKey(executionID, nodeID string) string {
	return executionID + "_" + nodeID
}

// ExecutionUpdate carries the fields of a status transition. Progress, when
// present, is merge-patched into the stored progress object.
type ExecutionUpdate struct {
	Status     ExecutionStatus        `json:"status"`
	FinishedAt *time.Time             `json:"finishedAt,omitempty"`
	Error      *ExecutionError        `json:"error,omitempty"`
	Progress   map[string]interface{} `json:"progress,omitempty"`
}
