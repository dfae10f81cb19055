package models

import "time"

// Node is a typed operation within a workflow. The engine treats Type and
// Parameters as opaque; they are interpreted only by the NodeExecutor.
type Node struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Disabled   bool                   `json:"disabled,omitempty"`
	Position   Position               `json:"position,omitempty"`
}

// Position is the node's placement on the design canvas. Carried through
// for snapshots, never read by the engine.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Connection is a directed edge between two nodes. SourceOutput is a named
// port ("main", "true", "false", "loop", "done"); TargetInput is "main" for
// data edges or a service-input name ("model", "memory", "tools") that binds
// the source node's configuration instead of its data.
type Connection struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"sourceNodeId"`
	SourceOutput string `json:"sourceOutput"`
	TargetNodeID string `json:"targetNodeId"`
	TargetInput  string `json:"targetInput"`

	// Condition is an optional CEL expression evaluated against the
	// producer's output. An edge with a false condition is unsatisfied
	// even when its branch carries data.
	Condition string `json:"condition,omitempty"`
}

// Canonical port names.
const (
	PortMain  = "main"
	PortTrue  = "true"
	PortFalse = "false"
	PortLoop  = "loop"
	PortDone  = "done"
)

// WorkflowSettings holds per-workflow execution options.
type WorkflowSettings struct {
	ExecutionTimeoutMS    int    `json:"executionTimeout,omitempty"`
	SaveExecutionProgress bool   `json:"saveExecutionProgress,omitempty"`
	ErrorWorkflowID       string `json:"errorWorkflowId,omitempty"`
}

// WorkflowTrigger describes one trigger attached to a workflow.
type WorkflowTrigger struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"` // webhook, schedule, manual, workflow-called, polling
	NodeID     string                 `json:"nodeId"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Workflow is a user-defined directed graph of nodes and connections.
type Workflow struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	WorkspaceID string            `json:"workspaceId,omitempty"`
	Name        string            `json:"name,omitempty"`
	Nodes       []Node            `json:"nodes"`
	Connections []Connection      `json:"connections"`
	Triggers    []WorkflowTrigger `json:"triggers,omitempty"`
	Settings    WorkflowSettings  `json:"settings,omitempty"`
	Active      bool              `json:"active"`
	CreatedAt   time.Time         `json:"createdAt,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// NodeIDs returns the ids of all nodes in definition order.
func (w *Workflow) NodeIDs() []string {
	ids := make([]string, len(w.Nodes))
	for i := range w.Nodes {
		ids[i] = w.Nodes[i].ID
	}
	return ids
}
