package engine

import (
	"sync"

	"github.com/loomflow/loomflow/common/models"
)

// ExecutionContext is the in-memory state of one running execution.
// Node outputs are written only by the scheduling loop; node workers and
// the resolver read them through accessor methods.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	TriggerData map[string]interface{}

	mu          sync.RWMutex
	nodeOutputs map[string]*models.NodeOutput // keyed by node id
	namesToIDs  map[string]string             // node name -> node id
	cancelled   bool
}

// NewExecutionContext creates the context for one execution
func NewExecutionContext(exec *models.Execution, workflow *models.Workflow) *ExecutionContext {
	names := make(map[string]string, len(workflow.Nodes))
	for _, node := range workflow.Nodes {
		names[node.Name] = node.ID
	}

	return &ExecutionContext{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		UserID:      exec.UserID,
		TriggerData: exec.TriggerData,
		nodeOutputs: make(map[string]*models.NodeOutput),
		namesToIDs:  names,
	}
}

// SetNodeOutput records a node's output
func (c *ExecutionContext) SetNodeOutput(nodeID string, output *models.NodeOutput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeOutputs[nodeID] = output
}

// NodeOutput returns a node's recorded output, if any
func (c *ExecutionContext) NodeOutput(nodeID string) (*models.NodeOutput, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	output, ok := c.nodeOutputs[nodeID]
	return output, ok
}

// OutputByName resolves a node display name to its recorded output.
// Used by the parameter resolver for $node["Name"] references.
func (c *ExecutionContext) OutputByName(name string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nodeID, ok := c.namesToIDs[name]
	if !ok {
		return nil, false
	}
	output, ok := c.nodeOutputs[nodeID]
	if !ok {
		return nil, false
	}

	// References address the node's primary data, one level of items
	items := output.ForPort(models.PortMain)
	if len(items) == 0 && output.Branches != nil {
		for _, branch := range output.Branches {
			if len(branch) > 0 {
				items = branch
				break
			}
		}
	}
	if len(items) == 1 {
		return items[0].JSON, true
	}
	values := make([]interface{}, len(items))
	for i, item := range items {
		values[i] = item.JSON
	}
	return values, true
}

// Cancel flags the execution for cooperative cancellation
func (c *ExecutionContext) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

// Cancelled reports whether cancellation was requested
func (c *ExecutionContext) Cancelled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled
}

// Registry tracks the execution contexts live on this instance.
type Registry struct {
	mu       sync.RWMutex
	contexts map[string]*ExecutionContext
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{contexts: make(map[string]*ExecutionContext)}
}

// Register adds an execution context
func (r *Registry) Register(ec *ExecutionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[ec.ExecutionID] = ec
}

// Get returns the context for an execution, if live on this instance
func (r *Registry) Get(executionID string) (*ExecutionContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ec, ok := r.contexts[executionID]
	return ec, ok
}

// Remove drops an execution context
func (r *Registry) Remove(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, executionID)
}

// Cancel flags a live execution for cancellation. Returns false when the
// execution is not registered on this instance.
func (r *Registry) Cancel(executionID string) bool {
	r.mu.RLock()
	ec, ok := r.contexts[executionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	ec.Cancel()
	return true
}
