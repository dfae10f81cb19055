package trigger

import (
	"sync"

	"github.com/loomflow/loomflow/cmd/loomd/graph"
	"github.com/loomflow/loomflow/common/models"
)

// ResourceManager tracks which workflow nodes each active execution may
// touch. The overlap check gates isolated admissions; an isolated
// execution claims every node, so it conflicts with any active one.
type ResourceManager struct {
	mu    sync.Mutex
	locks map[string]map[string]map[string]struct{} // workflowID -> executionID -> node set
}

// NewResourceManager creates an empty lock table
func NewResourceManager() *ResourceManager {
	return &ResourceManager{
		locks: make(map[string]map[string]map[string]struct{}),
	}
}

// AffectedNodes computes the node set a trigger may touch: the trigger
// node plus everything transitively downstream of it. An empty trigger
// node id or isolated execution claims the whole workflow.
func AffectedNodes(workflow *models.Workflow, triggerNodeID string, isolated bool) map[string]struct{} {
	nodes := make(map[string]struct{})

	if isolated || triggerNodeID == "" || workflow.NodeByID(triggerNodeID) == nil {
		for _, id := range workflow.NodeIDs() {
			nodes[id] = struct{}{}
		}
		return nodes
	}

	nodes[triggerNodeID] = struct{}{}
	resolver := graph.NewResolver(workflow.NodeIDs(), workflow.Connections)
	for _, id := range resolver.TransitiveDownstream(triggerNodeID) {
		nodes[id] = struct{}{}
	}
	return nodes
}

// Conflicts reports whether the node set overlaps any held lock for the
// workflow.
func (r *ResourceManager) Conflicts(workflowID string, nodes map[string]struct{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conflictsLocked(workflowID, nodes)
}

func (r *ResourceManager) conflictsLocked(workflowID string, nodes map[string]struct{}) bool {
	for _, held := range r.locks[workflowID] {
		for id := range nodes {
			if _, taken := held[id]; taken {
				return true
			}
		}
	}
	return false
}

// Acquire records the node set an execution holds. Every admitted
// execution registers its set, overlapping or not, so later isolated
// admissions see it.
func (r *ResourceManager) Acquire(workflowID, executionID string, nodes map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byExecution, ok := r.locks[workflowID]
	if !ok {
		byExecution = make(map[string]map[string]struct{})
		r.locks[workflowID] = byExecution
	}
	byExecution[executionID] = nodes
}

// Release frees the execution's locks. Idempotent.
func (r *ResourceManager) Release(workflowID, executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byExecution, ok := r.locks[workflowID]
	if !ok {
		return
	}
	delete(byExecution, executionID)
	if len(byExecution) == 0 {
		delete(r.locks, workflowID)
	}
}
