package graph

import (
	"fmt"
	"sort"

	"github.com/loomflow/loomflow/common/models"
)

// Resolver answers static dependency questions over a set of nodes and
// connections. It is stateless beyond the inputs it was built with; all
// operations are safe for concurrent use.
type Resolver struct {
	nodeIDs     []string
	nodeSet     map[string]struct{}
	connections []models.Connection
	forward     map[string][]string // source -> unique targets
	reverse     map[string][]string // target -> unique sources
}

// Cycle describes one detected cycle.
type Cycle struct {
	Nodes    []string `json:"nodes"`
	Path     []string `json:"path"`
	Severity string   `json:"severity"`
}

// NewResolver builds a resolver over the given node ids and connections
func NewResolver(nodeIDs []string, connections []models.Connection) *Resolver {
	r := &Resolver{
		nodeIDs:     append([]string(nil), nodeIDs...),
		nodeSet:     make(map[string]struct{}, len(nodeIDs)),
		connections: connections,
		forward:     make(map[string][]string),
		reverse:     make(map[string][]string),
	}

	for _, id := range nodeIDs {
		r.nodeSet[id] = struct{}{}
	}

	seenForward := make(map[string]map[string]struct{})
	seenReverse := make(map[string]map[string]struct{})
	for _, conn := range connections {
		if addUnique(seenForward, conn.SourceNodeID, conn.TargetNodeID) {
			r.forward[conn.SourceNodeID] = append(r.forward[conn.SourceNodeID], conn.TargetNodeID)
		}
		if addUnique(seenReverse, conn.TargetNodeID, conn.SourceNodeID) {
			r.reverse[conn.TargetNodeID] = append(r.reverse[conn.TargetNodeID], conn.SourceNodeID)
		}
	}

	return r
}

func addUnique(seen map[string]map[string]struct{}, key, value string) bool {
	set, exists := seen[key]
	if !exists {
		set = make(map[string]struct{})
		seen[key] = set
	}
	if _, dup := set[value]; dup {
		return false
	}
	set[value] = struct{}{}
	return true
}

// Dependencies returns the unique direct upstream node ids of nodeID
func (r *Resolver) Dependencies(nodeID string) []string {
	return append([]string(nil), r.reverse[nodeID]...)
}

// Downstream returns the unique direct downstream node ids of nodeID
func (r *Resolver) Downstream(nodeID string) []string {
	return append([]string(nil), r.forward[nodeID]...)
}

// TransitiveDownstream returns every node reachable from nodeID,
// excluding nodeID itself. Cycles are traversed once.
func (r *Resolver) TransitiveDownstream(nodeID string) []string {
	return r.traverse(nodeID, r.forward)
}

// TransitiveDependencies returns every node that can reach nodeID,
// excluding nodeID itself. Cycles are traversed once.
func (r *Resolver) TransitiveDependencies(nodeID string) []string {
	return r.traverse(nodeID, r.reverse)
}

func (r *Resolver) traverse(start string, adjacency map[string][]string) []string {
	visited := map[string]struct{}{start: {}}
	var result []string

	stack := append([]string(nil), adjacency[start]...)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}
		result = append(result, current)
		stack = append(stack, adjacency[current]...)
	}

	return result
}

// DetectCycles finds every cycle via DFS with a recursion stack. The
// result is deterministic for any permutation of the input connections:
// roots and neighbors are visited in sorted order.
func (r *Resolver) DetectCycles() []Cycle {
	neighbors := make(map[string][]string, len(r.forward))
	for id, targets := range r.forward {
		sorted := append([]string(nil), targets...)
		sort.Strings(sorted)
		neighbors[id] = sorted
	}

	roots := append([]string(nil), r.nodeIDs...)
	sort.Strings(roots)

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string
	var cycles []Cycle

	var visit func(nodeID string)
	visit = func(nodeID string) {
		visited[nodeID] = true
		onStack[nodeID] = true
		path = append(path, nodeID)

		for _, next := range neighbors[nodeID] {
			if !visited[next] {
				visit(next)
			} else if onStack[next] {
				// Re-entry into the recursion stack closes a cycle
				start := 0
				for i, id := range path {
					if id == next {
						start = i
						break
					}
				}
				cycleNodes := append([]string(nil), path[start:]...)
				cycles = append(cycles, Cycle{
					Nodes:    cycleNodes,
					Path:     append(cycleNodes[:len(cycleNodes):len(cycleNodes)], next),
					Severity: "error",
				})
			}
		}

		path = path[:len(path)-1]
		onStack[nodeID] = false
	}

	for _, id := range roots {
		if !visited[id] {
			visit(id)
		}
	}

	return cycles
}

// TopologicalOrder returns a Kahn linearization of the graph. When cycles
// prevent linearizing every node, a CircularDependency error is returned.
// This is the canonical sort used by both validation and the execution
// graph builder.
func (r *Resolver) TopologicalOrder() ([]string, error) {
	return topologicalSort(r.nodeIDs, r.connections)
}

// topologicalSort is the single Kahn implementation shared by the
// resolver and the builder. Edges with endpoints outside nodeIDs are
// ignored; ties are broken by input order for determinism.
func topologicalSort(nodeIDs []string, connections []models.Connection) ([]string, error) {
	nodeSet := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		nodeSet[id] = struct{}{}
	}

	inDegree := make(map[string]int, len(nodeIDs))
	adjacency := make(map[string][]string)
	for _, id := range nodeIDs {
		inDegree[id] = 0
	}

	counted := make(map[string]map[string]struct{})
	for _, conn := range connections {
		if _, ok := nodeSet[conn.SourceNodeID]; !ok {
			continue
		}
		if _, ok := nodeSet[conn.TargetNodeID]; !ok {
			continue
		}
		if !addUnique(counted, conn.SourceNodeID, conn.TargetNodeID) {
			continue
		}
		adjacency[conn.SourceNodeID] = append(adjacency[conn.SourceNodeID], conn.TargetNodeID)
		inDegree[conn.TargetNodeID]++
	}

	var frontier []string
	for _, id := range nodeIDs {
		if inDegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	order := make([]string, 0, len(nodeIDs))
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		order = append(order, current)

		for _, next := range adjacency[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}

	if len(order) != len(nodeIDs) {
		var stuck []string
		for _, id := range nodeIDs {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, circularDependencyError(
			fmt.Sprintf("cannot linearize %d of %d nodes, cycles present", len(nodeIDs)-len(order), len(nodeIDs)),
			stuck, stuck, order,
		)
	}

	return order, nil
}

// ParallelExecutionGroups partitions the graph into frontiers of
// zero-in-degree nodes. Nodes within one group have no dependencies on
// each other and may execute in parallel; groups execute in order.
func (r *Resolver) ParallelExecutionGroups() ([][]string, error) {
	inDegree := make(map[string]int, len(r.nodeIDs))
	for _, id := range r.nodeIDs {
		inDegree[id] = len(r.reverse[id])
	}

	remaining := len(r.nodeIDs)
	var groups [][]string

	for remaining > 0 {
		var frontier []string
		for _, id := range r.nodeIDs {
			if deg, ok := inDegree[id]; ok && deg == 0 {
				frontier = append(frontier, id)
			}
		}

		if len(frontier) == 0 {
			var stuck []string
			for id := range inDegree {
				stuck = append(stuck, id)
			}
			sort.Strings(stuck)
			return nil, circularDependencyError("remaining nodes form a cycle", stuck, stuck, nil)
		}

		groups = append(groups, frontier)
		for _, id := range frontier {
			delete(inDegree, id)
			remaining--
			for _, next := range r.forward[id] {
				if _, ok := inDegree[next]; ok {
					inDegree[next]--
				}
			}
		}
	}

	return groups, nil
}

// ValidateExecutionSafety performs the composite pre-execution check:
// empty graph, self-edges, cycles, then missing endpoints, in that order.
func ValidateExecutionSafety(nodeIDs []string, connections []models.Connection, executionPath []string) error {
	if len(nodeIDs) == 0 {
		return invalidFlowStateError("workflow has no nodes", executionPath)
	}

	for _, conn := range connections {
		if conn.SourceNodeID == conn.TargetNodeID {
			return circularDependencyError(
				fmt.Sprintf("node %s connects to itself", conn.SourceNodeID),
				[]string{conn.SourceNodeID},
				[]string{conn.SourceNodeID, conn.SourceNodeID},
				executionPath,
			)
		}
	}

	resolver := NewResolver(nodeIDs, connections)
	if cycles := resolver.DetectCycles(); len(cycles) > 0 {
		affected := make(map[string]struct{})
		for _, cycle := range cycles {
			for _, id := range cycle.Nodes {
				affected[id] = struct{}{}
			}
		}
		ids := make([]string, 0, len(affected))
		for id := range affected {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return circularDependencyError(
			fmt.Sprintf("workflow contains %d cycle(s)", len(cycles)),
			ids, cycles[0].Path, executionPath,
		)
	}

	nodeSet := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		nodeSet[id] = struct{}{}
	}
	for _, conn := range connections {
		if _, ok := nodeSet[conn.SourceNodeID]; !ok {
			return missingDependencyError(
				fmt.Sprintf("connection %s references unknown source node %s", conn.ID, conn.SourceNodeID),
				[]string{conn.SourceNodeID, conn.TargetNodeID},
				executionPath,
			)
		}
		if _, ok := nodeSet[conn.TargetNodeID]; !ok {
			return missingDependencyError(
				fmt.Sprintf("connection %s references unknown target node %s", conn.ID, conn.TargetNodeID),
				[]string{conn.SourceNodeID, conn.TargetNodeID},
				executionPath,
			)
		}
	}

	return nil
}
