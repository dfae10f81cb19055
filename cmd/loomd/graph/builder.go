package graph

import (
	"github.com/loomflow/loomflow/common/models"
)

// Logger is the logging capability the builder needs.
type Logger interface {
	Warn(msg string, args ...any)
}

// ExecutionGraph is the materialized, validated form of a workflow used
// by the scheduling loop. AdjacencyList and InDegree cover data edges
// only; service edges bind configuration, not order.
type ExecutionGraph struct {
	Nodes          map[string]models.Node
	Connections    []models.Connection
	AdjacencyList  map[string][]string
	InDegree       map[string]int
	ExecutionOrder []string
}

// BuildExecutionGraph materializes a workflow into an execution graph.
// Connections whose endpoints are not in the node set are dropped with a
// warning rather than failing the build; the composite safety check is
// the place that rejects them. The returned ExecutionOrder comes from
// the same Kahn sort the resolver uses.
func BuildExecutionGraph(workflow *models.Workflow, logger Logger) (*ExecutionGraph, error) {
	nodes := make(map[string]models.Node, len(workflow.Nodes))
	for _, node := range workflow.Nodes {
		nodes[node.ID] = node
	}

	graph := &ExecutionGraph{
		Nodes:         nodes,
		AdjacencyList: make(map[string][]string),
		InDegree:      make(map[string]int, len(nodes)),
	}
	for id := range nodes {
		graph.InDegree[id] = 0
	}

	counted := make(map[string]map[string]struct{})
	for _, conn := range workflow.Connections {
		_, sourceOK := nodes[conn.SourceNodeID]
		_, targetOK := nodes[conn.TargetNodeID]
		if !sourceOK || !targetOK {
			if logger != nil {
				logger.Warn("dropping connection with unknown endpoint",
					"connectionId", conn.ID,
					"sourceNodeId", conn.SourceNodeID,
					"targetNodeId", conn.TargetNodeID)
			}
			continue
		}

		graph.Connections = append(graph.Connections, conn)
		if addUnique(counted, conn.SourceNodeID, conn.TargetNodeID) {
			graph.AdjacencyList[conn.SourceNodeID] = append(graph.AdjacencyList[conn.SourceNodeID], conn.TargetNodeID)
			graph.InDegree[conn.TargetNodeID]++
		}
	}

	order, err := topologicalSort(workflow.NodeIDs(), graph.Connections)
	if err != nil {
		return nil, err
	}
	graph.ExecutionOrder = order

	return graph, nil
}

// isDataInput reports whether an input socket carries data. "main" and
// "done" are data inputs; every other named input binds a service.
func isDataInput(input string) bool {
	return input == "" || input == models.PortMain || input == models.PortDone
}

// IncomingConnections returns the data connections targeting nodeID.
// Service-input edges are excluded.
func (g *ExecutionGraph) IncomingConnections(nodeID string) []models.Connection {
	var incoming []models.Connection
	for _, conn := range g.Connections {
		if conn.TargetNodeID == nodeID && isDataInput(conn.TargetInput) {
			incoming = append(incoming, conn)
		}
	}
	return incoming
}

// ServiceConnections returns the service-input edges targeting nodeID,
// grouped by input name.
func (g *ExecutionGraph) ServiceConnections(nodeID string) map[string][]models.Connection {
	grouped := make(map[string][]models.Connection)
	for _, conn := range g.Connections {
		if conn.TargetNodeID == nodeID && !isDataInput(conn.TargetInput) {
			grouped[conn.TargetInput] = append(grouped[conn.TargetInput], conn)
		}
	}
	return grouped
}

// OutgoingConnections returns the data connections originating at nodeID.
func (g *ExecutionGraph) OutgoingConnections(nodeID string) []models.Connection {
	var outgoing []models.Connection
	for _, conn := range g.Connections {
		if conn.SourceNodeID == nodeID && isDataInput(conn.TargetInput) {
			outgoing = append(outgoing, conn)
		}
	}
	return outgoing
}
