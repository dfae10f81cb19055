package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomflow/loomflow/cmd/loomd/graph"
	"github.com/loomflow/loomflow/common/models"
)

// loopInfo captures the loop structure of a workflow. A loop node is any
// node with outgoing connections on the "loop" port; its body is every
// node reachable from those connections without passing back through the
// loop node, and edges from body nodes back into the loop node are
// feedback edges.
type loopInfo struct {
	bodies    map[string][]string // loop node id -> body node ids
	bodyOwner map[string]string   // body node id -> owning loop node id
	backEdges map[string]bool     // connection id -> is feedback edge
}

// analyzeLoops identifies loop nodes, their bodies, and feedback edges.
// Feedback edges are removed before validation and ordering so the loop
// protocol's intentional cycle does not trip cycle detection.
func analyzeLoops(connections []models.Connection) *loopInfo {
	info := &loopInfo{
		bodies:    make(map[string][]string),
		bodyOwner: make(map[string]string),
		backEdges: make(map[string]bool),
	}

	forward := make(map[string][]models.Connection)
	loopStarts := make(map[string][]string)
	for _, conn := range connections {
		forward[conn.SourceNodeID] = append(forward[conn.SourceNodeID], conn)
		if conn.SourceOutput == models.PortLoop {
			loopStarts[conn.SourceNodeID] = append(loopStarts[conn.SourceNodeID], conn.TargetNodeID)
		}
	}

	for loopNodeID, starts := range loopStarts {
		visited := make(map[string]struct{})
		queue := append([]string(nil), starts...)

		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]

			if current == loopNodeID {
				continue
			}
			if _, seen := visited[current]; seen {
				continue
			}
			visited[current] = struct{}{}

			for _, conn := range forward[current] {
				if conn.TargetNodeID == loopNodeID {
					info.backEdges[conn.ID] = true
					continue
				}
				queue = append(queue, conn.TargetNodeID)
			}
		}

		body := make([]string, 0, len(visited))
		for id := range visited {
			body = append(body, id)
			info.bodyOwner[id] = loopNodeID
		}
		info.bodies[loopNodeID] = body
	}

	return info
}

// withoutBackEdges returns the connections minus loop feedback edges.
func (l *loopInfo) withoutBackEdges(connections []models.Connection) []models.Connection {
	if len(l.backEdges) == 0 {
		return connections
	}
	filtered := make([]models.Connection, 0, len(connections))
	for _, conn := range connections {
		if l.backEdges[conn.ID] {
			continue
		}
		filtered = append(filtered, conn)
	}
	return filtered
}

// isLoopNode reports whether nodeID drives a loop.
func (l *loopInfo) isLoopNode(nodeID string) bool {
	_, ok := l.bodies[nodeID]
	return ok
}

// inBody reports whether nodeID belongs to any loop body.
func (l *loopInfo) inBody(nodeID string) bool {
	_, ok := l.bodyOwner[nodeID]
	return ok
}

// runLoop drives the loop protocol: invoke the loop node, run its body,
// feed the body's results back, repeat. Each iteration produces its own
// node-execution record. The loop ends when the node emits items on its
// "done" port or stops emitting on "loop"; the iteration cap is a hard
// failure.
func (e *Engine) runLoop(ctx context.Context, ec *ExecutionContext, g *graph.ExecutionGraph, loops *loopInfo, node models.Node, workflow *models.Workflow) error {
	incoming := g.IncomingConnections(node.ID)
	feedback := loops.feedbackConnections(node.ID, workflow.Connections)

	bodySet := make(map[string]struct{}, len(loops.bodies[node.ID]))
	for _, id := range loops.bodies[node.ID] {
		bodySet[id] = struct{}{}
	}
	var bodyOrder []string
	for _, id := range g.ExecutionOrder {
		if _, ok := bodySet[id]; ok {
			bodyOrder = append(bodyOrder, id)
		}
	}

	for iteration := 0; ; iteration++ {
		if iteration >= e.cfg.MaxLoopIterations {
			return fmt.Errorf("loop node %s exceeded %d iterations", node.ID, e.cfg.MaxLoopIterations)
		}
		if ec.Cancelled() {
			return errors.New("execution cancelled")
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		edges := incoming
		if iteration > 0 {
			edges = feedback
		}
		output, err := e.runNode(ctx, ec, g, node, edges)
		if err != nil {
			return err
		}
		ec.SetNodeOutput(node.ID, output)
		e.saveNodeState(ctx, ec.ExecutionID, node.ID, output)

		if len(output.ForPort(models.PortDone)) > 0 {
			return nil
		}
		if len(output.ForPort(models.PortLoop)) == 0 {
			return fmt.Errorf("loop node %s emitted no loop or done items", node.ID)
		}

		for _, bodyID := range bodyOrder {
			if ec.Cancelled() {
				return errors.New("execution cancelled")
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := e.step(ctx, ec, g, g.Nodes[bodyID]); err != nil {
				return err
			}
		}
	}
}

// feedbackConnections returns the feedback edges into a loop node.
func (l *loopInfo) feedbackConnections(loopNodeID string, connections []models.Connection) []models.Connection {
	var feedback []models.Connection
	for _, conn := range connections {
		if l.backEdges[conn.ID] && conn.TargetNodeID == loopNodeID {
			feedback = append(feedback, conn)
		}
	}
	return feedback
}
