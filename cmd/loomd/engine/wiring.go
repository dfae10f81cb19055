package engine

import (
	"fmt"
	"strings"

	"github.com/loomflow/loomflow/cmd/loomd/condition"
	"github.com/loomflow/loomflow/cmd/loomd/graph"
	"github.com/loomflow/loomflow/common/models"
)

// edgeSatisfied reports whether a data edge delivers input: its source
// produced items on the edge's port and its condition, when present,
// evaluated true against that data.
func edgeSatisfied(ec *ExecutionContext, conn models.Connection, eval *condition.Evaluator) (bool, []models.Item, error) {
	output, ok := ec.NodeOutput(conn.SourceNodeID)
	if !ok {
		return false, nil, nil
	}

	items := output.ForPort(conn.SourceOutput)
	if len(items) == 0 {
		return false, nil, nil
	}

	if conn.Condition != "" {
		var data interface{} = map[string]interface{}{}
		if items[0].JSON != nil {
			data = items[0].JSON
		}
		ok, err := eval.Evaluate(conn.Condition, data, map[string]interface{}{
			"executionId": ec.ExecutionID,
			"workflowId":  ec.WorkflowID,
		})
		if err != nil {
			return false, nil, fmt.Errorf("condition on connection %s: %w", conn.ID, err)
		}
		if !ok {
			return false, nil, nil
		}
	}

	return true, items, nil
}

// shouldExecuteNode applies OR semantics over a node's incoming data
// edges: one satisfied edge is enough. Nodes with no incoming data edges
// are roots and always execute.
func shouldExecuteNode(ec *ExecutionContext, incoming []models.Connection, eval *condition.Evaluator) (bool, error) {
	if len(incoming) == 0 {
		return true, nil
	}
	for _, conn := range incoming {
		ok, _, err := edgeSatisfied(ec, conn, eval)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// buildNodeInput assembles the input for one node invocation. Each
// satisfied incoming edge contributes its item list to Data["main"] in
// edge order; roots receive the trigger data as a single item. The
// "main" key is always present, falling back to one empty item.
func buildNodeInput(ec *ExecutionContext, g *graph.ExecutionGraph, node models.Node, incoming []models.Connection, executor NodeExecutor, eval *condition.Evaluator) (*NodeInput, error) {
	input := &NodeInput{
		Data: make(map[string][][]models.Item),
	}

	if len(incoming) == 0 {
		trigger := ec.TriggerData
		if trigger == nil {
			trigger = map[string]interface{}{}
		}
		input.Data[models.PortMain] = [][]models.Item{{{JSON: trigger}}}
	} else {
		for _, conn := range incoming {
			ok, items, err := edgeSatisfied(ec, conn, eval)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			input.Data[models.PortMain] = append(input.Data[models.PortMain], items)
		}
	}

	if len(input.Data[models.PortMain]) == 0 {
		input.Data[models.PortMain] = [][]models.Item{{{JSON: map[string]interface{}{}}}}
	}

	services := g.ServiceConnections(node.ID)
	if len(services) > 0 {
		input.Services = make(map[string][]NodeReference, len(services))
		for inputName, conns := range services {
			for _, conn := range conns {
				source, ok := g.Nodes[conn.SourceNodeID]
				if !ok {
					continue
				}
				input.Services[inputName] = append(input.Services[inputName], buildNodeReference(source, executor))
			}
		}
	}

	return input, nil
}

// buildNodeReference captures a service node's configuration. Credential
// properties missing from the node's parameters are synthesized from the
// schema's first allowed credential type.
func buildNodeReference(source models.Node, executor NodeExecutor) NodeReference {
	ref := NodeReference{
		NodeID:     source.ID,
		Name:       source.Name,
		Type:       source.Type,
		Parameters: make(map[string]interface{}, len(source.Parameters)),
	}
	for k, v := range source.Parameters {
		ref.Parameters[k] = v
	}

	if executor == nil {
		return ref
	}
	def, ok := executor.GetNodeDefinition(source.Type)
	if !ok {
		return ref
	}

	for _, prop := range def.Properties {
		if prop.Type != "credential" {
			continue
		}
		if _, set := ref.Parameters[prop.Name]; set {
			continue
		}
		if len(prop.AllowedTypes) > 0 {
			ref.Parameters[prop.Name] = credentialPlaceholder(prop.AllowedTypes[0])
		}
	}

	return ref
}

func credentialPlaceholder(credentialType string) string {
	return "cred_" + strings.ToLower(credentialType)
}
