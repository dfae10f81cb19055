package nodes

import (
	"context"
	"fmt"

	"github.com/loomflow/loomflow/cmd/loomd/condition"
	"github.com/loomflow/loomflow/cmd/loomd/engine"
	"github.com/loomflow/loomflow/common/models"
)

// registerBuiltins installs the core node set: passthrough, data
// shaping, branching and batching.
func registerBuiltins(r *Registry) {
	evaluator := condition.NewEvaluator()

	r.Register(&engine.NodeDefinition{
		Type:    "core.noop",
		Name:    "No Operation",
		Inputs:  []string{models.PortMain},
		Outputs: []string{models.PortMain},
	}, noopNode)

	r.Register(&engine.NodeDefinition{
		Type: "core.set",
		Name: "Set Fields",
		Properties: []engine.NodeProperty{
			{Name: "fields", Type: "object", Required: true},
		},
		Inputs:  []string{models.PortMain},
		Outputs: []string{models.PortMain},
	}, setNode)

	r.Register(&engine.NodeDefinition{
		Type: "core.if",
		Name: "If",
		Properties: []engine.NodeProperty{
			{Name: "condition", Type: "string", Required: true},
		},
		Inputs:  []string{models.PortMain},
		Outputs: []string{models.PortTrue, models.PortFalse},
	}, ifNode(evaluator))

	r.Register(&engine.NodeDefinition{
		Type: "core.splitInBatches",
		Name: "Split In Batches",
		Properties: []engine.NodeProperty{
			{Name: "batchSize", Type: "number", Default: 1},
		},
		Inputs:  []string{models.PortMain},
		Outputs: []string{models.PortLoop, models.PortDone},
	}, splitInBatchesNode)

	httpNode := newHTTPRequestNode()
	r.Register(httpNode.definition(), httpNode.execute)
}

func firstInput(input *engine.NodeInput) []models.Item {
	lists := input.Data[models.PortMain]
	var items []models.Item
	for _, list := range lists {
		items = append(items, list...)
	}
	return items
}

func noopNode(ctx context.Context, node models.Node, input *engine.NodeInput) (*models.NodeOutput, error) {
	return &models.NodeOutput{Main: firstInput(input)}, nil
}

// setNode merges the configured fields into every item
func setNode(ctx context.Context, node models.Node, input *engine.NodeInput) (*models.NodeOutput, error) {
	fields, _ := node.Parameters["fields"].(map[string]interface{})

	items := firstInput(input)
	out := make([]models.Item, len(items))
	for i, item := range items {
		merged := make(map[string]interface{}, len(item.JSON)+len(fields))
		for k, v := range item.JSON {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		out[i] = models.Item{JSON: merged, Binary: item.Binary}
	}
	return &models.NodeOutput{Main: out}, nil
}

// ifNode routes each item to the true or false branch by its condition
func ifNode(evaluator *condition.Evaluator) Handler {
	return func(ctx context.Context, node models.Node, input *engine.NodeInput) (*models.NodeOutput, error) {
		expr, _ := node.Parameters["condition"].(string)
		if expr == "" {
			return nil, fmt.Errorf("if node %s has no condition", node.ID)
		}

		output := &models.NodeOutput{Branches: map[string][]models.Item{
			models.PortTrue:  {},
			models.PortFalse: {},
		}}
		for _, item := range firstInput(input) {
			var data interface{} = map[string]interface{}{}
			if item.JSON != nil {
				data = item.JSON
			}
			ok, err := evaluator.Evaluate(expr, data, nil)
			if err != nil {
				return nil, err
			}
			port := models.PortFalse
			if ok {
				port = models.PortTrue
			}
			output.Branches[port] = append(output.Branches[port], item)
		}
		return output, nil
	}
}

// splitInBatchesNode emits one batch per iteration on the loop port and
// the accumulated items on done. Cursor state rides on the input: the
// first invocation sees source items, later ones see feedback items
// carrying the remainder under _batchRemaining.
func splitInBatchesNode(ctx context.Context, node models.Node, input *engine.NodeInput) (*models.NodeOutput, error) {
	batchSize := 1
	if n, ok := node.Parameters["batchSize"].(float64); ok && n >= 1 {
		batchSize = int(n)
	}
	if n, ok := node.Parameters["batchSize"].(int); ok && n >= 1 {
		batchSize = n
	}

	items := firstInput(input)

	// Feedback carries the remainder from the previous iteration.
	// Every item of a batch holds the same remainder, so read it once.
	var pending []models.Item
	fromFeedback := false
	for _, item := range items {
		raw, ok := item.JSON["_batchRemaining"]
		if !ok {
			continue
		}
		fromFeedback = true
		if rest, ok := raw.([]interface{}); ok {
			for _, entry := range rest {
				if m, ok := entry.(map[string]interface{}); ok {
					pending = append(pending, models.Item{JSON: m})
				}
			}
		}
		break
	}
	if !fromFeedback {
		pending = items
	}

	if len(pending) == 0 {
		return &models.NodeOutput{Branches: map[string][]models.Item{
			models.PortDone: {{JSON: map[string]interface{}{"done": true}}},
		}}, nil
	}

	if batchSize > len(pending) {
		batchSize = len(pending)
	}
	batch := pending[:batchSize]
	remaining := pending[batchSize:]

	rest := make([]interface{}, len(remaining))
	for i, item := range remaining {
		rest[i] = item.JSON
	}
	out := make([]models.Item, len(batch))
	for i, item := range batch {
		merged := make(map[string]interface{}, len(item.JSON)+1)
		for k, v := range item.JSON {
			merged[k] = v
		}
		merged["_batchRemaining"] = rest
		out[i] = models.Item{JSON: merged, Binary: item.Binary}
	}

	return &models.NodeOutput{Branches: map[string][]models.Item{
		models.PortLoop: out,
	}}, nil
}
