package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomflow/loomflow/cmd/loomd/engine"
	"github.com/loomflow/loomflow/common/models"
)

func mainInput(items ...models.Item) *engine.NodeInput {
	return &engine.NodeInput{
		Data: map[string][][]models.Item{
			models.PortMain: {items},
		},
	}
}

func item(fields map[string]interface{}) models.Item {
	return models.Item{JSON: fields}
}

func TestRegistryKnowsBuiltins(t *testing.T) {
	r := NewRegistry()

	for _, nodeType := range []string{"core.noop", "core.set", "core.if", "core.splitInBatches"} {
		def, ok := r.GetNodeDefinition(nodeType)
		require.True(t, ok, nodeType)
		assert.Equal(t, nodeType, def.Type)
	}

	_, err := r.ExecuteNode(context.Background(), models.Node{Type: "core.missing"}, mainInput())
	assert.ErrorContains(t, err, "unknown node type")
}

func TestNoopPassesItemsThrough(t *testing.T) {
	r := NewRegistry()

	input := mainInput(item(map[string]interface{}{"a": 1}), item(map[string]interface{}{"b": 2}))
	out, err := r.ExecuteNode(context.Background(), models.Node{Type: "core.noop"}, input)
	require.NoError(t, err)
	assert.Len(t, out.Main, 2)
}

func TestSetMergesFields(t *testing.T) {
	r := NewRegistry()

	node := models.Node{
		Type: "core.set",
		Parameters: map[string]interface{}{
			"fields": map[string]interface{}{"status": "ready", "count": 2},
		},
	}
	input := mainInput(item(map[string]interface{}{"id": "x", "count": 1}))

	out, err := r.ExecuteNode(context.Background(), node, input)
	require.NoError(t, err)
	require.Len(t, out.Main, 1)
	assert.Equal(t, "x", out.Main[0].JSON["id"])
	assert.Equal(t, "ready", out.Main[0].JSON["status"])
	assert.Equal(t, 2, out.Main[0].JSON["count"])

	// The source item is not mutated
	assert.Equal(t, 1, input.Data[models.PortMain][0][0].JSON["count"])
}

func TestIfRoutesItemsByCondition(t *testing.T) {
	r := NewRegistry()

	node := models.Node{
		Type: "core.if",
		Parameters: map[string]interface{}{
			"condition": `output.amount > 10.0`,
		},
	}
	input := mainInput(
		item(map[string]interface{}{"amount": 25.0}),
		item(map[string]interface{}{"amount": 5.0}),
	)

	out, err := r.ExecuteNode(context.Background(), node, input)
	require.NoError(t, err)
	assert.Len(t, out.ForPort(models.PortTrue), 1)
	assert.Len(t, out.ForPort(models.PortFalse), 1)
	assert.Equal(t, 25.0, out.ForPort(models.PortTrue)[0].JSON["amount"])
}

func TestIfRequiresCondition(t *testing.T) {
	r := NewRegistry()

	_, err := r.ExecuteNode(context.Background(), models.Node{ID: "gate", Type: "core.if"}, mainInput())
	assert.ErrorContains(t, err, "no condition")
}

func TestSplitInBatchesWalksAllItems(t *testing.T) {
	r := NewRegistry()

	node := models.Node{
		Type:       "core.splitInBatches",
		Parameters: map[string]interface{}{"batchSize": float64(2)},
	}

	input := mainInput(
		item(map[string]interface{}{"n": 1}),
		item(map[string]interface{}{"n": 2}),
		item(map[string]interface{}{"n": 3}),
	)

	// First call: batch of two, remainder rides on the loop items
	out, err := r.ExecuteNode(context.Background(), node, input)
	require.NoError(t, err)
	loop := out.ForPort(models.PortLoop)
	require.Len(t, loop, 2)
	assert.Empty(t, out.ForPort(models.PortDone))

	// Second call fed back the loop output: one item left
	out, err = r.ExecuteNode(context.Background(), node, mainInput(loop...))
	require.NoError(t, err)
	loop = out.ForPort(models.PortLoop)
	require.Len(t, loop, 1)
	assert.Equal(t, 3, loop[0].JSON["n"])

	// Third call: remainder exhausted, done fires
	out, err = r.ExecuteNode(context.Background(), node, mainInput(loop...))
	require.NoError(t, err)
	assert.Empty(t, out.ForPort(models.PortLoop))
	assert.NotEmpty(t, out.ForPort(models.PortDone))
}
