package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateEmptyExpressionIsTrue(t *testing.T) {
	e := NewEvaluator()

	ok, err := e.Evaluate("", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate("   ", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateOutputField(t *testing.T) {
	e := NewEvaluator()

	output := map[string]interface{}{"approved": true, "score": 0.9}

	ok, err := e.Evaluate(`output.approved == true`, output, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(`output.score > 0.95`, output, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateJSONPathShorthand(t *testing.T) {
	e := NewEvaluator()

	output := map[string]interface{}{"status": "done"}
	ok, err := e.Evaluate(`$.status == "done"`, output, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateContextVariable(t *testing.T) {
	e := NewEvaluator()

	ctx := map[string]interface{}{"retries": int64(2)}
	ok, err := e.Evaluate(`ctx.retries < 3`, nil, ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateNonBooleanResult(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate(`output.count`, map[string]interface{}{"count": int64(5)}, nil)
	assert.Error(t, err)
}

func TestEvaluateCompileError(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate(`output.approved ==`, nil, nil)
	assert.Error(t, err)
}

func TestEvaluatorCachesPrograms(t *testing.T) {
	e := NewEvaluator()

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(`output.x == 1`, map[string]interface{}{"x": int64(1)}, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.CacheSize())

	e.ClearCache()
	assert.Equal(t, 0, e.CacheSize())
}
