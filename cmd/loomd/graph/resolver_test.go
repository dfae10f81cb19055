package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomflow/loomflow/common/models"
)

func conn(source, target string) models.Connection {
	return models.Connection{
		ID:           source + "->" + target,
		SourceNodeID: source,
		SourceOutput: models.PortMain,
		TargetNodeID: target,
		TargetInput:  models.PortMain,
	}
}

func TestResolverDirectNeighbors(t *testing.T) {
	r := NewResolver(
		[]string{"a", "b", "c", "d"},
		[]models.Connection{conn("a", "b"), conn("a", "c"), conn("b", "d"), conn("c", "d")},
	)

	assert.ElementsMatch(t, []string{"b", "c"}, r.Downstream("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, r.Dependencies("d"))
	assert.Empty(t, r.Dependencies("a"))
	assert.Empty(t, r.Downstream("d"))
}

func TestResolverDeduplicatesParallelEdges(t *testing.T) {
	// Two distinct connections between the same pair count once
	edges := []models.Connection{conn("a", "b"), conn("a", "b")}
	edges[1].ID = "second"
	r := NewResolver([]string{"a", "b"}, edges)

	assert.Equal(t, []string{"b"}, r.Downstream("a"))
	assert.Equal(t, []string{"a"}, r.Dependencies("b"))

	order, err := r.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestResolverTransitiveClosure(t *testing.T) {
	r := NewResolver(
		[]string{"a", "b", "c", "d", "e"},
		[]models.Connection{conn("a", "b"), conn("b", "c"), conn("c", "d"), conn("e", "d")},
	)

	assert.ElementsMatch(t, []string{"b", "c", "d"}, r.TransitiveDownstream("a"))
	assert.ElementsMatch(t, []string{"a", "b", "c", "e"}, r.TransitiveDependencies("d"))
	assert.Empty(t, r.TransitiveDownstream("d"))
}

func TestResolverTransitiveClosureTerminatesOnCycle(t *testing.T) {
	r := NewResolver(
		[]string{"a", "b", "c"},
		[]models.Connection{conn("a", "b"), conn("b", "c"), conn("c", "a")},
	)

	// Cycle members are reported once, the start node is excluded
	assert.ElementsMatch(t, []string{"b", "c"}, r.TransitiveDownstream("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, r.TransitiveDependencies("a"))
}

func TestDetectCyclesCleanGraph(t *testing.T) {
	r := NewResolver(
		[]string{"a", "b", "c"},
		[]models.Connection{conn("a", "b"), conn("b", "c")},
	)
	assert.Empty(t, r.DetectCycles())
}

func TestDetectCyclesFindsAllComponents(t *testing.T) {
	r := NewResolver(
		[]string{"a", "b", "x", "y", "lone"},
		[]models.Connection{
			conn("a", "b"), conn("b", "a"),
			conn("x", "y"), conn("y", "x"),
		},
	)

	cycles := r.DetectCycles()
	require.Len(t, cycles, 2)
	var members [][]string
	for _, c := range cycles {
		assert.Equal(t, "error", c.Severity)
		members = append(members, c.Nodes)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, members[0])
	assert.ElementsMatch(t, []string{"x", "y"}, members[1])
}

func TestDetectCyclesSelfEdge(t *testing.T) {
	r := NewResolver([]string{"a"}, []models.Connection{conn("a", "a")})

	cycles := r.DetectCycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"a"}, cycles[0].Nodes)
}

func TestTopologicalOrderRespectsEdges(t *testing.T) {
	r := NewResolver(
		[]string{"d", "c", "b", "a"},
		[]models.Connection{conn("a", "b"), conn("a", "c"), conn("b", "d"), conn("c", "d")},
	)

	order, err := r.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 4)

	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}
	assert.Less(t, position["a"], position["b"])
	assert.Less(t, position["a"], position["c"])
	assert.Less(t, position["b"], position["d"])
	assert.Less(t, position["c"], position["d"])
}

func TestTopologicalOrderFailsOnCycle(t *testing.T) {
	r := NewResolver(
		[]string{"a", "b", "c"},
		[]models.Connection{conn("a", "b"), conn("b", "c"), conn("c", "b")},
	)

	_, err := r.TopologicalOrder()
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeCircularDependency, verr.Code)
	assert.ElementsMatch(t, []string{"b", "c"}, verr.AffectedNodes)
}

func TestParallelExecutionGroups(t *testing.T) {
	r := NewResolver(
		[]string{"a", "b", "c", "d", "e"},
		[]models.Connection{conn("a", "c"), conn("b", "c"), conn("c", "d"), conn("c", "e")},
	)

	groups, err := r.ParallelExecutionGroups()
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.ElementsMatch(t, []string{"a", "b"}, groups[0])
	assert.Equal(t, []string{"c"}, groups[1])
	assert.ElementsMatch(t, []string{"d", "e"}, groups[2])
}

func TestParallelExecutionGroupsCycle(t *testing.T) {
	r := NewResolver(
		[]string{"a", "b"},
		[]models.Connection{conn("a", "b"), conn("b", "a")},
	)

	_, err := r.ParallelExecutionGroups()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeCircularDependency, verr.Code)
}

func TestValidateExecutionSafetyEmptyGraph(t *testing.T) {
	err := ValidateExecutionSafety(nil, nil, nil)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeInvalidFlowState, verr.Code)
}

func TestValidateExecutionSafetySelfEdge(t *testing.T) {
	err := ValidateExecutionSafety([]string{"a"}, []models.Connection{conn("a", "a")}, nil)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeCircularDependency, verr.Code)
	assert.Equal(t, []string{"a"}, verr.AffectedNodes)
}

func TestValidateExecutionSafetyCycleBeforeMissingEndpoint(t *testing.T) {
	// Both defects present: the cycle must win
	edges := []models.Connection{
		conn("a", "b"), conn("b", "a"),
		conn("a", "ghost"),
	}
	err := ValidateExecutionSafety([]string{"a", "b"}, edges, nil)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeCircularDependency, verr.Code)
}

func TestValidateExecutionSafetyMissingEndpoint(t *testing.T) {
	err := ValidateExecutionSafety([]string{"a", "b"}, []models.Connection{conn("a", "ghost")}, nil)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeMissingDependency, verr.Code)
	assert.Contains(t, verr.AffectedNodes, "ghost")
}

func TestValidateExecutionSafetyClean(t *testing.T) {
	err := ValidateExecutionSafety([]string{"a", "b"}, []models.Connection{conn("a", "b")}, nil)
	assert.NoError(t, err)
}
