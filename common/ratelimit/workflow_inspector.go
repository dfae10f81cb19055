package ratelimit

import "github.com/loomflow/loomflow/common/models"

// WorkflowTier buckets workflows by how expensive a run is
type WorkflowTier string

const (
	TierSimple   WorkflowTier = "simple"   // no loop nodes
	TierStandard WorkflowTier = "standard" // 1-2 loop nodes
	TierHeavy    WorkflowTier = "heavy"    // 3+ loop nodes or very large graphs
)

// WorkflowProfile contains the complexity analysis of one workflow
type WorkflowProfile struct {
	Tier       WorkflowTier
	LoopCount  int
	TotalNodes int
}

const heavyNodeCount = 50

// InspectWorkflow determines a workflow's tier. Loop nodes dominate the
// cost of a run because each one multiplies node executions by its
// iteration count.
func InspectWorkflow(workflow *models.Workflow) WorkflowProfile {
	profile := WorkflowProfile{Tier: TierSimple}
	if workflow == nil {
		return profile
	}

	profile.TotalNodes = len(workflow.Nodes)

	loopSources := make(map[string]struct{})
	for _, conn := range workflow.Connections {
		if conn.SourceOutput == models.PortLoop {
			loopSources[conn.SourceNodeID] = struct{}{}
		}
	}
	profile.LoopCount = len(loopSources)

	switch {
	case profile.LoopCount >= 3 || profile.TotalNodes >= heavyNodeCount:
		profile.Tier = TierHeavy
	case profile.LoopCount >= 1:
		profile.Tier = TierStandard
	}
	return profile
}

// String returns the tier name
func (t WorkflowTier) String() string {
	return string(t)
}
