package engine

import (
	"context"

	"github.com/loomflow/loomflow/common/models"
)

// NodeInput is the assembled input handed to a node invocation.
// Data is keyed by input port; Data["main"] is always present and holds
// one item list per satisfied incoming edge.
type NodeInput struct {
	Data     map[string][][]models.Item `json:"data"`
	Services map[string][]NodeReference `json:"services,omitempty"`
}

// NodeReference describes a node wired into another node's service input
// ("model", "memory", "tools"). It binds the source node's configuration,
// not its runtime data.
type NodeReference struct {
	NodeID     string                 `json:"nodeId"`
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// NodeProperty is one entry of a node type's parameter schema.
type NodeProperty struct {
	Name         string      `json:"name"`
	Type         string      `json:"type"`
	AllowedTypes []string    `json:"allowedTypes,omitempty"`
	Default      interface{} `json:"default,omitempty"`
	Required     bool        `json:"required,omitempty"`
}

// NodeDefinition is the static schema of a node type.
type NodeDefinition struct {
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Properties []NodeProperty `json:"properties,omitempty"`
	Inputs     []string       `json:"inputs,omitempty"`
	Outputs    []string       `json:"outputs,omitempty"`
}

// NodeExecutor runs individual nodes. The engine is agnostic to node
// semantics; everything type-specific lives behind this interface.
type NodeExecutor interface {
	ExecuteNode(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error)
	GetNodeDefinition(nodeType string) (*NodeDefinition, bool)
}
