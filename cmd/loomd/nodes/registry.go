package nodes

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomflow/loomflow/cmd/loomd/engine"
	"github.com/loomflow/loomflow/common/models"
)

// Handler executes one node type.
type Handler func(ctx context.Context, node models.Node, input *engine.NodeInput) (*models.NodeOutput, error)

// Registry maps node types to handlers and schemas. It implements the
// engine's NodeExecutor.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	defs     map[string]*engine.NodeDefinition
}

// NewRegistry creates a registry preloaded with the builtin node types
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		defs:     make(map[string]*engine.NodeDefinition),
	}
	registerBuiltins(r)
	return r
}

// Register adds or replaces a node type
func (r *Registry) Register(def *engine.NodeDefinition, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Type] = handler
	r.defs[def.Type] = def
}

// ExecuteNode implements engine.NodeExecutor
func (r *Registry) ExecuteNode(ctx context.Context, node models.Node, input *engine.NodeInput) (*models.NodeOutput, error) {
	r.mu.RLock()
	handler, ok := r.handlers[node.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown node type: %s", node.Type)
	}
	return handler(ctx, node, input)
}

// GetNodeDefinition implements engine.NodeExecutor
func (r *Registry) GetNodeDefinition(nodeType string) (*engine.NodeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[nodeType]
	return def, ok
}
