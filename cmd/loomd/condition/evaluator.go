package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator evaluates edge conditions using CEL (Common Expression
// Language). Compiled programs are cached by normalized expression.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new condition evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Evaluate runs a CEL expression against a producing node's output and
// the execution context. An empty expression is vacuously true.
func (e *Evaluator) Evaluate(expr string, output interface{}, context map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	// Convert JSONPath-style $.field to CEL output.field for compatibility
	normalizedExpr := strings.ReplaceAll(expr, "$.", "output.")

	e.mu.RLock()
	prg, exists := e.cache[normalizedExpr]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(normalizedExpr)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.cache[normalizedExpr] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"output": output,
		"ctx":    context,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}

	return result, nil
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
