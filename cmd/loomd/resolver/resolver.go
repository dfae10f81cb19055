package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// OutputLookup resolves a node name to that node's output for the
// current execution. Lookup misses return (nil, false).
type OutputLookup func(nodeName string) (interface{}, bool)

// Resolver substitutes node-output references in node parameters.
// Supported forms:
//   - $node["Name"]            entire node output
//   - $node["Name"].field.path specific field access
//   - ${$node["Name"].field}   string interpolation
type Resolver struct {
	lookup OutputLookup
}

var (
	nodeRefPattern       = regexp.MustCompile(`^\$node\["([^"]+)"\](?:\.(.+))?$`)
	interpolationPattern = regexp.MustCompile(`\$\{([^}]+)\}`)
)

// NewResolver creates a resolver bound to one execution's outputs
func NewResolver(lookup OutputLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// ResolveParameters resolves all expressions in a parameter map
func (r *Resolver) ResolveParameters(params map[string]interface{}) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(params))

	for key, value := range params {
		resolvedValue, err := r.resolveValue(value)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve parameter %s: %w", key, err)
		}
		resolved[key] = resolvedValue
	}

	return resolved, nil
}

func (r *Resolver) resolveValue(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v)
	case map[string]interface{}:
		return r.resolveMap(v)
	case []interface{}:
		return r.resolveArray(v)
	default:
		// Primitives pass through
		return value, nil
	}
}

func (r *Resolver) resolveString(str string) (interface{}, error) {
	if nodeRefPattern.MatchString(str) {
		return r.resolveNodeReference(str)
	}
	if strings.Contains(str, "${") {
		return r.resolveInterpolation(str)
	}
	return str, nil
}

func (r *Resolver) resolveMap(m map[string]interface{}) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(m))
	for key, value := range m {
		resolvedValue, err := r.resolveValue(value)
		if err != nil {
			return nil, err
		}
		resolved[key] = resolvedValue
	}
	return resolved, nil
}

func (r *Resolver) resolveArray(arr []interface{}) ([]interface{}, error) {
	resolved := make([]interface{}, len(arr))
	for i, value := range arr {
		resolvedValue, err := r.resolveValue(value)
		if err != nil {
			return nil, err
		}
		resolved[i] = resolvedValue
	}
	return resolved, nil
}

func (r *Resolver) resolveNodeReference(expr string) (interface{}, error) {
	match := nodeRefPattern.FindStringSubmatch(expr)
	if match == nil {
		return nil, fmt.Errorf("invalid node reference: %s", expr)
	}

	nodeName := match[1]
	fieldPath := match[2]

	output, ok := r.lookup(nodeName)
	if !ok {
		return nil, fmt.Errorf("node output not found: %s", nodeName)
	}

	if fieldPath == "" {
		return output, nil
	}

	outputJSON, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node output: %w", err)
	}

	result := gjson.GetBytes(outputJSON, fieldPath)
	if !result.Exists() {
		return nil, fmt.Errorf("field not found: %s in node %s", fieldPath, nodeName)
	}

	return result.Value(), nil
}

func (r *Resolver) resolveInterpolation(str string) (string, error) {
	result := str

	for _, match := range interpolationPattern.FindAllStringSubmatch(str, -1) {
		placeholder := match[0]
		expr := match[1]

		value, err := r.resolveString(expr)
		if err != nil {
			return "", fmt.Errorf("failed to resolve interpolation %s: %w", placeholder, err)
		}

		var valueStr string
		switch v := value.(type) {
		case string:
			valueStr = v
		case []byte:
			valueStr = string(v)
		default:
			jsonBytes, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("failed to marshal interpolated value: %w", err)
			}
			valueStr = string(jsonBytes)
		}

		result = strings.Replace(result, placeholder, valueStr, 1)
	}

	return result, nil
}
