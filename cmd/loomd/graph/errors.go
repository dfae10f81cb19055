package graph

import "fmt"

// ValidationCode classifies a graph validation failure.
type ValidationCode string

const (
	CodeCircularDependency ValidationCode = "CircularDependency"
	CodeMissingDependency  ValidationCode = "MissingDependency"
	CodeInvalidFlowState   ValidationCode = "InvalidFlowState"
)

// ValidationError is a fatal, non-retryable graph validation failure.
type ValidationError struct {
	Code                ValidationCode
	Message             string
	AffectedNodes       []string
	DependencyChain     []string
	ExecutionPath       []string
	SuggestedResolution string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is supports errors.Is matching on the validation code
func (e *ValidationError) Is(target error) bool {
	other, ok := target.(*ValidationError)
	return ok && other.Code == e.Code
}

func circularDependencyError(msg string, affected, chain, path []string) *ValidationError {
	return &ValidationError{
		Code:                CodeCircularDependency,
		Message:             msg,
		AffectedNodes:       affected,
		DependencyChain:     chain,
		ExecutionPath:       path,
		SuggestedResolution: "remove or redirect one of the connections forming the cycle",
	}
}

func missingDependencyError(msg string, affected, path []string) *ValidationError {
	return &ValidationError{
		Code:                CodeMissingDependency,
		Message:             msg,
		AffectedNodes:       affected,
		ExecutionPath:       path,
		SuggestedResolution: "ensure every connection endpoint references a node in the workflow",
	}
}

func invalidFlowStateError(msg string, path []string) *ValidationError {
	return &ValidationError{
		Code:                CodeInvalidFlowState,
		Message:             msg,
		ExecutionPath:       path,
		SuggestedResolution: "provide a workflow with at least one node",
	}
}
