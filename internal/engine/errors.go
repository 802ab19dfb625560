package engine

import (
	"fmt"

	"finalarm/internal/model"
)

// EvaluatorError wraps a failure inside one rule's evaluator. The pass drops
// that rule's output and carries on.
type EvaluatorError struct {
	RuleID string
	Kind   model.RuleKind
	Err    error
}

func (e *EvaluatorError) Error() string {
	return fmt.Sprintf("evaluate rule %s (%s): %v", e.RuleID, e.Kind, e.Err)
}

func (e *EvaluatorError) Unwrap() error {
	return e.Err
}
