package validation

import "github.com/loomhq/loom/pkg/schema"

// Validator checks workflow definitions for correctness before saving.
// Validation is pure: no store access, no side effects.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// ActionLookup answers whether an action type and operation are
// registered. May be nil to skip action existence checks.
type ActionLookup interface {
	Has(actionType, operation string) bool
}
