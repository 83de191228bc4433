package actions

import "context"

// Mode classifies an action by its side effects. Write actions are
// intercepted by the approval gate before they execute; read actions
// run immediately.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// Action is an executable unit of work dispatched by an action step.
// Actions are addressed by type plus operation ("customers.update").
type Action interface {
	Type() string
	Operation() string
	Mode() Mode
	Spec() Spec
	Validate(params map[string]any) error
	Execute(ctx context.Context, input Input) (*Output, error)
}

// Input is the data provided to an action at execution time. Params
// arrive with templates already resolved.
type Input struct {
	OrgID      string         `json:"org_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	ThreadID   string         `json:"thread_id,omitempty"`
	// ApprovalID is set when a write action executes after its approval
	// was granted.
	ApprovalID string         `json:"approval_id,omitempty"`
	Params     map[string]any `json:"params"`
}

// Output is the result of an action execution. Data becomes the step's
// output in the run scope.
type Output struct {
	Data any `json:"data,omitempty"`
}
