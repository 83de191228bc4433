package schema

import (
	"encoding/json"
	"regexp"
)

// WorkflowDefinition is the authoring contract for a workflow. It is
// organization-scoped; Name is unique within an organization.
type WorkflowDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     int            `json:"version"`
	Status      WorkflowStatus `json:"status"`
	Config      WorkflowConfig `json:"config"`
	Steps       []StepDefinition `json:"steps"`
}

// WorkflowConfig holds run-level settings shared by every step.
type WorkflowConfig struct {
	TimeoutMs        int            `json:"timeoutMs,omitempty"`
	RetryPolicy      *RetryPolicy   `json:"retryPolicy,omitempty"`
	InitialVariables map[string]any `json:"initialVariables,omitempty"`
}

// RetryPolicy bounds automatic retries for failed action steps.
// LLM steps are never retried by the interpreter; an explicit error
// edge back into the graph is the only retry mechanism for them.
type RetryPolicy struct {
	MaxRetries int `json:"maxRetries"`
	BackoffMs  int `json:"backoffMs"`
}

// WorkflowStatus is the authoring lifecycle state of a definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft  WorkflowStatus = "draft"
	WorkflowStatusActive WorkflowStatus = "active"
)

// StepType enumerates the kinds of steps in a workflow graph.
type StepType string

const (
	StepTypeStart     StepType = "start"
	StepTypeLLM       StepType = "llm"
	StepTypeAction    StepType = "action"
	StepTypeCondition StepType = "condition"
	StepTypeLoop      StepType = "loop"

	// StepTypeTrigger is accepted as an authoring alias for start.
	StepTypeTrigger StepType = "trigger"
)

// Canonical folds the trigger alias into start.
func (t StepType) Canonical() StepType {
	if t == StepTypeTrigger {
		return StepTypeStart
	}
	return t
}

// SlugPattern is the required shape of a step slug: lowercase words
// joined by single underscores.
var SlugPattern = regexp.MustCompile(`^[a-z]+(_[a-z]+)*$`)

// StepDefinition describes a single node in the workflow graph.
// Config carries the type-specific payload; decode it with the typed
// accessor matching StepType rather than inspecting raw fields.
type StepDefinition struct {
	StepSlug  string                `json:"stepSlug"`
	Name      string                `json:"name"`
	StepType  StepType              `json:"stepType"`
	Order     int                   `json:"order,omitempty"` // authoring hint only
	Config    json.RawMessage       `json:"config"`
	NextSteps map[OutcomeKey]string `json:"nextSteps,omitempty"`
}

// OutcomeKey is the label a step emits to select its next edge.
type OutcomeKey string

const (
	OutcomeSuccess  OutcomeKey = "success"
	OutcomeError    OutcomeKey = "error"
	OutcomeTrue     OutcomeKey = "true"
	OutcomeFalse    OutcomeKey = "false"
	OutcomeLoop     OutcomeKey = "loop"
	OutcomeDone     OutcomeKey = "done"
	OutcomeRejected OutcomeKey = "rejected"
)

// OutcomesFor returns the outcome keys a step of the given type may emit.
// nextSteps maps are reduced to these keys at load time; anything else is
// a definition error.
func OutcomesFor(t StepType) []OutcomeKey {
	switch t.Canonical() {
	case StepTypeStart:
		return []OutcomeKey{OutcomeSuccess}
	case StepTypeLLM:
		return []OutcomeKey{OutcomeSuccess, OutcomeError}
	case StepTypeAction:
		return []OutcomeKey{OutcomeSuccess, OutcomeError, OutcomeRejected}
	case StepTypeCondition:
		return []OutcomeKey{OutcomeTrue, OutcomeFalse}
	case StepTypeLoop:
		return []OutcomeKey{OutcomeLoop, OutcomeDone}
	}
	return nil
}

// --- Per-type step configs (tagged variants keyed by StepType) ---

// TriggerKind enumerates how a start step fires.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerWebhook   TriggerKind = "webhook"
	TriggerEvent     TriggerKind = "event"
)

// StartConfig is the config payload for start/trigger steps.
type StartConfig struct {
	Type      TriggerKind `json:"type"`
	Schedule  string      `json:"schedule,omitempty"`  // cron, required for scheduled
	EventType string      `json:"eventType,omitempty"` // required for event
	Inputs    []any       `json:"inputs,omitempty"`    // optional for manual
}

// LLMConfig is the config payload for llm steps. The nested LLMNode form
// is accepted for definitions authored against the old shape.
type LLMConfig struct {
	Name         string   `json:"name"`
	SystemPrompt string   `json:"systemPrompt"`
	Prompt       string   `json:"prompt,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
	LLMNode      *LLMNode `json:"llmNode,omitempty"`
}

// LLMNode is the legacy nested llm config shape.
type LLMNode struct {
	Name         string   `json:"name"`
	SystemPrompt string   `json:"systemPrompt"`
	Prompt       string   `json:"prompt,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// Effective returns the llm settings after folding in the legacy
// nested form. Top-level fields win when both are present.
func (c *LLMConfig) Effective() LLMNode {
	out := LLMNode{
		Name:         c.Name,
		SystemPrompt: c.SystemPrompt,
		Prompt:       c.Prompt,
		AllowedTools: c.AllowedTools,
	}
	if c.LLMNode != nil {
		if out.Name == "" {
			out.Name = c.LLMNode.Name
		}
		if out.SystemPrompt == "" {
			out.SystemPrompt = c.LLMNode.SystemPrompt
		}
		if out.Prompt == "" {
			out.Prompt = c.LLMNode.Prompt
		}
		if len(out.AllowedTools) == 0 {
			out.AllowedTools = c.LLMNode.AllowedTools
		}
	}
	return out
}

// ActionConfig is the config payload for action steps. Parameters are
// template strings resolved against the run scope before dispatch.
type ActionConfig struct {
	Type       string         `json:"type"`
	Operation  string         `json:"operation,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ConditionConfig is the config payload for condition steps.
type ConditionConfig struct {
	Expression string `json:"expression"`
	Language   string `json:"language,omitempty"` // expr (default) or cel
}

// LoopConfig is the config payload for loop steps.
type LoopConfig struct {
	Items           string `json:"items,omitempty"` // template producing the iterable
	ItemVariable    string `json:"itemVariable,omitempty"`
	IndexVariable   string `json:"indexVariable,omitempty"`
	MaxIterations   int    `json:"maxIterations,omitempty"`
	ContinueOnError bool   `json:"continueOnError,omitempty"`
}

// DefaultMaxIterations bounds a loop that does not set maxIterations.
const DefaultMaxIterations = 1000

// DecodeConfig unmarshals the step's raw config into the variant
// matching its type.
func (s *StepDefinition) DecodeConfig(into any) error {
	if len(s.Config) == 0 {
		return NewErrorf(ErrCodeValidation, "step %q has no config", s.StepSlug).WithStep(s.StepSlug)
	}
	if err := json.Unmarshal(s.Config, into); err != nil {
		return NewErrorf(ErrCodeValidation, "step %q config: %s", s.StepSlug, err.Error()).
			WithStep(s.StepSlug).WithCause(err)
	}
	return nil
}
