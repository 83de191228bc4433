package diagram

import (
	"github.com/loomhq/loom/pkg/schema"
)

// edgeOrder fixes the rendering order of a step's outgoing edges.
var edgeOrder = []schema.OutcomeKey{
	schema.OutcomeSuccess,
	schema.OutcomeTrue,
	schema.OutcomeFalse,
	schema.OutcomeLoop,
	schema.OutcomeDone,
	schema.OutcomeError,
	schema.OutcomeRejected,
}

// Build constructs a Model from a workflow definition. stepStatus maps
// step slugs to run statuses for the overlay; nil renders the bare
// definition.
func Build(def *schema.WorkflowDefinition, stepStatus map[string]string) *Model {
	m := &Model{Title: def.Name}

	for _, step := range def.Steps {
		m.Nodes = append(m.Nodes, Node{
			ID:     step.StepSlug,
			Label:  nodeLabel(step),
			Kind:   stepKind(step.StepType),
			Status: stepStatus[step.StepSlug],
		})
		for _, outcome := range edgeOrder {
			if to, ok := step.NextSteps[outcome]; ok {
				m.Edges = append(m.Edges, Edge{
					From:  step.StepSlug,
					To:    to,
					Label: string(outcome),
				})
			}
		}
	}
	return m
}

func stepKind(st schema.StepType) NodeKind {
	switch st.Canonical() {
	case schema.StepTypeStart:
		return NodeKindStart
	case schema.StepTypeLLM:
		return NodeKindLLM
	case schema.StepTypeCondition:
		return NodeKindCondition
	case schema.StepTypeLoop:
		return NodeKindLoop
	default:
		return NodeKindAction
	}
}

// nodeLabel is the slug plus a short hint of what the step does.
func nodeLabel(step schema.StepDefinition) string {
	switch step.StepType.Canonical() {
	case schema.StepTypeAction:
		var cfg schema.ActionConfig
		if step.DecodeConfig(&cfg) == nil && cfg.Type != "" {
			key := cfg.Type
			if cfg.Operation != "" {
				key += "." + cfg.Operation
			}
			return step.StepSlug + "\n" + key
		}
	case schema.StepTypeStart:
		var cfg schema.StartConfig
		if step.DecodeConfig(&cfg) == nil && cfg.Type != "" {
			return step.StepSlug + "\n" + string(cfg.Type)
		}
	case schema.StepTypeLLM:
		var cfg schema.LLMConfig
		if step.DecodeConfig(&cfg) == nil && cfg.Effective().Name != "" {
			return step.StepSlug + "\n" + cfg.Effective().Name
		}
	}
	return step.StepSlug
}
