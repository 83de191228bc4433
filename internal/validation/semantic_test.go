package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/schema"
)

func semanticResult(t *testing.T, def *schema.WorkflowDefinition, lookup ActionLookup) *schema.ValidationResult {
	t.Helper()
	return validateSemantic(def, lookup)
}

func TestSlugPatternEnforced(t *testing.T) {
	def := validDefinition(t)
	def.Steps[1].StepSlug = "Check-Plan"

	result := semanticResult(t, def, nil)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "Check-Plan")
}

func TestOutcomeKeysMatchStepType(t *testing.T) {
	def := validDefinition(t)
	// A condition cannot emit success.
	def.Steps[1].NextSteps = map[schema.OutcomeKey]string{schema.OutcomeSuccess: "notify"}

	result := semanticResult(t, def, nil)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, `cannot emit outcome "success"`)
}

func TestTriggerAliasValidatesAsStart(t *testing.T) {
	def := validDefinition(t)
	def.Steps[0].StepType = schema.StepTypeTrigger

	result := semanticResult(t, def, nil)
	assert.True(t, result.Valid(), "errors: %v", result.Messages())
}

func TestScheduledTriggerCron(t *testing.T) {
	cases := []struct {
		schedule string
		ok       bool
	}{
		{"0 9 * * 1", true},       // 5-field
		{"30 0 9 * * 1", true},    // 6-field with seconds
		{"every day at 9", false}, // descriptors not accepted
		{"0 9 * *", false},        // too few fields
		{"", false},
	}
	for _, tc := range cases {
		def := validDefinition(t)
		def.Steps[0].Config = mustConfig(t, schema.StartConfig{
			Type:     schema.TriggerScheduled,
			Schedule: tc.schedule,
		})
		result := semanticResult(t, def, nil)
		assert.Equal(t, tc.ok, result.Valid(), "schedule %q: %v", tc.schedule, result.Messages())
	}
}

func TestEventTriggerRequiresEventType(t *testing.T) {
	def := validDefinition(t)
	def.Steps[0].Config = mustConfig(t, schema.StartConfig{Type: schema.TriggerEvent})

	result := semanticResult(t, def, nil)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "eventType")
}

func TestLLMConfigRequiresNameAndPrompt(t *testing.T) {
	def := validDefinition(t)
	def.Steps[1] = step(t, "summarize", schema.StepTypeLLM,
		schema.LLMConfig{Name: "summarize"},
		map[schema.OutcomeKey]string{schema.OutcomeSuccess: "notify"})

	result := semanticResult(t, def, nil)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "systemPrompt")
}

func TestLLMLegacyNodeFoldsAndWarns(t *testing.T) {
	def := validDefinition(t)
	def.Steps[1] = step(t, "summarize", schema.StepTypeLLM,
		schema.LLMConfig{LLMNode: &schema.LLMNode{Name: "summarize", SystemPrompt: "You summarize."}},
		map[schema.OutcomeKey]string{schema.OutcomeSuccess: "notify"})

	result := semanticResult(t, def, nil)
	assert.True(t, result.Valid(), "errors: %v", result.Messages())
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0].Message, "llmNode")
}

func TestUnregisteredActionFails(t *testing.T) {
	def := validDefinition(t)
	lookup := stubLookup{known: map[string]bool{}}

	result := semanticResult(t, def, lookup)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, `"data.transform" not registered`)
}

func TestActionTypeCollidingWithStepTypeWarns(t *testing.T) {
	def := validDefinition(t)
	def.Steps[2].Config = mustConfig(t, schema.ActionConfig{Type: "condition"})

	result := semanticResult(t, def, nil)
	assert.True(t, result.Valid())
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0].Message, "collides with a step type")
}

func TestConditionLanguage(t *testing.T) {
	def := validDefinition(t)
	def.Steps[1].Config = mustConfig(t, schema.ConditionConfig{
		Expression: `workflow.plan == "pro"`,
		Language:   "cel",
	})
	assert.True(t, semanticResult(t, def, nil).Valid())

	def.Steps[1].Config = mustConfig(t, schema.ConditionConfig{
		Expression: "x > 1",
		Language:   "jsonata",
	})
	result := semanticResult(t, def, nil)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "jsonata")
}

func TestLoopConfig(t *testing.T) {
	def := validDefinition(t)
	def.Steps[1] = step(t, "sweep", schema.StepTypeLoop,
		schema.LoopConfig{Items: "{{steps.begin.output.data}}", MaxIterations: -1},
		map[schema.OutcomeKey]string{schema.OutcomeLoop: "notify", schema.OutcomeDone: "notify"})

	result := semanticResult(t, def, nil)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "maxIterations")
}

func TestHighRetryCountWarns(t *testing.T) {
	def := validDefinition(t)
	def.Config.RetryPolicy = &schema.RetryPolicy{MaxRetries: 50, BackoffMs: 100}

	result := semanticResult(t, def, nil)
	assert.True(t, result.Valid())
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0].Message, "high retry count")
}
