package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/schema"
)

func TestGraphDanglingEdge(t *testing.T) {
	def := validDefinition(t)
	def.Steps[1].NextSteps[schema.OutcomeTrue] = "missing_step"

	result := validateGraph(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, `"missing_step"`)
}

func TestGraphDuplicateSlug(t *testing.T) {
	def := validDefinition(t)
	def.Steps[2].StepSlug = "check_plan"

	result := validateGraph(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate step slug")
}

func TestGraphNoStartStepWarns(t *testing.T) {
	def := validDefinition(t)
	def.Steps = def.Steps[1:]

	result := validateGraph(def)
	assert.True(t, result.Valid())
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0].Message, "no start step")
}

func TestGraphMultipleStartSteps(t *testing.T) {
	def := validDefinition(t)
	def.Steps = append(def.Steps, step(t, "second_begin", schema.StepTypeStart,
		schema.StartConfig{Type: schema.TriggerManual}, nil))

	result := validateGraph(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "2 start steps")
}

func TestGraphUnreachableStepWarns(t *testing.T) {
	def := validDefinition(t)
	def.Steps = append(def.Steps, step(t, "orphan", schema.StepTypeAction,
		schema.ActionConfig{Type: "data", Operation: "transform"}, nil))

	result := validateGraph(def)
	assert.True(t, result.Valid())
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0].Message, `"orphan" is unreachable`)
}

func TestGraphCyclesAreLegal(t *testing.T) {
	def := validDefinition(t)
	// Loop edges intentionally form cycles.
	def.Steps[2].NextSteps = map[schema.OutcomeKey]string{schema.OutcomeSuccess: "check_plan"}

	result := validateGraph(def)
	assert.True(t, result.Valid(), "errors: %v", result.Messages())
	assert.Empty(t, result.Warnings)
}
