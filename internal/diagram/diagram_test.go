package diagram

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

func mustConfig(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func sampleDefinition(t *testing.T) *schema.WorkflowDefinition {
	t.Helper()
	return &schema.WorkflowDefinition{
		Name: "churn-followup",
		Steps: []schema.StepDefinition{
			{
				StepSlug: "begin",
				StepType: schema.StepTypeStart,
				Config:   mustConfig(t, schema.StartConfig{Type: schema.TriggerManual}),
				NextSteps: map[schema.OutcomeKey]string{
					schema.OutcomeSuccess: "check_plan",
				},
			},
			{
				StepSlug: "check_plan",
				StepType: schema.StepTypeCondition,
				Config:   mustConfig(t, schema.ConditionConfig{Expression: `workflow.plan == "pro"`}),
				NextSteps: map[schema.OutcomeKey]string{
					schema.OutcomeTrue:  "notify",
					schema.OutcomeFalse: "notify",
				},
			},
			{
				StepSlug: "notify",
				StepType: schema.StepTypeAction,
				Config: mustConfig(t, schema.ActionConfig{
					Type: "conversations", Operation: "create",
				}),
			},
		},
	}
}

func TestBuildNodesAndEdges(t *testing.T) {
	m := Build(sampleDefinition(t), nil)

	require.Len(t, m.Nodes, 3)
	assert.Equal(t, "churn-followup", m.Title)
	assert.Equal(t, NodeKindStart, m.Nodes[0].Kind)
	assert.Equal(t, NodeKindCondition, m.Nodes[1].Kind)
	assert.Equal(t, NodeKindAction, m.Nodes[2].Kind)
	assert.Equal(t, "notify\nconversations.create", m.Nodes[2].Label)

	require.Len(t, m.Edges, 3)
	assert.Equal(t, Edge{From: "begin", To: "check_plan", Label: "success"}, m.Edges[0])
	// true renders before false regardless of map order.
	assert.Equal(t, "true", m.Edges[1].Label)
	assert.Equal(t, "false", m.Edges[2].Label)
}

func TestBuildStatusOverlay(t *testing.T) {
	m := Build(sampleDefinition(t), map[string]string{
		"begin":      "completed",
		"check_plan": "failed",
	})
	assert.Equal(t, "completed", m.Nodes[0].Status)
	assert.Equal(t, "failed", m.Nodes[1].Status)
	assert.Empty(t, m.Nodes[2].Status)
}

func TestRenderMermaid(t *testing.T) {
	out := RenderMermaid(Build(sampleDefinition(t), map[string]string{"begin": "completed"}))

	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "%% churn-followup")
	assert.Contains(t, out, `begin(("begin: manual"))`)
	assert.Contains(t, out, `check_plan{"check_plan"}`)
	assert.Contains(t, out, `notify["notify: conversations.create"]`)
	assert.Contains(t, out, "begin -->|success| check_plan")
	assert.Contains(t, out, "check_plan -->|true| notify")
	assert.Contains(t, out, "class begin completed")
	assert.NotContains(t, out, "class notify")
}

func TestRenderMermaidSafeIDs(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "x",
		Steps: []schema.StepDefinition{
			{StepSlug: "fetch-record", StepType: schema.StepTypeAction, Config: mustConfig(t, schema.ActionConfig{Type: "data"})},
		},
	}
	out := RenderMermaid(Build(def, nil))
	assert.Contains(t, out, "fetch_record[")
}

func TestRunOverlay(t *testing.T) {
	now := time.Now().UTC()
	events := []*store.RunEvent{
		{StepSlug: "begin", Type: schema.EventStepStarted, Timestamp: now},
		{StepSlug: "begin", Type: schema.EventStepCompleted, Timestamp: now},
		{StepSlug: "fetch", Type: schema.EventStepStarted, Timestamp: now},
		{StepSlug: "fetch", Type: schema.EventStepRetrying, Timestamp: now},
		{StepSlug: "fetch", Type: schema.EventStepCompleted, Timestamp: now},
		{StepSlug: "push", Type: schema.EventStepStarted, Timestamp: now},
		{Type: schema.EventRunSuspended, Timestamp: now},
	}
	run := &store.Run{Status: schema.RunStatusSuspended, CurrentStep: "push"}

	overlay := RunOverlay(run, events)
	assert.Equal(t, "completed", overlay["begin"])
	assert.Equal(t, "completed", overlay["fetch"])
	assert.Equal(t, "suspended", overlay["push"])
}
