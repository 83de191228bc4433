package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/actions"
	"github.com/loomhq/loom/pkg/schema"
)

// seenAction records the resolved value param of every invocation.
type seenAction struct {
	mu   sync.Mutex
	seen []any
	fail func(v any) error
}

func (a *seenAction) Type() string                   { return "collect" }
func (a *seenAction) Operation() string              { return "item" }
func (a *seenAction) Mode() actions.Mode             { return actions.ModeRead }
func (a *seenAction) Spec() actions.Spec             { return actions.Spec{Type: "collect", Operation: "item"} }
func (a *seenAction) Validate(map[string]any) error  { return nil }

func (a *seenAction) Execute(_ context.Context, input actions.Input) (*actions.Output, error) {
	v := input.Params["value"]
	a.mu.Lock()
	a.seen = append(a.seen, v)
	a.mu.Unlock()
	if a.fail != nil {
		if err := a.fail(v); err != nil {
			return nil, err
		}
	}
	return &actions.Output{Data: map[string]any{"value": v}}, nil
}

func (a *seenAction) values() []any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]any(nil), a.seen...)
}

func loopWorkflow(t *testing.T, h *harness, loopCfg schema.LoopConfig) string {
	t.Helper()
	wf := h.saveWorkflow(t, schema.WorkflowConfig{},
		startManual(t, "each"),
		step(t, "each", schema.StepTypeLoop, loopCfg, map[schema.OutcomeKey]string{
			schema.OutcomeLoop: "handle",
			schema.OutcomeDone: "wrap",
		}),
		step(t, "handle", schema.StepTypeAction, schema.ActionConfig{
			Type: "collect", Operation: "item",
			Parameters: map[string]any{"value": "{{item}}", "at": "{{index}}"},
		}, map[schema.OutcomeKey]string{schema.OutcomeSuccess: "each"}),
		step(t, "wrap", schema.StepTypeAction, schema.ActionConfig{
			Type: "collect", Operation: "item",
			Parameters: map[string]any{"value": "done"},
		}, nil),
	)
	return wf.ID
}

func TestLoopIteratesItems(t *testing.T) {
	collect := &seenAction{}
	h := newHarness(t, collect)
	wfID := loopWorkflow(t, h, schema.LoopConfig{
		Items: "{{steps.begin.output.names}}",
	})

	run, err := h.interp.Start(context.Background(), wfID, "", map[string]any{
		"names": []any{"ada", "grace", "edsger"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, []any{"ada", "grace", "edsger", "done"}, collect.values())

	iters := 0
	for _, typ := range eventTypes(t, h, run.ID) {
		if typ == schema.EventLoopIterStarted {
			iters++
		}
	}
	assert.Equal(t, 3, iters)
}

func TestLoopCustomBindings(t *testing.T) {
	collect := &seenAction{}
	h := newHarness(t, collect)

	wf := h.saveWorkflow(t, schema.WorkflowConfig{},
		startManual(t, "each"),
		step(t, "each", schema.StepTypeLoop, schema.LoopConfig{
			Items:         "{{steps.begin.output.names}}",
			ItemVariable:  "name",
			IndexVariable: "pos",
		}, map[schema.OutcomeKey]string{
			schema.OutcomeLoop: "handle",
		}),
		step(t, "handle", schema.StepTypeAction, schema.ActionConfig{
			Type: "collect", Operation: "item",
			Parameters: map[string]any{"value": "{{pos}}: {{name}}"},
		}, map[schema.OutcomeKey]string{schema.OutcomeSuccess: "each"}),
	)

	run, err := h.interp.Start(context.Background(), wf.ID, "", map[string]any{
		"names": []any{"ada", "grace"},
	})
	require.NoError(t, err)

	// Done edge missing, so exhaustion completes the run.
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, []any{"0: ada", "1: grace"}, collect.values())
}

func TestLoopEmptyItemsRoutesDone(t *testing.T) {
	collect := &seenAction{}
	h := newHarness(t, collect)
	wfID := loopWorkflow(t, h, schema.LoopConfig{
		Items: "{{steps.begin.output.names}}",
	})

	run, err := h.interp.Start(context.Background(), wfID, "", map[string]any{
		"names": []any{},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, []any{"done"}, collect.values())
}

func TestLoopUnresolvedItemsRoutesDone(t *testing.T) {
	collect := &seenAction{}
	h := newHarness(t, collect)
	wfID := loopWorkflow(t, h, schema.LoopConfig{
		Items: "{{steps.begin.output.missing}}",
	})

	run, err := h.interp.Start(context.Background(), wfID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, []any{"done"}, collect.values())
}

func TestLoopScalarItemsFails(t *testing.T) {
	collect := &seenAction{}
	h := newHarness(t, collect)
	wfID := loopWorkflow(t, h, schema.LoopConfig{
		Items: "{{steps.begin.output.count}}",
	})

	run, err := h.interp.Start(context.Background(), wfID, "", map[string]any{"count": 7})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Contains(t, run.FailureReason, "want a list")
}

func TestLoopMaxIterationsFailsRun(t *testing.T) {
	collect := &seenAction{}
	h := newHarness(t, collect)
	wfID := loopWorkflow(t, h, schema.LoopConfig{
		Items:         "{{steps.begin.output.names}}",
		MaxIterations: 2,
	})

	run, err := h.interp.Start(context.Background(), wfID, "", map[string]any{
		"names": []any{"a", "b", "c", "d", "e"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Contains(t, run.FailureReason, "exceeded 2 iterations")
	assert.Equal(t, []any{"a", "b"}, collect.values())
}

func TestLoopContinueOnErrorSkipsFailedIteration(t *testing.T) {
	collect := &seenAction{fail: func(v any) error {
		if v == "grace" {
			return schema.NewError(schema.ErrCodeLLM, "cannot handle grace")
		}
		return nil
	}}
	h := newHarness(t, collect)
	wfID := loopWorkflow(t, h, schema.LoopConfig{
		Items:           "{{steps.begin.output.names}}",
		ContinueOnError: true,
	})

	run, err := h.interp.Start(context.Background(), wfID, "", map[string]any{
		"names": []any{"ada", "grace", "edsger"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, []any{"ada", "grace", "edsger", "done"}, collect.values())
	assert.Contains(t, eventTypes(t, h, run.ID), schema.EventStepFailed)
}

func TestLoopStrictBodyFailureFailsRun(t *testing.T) {
	collect := &seenAction{fail: func(v any) error {
		if v == "grace" {
			return schema.NewError(schema.ErrCodeLLM, "cannot handle grace")
		}
		return nil
	}}
	h := newHarness(t, collect)
	wfID := loopWorkflow(t, h, schema.LoopConfig{
		Items: "{{steps.begin.output.names}}",
	})

	run, err := h.interp.Start(context.Background(), wfID, "", map[string]any{
		"names": []any{"ada", "grace", "edsger"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, []any{"ada", "grace"}, collect.values())
}

func TestLoopBindingsInCELConditions(t *testing.T) {
	collect := &seenAction{}
	h := newHarness(t, collect)

	wf := h.saveWorkflow(t, schema.WorkflowConfig{},
		startManual(t, "each"),
		step(t, "each", schema.StepTypeLoop, schema.LoopConfig{
			Items: "{{steps.begin.output.names}}",
		}, map[schema.OutcomeKey]string{
			schema.OutcomeLoop: "pick",
		}),
		step(t, "pick", schema.StepTypeCondition, schema.ConditionConfig{
			Expression: `loop.item == "grace"`,
			Language:   "cel",
		}, map[schema.OutcomeKey]string{
			schema.OutcomeTrue:  "match",
			schema.OutcomeFalse: "skip",
		}),
		step(t, "match", schema.StepTypeAction, schema.ActionConfig{
			Type: "collect", Operation: "item",
			Parameters: map[string]any{"value": "match: {{loop.item}}"},
		}, map[schema.OutcomeKey]string{schema.OutcomeSuccess: "each"}),
		step(t, "skip", schema.StepTypeAction, schema.ActionConfig{
			Type: "collect", Operation: "item",
			Parameters: map[string]any{"value": "skip: {{loop.index}}"},
		}, map[schema.OutcomeKey]string{schema.OutcomeSuccess: "each"}),
	)

	run, err := h.interp.Start(context.Background(), wf.ID, "", map[string]any{
		"names": []any{"ada", "grace"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, []any{"skip: 0", "match: grace"}, collect.values())
}

func TestNestedLoopRestoresOuterBindings(t *testing.T) {
	collect := &seenAction{}
	h := newHarness(t, collect)

	wf := h.saveWorkflow(t, schema.WorkflowConfig{},
		startManual(t, "rows"),
		step(t, "rows", schema.StepTypeLoop, schema.LoopConfig{
			Items:        "{{steps.begin.output.rows}}",
			ItemVariable: "row",
		}, map[schema.OutcomeKey]string{
			schema.OutcomeLoop: "cols",
		}),
		step(t, "cols", schema.StepTypeLoop, schema.LoopConfig{
			Items:        "{{steps.begin.output.cols}}",
			ItemVariable: "col",
		}, map[schema.OutcomeKey]string{
			schema.OutcomeLoop: "cell",
			schema.OutcomeDone: "after",
		}),
		step(t, "cell", schema.StepTypeAction, schema.ActionConfig{
			Type: "collect", Operation: "item",
			Parameters: map[string]any{"value": "{{row}}{{loop.col}}"},
		}, map[schema.OutcomeKey]string{schema.OutcomeSuccess: "cols"}),
		// After the inner loop closes, the loop namespace is the outer
		// loop's again.
		step(t, "after", schema.StepTypeAction, schema.ActionConfig{
			Type: "collect", Operation: "item",
			Parameters: map[string]any{"value": "row {{loop.row}} done"},
		}, map[schema.OutcomeKey]string{schema.OutcomeSuccess: "rows"}),
	)

	run, err := h.interp.Start(context.Background(), wf.ID, "", map[string]any{
		"rows": []any{"a", "b"},
		"cols": []any{"1", "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, []any{
		"a1", "a2", "row a done",
		"b1", "b2", "row b done",
	}, collect.values())
}

func TestLoopStateSurvivesSuspension(t *testing.T) {
	collect := &seenAction{}
	write := &fakeAction{typ: "customers", op: "update", mode: actions.ModeWrite,
		exec: func(_ context.Context, input actions.Input) (*actions.Output, error) {
			return &actions.Output{Data: map[string]any{"updated": input.Params["name"]}}, nil
		}}
	h := newHarness(t, collect, write)

	wf := h.saveWorkflow(t, schema.WorkflowConfig{},
		startManual(t, "each"),
		step(t, "each", schema.StepTypeLoop, schema.LoopConfig{
			Items: "{{steps.begin.output.names}}",
		}, map[schema.OutcomeKey]string{
			schema.OutcomeLoop: "upgrade",
			schema.OutcomeDone: "wrap",
		}),
		step(t, "upgrade", schema.StepTypeAction, schema.ActionConfig{
			Type: "customers", Operation: "update",
			Parameters: map[string]any{"name": "{{item}}"},
		}, map[schema.OutcomeKey]string{schema.OutcomeSuccess: "each"}),
		step(t, "wrap", schema.StepTypeAction, schema.ActionConfig{
			Type: "collect", Operation: "item",
			Parameters: map[string]any{"value": "done"},
		}, nil),
	)

	ctx := context.Background()
	run, err := h.interp.Start(ctx, wf.ID, "", map[string]any{"names": []any{"ada", "grace"}})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSuspended, run.Status)

	// First iteration parked on approval; approve and continue.
	require.NoError(t, h.store.ResolveApproval(ctx, run.PendingApprovalID, schema.ApprovalApproved, "alex"))
	run, err = h.interp.Resume(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSuspended, run.Status)
	assert.Equal(t, "ada", write.inputs[0].Params["name"])

	// Second iteration suspends again with the loop state intact.
	require.NoError(t, h.store.ResolveApproval(ctx, run.PendingApprovalID, schema.ApprovalApproved, "alex"))
	run, err = h.interp.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "grace", write.inputs[1].Params["name"])
	assert.Equal(t, []any{"done"}, collect.values())
}
