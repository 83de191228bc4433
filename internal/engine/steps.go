package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomhq/loom/internal/actions"
	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// stepResult is the outcome of one step execution. Exactly one of the
// outcome or suspend fields is meaningful: suspend set means the step
// is a write action parked behind a pending approval.
type stepResult struct {
	output    any
	hasOutput bool
	outcome   schema.OutcomeKey
	suspend   *store.Approval
}

func (in *Interpreter) execStep(ctx context.Context, run *store.Run, wf *store.Workflow, scope *expressions.Scope, step schema.StepDefinition) (stepResult, error) {
	switch step.StepType.Canonical() {
	case schema.StepTypeStart:
		// Re-entry via a cycle back to start. The trigger payload was
		// recorded when the run began; nothing to redo.
		in.event(ctx, run.ID, step.StepSlug, schema.EventStepStarted, nil)
		return stepResult{outcome: schema.OutcomeSuccess}, nil
	case schema.StepTypeLLM:
		return in.execLLM(ctx, run, scope, step)
	case schema.StepTypeAction:
		return in.execAction(ctx, run, wf, scope, step)
	case schema.StepTypeCondition:
		return in.execCondition(ctx, run, scope, step)
	case schema.StepTypeLoop:
		return in.execLoop(ctx, run, scope, step)
	}
	return stepResult{}, schema.NewErrorf(schema.ErrCodeValidation,
		"unknown step type %q", step.StepType).WithStep(step.StepSlug)
}

// execLLM resolves the prompts and calls the model runner once. Model
// calls are never auto-retried; a failed call routes the step's error
// edge or fails the run.
func (in *Interpreter) execLLM(ctx context.Context, run *store.Run, scope *expressions.Scope, step schema.StepDefinition) (stepResult, error) {
	in.event(ctx, run.ID, step.StepSlug, schema.EventStepStarted, nil)

	var cfg schema.LLMConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return stepResult{}, err
	}
	node := cfg.Effective()

	systemPrompt, err := in.resolveString(node.SystemPrompt, scope, step.StepSlug)
	if err != nil {
		return stepResult{}, err
	}
	prompt, err := in.resolveString(node.Prompt, scope, step.StepSlug)
	if err != nil {
		return stepResult{}, err
	}

	resp, err := in.llm.Run(ctx, LLMRequest{
		Name:         node.Name,
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
		AllowedTools: node.AllowedTools,
		ThreadID:     run.ThreadID,
		OrgID:        run.OrgID,
		RunID:        run.ID,
	})
	if err != nil {
		return stepResult{}, err
	}

	output := map[string]any{"text": resp.Text}
	if resp.Data != nil {
		output["data"] = resp.Data
	}
	return stepResult{output: output, hasOutput: true, outcome: schema.OutcomeSuccess}, nil
}

// execAction resolves parameters, dispatches through the approval
// gate, and retries transient failures per the workflow retry policy.
func (in *Interpreter) execAction(ctx context.Context, run *store.Run, wf *store.Workflow, scope *expressions.Scope, step schema.StepDefinition) (stepResult, error) {
	in.event(ctx, run.ID, step.StepSlug, schema.EventStepStarted, nil)

	var cfg schema.ActionConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return stepResult{}, err
	}
	action, err := in.registry.Get(cfg.Type, cfg.Operation)
	if err != nil {
		return stepResult{}, err
	}

	params, err := in.resolver.ResolveParams(cfg.Parameters, scope)
	if err != nil {
		return stepResult{}, wrapStepErr(err, step.StepSlug)
	}
	input := actions.Input{
		OrgID:      run.OrgID,
		WorkflowID: run.WorkflowID,
		RunID:      run.ID,
		ThreadID:   run.ThreadID,
		Params:     params,
	}

	policy := wf.Config.RetryPolicy
	maxRetries := 0
	if policy != nil {
		maxRetries = policy.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(policy, attempt-1)
			in.event(ctx, run.ID, step.StepSlug, schema.EventStepRetrying, map[string]any{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    lastErr.Error(),
			})
			if err := WaitForBackoff(ctx, delay); err != nil {
				return stepResult{}, schema.NewError(schema.ErrCodeCancelled, "retry wait interrupted").
					WithStep(step.StepSlug).WithCause(err)
			}
			if stopped, err := in.runStopped(ctx, run.ID); err != nil {
				return stepResult{}, err
			} else if stopped {
				return stepResult{}, schema.NewError(schema.ErrCodeCancelled, "run cancelled during retry").
					WithStep(step.StepSlug)
			}
		}

		res, err := in.gate.Dispatch(ctx, action, input, step.StepSlug)
		if err == nil {
			if res.Pending != nil {
				return stepResult{suspend: res.Pending}, nil
			}
			return stepResult{output: outputData(res.Executed), hasOutput: true, outcome: schema.OutcomeSuccess}, nil
		}

		lastErr = err
		if !IsRetryableError(err) {
			return stepResult{}, wrapStepErr(err, step.StepSlug)
		}
	}

	if maxRetries > 0 {
		return stepResult{}, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"action failed after %d attempts: %s", maxRetries+1, lastErr.Error()).
			WithStep(step.StepSlug).WithCause(lastErr)
	}
	return stepResult{}, wrapStepErr(lastErr, step.StepSlug)
}

// execCondition evaluates the expression against the scope and routes
// true or false.
func (in *Interpreter) execCondition(ctx context.Context, run *store.Run, scope *expressions.Scope, step schema.StepDefinition) (stepResult, error) {
	in.event(ctx, run.ID, step.StepSlug, schema.EventStepStarted, nil)

	var cfg schema.ConditionConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return stepResult{}, err
	}

	var eng expressions.Engine = in.expr
	if cfg.Language == "cel" {
		if in.cel == nil {
			return stepResult{}, schema.NewError(schema.ErrCodeValidation,
				"cel engine unavailable").WithStep(step.StepSlug)
		}
		eng = in.cel
	}

	result, err := expressions.EvaluateBool(ctx, eng, cfg.Expression, scope.Data())
	if err != nil {
		return stepResult{}, wrapStepErr(err, step.StepSlug)
	}

	in.event(ctx, run.ID, step.StepSlug, schema.EventConditionEvaluated, map[string]any{
		"result":   result,
		"language": eng.Name(),
	})

	outcome := schema.OutcomeFalse
	if result {
		outcome = schema.OutcomeTrue
	}
	return stepResult{outcome: outcome}, nil
}

// loopState is the iteration bookkeeping for one loop step. It lives
// in the scope's variables under a reserved key so a suspend snapshot
// carries it; after a JSON round-trip its index comes back as float64.
type loopState struct {
	Items    []any  `json:"items"`
	Index    int    `json:"index"`
	ItemVar  string `json:"itemVar,omitempty"`
	IndexVar string `json:"indexVar,omitempty"`
}

const (
	loopStatePrefix = "__loop_"
	loopStackKey    = "__loop_stack"

	defaultItemVariable  = "item"
	defaultIndexVariable = "index"
)

// execLoop drives one visit to a loop step. The first visit resolves
// the items template and starts iteration zero; each re-entry via the
// loop's body closes the previous iteration and opens the next. When
// the items are exhausted the loop routes done and its bookkeeping is
// cleared.
func (in *Interpreter) execLoop(ctx context.Context, run *store.Run, scope *expressions.Scope, step schema.StepDefinition) (stepResult, error) {
	var cfg schema.LoopConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return stepResult{}, err
	}

	maxIters := cfg.MaxIterations
	if maxIters <= 0 {
		maxIters = schema.DefaultMaxIterations
	}

	stateKey := loopStatePrefix + step.StepSlug
	state, active := loadLoopState(scope, stateKey)

	if !active {
		in.event(ctx, run.ID, step.StepSlug, schema.EventStepStarted, nil)

		items, err := in.resolveItems(cfg.Items, scope, step.StepSlug)
		if err != nil {
			return stepResult{}, err
		}
		if len(items) == 0 {
			in.event(ctx, run.ID, step.StepSlug, schema.EventLoopCompleted, map[string]any{"iterations": 0})
			return stepResult{outcome: schema.OutcomeDone}, nil
		}
		state = loopState{Items: items, Index: 0}
		pushLoop(scope, step.StepSlug)
	} else {
		in.event(ctx, run.ID, step.StepSlug, schema.EventLoopIterCompleted, map[string]any{"index": state.Index})
		state.Index++
	}

	if state.Index >= len(state.Items) {
		in.closeLoop(scope, step, cfg, stateKey)
		in.event(ctx, run.ID, step.StepSlug, schema.EventLoopCompleted, map[string]any{"iterations": state.Index})
		return stepResult{outcome: schema.OutcomeDone}, nil
	}
	if state.Index >= maxIters {
		in.closeLoop(scope, step, cfg, stateKey)
		return stepResult{}, schema.NewErrorf(schema.ErrCodeMaxIterations,
			"loop %q exceeded %d iterations", step.StepSlug, maxIters).WithStep(step.StepSlug)
	}

	itemVar := cfg.ItemVariable
	if itemVar == "" {
		itemVar = defaultItemVariable
	}
	indexVar := cfg.IndexVariable
	if indexVar == "" {
		indexVar = defaultIndexVariable
	}
	state.ItemVar = itemVar
	state.IndexVar = indexVar
	saveLoopState(scope, stateKey, state)

	scope.SetVar(itemVar, state.Items[state.Index])
	scope.SetVar(indexVar, state.Index)
	// The loop namespace always mirrors the innermost active loop.
	scope.SetLoop(map[string]any{
		itemVar:  state.Items[state.Index],
		indexVar: state.Index,
	})

	in.event(ctx, run.ID, step.StepSlug, schema.EventLoopIterStarted, map[string]any{
		"index": state.Index,
		"total": len(state.Items),
	})
	return stepResult{outcome: schema.OutcomeLoop}, nil
}

// resolveItems evaluates the loop's items template. An empty template
// or an unresolved path yields no items; a scalar is a definition bug
// worth failing loudly.
func (in *Interpreter) resolveItems(tmpl string, scope *expressions.Scope, slug string) ([]any, error) {
	if tmpl == "" {
		return nil, nil
	}
	resolved, err := in.resolver.Resolve(tmpl, scope)
	if err != nil {
		return nil, wrapStepErr(err, slug)
	}
	switch v := resolved.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeTemplate,
		"loop items resolved to %T, want a list", resolved).WithStep(slug)
}

func (in *Interpreter) closeLoop(scope *expressions.Scope, step schema.StepDefinition, cfg schema.LoopConfig, stateKey string) {
	scope.DeleteVar(stateKey)
	popLoop(scope, step.StepSlug)
	if cfg.ItemVariable != "" {
		scope.DeleteVar(cfg.ItemVariable)
	} else {
		scope.DeleteVar(defaultItemVariable)
	}
	if cfg.IndexVariable != "" {
		scope.DeleteVar(cfg.IndexVariable)
	} else {
		scope.DeleteVar(defaultIndexVariable)
	}
	restoreEnclosingLoop(scope)
}

// restoreEnclosingLoop reinstalls the loop namespace for the loop the
// just-closed one was nested in, or clears it when none remains.
func restoreEnclosingLoop(scope *expressions.Scope) {
	stack := loopStack(scope)
	if len(stack) == 0 {
		scope.ClearLoop()
		return
	}
	state, ok := loadLoopState(scope, loopStatePrefix+stack[len(stack)-1])
	if !ok || state.Index >= len(state.Items) {
		scope.ClearLoop()
		return
	}
	itemVar := state.ItemVar
	if itemVar == "" {
		itemVar = defaultItemVariable
	}
	indexVar := state.IndexVar
	if indexVar == "" {
		indexVar = defaultIndexVariable
	}
	scope.SetLoop(map[string]any{
		itemVar:  state.Items[state.Index],
		indexVar: state.Index,
	})
}

func loadLoopState(scope *expressions.Scope, key string) (loopState, bool) {
	raw, ok := scope.Var(key)
	if !ok || raw == nil {
		return loopState{}, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return loopState{}, false
	}
	var st loopState
	if items, ok := m["items"].([]any); ok {
		st.Items = items
	}
	switch idx := m["index"].(type) {
	case int:
		st.Index = idx
	case float64:
		st.Index = int(idx)
	}
	if s, ok := m["itemVar"].(string); ok {
		st.ItemVar = s
	}
	if s, ok := m["indexVar"].(string); ok {
		st.IndexVar = s
	}
	return st, true
}

func saveLoopState(scope *expressions.Scope, key string, st loopState) {
	scope.SetVar(key, map[string]any{
		"items":    st.Items,
		"index":    st.Index,
		"itemVar":  st.ItemVar,
		"indexVar": st.IndexVar,
	})
}

// loopStack returns the slugs of loops currently mid-iteration,
// outermost first. Persisted in the scope so it survives suspension.
func loopStack(scope *expressions.Scope) []string {
	raw, ok := scope.Var(loopStackKey)
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func pushLoop(scope *expressions.Scope, slug string) {
	stack := loopStack(scope)
	next := make([]any, 0, len(stack)+1)
	for _, s := range stack {
		next = append(next, s)
	}
	scope.SetVar(loopStackKey, append(next, slug))
}

func popLoop(scope *expressions.Scope, slug string) {
	stack := loopStack(scope)
	next := make([]any, 0, len(stack))
	for _, s := range stack {
		if s != slug {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		scope.DeleteVar(loopStackKey)
		return
	}
	scope.SetVar(loopStackKey, next)
}

// resolveString renders a template to a string for prompt fields.
// Non-string results (a whole-token template hitting a map or list)
// are JSON-encoded.
func (in *Interpreter) resolveString(tmpl string, scope *expressions.Scope, slug string) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	resolved, err := in.resolver.Resolve(tmpl, scope)
	if err != nil {
		return "", wrapStepErr(err, slug)
	}
	switch v := resolved.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	}
	b, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Sprintf("%v", resolved), nil
	}
	return string(b), nil
}

func wrapStepErr(err error, slug string) error {
	var lerr *schema.Error
	if errors.As(err, &lerr) {
		if lerr.StepSlug == "" {
			lerr.StepSlug = slug
		}
		return lerr
	}
	return schema.NewError(schema.ErrCodeAction, err.Error()).WithStep(slug).WithCause(err)
}
