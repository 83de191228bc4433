// Package engine walks workflow graphs step by step: it resolves
// templates against the run scope, dispatches actions through the
// approval gate, and suspends and resumes runs around human decisions.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/actions"
	"github.com/loomhq/loom/internal/approval"
	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// maxTotalSteps bounds the number of step executions in a single run,
// independent of per-loop maxIterations. A graph of mutually cycling
// loops cannot spin forever.
const maxTotalSteps = 10000

// Config holds the interpreter's dependencies. LLM and Logger are
// optional.
type Config struct {
	Store    store.Store
	Registry *actions.Registry
	Gate     *approval.Gate
	LLM      LLMRunner
	Logger   *slog.Logger
}

// Interpreter executes workflow runs. Safe for concurrent use; each
// run's scope is private to its walk.
type Interpreter struct {
	store    store.Store
	registry *actions.Registry
	gate     *approval.Gate
	llm      LLMRunner
	resolver *expressions.Resolver
	expr     *expressions.ExprEngine
	cel      *expressions.CELEngine
	log      *slog.Logger
	now      func() time.Time
}

// NewInterpreter creates an Interpreter.
func NewInterpreter(cfg Config) *Interpreter {
	llm := cfg.LLM
	if llm == nil {
		llm = UnconfiguredLLMRunner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// CEL is opt-in per condition step; condition handling checks nil.
	celEngine, _ := expressions.NewCELEngine()

	return &Interpreter{
		store:    cfg.Store,
		registry: cfg.Registry,
		gate:     cfg.Gate,
		llm:      llm,
		resolver: expressions.NewResolver(),
		expr:     expressions.NewExprEngine(),
		cel:      celEngine,
		log:      logger,
		now:      time.Now,
	}
}

// Start creates a run for the workflow and executes it until it
// completes, fails, or suspends on an approval. The input map becomes
// the start step's output, visible to templates as
// steps.<start>.output. threadID names the conversation that triggered
// the run; it is stamped on the run and on every approval the run
// raises, so approval requests surface in the owning thread. Runs with
// no conversation pass "".
func (in *Interpreter) Start(ctx context.Context, workflowID, threadID string, input map[string]any) (*store.Run, error) {
	wf, err := in.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	start, err := startStep(wf.Steps)
	if err != nil {
		return nil, err
	}

	now := in.now().UTC()
	run := &store.Run{
		ID:         uuid.NewString(),
		OrgID:      wf.OrgID,
		WorkflowID: wf.ID,
		Status:     schema.RunStatusRunning,
		ThreadID:   threadID,
		StartedAt:  &now,
	}
	if err := in.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	in.event(ctx, run.ID, "", schema.EventRunStarted, map[string]any{
		"workflow_id": wf.ID,
		"version":     wf.Version,
	})

	scope := expressions.NewScope(wf.Config.InitialVariables)
	if input == nil {
		input = map[string]any{}
	}
	scope.SetStepOutput(start.StepSlug, input)

	in.event(ctx, run.ID, start.StepSlug, schema.EventStepStarted, nil)
	in.event(ctx, run.ID, start.StepSlug, schema.EventStepCompleted, map[string]any{"outcome": schema.OutcomeSuccess})

	next := start.NextSteps[schema.OutcomeSuccess]
	if err := in.walk(ctx, run, wf, scope, next); err != nil {
		return nil, err
	}
	return in.store.GetRun(ctx, run.ID)
}

// Resume continues a run suspended on an approval after the approval
// has been resolved. An approved action executes with the parameters
// frozen at suspend time; a rejected one routes the step's rejected
// edge. Resuming a run whose approval is still pending is a conflict.
func (in *Interpreter) Resume(ctx context.Context, runID string) (*store.Run, error) {
	run, err := in.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusSuspended {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %q is %s, only suspended runs resume", runID, run.Status)
	}
	if run.PendingApprovalID == "" || run.CurrentStep == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %q has no pending approval", runID)
	}

	ap, err := in.store.GetApproval(ctx, run.PendingApprovalID)
	if err != nil {
		return nil, err
	}
	if ap.Status == schema.ApprovalPending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"approval %q is still pending", ap.ID)
	}

	wf, err := in.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}
	steps := stepIndex(wf.Steps)
	step, ok := steps[run.CurrentStep]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"suspended step %q no longer exists", run.CurrentStep)
	}

	scope, err := expressions.RestoreScope(run.Variables)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "restore run scope").WithCause(err)
	}

	var cfg schema.ActionConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	action, err := in.registry.Get(cfg.Type, cfg.Operation)
	if err != nil {
		return nil, err
	}

	running := schema.RunStatusRunning
	empty := ""
	if err := in.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:            &running,
		PendingApprovalID: &empty,
	}); err != nil {
		return nil, err
	}
	run.Status = running
	run.PendingApprovalID = ""

	in.event(ctx, run.ID, step.StepSlug, schema.EventApprovalResolved, map[string]any{
		"approval_id": ap.ID,
		"status":      ap.Status,
		"resolved_by": ap.ResolvedBy,
	})
	in.event(ctx, run.ID, step.StepSlug, schema.EventRunResumed, map[string]any{"approval_id": ap.ID})

	inputTmpl := actions.Input{
		OrgID:      run.OrgID,
		WorkflowID: run.WorkflowID,
		RunID:      run.ID,
		ThreadID:   run.ThreadID,
	}
	out, err := in.gate.Resume(ctx, action, inputTmpl, ap.ID)

	var next string
	switch {
	case err == nil:
		scope.SetStepOutput(step.StepSlug, outputData(out))
		in.event(ctx, run.ID, step.StepSlug, schema.EventStepCompleted, map[string]any{"outcome": schema.OutcomeSuccess})
		next = step.NextSteps[schema.OutcomeSuccess]
	case errCode(err) == schema.ErrCodeApprovalRejected:
		in.event(ctx, run.ID, step.StepSlug, schema.EventStepCompleted, map[string]any{"outcome": schema.OutcomeRejected})
		next = step.NextSteps[schema.OutcomeRejected]
	default:
		if ferr := in.handleStepFailure(ctx, run, wf, steps, scope, step, err, &next); ferr != nil {
			return nil, ferr
		}
		if next == "" {
			return in.store.GetRun(ctx, run.ID)
		}
	}

	if err := in.walk(ctx, run, wf, scope, next); err != nil {
		return nil, err
	}
	return in.store.GetRun(ctx, run.ID)
}

// Cancel marks a non-terminal run cancelled. The walker observes the
// persisted status between steps and stops; an in-flight step finishes
// first.
func (in *Interpreter) Cancel(ctx context.Context, runID, reason string) error {
	run, err := in.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %q is already %s", runID, run.Status)
	}

	cancelled := schema.RunStatusCancelled
	now := in.now().UTC()
	update := store.RunUpdate{Status: &cancelled, CompletedAt: &now}
	if reason != "" {
		update.FailureReason = &reason
	}
	if err := in.store.UpdateRun(ctx, runID, update); err != nil {
		return err
	}
	in.event(ctx, runID, "", schema.EventRunCancelled, map[string]any{"reason": reason})
	return nil
}

// walk executes steps starting at slug until the run reaches a
// terminal state or suspends. An empty slug completes the run.
func (in *Interpreter) walk(ctx context.Context, run *store.Run, wf *store.Workflow, scope *expressions.Scope, slug string) error {
	if wf.Config.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(wf.Config.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	steps := stepIndex(wf.Steps)
	executed := 0

	for slug != "" {
		if stopped, err := in.runStopped(ctx, run.ID); err != nil {
			return err
		} else if stopped {
			return nil
		}
		if ctx.Err() != nil {
			return in.failRun(ctx, run, "", schema.NewError(schema.ErrCodeCancelled, "run timed out").WithCause(ctx.Err()))
		}

		executed++
		if executed > maxTotalSteps {
			return in.failRun(ctx, run, slug, schema.NewErrorf(schema.ErrCodeMaxIterations,
				"run exceeded %d step executions", maxTotalSteps).WithStep(slug))
		}

		step, ok := steps[slug]
		if !ok {
			return in.failRun(ctx, run, slug, schema.NewErrorf(schema.ErrCodeValidation,
				"step %q not found", slug).WithStep(slug))
		}

		in.log.DebugContext(ctx, "executing step",
			"run_id", run.ID, "step_slug", slug, "step_type", step.StepType)

		res, err := in.execStep(ctx, run, wf, scope, step)
		if err != nil {
			var next string
			if ferr := in.handleStepFailure(ctx, run, wf, steps, scope, step, err, &next); ferr != nil {
				return ferr
			}
			if next == "" {
				return nil // failRun or recovery already settled the run
			}
			slug = next
			continue
		}

		if res.suspend != nil {
			return in.suspendRun(ctx, run, scope, step, res.suspend)
		}

		if res.hasOutput {
			scope.SetStepOutput(step.StepSlug, res.output)
		}
		in.event(ctx, run.ID, step.StepSlug, schema.EventStepCompleted, map[string]any{"outcome": res.outcome})

		next, ok := step.NextSteps[res.outcome]
		if !ok {
			// A missing edge for a non-error outcome ends the run cleanly.
			return in.completeRun(ctx, run)
		}
		slug = next
	}

	return in.completeRun(ctx, run)
}

// handleStepFailure routes a failed step: fatal errors and timeouts
// fail the run, an error edge redirects the walk, an enclosing loop
// with continueOnError skips to its next iteration, and anything else
// fails the run. next receives the slug to continue from, or "" when
// the run is settled.
func (in *Interpreter) handleStepFailure(ctx context.Context, run *store.Run, wf *store.Workflow, steps map[string]schema.StepDefinition, scope *expressions.Scope, step schema.StepDefinition, stepErr error, next *string) error {
	*next = ""

	in.event(ctx, run.ID, step.StepSlug, schema.EventStepFailed, map[string]any{
		"error": stepErr.Error(),
		"code":  errCode(stepErr),
	})

	var lerr *schema.Error
	if errors.As(stepErr, &lerr) && lerr.IsFatal() {
		return in.failRun(ctx, run, step.StepSlug, stepErr)
	}
	if ctx.Err() != nil {
		return in.failRun(ctx, run, step.StepSlug, schema.NewError(schema.ErrCodeCancelled, "run timed out").WithCause(stepErr))
	}

	if errSlug, ok := step.NextSteps[schema.OutcomeError]; ok {
		scope.SetStepOutput(step.StepSlug, map[string]any{
			"error": stepErr.Error(),
			"code":  errCode(stepErr),
		})
		*next = errSlug
		return nil
	}

	if loopSlug, ok := in.recoverIntoLoop(steps, scope); ok {
		in.log.InfoContext(ctx, "loop absorbing step failure",
			"run_id", run.ID, "step_slug", step.StepSlug, "loop_slug", loopSlug)
		*next = loopSlug
		return nil
	}

	return in.failRun(ctx, run, step.StepSlug, stepErr)
}

// recoverIntoLoop finds the innermost active loop and reports whether
// it absorbs body failures. Only the innermost loop is consulted; a
// failure inside a strict inner loop fails the run even when an outer
// loop is lenient.
func (in *Interpreter) recoverIntoLoop(steps map[string]schema.StepDefinition, scope *expressions.Scope) (string, bool) {
	stack := loopStack(scope)
	if len(stack) == 0 {
		return "", false
	}
	slug := stack[len(stack)-1]
	step, ok := steps[slug]
	if !ok {
		return "", false
	}
	var cfg schema.LoopConfig
	if err := step.DecodeConfig(&cfg); err != nil || !cfg.ContinueOnError {
		return "", false
	}
	return slug, true
}

// suspendRun persists the scope snapshot and parks the run on the
// approval.
func (in *Interpreter) suspendRun(ctx context.Context, run *store.Run, scope *expressions.Scope, step schema.StepDefinition, ap *store.Approval) error {
	snapshot, err := scope.Snapshot()
	if err != nil {
		return in.failRun(ctx, run, step.StepSlug, schema.NewError(schema.ErrCodeStore, "snapshot run scope").WithCause(err))
	}

	suspended := schema.RunStatusSuspended
	if err := in.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:            &suspended,
		CurrentStep:       &step.StepSlug,
		Variables:         snapshot,
		PendingApprovalID: &ap.ID,
	}); err != nil {
		return err
	}
	run.Status = suspended
	run.CurrentStep = step.StepSlug
	run.PendingApprovalID = ap.ID

	in.event(ctx, run.ID, step.StepSlug, schema.EventApprovalRequested, map[string]any{
		"approval_id": ap.ID,
		"operation":   ap.OperationName,
		"title":       ap.OperationTitle,
	})
	in.event(ctx, run.ID, step.StepSlug, schema.EventRunSuspended, map[string]any{"approval_id": ap.ID})

	in.log.InfoContext(ctx, "run suspended on approval",
		"run_id", run.ID, "step_slug", step.StepSlug, "approval_id", ap.ID)
	return nil
}

func (in *Interpreter) completeRun(ctx context.Context, run *store.Run) error {
	completed := schema.RunStatusCompleted
	now := in.now().UTC()
	empty := ""
	if err := in.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:      &completed,
		CurrentStep: &empty,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	run.Status = completed
	in.event(ctx, run.ID, "", schema.EventRunCompleted, nil)
	return nil
}

func (in *Interpreter) failRun(ctx context.Context, run *store.Run, slug string, cause error) error {
	failed := schema.RunStatusFailed
	now := in.now().UTC()
	reason := cause.Error()
	update := store.RunUpdate{
		Status:        &failed,
		FailureReason: &reason,
		CompletedAt:   &now,
	}
	if slug != "" {
		update.CurrentStep = &slug
	}
	if err := in.store.UpdateRun(ctx, run.ID, update); err != nil {
		return err
	}
	run.Status = failed
	in.event(ctx, run.ID, slug, schema.EventRunFailed, map[string]any{
		"error": reason,
		"code":  errCode(cause),
	})
	in.log.WarnContext(ctx, "run failed",
		"run_id", run.ID, "step_slug", slug, "error", reason)
	return nil
}

// runStopped reports whether the run was cancelled out-of-band.
func (in *Interpreter) runStopped(ctx context.Context, runID string) (bool, error) {
	current, err := in.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return current.Status == schema.RunStatusCancelled, nil
}

// event appends to the run history. Event log failures are logged and
// swallowed; history is diagnostic, not load-bearing.
func (in *Interpreter) event(ctx context.Context, runID, stepSlug, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			raw = b
		}
	}
	ev := &store.RunEvent{
		RunID:     runID,
		StepSlug:  stepSlug,
		Type:      eventType,
		Payload:   raw,
		Timestamp: in.now().UTC(),
	}
	if err := in.store.AppendRunEvent(ctx, ev); err != nil {
		in.log.WarnContext(ctx, "append run event",
			"run_id", runID, "event_type", eventType, "error", err)
	}
}

func stepIndex(steps []schema.StepDefinition) map[string]schema.StepDefinition {
	idx := make(map[string]schema.StepDefinition, len(steps))
	for _, s := range steps {
		idx[s.StepSlug] = s
	}
	return idx
}

func startStep(steps []schema.StepDefinition) (*schema.StepDefinition, error) {
	for i := range steps {
		if steps[i].StepType.Canonical() == schema.StepTypeStart {
			return &steps[i], nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no start step")
}

func errCode(err error) string {
	var lerr *schema.Error
	if errors.As(err, &lerr) {
		return lerr.Code
	}
	return schema.ErrCodeAction
}

func outputData(out *actions.Output) any {
	if out == nil {
		return nil
	}
	return out.Data
}
