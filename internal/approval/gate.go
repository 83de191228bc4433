// Package approval intercepts write actions and holds them behind
// human approval.
package approval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/actions"
	"github.com/loomhq/loom/internal/secrets"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// Result is the discriminated outcome of a dispatch: exactly one of
// Executed or Pending is set. A write action never executes on the
// dispatch path.
type Result struct {
	Executed *actions.Output
	Pending  *store.Approval
}

// Gate dispatches actions with write interception. Read actions pass
// straight through; write actions produce a pending approval that
// freezes the resolved parameters until a human decides.
type Gate struct {
	store store.Store
	vault secrets.Vault
}

// NewGate creates a Gate.
func NewGate(st store.Store) *Gate {
	return &Gate{store: st}
}

// WithVault makes the gate resolve ${{secrets.KEY}} references in
// action parameters at execution time. References freeze into approval
// records as written, so approvers and the run history see the opaque
// reference, never the decrypted value.
func (g *Gate) WithVault(v secrets.Vault) *Gate {
	g.vault = v
	return g
}

// Dispatch executes a read action, or records a pending approval for a
// write action. Parameters are validated before an approval is created
// so a human is never asked to approve a call that cannot run.
func (g *Gate) Dispatch(ctx context.Context, action actions.Action, input actions.Input, stepSlug string) (*Result, error) {
	if action.Mode() == actions.ModeRead {
		params, err := secrets.ResolveRefs(ctx, g.vault, input.OrgID, input.Params)
		if err != nil {
			return nil, err
		}
		input.Params = params
		out, err := action.Execute(ctx, input)
		if err != nil {
			return nil, err
		}
		return &Result{Executed: out}, nil
	}

	if err := action.Validate(input.Params); err != nil {
		return nil, err
	}

	params, err := json.Marshal(input.Params)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "freeze approval parameters").WithCause(err)
	}

	ap := &store.Approval{
		ID:             uuid.NewString(),
		OrgID:          input.OrgID,
		RunID:          input.RunID,
		StepSlug:       stepSlug,
		ResourceType:   action.Type(),
		OperationName:  operationName(action),
		OperationTitle: approvalTitle(action, input.Params),
		Parameters:     params,
		ThreadID:       input.ThreadID,
		Status:         schema.ApprovalPending,
	}
	if err := g.store.CreateApproval(ctx, ap); err != nil {
		return nil, err
	}
	return &Result{Pending: ap}, nil
}

// Resume executes a write action whose approval was granted. The
// parameters come from the approval record, not the caller: what the
// human saw is exactly what runs. A rejected approval returns an
// APPROVAL_REJECTED error for the interpreter to route; a still-pending
// one is a conflict.
func (g *Gate) Resume(ctx context.Context, action actions.Action, input actions.Input, approvalID string) (*actions.Output, error) {
	ap, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if input.OrgID != "" && ap.OrgID != input.OrgID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "approval %q not found", approvalID)
	}

	switch ap.Status {
	case schema.ApprovalPending:
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"approval %q is still pending", approvalID)
	case schema.ApprovalRejected:
		return nil, schema.NewErrorf(schema.ErrCodeApprovalRejected,
			"%s was rejected", ap.OperationTitle).
			WithDetails(map[string]any{"approval_id": ap.ID, "resolved_by": ap.ResolvedBy})
	}

	var params map[string]any
	if len(ap.Parameters) > 0 {
		if err := json.Unmarshal(ap.Parameters, &params); err != nil {
			return nil, schema.NewError(schema.ErrCodeAction, "decode approval parameters").WithCause(err)
		}
	}

	params, err = secrets.ResolveRefs(ctx, g.vault, ap.OrgID, params)
	if err != nil {
		return nil, err
	}

	input.Params = params
	input.ApprovalID = ap.ID
	return action.Execute(ctx, input)
}

func operationName(action actions.Action) string {
	if action.Operation() == "" {
		return action.Type()
	}
	return action.Type() + "." + action.Operation()
}

// approvalTitle prefers the step's own title parameter, falling back
// to a generated one.
func approvalTitle(action actions.Action, params map[string]any) string {
	if title, ok := params["title"].(string); ok && title != "" {
		return title
	}
	return fmt.Sprintf("Approve %s", operationName(action))
}
