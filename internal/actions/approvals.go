package actions

import (
	"context"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// NewApprovalActions builds the explicit approval action pair.
func NewApprovalActions(st store.Store) []Action {
	return []Action{
		&approvalCreateAction{store: st},
		&approvalStatusAction{store: st},
	}
}

// approvalCreateAction implements approvals.create: an explicit human
// checkpoint in the graph. It is a write action, so dispatching it
// suspends the run on a pending approval; Execute only runs after the
// approval is granted and reports the resolution.
type approvalCreateAction struct {
	store store.Store
}

func (a *approvalCreateAction) Type() string      { return "approvals" }
func (a *approvalCreateAction) Operation() string { return "create" }
func (a *approvalCreateAction) Mode() Mode        { return ModeWrite }

func (a *approvalCreateAction) Spec() Spec {
	return Spec{
		Type:      "approvals",
		Operation: "create",
		Mode:      ModeWrite,
		Description: "Pause the run until a human approves. The run suspends on a " +
			"pending approval and resumes on the success edge when granted, or the " +
			"rejected edge when denied.",
		Required: []ParamSpec{
			param("title", "string", "what the approver is being asked to allow"),
		},
		Optional: []ParamSpec{
			param("details", "object", "context shown to the approver"),
		},
		Example: map[string]any{
			"title":   "Send win-back offer to {{steps.find.output.records[0].name}}",
			"details": map[string]any{"discount": "20%"},
		},
	}
}

func (a *approvalCreateAction) Validate(params map[string]any) error {
	_, err := requireString(params, "title")
	return err
}

func (a *approvalCreateAction) Execute(ctx context.Context, input Input) (*Output, error) {
	if input.ApprovalID == "" {
		return nil, schema.NewError(schema.ErrCodeAction,
			"approvals.create executed without a resolved approval")
	}
	ap, err := a.store.GetApproval(ctx, input.ApprovalID)
	if err != nil {
		return nil, err
	}
	return &Output{Data: map[string]any{
		"approvalId": ap.ID,
		"status":     string(ap.Status),
		"resolvedBy": ap.ResolvedBy,
	}}, nil
}

// approvalStatusAction implements approvals.status.
type approvalStatusAction struct {
	store store.Store
}

func (a *approvalStatusAction) Type() string      { return "approvals" }
func (a *approvalStatusAction) Operation() string { return "status" }
func (a *approvalStatusAction) Mode() Mode        { return ModeRead }

func (a *approvalStatusAction) Spec() Spec {
	return Spec{
		Type:        "approvals",
		Operation:   "status",
		Mode:        ModeRead,
		Description: "Look up an approval's current status.",
		Required: []ParamSpec{
			param("approvalId", "string", "approval id"),
		},
		Example: map[string]any{"approvalId": "apr_123"},
	}
}

func (a *approvalStatusAction) Validate(params map[string]any) error {
	_, err := requireString(params, "approvalId")
	return err
}

func (a *approvalStatusAction) Execute(ctx context.Context, input Input) (*Output, error) {
	id, err := requireString(input.Params, "approvalId")
	if err != nil {
		return nil, err
	}
	ap, err := a.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.OrgID != "" && ap.OrgID != input.OrgID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "approval %q not found", id)
	}

	data := map[string]any{
		"approvalId": ap.ID,
		"status":     string(ap.Status),
		"title":      ap.OperationTitle,
	}
	if ap.ResolvedBy != "" {
		data["resolvedBy"] = ap.ResolvedBy
	}
	if ap.ResolvedAt != nil {
		data["resolvedAt"] = ap.ResolvedAt
	}
	return &Output{Data: data}, nil
}
