package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/actions"
	"github.com/loomhq/loom/internal/secrets"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// countingAction is a write action that records executions.
type countingAction struct {
	mode     actions.Mode
	executed int
	lastIn   actions.Input
}

func (a *countingAction) Type() string      { return "customers" }
func (a *countingAction) Operation() string { return "update" }
func (a *countingAction) Mode() actions.Mode {
	return a.mode
}
func (a *countingAction) Spec() actions.Spec {
	return actions.Spec{Type: "customers", Operation: "update", Mode: a.mode}
}
func (a *countingAction) Validate(params map[string]any) error {
	if _, ok := params["id"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, `parameter "id" is required`)
	}
	return nil
}
func (a *countingAction) Execute(_ context.Context, input actions.Input) (*actions.Output, error) {
	a.executed++
	a.lastIn = input
	return &actions.Output{Data: map[string]any{"ok": true}}, nil
}

func TestDispatchExecutesReadActions(t *testing.T) {
	ctx := context.Background()
	g := NewGate(store.NewMemoryStore())
	a := &countingAction{mode: actions.ModeRead}

	res, err := g.Dispatch(ctx, a, actions.Input{OrgID: "org_1", Params: map[string]any{"id": "x"}}, "update_record")
	require.NoError(t, err)
	require.NotNil(t, res.Executed)
	assert.Nil(t, res.Pending)
	assert.Equal(t, 1, a.executed)
}

func TestDispatchSuspendsWriteActions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	g := NewGate(st)
	a := &countingAction{mode: actions.ModeWrite}

	res, err := g.Dispatch(ctx, a, actions.Input{
		OrgID:  "org_1",
		RunID:  "run_1",
		Params: map[string]any{"id": "cus_1", "fields": map[string]any{"plan": "pro"}},
	}, "update_record")
	require.NoError(t, err)
	require.NotNil(t, res.Pending)
	assert.Nil(t, res.Executed)
	assert.Equal(t, 0, a.executed, "write action must not execute before approval")

	ap, err := st.GetApproval(ctx, res.Pending.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalPending, ap.Status)
	assert.Equal(t, "customers.update", ap.OperationName)
	assert.Equal(t, "run_1", ap.RunID)
	assert.Equal(t, "update_record", ap.StepSlug)

	var frozen map[string]any
	require.NoError(t, json.Unmarshal(ap.Parameters, &frozen))
	assert.Equal(t, "cus_1", frozen["id"])
}

func TestDispatchValidatesBeforeCreatingApproval(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	g := NewGate(st)
	a := &countingAction{mode: actions.ModeWrite}

	_, err := g.Dispatch(ctx, a, actions.Input{OrgID: "org_1", Params: map[string]any{}}, "s")
	require.Error(t, err)

	aps, err := st.ListApprovals(ctx, store.ApprovalFilter{OrgID: "org_1"})
	require.NoError(t, err)
	assert.Empty(t, aps, "invalid params must not reach a human")
}

func TestResumeApprovedExecutesFrozenParams(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	g := NewGate(st)
	a := &countingAction{mode: actions.ModeWrite}

	res, err := g.Dispatch(ctx, a, actions.Input{
		OrgID:  "org_1",
		Params: map[string]any{"id": "cus_1"},
	}, "s")
	require.NoError(t, err)
	require.NoError(t, st.ResolveApproval(ctx, res.Pending.ID, schema.ApprovalApproved, "alex"))

	// The caller's params are ignored; the approved snapshot runs.
	out, err := g.Resume(ctx, a, actions.Input{
		OrgID:  "org_1",
		Params: map[string]any{"id": "tampered"},
	}, res.Pending.ID)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Equal(t, 1, a.executed)
	assert.Equal(t, "cus_1", a.lastIn.Params["id"])
	assert.Equal(t, res.Pending.ID, a.lastIn.ApprovalID)
}

func TestResumeRejectedReturnsCodedError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	g := NewGate(st)
	a := &countingAction{mode: actions.ModeWrite}

	res, err := g.Dispatch(ctx, a, actions.Input{OrgID: "org_1", Params: map[string]any{"id": "x"}}, "s")
	require.NoError(t, err)
	require.NoError(t, st.ResolveApproval(ctx, res.Pending.ID, schema.ApprovalRejected, "alex"))

	_, err = g.Resume(ctx, a, actions.Input{OrgID: "org_1"}, res.Pending.ID)
	require.Error(t, err)
	var lerr *schema.Error
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, schema.ErrCodeApprovalRejected, lerr.Code)
	assert.Equal(t, 0, a.executed)
}

func TestResumePendingIsConflict(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	g := NewGate(st)
	a := &countingAction{mode: actions.ModeWrite}

	res, err := g.Dispatch(ctx, a, actions.Input{OrgID: "org_1", Params: map[string]any{"id": "x"}}, "s")
	require.NoError(t, err)

	_, err = g.Resume(ctx, a, actions.Input{OrgID: "org_1"}, res.Pending.ID)
	require.Error(t, err)
	var lerr *schema.Error
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, schema.ErrCodeConflict, lerr.Code)
}

func TestResumeScopedToOrganization(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	g := NewGate(st)
	a := &countingAction{mode: actions.ModeWrite}

	res, err := g.Dispatch(ctx, a, actions.Input{OrgID: "org_1", Params: map[string]any{"id": "x"}}, "s")
	require.NoError(t, err)
	require.NoError(t, st.ResolveApproval(ctx, res.Pending.ID, schema.ApprovalApproved, "alex"))

	_, err = g.Resume(ctx, a, actions.Input{OrgID: "org_2"}, res.Pending.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestVaultResolvesRefsAtExecution(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	vault, err := secrets.NewAESVault(st, secrets.VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	require.NoError(t, vault.Store(ctx, "org_1", "API_KEY", []byte("sk-777")))

	g := NewGate(st).WithVault(vault)

	// Read path: the action sees the decrypted value.
	read := &countingAction{mode: actions.ModeRead}
	_, err = g.Dispatch(ctx, read, actions.Input{
		OrgID:  "org_1",
		Params: map[string]any{"id": "x", "apiKey": "${{secrets.API_KEY}}"},
	}, "fetch")
	require.NoError(t, err)
	assert.Equal(t, "sk-777", read.lastIn.Params["apiKey"])

	// Write path: the frozen approval keeps the opaque reference.
	write := &countingAction{mode: actions.ModeWrite}
	res, err := g.Dispatch(ctx, write, actions.Input{
		OrgID:  "org_1",
		Params: map[string]any{"id": "x", "apiKey": "${{secrets.API_KEY}}"},
	}, "push")
	require.NoError(t, err)

	var frozen map[string]any
	require.NoError(t, json.Unmarshal(res.Pending.Parameters, &frozen))
	assert.Equal(t, "${{secrets.API_KEY}}", frozen["apiKey"])

	// Execution after approval resolves it.
	require.NoError(t, st.ResolveApproval(ctx, res.Pending.ID, schema.ApprovalApproved, "alex"))
	_, err = g.Resume(ctx, write, actions.Input{OrgID: "org_1"}, res.Pending.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-777", write.lastIn.Params["apiKey"])
}
