package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomhq/loom/internal/actions"
	"github.com/loomhq/loom/internal/diagram"
	"github.com/loomhq/loom/internal/docs"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// handleSaveWorkflow validates a definition and creates or updates the
// workflow with that name.
func (s *LoomServer) handleSaveWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	s.captureSession(ctx, orgID)

	def, defErr := parseDefinition(req)
	if defErr != nil {
		return mcp.NewToolResultError(defErr.Error()), nil
	}

	result := s.validator.Validate(def)
	if !result.Valid() {
		return marshalResult(map[string]any{
			"saved":    false,
			"valid":    false,
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
	}

	existing, lookupErr := s.store.GetWorkflowByName(ctx, orgID, def.Name)
	switch {
	case lookupErr == nil:
		if replaceErr := s.store.ReplaceSteps(ctx, existing.ID, def.Steps); replaceErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to update workflow: %v", replaceErr)), nil
		}
		update := store.WorkflowUpdate{
			Description: &def.Description,
			Status:      &def.Status,
			Config:      &def.Config,
		}
		if updErr := s.store.UpdateWorkflow(ctx, existing.ID, update); updErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to update workflow: %v", updErr)), nil
		}
		return marshalResult(map[string]any{
			"saved":       true,
			"created":     false,
			"workflow_id": existing.ID,
			"version":     existing.Version + 1,
			"warnings":    result.Warnings,
		})

	case errCodeOf(lookupErr) == schema.ErrCodeNotFound:
		wf := &store.Workflow{
			ID:          uuid.NewString(),
			OrgID:       orgID,
			Name:        def.Name,
			Description: def.Description,
			Status:      def.Status,
			Config:      def.Config,
			Steps:       def.Steps,
		}
		if createErr := s.store.CreateWorkflow(ctx, wf); createErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to create workflow: %v", createErr)), nil
		}
		return marshalResult(map[string]any{
			"saved":       true,
			"created":     true,
			"workflow_id": wf.ID,
			"version":     wf.Version,
			"warnings":    result.Warnings,
		})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", lookupErr)), nil
	}
}

// handleValidateWorkflow runs the validation pipeline without saving.
func (s *LoomServer) handleValidateWorkflow(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, defErr := parseDefinition(req)
	if defErr != nil {
		return mcp.NewToolResultError(defErr.Error()), nil
	}

	result := s.validator.Validate(def)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleRunWorkflow starts a run by workflow ID or name.
func (s *LoomServer) handleRunWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	s.captureSession(ctx, orgID)

	wf, wfErr := s.resolveWorkflow(ctx, orgID, req.GetString("workflow_id", ""), req.GetString("name", ""))
	if wfErr != nil {
		return mcp.NewToolResultError(wfErr.Error()), nil
	}

	input := mcp.ParseStringMap(req, "input", nil)
	run, runErr := s.engine.Start(ctx, wf.ID, req.GetString("thread_id", ""), input)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed to start: %v", runErr)), nil
	}

	s.notifyIfSuspended(ctx, orgID, run)
	return marshalResult(runSummary(run))
}

// handleResumeRun continues a suspended run after its approval was decided.
func (s *LoomServer) handleResumeRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	s.captureSession(ctx, orgID)

	if _, scopeErr := s.runInOrg(ctx, orgID, runID); scopeErr != nil {
		return mcp.NewToolResultError(scopeErr.Error()), nil
	}

	run, resumeErr := s.engine.Resume(ctx, runID)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}

	s.notifyIfSuspended(ctx, orgID, run)
	return marshalResult(runSummary(run))
}

// handleRunStatus returns the run record plus its history events.
func (s *LoomServer) handleRunStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, scopeErr := s.runInOrg(ctx, orgID, runID)
	if scopeErr != nil {
		return mcp.NewToolResultError(scopeErr.Error()), nil
	}

	since := int64(extractInt(req.GetArguments(), "since", 0))
	events, evErr := s.store.GetRunEvents(ctx, runID, since)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
	}

	out := runSummary(run)
	out["events"] = events
	return marshalResult(out)
}

// handleRunCancel cancels a running or suspended run.
func (s *LoomServer) handleRunCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if _, scopeErr := s.runInOrg(ctx, orgID, runID); scopeErr != nil {
		return mcp.NewToolResultError(scopeErr.Error()), nil
	}

	if cancelErr := s.engine.Cancel(ctx, runID, req.GetString("reason", "")); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleWorkflowDiagram renders a workflow as a Mermaid flowchart,
// optionally overlaid with a run's progress.
func (s *LoomServer) handleWorkflowDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}

	wf, wfErr := s.resolveWorkflow(ctx, orgID, req.GetString("workflow_id", ""), req.GetString("name", ""))
	if wfErr != nil {
		return mcp.NewToolResultError(wfErr.Error()), nil
	}

	var overlay map[string]string
	if runID := req.GetString("run_id", ""); runID != "" {
		run, scopeErr := s.runInOrg(ctx, orgID, runID)
		if scopeErr != nil {
			return mcp.NewToolResultError(scopeErr.Error()), nil
		}
		events, evErr := s.store.GetRunEvents(ctx, runID, 0)
		if evErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
		}
		overlay = diagram.RunOverlay(run, events)
	}

	def := &schema.WorkflowDefinition{Name: wf.Name, Steps: wf.Steps}
	return mcp.NewToolResultText(diagram.RenderMermaid(diagram.Build(def, overlay))), nil
}

// handleSecretsStore encrypts and stores an organization secret.
func (s *LoomServer) handleSecretsStore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	value, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError("value is required"), nil
	}
	if s.vault == nil {
		return mcp.NewToolResultError("no vault configured"), nil
	}

	if storeErr := s.vault.Store(ctx, orgID, key, []byte(value)); storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store secret: %v", storeErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "key": key})
}

// handleSecretsList returns the organization's secret names.
func (s *LoomServer) handleSecretsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	if s.vault == nil {
		return mcp.NewToolResultError("no vault configured"), nil
	}

	keys, listErr := s.vault.List(ctx, orgID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list secrets: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"keys": keys, "count": len(keys)})
}

// handleSecretsDelete removes an organization secret.
func (s *LoomServer) handleSecretsDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	if s.vault == nil {
		return mcp.NewToolResultError("no vault configured"), nil
	}

	if delErr := s.vault.Delete(ctx, orgID, key); delErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete secret: %v", delErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "key": key})
}

// handleApprovalCreate records a standalone approval request.
func (s *LoomServer) handleApprovalCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	operation, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}
	s.captureSession(ctx, orgID)

	title := req.GetString("title", "")
	if title == "" {
		title = "Approve " + operation
	}

	ap := &store.Approval{
		ID:             uuid.NewString(),
		OrgID:          orgID,
		ResourceType:   resourceTypeOf(operation),
		OperationName:  operation,
		OperationTitle: title,
		ThreadID:       req.GetString("thread_id", ""),
		Status:         schema.ApprovalPending,
	}
	if params := mcp.ParseStringMap(req, "parameters", nil); params != nil {
		raw, mErr := json.Marshal(params)
		if mErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", mErr)), nil
		}
		ap.Parameters = raw
	}

	if createErr := s.store.CreateApproval(ctx, ap); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create approval: %v", createErr)), nil
	}
	return marshalResult(map[string]any{
		"approval_id": ap.ID,
		"status":      ap.Status,
		"title":       ap.OperationTitle,
	})
}

// handleApprovalStatus reports whether an approval exists and how it
// was resolved. A missing or foreign-org approval is exists: false,
// not an error.
func (s *LoomServer) handleApprovalStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}

	ap, getErr := s.store.GetApproval(ctx, approvalID)
	if getErr != nil || ap.OrgID != orgID {
		return marshalResult(map[string]any{"exists": false})
	}
	return marshalResult(map[string]any{
		"exists":      true,
		"approval_id": ap.ID,
		"status":      ap.Status,
		"operation":   ap.OperationName,
		"resolved_by": ap.ResolvedBy,
	})
}

// handleFindUnprocessed claims unhandled records for a workflow.
func (s *LoomServer) handleFindUnprocessed(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	table, err := req.RequireString("table")
	if err != nil {
		return mcp.NewToolResultError("table is required"), nil
	}

	args := req.GetArguments()
	records, findErr := s.tracker.FindUnprocessed(ctx, actions.UnprocessedQuery{
		OrgID:            orgID,
		WorkflowID:       workflowID,
		Table:            table,
		FilterExpression: req.GetString("filter_expression", ""),
		BackoffHours:     extractInt(args, "backoff_hours", 0),
		Limit:            extractInt(args, "limit", 1),
	})
	if findErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("find failed: %v", findErr)), nil
	}

	return marshalResult(map[string]any{
		"records": records,
		"count":   len(records),
		"isDone":  len(records) == 0,
	})
}

// handleRecordProcessed stamps a record's processing marker.
func (s *LoomServer) handleRecordProcessed(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	table, err := req.RequireString("table")
	if err != nil {
		return mcp.NewToolResultError("table is required"), nil
	}
	recordID, err := req.RequireString("record_id")
	if err != nil {
		return mcp.NewToolResultError("record_id is required"), nil
	}

	var processedAt time.Time
	if raw := req.GetString("record_creation_time", ""); raw != "" {
		ts, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr != nil {
			return mcp.NewToolResultError("record_creation_time must be an RFC 3339 timestamp"), nil
		}
		processedAt = ts
	}

	if markErr := s.tracker.RecordProcessed(ctx, orgID, workflowID, table, recordID, processedAt); markErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("mark failed: %v", markErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "record_id": recordID})
}

// handleActionsCatalog lists registered actions, optionally filtered
// by family.
func (s *LoomServer) handleActionsCatalog(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typeFilter := req.GetString("type", "")

	specs := s.registry.Catalog()
	if typeFilter != "" {
		filtered := specs[:0]
		for _, spec := range specs {
			if spec.Type == typeFilter {
				filtered = append(filtered, spec)
			}
		}
		specs = filtered
	}

	return marshalResult(map[string]any{
		"actions": specs,
		"count":   len(specs),
	})
}

// handleDocsSyntax serves the definition language reference.
func (s *LoomServer) handleDocsSyntax(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	category := req.GetString("category", "")
	if category == "" {
		return marshalResult(map[string]any{"categories": docs.Categories()})
	}

	doc, ok := docs.Syntax(category)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf(
			"unknown category %q; available: %s", category, strings.Join(docs.Categories(), ", "))), nil
	}
	return mcp.NewToolResultText(doc), nil
}

// --- Internal helpers ---

// resolveWorkflow finds a workflow by ID or name within the organization.
func (s *LoomServer) resolveWorkflow(ctx context.Context, orgID, workflowID, name string) (*store.Workflow, error) {
	switch {
	case workflowID != "":
		wf, err := s.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if wf.OrgID != orgID {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", workflowID)
		}
		return wf, nil
	case name != "":
		return s.store.GetWorkflowByName(ctx, orgID, name)
	}
	return nil, errors.New("workflow_id or name is required")
}

// runInOrg loads a run and enforces the organization scope.
func (s *LoomServer) runInOrg(ctx context.Context, orgID, runID string) (*store.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.OrgID != orgID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	return run, nil
}

// notifyIfSuspended pushes an approval notification when a run parked
// on a pending approval. Best-effort.
func (s *LoomServer) notifyIfSuspended(ctx context.Context, orgID string, run *store.Run) {
	if run == nil || run.Status != schema.RunStatusSuspended || run.PendingApprovalID == "" {
		return
	}
	err := s.notifier.Notify(ctx, orgID, map[string]any{
		"type":        "approval_requested",
		"run_id":      run.ID,
		"step_slug":   run.CurrentStep,
		"approval_id": run.PendingApprovalID,
		"at":          time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Warn("approval notification failed",
			"org_id", orgID, "run_id", run.ID, "error", err)
	}
}

func runSummary(run *store.Run) map[string]any {
	return map[string]any{
		"run_id":              run.ID,
		"workflow_id":         run.WorkflowID,
		"status":              run.Status,
		"current_step":        run.CurrentStep,
		"pending_approval_id": run.PendingApprovalID,
		"failure_reason":      run.FailureReason,
	}
}

func parseDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, errors.New("definition is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	return &def, nil
}

// resourceTypeOf extracts the family from an operation name like
// "customers.update".
func resourceTypeOf(operation string) string {
	if idx := strings.Index(operation, "."); idx > 0 {
		return operation[:idx]
	}
	return operation
}

func errCodeOf(err error) string {
	var lerr *schema.Error
	if errors.As(err, &lerr) {
		return lerr.Code
	}
	return ""
}

// extractInt safely extracts an integer from a tool argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the organization to its current MCP session for
// notifications.
func (s *LoomServer) captureSession(ctx context.Context, orgID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(orgID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
