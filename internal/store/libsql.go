package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomhq/loom/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Organizations ---

func (s *LibSQLStore) CreateOrganization(ctx context.Context, org *Organization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES (?, ?, ?)`,
		org.ID, org.Name, timeOrNow(org.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	org := &Organization{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM organizations WHERE id = ?`, id,
	).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("organization", id)
	}
	if err != nil {
		return nil, err
	}
	return org, nil
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	cfg, err := json.Marshal(wf.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, org_id, name, description, version, status, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.OrgID, wf.Name, nullStr(wf.Description), wf.Version, string(wf.Status),
		string(cfg), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"workflow %q already exists in organization %s", wf.Name, wf.OrgID).WithCause(err)
		}
		return err
	}

	if err := insertSteps(ctx, tx, wf.ID, wf.Steps); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSteps(ctx context.Context, tx *sql.Tx, workflowID string, steps []schema.StepDefinition) error {
	for _, st := range steps {
		next, err := json.Marshal(st.NextSteps)
		if err != nil {
			return fmt.Errorf("marshal next_steps for %s: %w", st.StepSlug, err)
		}
		cfg := st.Config
		if len(cfg) == 0 {
			cfg = json.RawMessage("{}")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_steps (workflow_id, step_slug, name, step_type, step_order, config, next_steps)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			workflowID, st.StepSlug, st.Name, string(st.StepType), st.Order, string(cfg), string(next),
		); err != nil {
			return fmt.Errorf("insert step %s: %w", st.StepSlug, err)
		}
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return s.getWorkflow(ctx, `SELECT id, org_id, name, description, version, status, config, created_at, updated_at
		FROM workflows WHERE id = ?`, id)
}

func (s *LibSQLStore) GetWorkflowByName(ctx context.Context, orgID, name string) (*Workflow, error) {
	return s.getWorkflow(ctx, `SELECT id, org_id, name, description, version, status, config, created_at, updated_at
		FROM workflows WHERE org_id = ? AND name = ?`, orgID, name)
}

func (s *LibSQLStore) getWorkflow(ctx context.Context, query string, args ...any) (*Workflow, error) {
	wf := &Workflow{}
	var desc sql.NullString
	var cfgJSON, status string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&wf.ID, &wf.OrgID, &wf.Name, &desc, &wf.Version, &status, &cfgJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", fmt.Sprint(args[0]))
	}
	if err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(cfgJSON), &wf.Config); err != nil {
		return nil, fmt.Errorf("unmarshal workflow config: %w", err)
	}

	steps, err := s.loadSteps(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps
	return wf, nil
}

func (s *LibSQLStore) loadSteps(ctx context.Context, workflowID string) ([]schema.StepDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_slug, name, step_type, step_order, config, next_steps
		 FROM workflow_steps WHERE workflow_id = ? ORDER BY step_order, step_slug`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []schema.StepDefinition
	for rows.Next() {
		var st schema.StepDefinition
		var stepType, cfgJSON, nextJSON string
		if err := rows.Scan(&st.StepSlug, &st.Name, &stepType, &st.Order, &cfgJSON, &nextJSON); err != nil {
			return nil, err
		}
		st.StepType = schema.StepType(stepType)
		st.Config = json.RawMessage(cfgJSON)
		if err := json.Unmarshal([]byte(nextJSON), &st.NextSteps); err != nil {
			return nil, fmt.Errorf("unmarshal next_steps for %s: %w", st.StepSlug, err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Config != nil {
		cfg, err := json.Marshal(update.Config)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		sets = append(sets, "config = ?")
		args = append(args, string(cfg))
	}
	if update.Version != nil {
		sets = append(sets, "version = ?")
		args = append(args, *update.Version)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// ReplaceSteps swaps the full step set of a workflow in one transaction and
// bumps the version. This is the only way to restructure a definition that
// is already referenced by runs.
func (s *LibSQLStore) ReplaceSteps(ctx context.Context, workflowID string, steps []schema.StepDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_steps WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	if err := insertSteps(ctx, tx, workflowID, steps); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET version = version + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, workflowID); err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := "SELECT id, org_id, name, description, version, status, config, created_at, updated_at FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var desc sql.NullString
		var cfgJSON, status string
		if err := rows.Scan(&wf.ID, &wf.OrgID, &wf.Name, &desc, &wf.Version, &status, &cfgJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Description = desc.String
		wf.Status = schema.WorkflowStatus(status)
		if err := json.Unmarshal([]byte(cfgJSON), &wf.Config); err != nil {
			return nil, fmt.Errorf("unmarshal workflow config: %w", err)
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, wf := range workflows {
		steps, err := s.loadSteps(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		wf.Steps = steps
	}
	return workflows, nil
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, org_id, workflow_id, status, current_step, variables, pending_approval_id, thread_id, failure_reason, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.OrgID, run.WorkflowID, string(run.Status), nullStr(run.CurrentStep),
		nullRaw(run.Variables), nullStr(run.PendingApprovalID), nullStr(run.ThreadID),
		nullStr(run.FailureReason), timeOrNow(run.CreatedAt), nullTime(run.StartedAt),
		nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		currentStep, approvalID, threadID, failure sql.NullString
		variables                                  sql.NullString
		startedAt, completedAt                     sql.NullTime
		status                                     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, workflow_id, status, current_step, variables, pending_approval_id, thread_id, failure_reason, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.OrgID, &run.WorkflowID, &status, &currentStep, &variables,
		&approvalID, &threadID, &failure, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.CurrentStep = currentStep.String
	run.Variables = rawOrNil(variables)
	run.PendingApprovalID = approvalID.String
	run.ThreadID = threadID.String
	run.FailureReason = failure.String
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *update.CurrentStep)
	}
	if update.Variables != nil {
		sets = append(sets, "variables = ?")
		args = append(args, string(update.Variables))
	}
	if update.PendingApprovalID != nil {
		sets = append(sets, "pending_approval_id = ?")
		args = append(args, *update.PendingApprovalID)
	}
	if update.FailureReason != nil {
		sets = append(sets, "failure_reason = ?")
		args = append(args, *update.FailureReason)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, org_id, workflow_id, status, current_step, variables, pending_approval_id, thread_id, failure_reason, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			currentStep, approvalID, threadID, failure sql.NullString
			variables                                  sql.NullString
			startedAt, completedAt                     sql.NullTime
			status                                     string
		)
		if err := rows.Scan(&run.ID, &run.OrgID, &run.WorkflowID, &status, &currentStep, &variables,
			&approvalID, &threadID, &failure, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		run.CurrentStep = currentStep.String
		run.Variables = rawOrNil(variables)
		run.PendingApprovalID = approvalID.String
		run.ThreadID = threadID.String
		run.FailureReason = failure.String
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Run events ---

// AppendRunEvent appends an event with a monotonically increasing per-run
// sequence. Reads and writes the sequence inside one transaction so
// concurrent writers cannot interleave.
func (s *LibSQLStore) AppendRunEvent(ctx context.Context, event *RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, step_slug, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepSlug), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_slug, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		ev := &RunEvent{}
		var stepSlug, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepSlug, &ev.Type, &payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.StepSlug = stepSlug.String
		ev.Payload = rawOrNil(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, ap *Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, org_id, run_id, step_slug, resource_type, resource_id, operation_name, operation_title, parameters, thread_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ap.ID, ap.OrgID, nullStr(ap.RunID), nullStr(ap.StepSlug), ap.ResourceType, nullStr(ap.ResourceID),
		ap.OperationName, nullStr(ap.OperationTitle), nullRaw(ap.Parameters), nullStr(ap.ThreadID),
		string(ap.Status), timeOrNow(ap.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	ap := &Approval{}
	var (
		runID, stepSlug, resourceID, title, threadID, resolvedBy sql.NullString
		params                                                   sql.NullString
		resolvedAt                                               sql.NullTime
		status                                                   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, run_id, step_slug, resource_type, resource_id, operation_name, operation_title, parameters, thread_id, status, resolved_by, resolved_at, created_at
		 FROM approvals WHERE id = ?`, id,
	).Scan(&ap.ID, &ap.OrgID, &runID, &stepSlug, &ap.ResourceType, &resourceID, &ap.OperationName,
		&title, &params, &threadID, &status, &resolvedBy, &resolvedAt, &ap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	if err != nil {
		return nil, err
	}
	ap.RunID = runID.String
	ap.StepSlug = stepSlug.String
	ap.ResourceID = resourceID.String
	ap.OperationTitle = title.String
	ap.Parameters = rawOrNil(params)
	ap.ThreadID = threadID.String
	ap.Status = schema.ApprovalStatus(status)
	ap.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		ap.ResolvedAt = &resolvedAt.Time
	}
	return ap, nil
}

// ResolveApproval moves a pending approval to a terminal state. The WHERE
// clause on status makes the transition exactly-once: a second resolution
// attempt affects zero rows and returns a conflict.
func (s *LibSQLStore) ResolveApproval(ctx context.Context, id string, status schema.ApprovalStatus, resolvedBy string) error {
	if status != schema.ApprovalApproved && status != schema.ApprovalRejected {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "approval can only resolve to approved or rejected, got %s", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_by = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`,
		string(status), resolvedBy, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetApproval(ctx, id); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %s already resolved", id)
	}
	return nil
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	var where []string
	var args []any

	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, filter.ThreadID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, org_id, run_id, step_slug, resource_type, resource_id, operation_name, operation_title, parameters, thread_id, status, resolved_by, resolved_at, created_at FROM approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		ap := &Approval{}
		var (
			runID, stepSlug, resourceID, title, threadID, resolvedBy sql.NullString
			params                                                   sql.NullString
			resolvedAt                                               sql.NullTime
			status                                                   string
		)
		if err := rows.Scan(&ap.ID, &ap.OrgID, &runID, &stepSlug, &ap.ResourceType, &resourceID,
			&ap.OperationName, &title, &params, &threadID, &status, &resolvedBy, &resolvedAt, &ap.CreatedAt); err != nil {
			return nil, err
		}
		ap.RunID = runID.String
		ap.StepSlug = stepSlug.String
		ap.ResourceID = resourceID.String
		ap.OperationTitle = title.String
		ap.Parameters = rawOrNil(params)
		ap.ThreadID = threadID.String
		ap.Status = schema.ApprovalStatus(status)
		ap.ResolvedBy = resolvedBy.String
		if resolvedAt.Valid {
			ap.ResolvedAt = &resolvedAt.Time
		}
		approvals = append(approvals, ap)
	}
	return approvals, rows.Err()
}

// --- Entities ---

func physTable(table string) (string, error) {
	phys, ok := EntityTables[table]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown entity table %q", table)
	}
	return phys, nil
}

func (s *LibSQLStore) CreateEntity(ctx context.Context, table string, ent *Entity) error {
	phys, err := physTable(table)
	if err != nil {
		return err
	}
	fields, err := marshalMapOrDefault(ent.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	metadata, err := marshalMapOrDefault(ent.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, org_id, fields, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`, phys),
		ent.ID, ent.OrgID, string(fields), string(metadata), timeOrNow(ent.CreatedAt), timeOrNow(ent.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetEntity(ctx context.Context, table, id string) (*Entity, error) {
	phys, err := physTable(table)
	if err != nil {
		return nil, err
	}
	ent := &Entity{Table: table}
	var fieldsJSON, metaJSON string
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, org_id, fields, metadata, created_at, updated_at FROM %s WHERE id = ?`, phys), id,
	).Scan(&ent.ID, &ent.OrgID, &fieldsJSON, &metaJSON, &ent.CreatedAt, &ent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(table, id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &ent.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &ent.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return ent, nil
}

func (s *LibSQLStore) UpdateEntityFields(ctx context.Context, table, id string, fields map[string]any) error {
	phys, err := physTable(table)
	if err != nil {
		return err
	}
	data, err := marshalMapOrDefault(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET fields = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, phys),
		string(data), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, table, id)
}

func (s *LibSQLStore) ListEntities(ctx context.Context, table string, filter EntityFilter) ([]*Entity, error) {
	phys, err := physTable(table)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, org_id, fields, metadata, created_at, updated_at FROM %s`, phys)
	var where []string
	var args []any
	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.Cursor != "" {
		// Keyset resume; a vanished cursor row makes the row-value
		// comparison NULL, which yields an empty page.
		where = append(where, fmt.Sprintf(
			"(created_at, id) > (SELECT created_at, id FROM %s WHERE id = ?)", phys))
		args = append(args, filter.Cursor)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		ent := &Entity{Table: table}
		var fieldsJSON, metaJSON string
		if err := rows.Scan(&ent.ID, &ent.OrgID, &fieldsJSON, &metaJSON, &ent.CreatedAt, &ent.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &ent.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal fields: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &ent.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		entities = append(entities, ent)
	}
	return entities, rows.Err()
}

func (s *LibSQLStore) DeleteEntity(ctx context.Context, table, id string) error {
	phys, err := physTable(table)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, phys), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, table, id)
}

// markerKeyPattern bounds what may appear inside a JSON path expression.
// Marker keys are built from workflow IDs, which are UUIDs, but the check
// stands on its own.
var markerKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ClaimEntityMarker sets the processing marker if and only if it is still
// absent or older than cutoff. The compare and the write happen in one
// UPDATE, so two concurrent claims on the same entity cannot both succeed.
// Marker values are stored as unix milliseconds so the comparison is numeric.
func (s *LibSQLStore) ClaimEntityMarker(ctx context.Context, table, id, markerKey string, cutoff, now time.Time) (bool, error) {
	phys, err := physTable(table)
	if err != nil {
		return false, err
	}
	if !markerKeyPattern.MatchString(markerKey) {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "invalid marker key %q", markerKey)
	}

	path := fmt.Sprintf(`$."%s"`, markerKey)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET metadata = json_set(metadata, '%s', ?), updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND (json_extract(metadata, '%s') IS NULL OR json_extract(metadata, '%s') <= ?)`,
			phys, path, path, path),
		now.UnixMilli(), id, cutoff.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetEntityMarker overwrites the processing marker unconditionally.
func (s *LibSQLStore) SetEntityMarker(ctx context.Context, table, id, markerKey string, at time.Time) error {
	phys, err := physTable(table)
	if err != nil {
		return err
	}
	if !markerKeyPattern.MatchString(markerKey) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid marker key %q", markerKey)
	}

	path := fmt.Sprintf(`$."%s"`, markerKey)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET metadata = json_set(metadata, '%s', ?), updated_at = CURRENT_TIMESTAMP WHERE id = ?`, phys, path),
		at.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, table, id)
}

// --- Secrets ---

func (s *LibSQLStore) PutSecret(ctx context.Context, orgID, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (org_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (org_id, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		orgID, key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, orgID, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM secrets WHERE org_id = ? AND key = ?`, orgID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, orgID, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM secrets WHERE org_id = ? AND key = ?`, orgID, key,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecretKeys(ctx context.Context, orgID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM secrets WHERE org_id = ? ORDER BY key`, orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", kind, id)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(kind, id)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}

var _ Store = (*LibSQLStore)(nil)
