package store

import (
	"encoding/json"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// Organization is a tenant. Every other record is scoped to one.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Entity is a generic document-store record (customer, product, or
// conversation). Fields holds the user-visible document; Metadata holds
// engine-managed keys such as workflow processing markers.
type Entity struct {
	ID        string         `json:"id"`
	OrgID     string         `json:"org_id"`
	Table     string         `json:"table"`
	Fields    map[string]any `json:"fields"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EntityTables lists the logical tables the engine may touch. Dynamic
// table names from workflow configs are checked against this set before
// they reach SQL.
var EntityTables = map[string]string{
	"customers":     "customers",
	"products":      "products",
	"conversations": "conversations",
	"knowledge":     "knowledge",
}

// Workflow is the persisted representation of a workflow definition
// together with its steps.
type Workflow struct {
	ID          string                `json:"id"`
	OrgID       string                `json:"org_id"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Version     int                   `json:"version"`
	Status      schema.WorkflowStatus `json:"status"`
	Config      schema.WorkflowConfig `json:"config"`
	Steps       []schema.StepDefinition `json:"steps"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Definition assembles the authoring-contract view of the workflow.
func (w *Workflow) Definition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:        w.Name,
		Description: w.Description,
		Version:     w.Version,
		Status:      w.Status,
		Config:      w.Config,
		Steps:       w.Steps,
	}
}

// Run is one execution of a workflow, created when a trigger fires.
type Run struct {
	ID                string           `json:"id"`
	OrgID             string           `json:"org_id"`
	WorkflowID        string           `json:"workflow_id"`
	Status            schema.RunStatus `json:"status"`
	CurrentStep       string           `json:"current_step,omitempty"`
	Variables         json.RawMessage  `json:"variables,omitempty"` // scope snapshot for suspend/resume
	PendingApprovalID string           `json:"pending_approval_id,omitempty"`
	ThreadID          string           `json:"thread_id,omitempty"`
	FailureReason     string           `json:"failure_reason,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// RunEvent is an immutable entry in a run's history log.
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepSlug  string          `json:"step_slug,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Approval is a persisted approval request gating a write operation.
// Parameters carry everything needed to re-invoke the operation after
// a human approves.
type Approval struct {
	ID             string                `json:"id"`
	OrgID          string                `json:"org_id"`
	RunID          string                `json:"run_id,omitempty"`
	StepSlug       string                `json:"step_slug,omitempty"`
	ResourceType   string                `json:"resource_type"`
	ResourceID     string                `json:"resource_id,omitempty"`
	OperationName  string                `json:"operation_name"`
	OperationTitle string                `json:"operation_title,omitempty"`
	Parameters     json.RawMessage       `json:"parameters,omitempty"`
	ThreadID       string                `json:"thread_id,omitempty"`
	Status         schema.ApprovalStatus `json:"status"`
	ResolvedBy     string                `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time            `json:"resolved_at,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	OrgID  string                 `json:"org_id,omitempty"`
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Description *string                `json:"description,omitempty"`
	Status      *schema.WorkflowStatus `json:"status,omitempty"`
	Config      *schema.WorkflowConfig `json:"config,omitempty"`
	Version     *int                   `json:"version,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	OrgID      string            `json:"org_id,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status            *schema.RunStatus `json:"status,omitempty"`
	CurrentStep       *string           `json:"current_step,omitempty"`
	Variables         json.RawMessage   `json:"variables,omitempty"`
	PendingApprovalID *string           `json:"pending_approval_id,omitempty"`
	FailureReason     *string           `json:"failure_reason,omitempty"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// ApprovalFilter specifies criteria for listing approvals.
type ApprovalFilter struct {
	OrgID    string                 `json:"org_id,omitempty"`
	RunID    string                 `json:"run_id,omitempty"`
	ThreadID string                 `json:"thread_id,omitempty"`
	Status   *schema.ApprovalStatus `json:"status,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
}

// EntityFilter specifies criteria for listing entities. Cursor resumes
// a prior listing: only records after the one with that ID, in
// (created_at, id) order, are returned. A cursor whose record no longer
// exists yields an empty page.
type EntityFilter struct {
	OrgID  string `json:"org_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}
