package store

import (
	"context"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)

	// Workflows (definitions + steps)
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowByName(ctx context.Context, orgID, name string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ReplaceSteps(ctx context.Context, workflowID string, steps []schema.StepDefinition) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Run history (append-only)
	AppendRunEvent(ctx context.Context, event *RunEvent) error
	GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error)

	// Approvals
	CreateApproval(ctx context.Context, ap *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	ResolveApproval(ctx context.Context, id string, status schema.ApprovalStatus, resolvedBy string) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error)

	// Entities (customers, products, conversations)
	CreateEntity(ctx context.Context, table string, ent *Entity) error
	GetEntity(ctx context.Context, table, id string) (*Entity, error)
	UpdateEntityFields(ctx context.Context, table, id string, fields map[string]any) error
	ListEntities(ctx context.Context, table string, filter EntityFilter) ([]*Entity, error)
	DeleteEntity(ctx context.Context, table, id string) error

	// Processing markers. ClaimEntityMarker is the conditional write that
	// guarantees at-most-once selection under concurrent runs: it sets the
	// marker only if it is still absent or older than cutoff, in a single
	// statement. SetEntityMarker overwrites unconditionally.
	ClaimEntityMarker(ctx context.Context, table, id, markerKey string, cutoff, now time.Time) (bool, error)
	SetEntityMarker(ctx context.Context, table, id, markerKey string, at time.Time) error

	// Secrets (ciphertext only; encryption happens in the vault layer)
	PutSecret(ctx context.Context, orgID, key string, value []byte) error
	GetSecret(ctx context.Context, orgID, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, orgID, key string) error
	ListSecretKeys(ctx context.Context, orgID string) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
