package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// MemoryStore is an in-memory Store used by tests and by deployments
// that do not need durability. Semantics mirror LibSQLStore, including
// the conditional marker claim.
type MemoryStore struct {
	mu sync.Mutex

	orgs      map[string]*Organization
	workflows map[string]*Workflow
	runs      map[string]*Run
	events    map[string][]*RunEvent
	approvals map[string]*Approval
	entities  map[string]map[string]*Entity // table -> id -> entity
	secrets   map[string]map[string][]byte  // orgID -> key -> ciphertext

	eventID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	entities := make(map[string]map[string]*Entity, len(EntityTables))
	for table := range EntityTables {
		entities[table] = make(map[string]*Entity)
	}
	return &MemoryStore{
		orgs:      make(map[string]*Organization),
		workflows: make(map[string]*Workflow),
		runs:      make(map[string]*Run),
		events:    make(map[string][]*RunEvent),
		approvals: make(map[string]*Approval),
		entities:  entities,
		secrets:   make(map[string]map[string][]byte),
	}
}

// --- Organizations ---

func (m *MemoryStore) CreateOrganization(_ context.Context, org *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orgs[org.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "organization %q already exists", org.ID)
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	cp := *org
	m.orgs[org.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrganization(_ context.Context, id string) (*Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	org, ok := m.orgs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "organization %q not found", id)
	}
	cp := *org
	return &cp, nil
}

// --- Workflows ---

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workflows[wf.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	for _, existing := range m.workflows {
		if existing.OrgID == wf.OrgID && existing.Name == wf.Name {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"workflow named %q already exists in organization %q", wf.Name, wf.OrgID)
		}
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.Version == 0 {
		wf.Version = 1
	}
	m.workflows[wf.ID] = copyWorkflow(wf)
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return copyWorkflow(wf), nil
}

func (m *MemoryStore) GetWorkflowByName(_ context.Context, orgID, name string) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, wf := range m.workflows {
		if wf.OrgID == orgID && wf.Name == name {
			return copyWorkflow(wf), nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name)
}

func (m *MemoryStore) UpdateWorkflow(_ context.Context, id string, update WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	if update.Description != nil {
		wf.Description = *update.Description
	}
	if update.Status != nil {
		wf.Status = *update.Status
	}
	if update.Config != nil {
		wf.Config = *update.Config
	}
	if update.Version != nil {
		wf.Version = *update.Version
	}
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ReplaceSteps(_ context.Context, workflowID string, steps []schema.StepDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[workflowID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", workflowID)
	}
	wf.Steps = append([]schema.StepDefinition(nil), steps...)
	wf.Version++
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Workflow
	for _, wf := range m.workflows {
		if filter.OrgID != "" && wf.OrgID != filter.OrgID {
			continue
		}
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		out = append(out, copyWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	out = window(out, filter.Offset, filter.Limit)
	return out, nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	delete(m.workflows, id)
	return nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.CurrentStep != nil {
		run.CurrentStep = *update.CurrentStep
	}
	if update.Variables != nil {
		run.Variables = append([]byte(nil), update.Variables...)
	}
	if update.PendingApprovalID != nil {
		run.PendingApprovalID = *update.PendingApprovalID
	}
	if update.FailureReason != nil {
		run.FailureReason = *update.FailureReason
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Run
	for _, run := range m.runs {
		if filter.OrgID != "" && run.OrgID != filter.OrgID {
			continue
		}
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	out = window(out, 0, filter.Limit)
	return out, nil
}

// --- Run events ---

func (m *MemoryStore) AppendRunEvent(_ context.Context, event *RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventID++
	event.ID = m.eventID
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *MemoryStore) GetRunEvents(_ context.Context, runID string, since int64) ([]*RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*RunEvent
	for _, ev := range m.events[runID] {
		if ev.Sequence <= since {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// --- Approvals ---

func (m *MemoryStore) CreateApproval(_ context.Context, ap *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.approvals[ap.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %q already exists", ap.ID)
	}
	if ap.Status == "" {
		ap.Status = schema.ApprovalPending
	}
	if ap.CreatedAt.IsZero() {
		ap.CreatedAt = time.Now().UTC()
	}
	cp := *ap
	m.approvals[ap.ID] = &cp
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, id string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ap, ok := m.approvals[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "approval %q not found", id)
	}
	cp := *ap
	return &cp, nil
}

func (m *MemoryStore) ResolveApproval(_ context.Context, id string, status schema.ApprovalStatus, resolvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ap, ok := m.approvals[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "approval %q not found", id)
	}
	if ap.Status != schema.ApprovalPending {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"approval %q already resolved as %s", id, ap.Status)
	}
	now := time.Now().UTC()
	ap.Status = status
	ap.ResolvedBy = resolvedBy
	ap.ResolvedAt = &now
	return nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, filter ApprovalFilter) ([]*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Approval
	for _, ap := range m.approvals {
		if filter.OrgID != "" && ap.OrgID != filter.OrgID {
			continue
		}
		if filter.RunID != "" && ap.RunID != filter.RunID {
			continue
		}
		if filter.ThreadID != "" && ap.ThreadID != filter.ThreadID {
			continue
		}
		if filter.Status != nil && ap.Status != *filter.Status {
			continue
		}
		cp := *ap
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	out = window(out, 0, filter.Limit)
	return out, nil
}

// --- Entities ---

func (m *MemoryStore) CreateEntity(_ context.Context, table string, ent *Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.table(table)
	if err != nil {
		return err
	}
	if _, exists := rows[ent.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", table, ent.ID)
	}
	now := time.Now().UTC()
	if ent.CreatedAt.IsZero() {
		ent.CreatedAt = now
	}
	ent.UpdatedAt = now
	ent.Table = table
	rows[ent.ID] = copyEntity(ent)
	return nil
}

func (m *MemoryStore) GetEntity(_ context.Context, table, id string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.table(table)
	if err != nil {
		return nil, err
	}
	ent, ok := rows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", table, id)
	}
	return copyEntity(ent), nil
}

func (m *MemoryStore) UpdateEntityFields(_ context.Context, table, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.table(table)
	if err != nil {
		return err
	}
	ent, ok := rows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", table, id)
	}
	if ent.Fields == nil {
		ent.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		ent.Fields[k] = v
	}
	ent.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListEntities(_ context.Context, table string, filter EntityFilter) ([]*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.table(table)
	if err != nil {
		return nil, err
	}
	var out []*Entity
	for _, ent := range rows {
		if filter.OrgID != "" && ent.OrgID != filter.OrgID {
			continue
		}
		out = append(out, copyEntity(ent))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Cursor != "" {
		out = afterCursor(out, filter.Cursor)
	}
	out = window(out, 0, filter.Limit)
	return out, nil
}

// afterCursor returns the tail of a sorted listing after the cursor
// record. A vanished cursor yields an empty page.
func afterCursor(ents []*Entity, cursor string) []*Entity {
	for i, ent := range ents {
		if ent.ID == cursor {
			return ents[i+1:]
		}
	}
	return nil
}

func (m *MemoryStore) DeleteEntity(_ context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.table(table)
	if err != nil {
		return err
	}
	if _, ok := rows[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", table, id)
	}
	delete(rows, id)
	return nil
}

// --- Processing markers ---

func (m *MemoryStore) ClaimEntityMarker(_ context.Context, table, id, markerKey string, cutoff, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.table(table)
	if err != nil {
		return false, err
	}
	ent, ok := rows[id]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", table, id)
	}
	if ent.Metadata == nil {
		ent.Metadata = make(map[string]any)
	}
	if raw, exists := ent.Metadata[markerKey]; exists {
		if markerMillis(raw) > cutoff.UnixMilli() {
			return false, nil
		}
	}
	ent.Metadata[markerKey] = now.UnixMilli()
	return true, nil
}

func (m *MemoryStore) SetEntityMarker(_ context.Context, table, id, markerKey string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.table(table)
	if err != nil {
		return err
	}
	ent, ok := rows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", table, id)
	}
	if ent.Metadata == nil {
		ent.Metadata = make(map[string]any)
	}
	ent.Metadata[markerKey] = at.UnixMilli()
	return nil
}

// --- Secrets ---

func (m *MemoryStore) PutSecret(_ context.Context, orgID, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.secrets[orgID] == nil {
		m.secrets[orgID] = make(map[string][]byte)
	}
	m.secrets[orgID][key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, orgID, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.secrets[orgID][key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, orgID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.secrets[orgID][key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.secrets[orgID], key)
	return nil
}

func (m *MemoryStore) ListSecretKeys(_ context.Context, orgID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.secrets[orgID]))
	for k := range m.secrets[orgID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// --- Maintenance ---

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- helpers ---

func (m *MemoryStore) table(name string) (map[string]*Entity, error) {
	rows, ok := m.entities[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown entity table %q", name)
	}
	return rows, nil
}

func markerMillis(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func copyWorkflow(wf *Workflow) *Workflow {
	cp := *wf
	cp.Steps = append([]schema.StepDefinition(nil), wf.Steps...)
	return &cp
}

func copyEntity(ent *Entity) *Entity {
	cp := *ent
	cp.Fields = copyValueMap(ent.Fields)
	cp.Metadata = copyValueMap(ent.Metadata)
	return &cp
}

func copyValueMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func window[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
