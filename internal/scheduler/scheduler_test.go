package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

type fakeRunner struct {
	mu     sync.Mutex
	starts []startCall
	err    error
}

type startCall struct {
	workflowID string
	input      map[string]any
}

func (r *fakeRunner) Start(_ context.Context, workflowID, _ string, input map[string]any) (*store.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, startCall{workflowID: workflowID, input: input})
	if r.err != nil {
		return nil, r.err
	}
	return &store.Run{ID: uuid.NewString(), WorkflowID: workflowID}, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

func saveScheduled(t *testing.T, st *store.MemoryStore, status schema.WorkflowStatus, schedule string) *store.Workflow {
	t.Helper()
	cfg, err := json.Marshal(schema.StartConfig{Type: schema.TriggerScheduled, Schedule: schedule})
	require.NoError(t, err)

	wf := &store.Workflow{
		ID:     uuid.NewString(),
		OrgID:  "org-1",
		Name:   "wf-" + uuid.NewString()[:8],
		Status: status,
		Steps: []schema.StepDefinition{{
			StepSlug: "begin",
			Name:     "begin",
			StepType: schema.StepTypeStart,
			Config:   cfg,
		}},
	}
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))
	return wf
}

func newTestScheduler(st *store.MemoryStore, runner Runner) *Scheduler {
	return NewScheduler(st, runner, slog.New(slog.DiscardHandler))
}

func TestTickSeedsThenFires(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := newTestScheduler(st, runner)

	wf := saveScheduled(t, st, schema.WorkflowStatusActive, "* * * * *")

	base := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return base }

	// First tick seeds the due time; nothing fires.
	s.Tick(context.Background())
	assert.Equal(t, 0, runner.count())

	// A minute later the seeded slot has passed.
	s.now = func() time.Time { return base.Add(90 * time.Second) }
	s.Tick(context.Background())
	require.Equal(t, 1, runner.count())
	assert.Equal(t, wf.ID, runner.starts[0].workflowID)
	assert.Equal(t, "scheduled", runner.starts[0].input["trigger"])
	assert.NotEmpty(t, runner.starts[0].input["scheduledAt"])

	// The entry rolled forward; the same slot does not refire.
	s.Tick(context.Background())
	assert.Equal(t, 1, runner.count())
}

func TestTickIgnoresDraftAndManual(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := newTestScheduler(st, runner)

	saveScheduled(t, st, schema.WorkflowStatusDraft, "* * * * *")

	manualCfg, err := json.Marshal(schema.StartConfig{Type: schema.TriggerManual})
	require.NoError(t, err)
	require.NoError(t, st.CreateWorkflow(context.Background(), &store.Workflow{
		ID:     uuid.NewString(),
		OrgID:  "org-1",
		Name:   "manual-wf",
		Status: schema.WorkflowStatusActive,
		Steps: []schema.StepDefinition{{
			StepSlug: "begin", Name: "begin",
			StepType: schema.StepTypeStart, Config: manualCfg,
		}},
	}))

	base := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.Tick(context.Background())
	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	s.Tick(context.Background())

	assert.Equal(t, 0, runner.count())
}

func TestSixFieldSchedule(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := newTestScheduler(st, runner)

	saveScheduled(t, st, schema.WorkflowStatusActive, "30 0 9 * * 1")

	// Monday 2026-03-02 08:00 UTC: seed, then jump past 09:00:30.
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.Tick(context.Background())
	assert.Equal(t, 0, runner.count())

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	s.Tick(context.Background())
	assert.Equal(t, 1, runner.count())
}

func TestScheduleChangeReseeds(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := newTestScheduler(st, runner)

	ctx := context.Background()
	wf := saveScheduled(t, st, schema.WorkflowStatusActive, "* * * * *")

	base := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.Tick(ctx)

	// Edit the schedule before the slot fires.
	cfg, err := json.Marshal(schema.StartConfig{Type: schema.TriggerScheduled, Schedule: "0 12 * * *"})
	require.NoError(t, err)
	require.NoError(t, st.ReplaceSteps(ctx, wf.ID, []schema.StepDefinition{{
		StepSlug: "begin", Name: "begin",
		StepType: schema.StepTypeStart, Config: cfg,
	}}))

	// The old slot would have fired; the new expression reseeds instead.
	s.now = func() time.Time { return base.Add(90 * time.Second) }
	s.Tick(ctx)
	assert.Equal(t, 0, runner.count())

	s.now = func() time.Time { return base.Add(4 * time.Hour) }
	s.Tick(ctx)
	assert.Equal(t, 1, runner.count())
}

func TestInvalidScheduleSkipped(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := newTestScheduler(st, runner)

	saveScheduled(t, st, schema.WorkflowStatusActive, "not a cron")

	base := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.Tick(context.Background())
	s.now = func() time.Time { return base.Add(time.Hour) }
	s.Tick(context.Background())

	assert.Equal(t, 0, runner.count())
}

func TestDeactivatedWorkflowPruned(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := newTestScheduler(st, runner)

	ctx := context.Background()
	wf := saveScheduled(t, st, schema.WorkflowStatusActive, "* * * * *")

	base := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.Tick(ctx)

	draft := schema.WorkflowStatusDraft
	require.NoError(t, st.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{Status: &draft}))

	s.now = func() time.Time { return base.Add(90 * time.Second) }
	s.Tick(ctx)
	assert.Equal(t, 0, runner.count())

	s.nextMu.Lock()
	_, tracked := s.next[wf.ID]
	s.nextMu.Unlock()
	assert.False(t, tracked)
}

func TestStartStop(t *testing.T) {
	st := store.NewMemoryStore()
	s := newTestScheduler(st, &fakeRunner{})

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))

	require.NoError(t, s.Stop())
	// Stop is idempotent once stopped.
	require.NoError(t, s.Stop())

	// Restartable after a clean stop.
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop())
}
