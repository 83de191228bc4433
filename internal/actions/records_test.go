package actions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTracker records calls and serves canned results.
type fakeTracker struct {
	lastQuery       UnprocessedQuery
	results         []map[string]any
	processed       []string
	lastProcessedAt time.Time
}

func (f *fakeTracker) FindUnprocessed(_ context.Context, q UnprocessedQuery) ([]map[string]any, error) {
	f.lastQuery = q
	return f.results, nil
}

func (f *fakeTracker) RecordProcessed(_ context.Context, _, _, _, recordID string, processedAt time.Time) error {
	f.processed = append(f.processed, recordID)
	f.lastProcessedAt = processedAt
	return nil
}

func TestFindUnprocessedPassesQueryThrough(t *testing.T) {
	ctx := context.Background()
	tracker := &fakeTracker{results: []map[string]any{{"id": "cus_1", "name": "Ada"}}}
	find := NewRecordActions(tracker)[0]

	out, err := find.Execute(ctx, Input{
		OrgID:      "org_1",
		WorkflowID: "wf_1",
		Params: map[string]any{
			"table":            "customers",
			"filterExpression": `plan == "pro"`,
			"backoffHours":     float64(24),
			"limit":            float64(2),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, UnprocessedQuery{
		OrgID:            "org_1",
		WorkflowID:       "wf_1",
		Table:            "customers",
		FilterExpression: `plan == "pro"`,
		BackoffHours:     24,
		Limit:            2,
	}, tracker.lastQuery)

	data := out.Data.(map[string]any)
	assert.Equal(t, 1, data["count"])
	assert.Equal(t, false, data["isDone"])
}

func TestFindUnprocessedIsDoneWhenEmpty(t *testing.T) {
	ctx := context.Background()
	find := NewRecordActions(&fakeTracker{})[0]

	out, err := find.Execute(ctx, Input{OrgID: "org_1", Params: map[string]any{"table": "customers"}})
	require.NoError(t, err)

	data := out.Data.(map[string]any)
	assert.Equal(t, true, data["isDone"])
	assert.Equal(t, 0, data["count"])
}

func TestFindUnprocessedDefaultsLimitToOne(t *testing.T) {
	ctx := context.Background()
	tracker := &fakeTracker{}
	find := NewRecordActions(tracker)[0]

	_, err := find.Execute(ctx, Input{OrgID: "org_1", Params: map[string]any{"table": "customers"}})
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.lastQuery.Limit)
}

func TestRecordProcessed(t *testing.T) {
	ctx := context.Background()
	tracker := &fakeTracker{}
	mark := NewRecordActions(tracker)[1]

	// Marker writes bypass the approval gate.
	assert.Equal(t, ModeRead, mark.Mode())

	out, err := mark.Execute(ctx, Input{
		OrgID:      "org_1",
		WorkflowID: "wf_1",
		Params:     map[string]any{"table": "customers", "id": "cus_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cus_1"}, tracker.processed)
	assert.True(t, tracker.lastProcessedAt.IsZero())
	assert.Equal(t, true, out.Data.(map[string]any)["recorded"])

	assert.Error(t, mark.Validate(map[string]any{"table": "customers"}))
}

func TestRecordProcessedWithCreationTime(t *testing.T) {
	ctx := context.Background()
	tracker := &fakeTracker{}
	mark := NewRecordActions(tracker)[1]

	_, err := mark.Execute(ctx, Input{
		OrgID:      "org_1",
		WorkflowID: "wf_1",
		Params: map[string]any{
			"table":              "customers",
			"id":                 "cus_2",
			"recordCreationTime": "2026-01-15T09:30:00Z",
		},
	})
	require.NoError(t, err)
	want := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
	assert.True(t, tracker.lastProcessedAt.Equal(want))

	_, err = mark.Execute(ctx, Input{
		OrgID:      "org_1",
		WorkflowID: "wf_1",
		Params: map[string]any{
			"table":              "customers",
			"id":                 "cus_2",
			"recordCreationTime": "yesterday",
		},
	})
	require.Error(t, err)
	assert.Error(t, mark.Validate(map[string]any{
		"table": "customers", "id": "cus_2", "recordCreationTime": "yesterday",
	}))
}
