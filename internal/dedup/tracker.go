// Package dedup keeps per-workflow processing markers on entity records
// so polling workflows never handle the same record twice.
package dedup

import (
	"context"
	"time"

	"github.com/loomhq/loom/internal/actions"
	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// MarkerKey is the metadata key a workflow stamps on records it has
// processed.
func MarkerKey(workflowID string) string {
	return "workflow_" + workflowID + "_lastProcessedAt"
}

// Tracker implements record deduplication over the store's marker
// primitives. The claim is a single conditional write, so concurrent
// runs of the same workflow cannot both receive a record.
type Tracker struct {
	store  store.Store
	engine expressions.Engine
	now    func() time.Time
}

// NewTracker creates a Tracker using the expr engine for filter
// expressions.
func NewTracker(st store.Store) *Tracker {
	return &Tracker{
		store:  st,
		engine: expressions.NewExprEngine(),
		now:    time.Now,
	}
}

// FindUnprocessed scans the table for records this workflow has not
// processed (or whose backoff window has lapsed), applies the filter
// expression, and claims up to Limit records. Claimed records carry the
// marker immediately: a crash between claim and processing means the
// record waits out the backoff window rather than being double-handled.
func (t *Tracker) FindUnprocessed(ctx context.Context, q actions.UnprocessedQuery) ([]map[string]any, error) {
	if q.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required to track processing")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1
	}

	now := t.now().UTC()
	// backoffHours 0 means processed records never become eligible
	// again: only an absent marker passes the claim.
	cutoff := time.Unix(0, 0)
	if q.BackoffHours > 0 {
		cutoff = now.Add(-time.Duration(q.BackoffHours) * time.Hour)
	}

	ents, err := t.store.ListEntities(ctx, q.Table, store.EntityFilter{OrgID: q.OrgID})
	if err != nil {
		return nil, err
	}

	key := MarkerKey(q.WorkflowID)
	var out []map[string]any
	for _, ent := range ents {
		if len(out) >= limit {
			break
		}
		if !eligible(ent, key, cutoff) {
			continue
		}

		if q.FilterExpression != "" {
			match, ferr := expressions.EvaluateBool(ctx, t.engine, q.FilterExpression, filterEnv(ent))
			if ferr != nil {
				return nil, ferr
			}
			if !match {
				continue
			}
		}

		claimed, cerr := t.store.ClaimEntityMarker(ctx, q.Table, ent.ID, key, cutoff, now)
		if cerr != nil {
			return nil, cerr
		}
		if !claimed {
			// Another run got there first.
			continue
		}
		out = append(out, recordData(ent))
	}
	return out, nil
}

// RecordProcessed stamps the marker. Called after a record's handling
// completes; overwrites the claim timestamp so the backoff window
// starts from completion, not selection. A zero processedAt stamps the
// current time; an explicit time backdates the marker for records
// handled before tracking began.
func (t *Tracker) RecordProcessed(ctx context.Context, _, workflowID, table, recordID string, processedAt time.Time) error {
	if workflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is required to track processing")
	}
	if processedAt.IsZero() {
		processedAt = t.now()
	}
	return t.store.SetEntityMarker(ctx, table, recordID, MarkerKey(workflowID), processedAt.UTC())
}

// eligible does the pre-claim marker check locally to avoid burning a
// conditional write on records that obviously fail.
func eligible(ent *store.Entity, key string, cutoff time.Time) bool {
	raw, exists := ent.Metadata[key]
	if !exists {
		return true
	}
	var millis int64
	switch n := raw.(type) {
	case int64:
		millis = n
	case float64:
		millis = int64(n)
	case int:
		millis = int64(n)
	default:
		return true
	}
	return millis <= cutoff.UnixMilli()
}

// filterEnv is the expression environment: the record's fields plus id.
func filterEnv(ent *store.Entity) map[string]any {
	env := make(map[string]any, len(ent.Fields)+2)
	for k, v := range ent.Fields {
		env[k] = v
	}
	env["id"] = ent.ID
	env["createdAt"] = ent.CreatedAt
	return env
}

func recordData(ent *store.Entity) map[string]any {
	data := make(map[string]any, len(ent.Fields)+2)
	for k, v := range ent.Fields {
		data[k] = v
	}
	data["id"] = ent.ID
	data["createdAt"] = ent.CreatedAt
	return data
}

var _ actions.Tracker = (*Tracker)(nil)
