package actions

import (
	"context"
	"time"
)

// UnprocessedQuery selects records a workflow has not yet handled.
type UnprocessedQuery struct {
	OrgID            string `json:"org_id"`
	WorkflowID       string `json:"workflow_id"`
	Table            string `json:"table"`
	FilterExpression string `json:"filter_expression,omitempty"`
	BackoffHours     int    `json:"backoff_hours,omitempty"`
	Limit            int    `json:"limit,omitempty"`
}

// Tracker claims and marks records for per-workflow deduplication.
// A zero processedAt stamps the marker with the current time.
type Tracker interface {
	FindUnprocessed(ctx context.Context, q UnprocessedQuery) ([]map[string]any, error)
	RecordProcessed(ctx context.Context, orgID, workflowID, table, recordID string, processedAt time.Time) error
}

// findUnprocessedAction implements records.find_unprocessed. The claim
// happens inside the tracker, so two concurrent runs never receive the
// same record.
type findUnprocessedAction struct {
	tracker Tracker
}

// recordProcessedAction implements records.record_processed.
type recordProcessedAction struct {
	tracker Tracker
}

// NewRecordActions builds the deduplication action pair.
func NewRecordActions(tracker Tracker) []Action {
	return []Action{
		&findUnprocessedAction{tracker: tracker},
		&recordProcessedAction{tracker: tracker},
	}
}

func (a *findUnprocessedAction) Type() string      { return "records" }
func (a *findUnprocessedAction) Operation() string { return "find_unprocessed" }
func (a *findUnprocessedAction) Mode() Mode        { return ModeRead }

func (a *findUnprocessedAction) Spec() Spec {
	return Spec{
		Type:      "records",
		Operation: "find_unprocessed",
		Mode:      ModeRead,
		Description: "Find and claim records this workflow has not processed yet. " +
			"Claimed records are reserved so concurrent runs never pick the same one. " +
			"Returns isDone: true when nothing is left to process.",
		Required: []ParamSpec{
			param("table", "string", "record table to scan (customers, products, conversations)"),
		},
		Optional: []ParamSpec{
			param("filterExpression", "string", "expression over record fields, e.g. plan == \"pro\""),
			param("backoffHours", "number", "re-eligibility window; 0 means processed records never return"),
			param("limit", "number", "records to claim per call (default 1)"),
		},
		Example: map[string]any{
			"table":            "customers",
			"filterExpression": `plan == "pro"`,
			"limit":            1,
		},
	}
}

func (a *findUnprocessedAction) Validate(params map[string]any) error {
	_, err := requireString(params, "table")
	return err
}

func (a *findUnprocessedAction) Execute(ctx context.Context, input Input) (*Output, error) {
	table, err := requireString(input.Params, "table")
	if err != nil {
		return nil, err
	}

	records, err := a.tracker.FindUnprocessed(ctx, UnprocessedQuery{
		OrgID:            input.OrgID,
		WorkflowID:       input.WorkflowID,
		Table:            table,
		FilterExpression: stringParam(input.Params, "filterExpression", ""),
		BackoffHours:     intParam(input.Params, "backoffHours", 0),
		Limit:            intParam(input.Params, "limit", 1),
	})
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	return &Output{Data: map[string]any{
		"records": out,
		"count":   len(out),
		"isDone":  len(out) == 0,
	}}, nil
}

func (a *recordProcessedAction) Type() string      { return "records" }
func (a *recordProcessedAction) Operation() string { return "record_processed" }

// Processing markers are engine bookkeeping, not tenant-visible data
// changes, so they bypass the approval gate.
func (a *recordProcessedAction) Mode() Mode { return ModeRead }

func (a *recordProcessedAction) Spec() Spec {
	return Spec{
		Type:      "records",
		Operation: "record_processed",
		Mode:      ModeRead,
		Description: "Mark a record as processed by this workflow so future " +
			"find_unprocessed calls skip it.",
		Required: []ParamSpec{
			param("table", "string", "record table"),
			param("id", "string", "record id"),
		},
		Optional: []ParamSpec{
			param("recordCreationTime", "string", "RFC 3339 timestamp to stamp instead of now, for records handled before tracking began"),
		},
		Example: map[string]any{
			"table": "customers",
			"id":    "{{steps.find.output.records[0].id}}",
		},
	}
}

func (a *recordProcessedAction) Validate(params map[string]any) error {
	if _, err := requireString(params, "table"); err != nil {
		return err
	}
	if _, err := requireString(params, "id"); err != nil {
		return err
	}
	_, err := timeParam(params, "recordCreationTime")
	return err
}

func (a *recordProcessedAction) Execute(ctx context.Context, input Input) (*Output, error) {
	table, err := requireString(input.Params, "table")
	if err != nil {
		return nil, err
	}
	id, err := requireString(input.Params, "id")
	if err != nil {
		return nil, err
	}
	processedAt, err := timeParam(input.Params, "recordCreationTime")
	if err != nil {
		return nil, err
	}

	if err := a.tracker.RecordProcessed(ctx, input.OrgID, input.WorkflowID, table, id, processedAt); err != nil {
		return nil, err
	}
	return &Output{Data: map[string]any{"recorded": true, "id": id}}, nil
}
