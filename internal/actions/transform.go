package actions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/loomhq/loom/pkg/schema"
)

// transformAction implements data.transform: run a jq program over the
// input value. Compiled programs are cached and reused across runs.
type transformAction struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewTransformAction creates the data.transform action.
func NewTransformAction() Action {
	return &transformAction{cache: make(map[string]*gojq.Code)}
}

func (a *transformAction) Type() string      { return "data" }
func (a *transformAction) Operation() string { return "transform" }
func (a *transformAction) Mode() Mode        { return ModeRead }

func (a *transformAction) Spec() Spec {
	return Spec{
		Type:        "data",
		Operation:   "transform",
		Mode:        ModeRead,
		Description: "Transform data with a jq program. Use this for reshaping, grouping and aggregation beyond what template filters cover.",
		Required: []ParamSpec{
			param("input", "any", "value to transform, usually a template reference"),
			param("query", "string", "jq program"),
		},
		Example: map[string]any{
			"input": "{{steps.find.output.records}}",
			"query": "group_by(.plan) | map({plan: .[0].plan, count: length})",
		},
	}
}

func (a *transformAction) Validate(params map[string]any) error {
	query, err := requireString(params, "query")
	if err != nil {
		return err
	}
	// Catch malformed programs at save time, not mid-run.
	_, err = a.getOrCompile(query)
	return err
}

func (a *transformAction) Execute(ctx context.Context, input Input) (*Output, error) {
	query, err := requireString(input.Params, "query")
	if err != nil {
		return nil, err
	}

	code, err := a.getOrCompile(query)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(input.Params["input"]))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if jerr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeAction,
				"jq evaluation failed for %q: %s", query, jerr.Error()).
				WithCause(jerr).
				WithDetails(map[string]any{"query": query})
		}
		results = append(results, val)
	}

	var data any
	switch len(results) {
	case 0:
		data = nil
	case 1:
		data = results[0]
	default:
		data = results
	}
	return &Output{Data: map[string]any{"result": data}}, nil
}

// getOrCompile returns a cached compiled program or compiles and
// caches a new one.
func (a *transformAction) getOrCompile(query string) (*gojq.Code, error) {
	a.mu.RLock()
	if code, ok := a.cache[query]; ok {
		a.mu.RUnlock()
		return code, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := a.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", query, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"query": query})
	}

	code, err := gojq.Compile(parsed,
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", query, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"query": query})
	}

	a.cache[query] = code
	return code, nil
}

// normalizeForJQ converts Go integer types to float64, which is jq's
// native number representation.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
