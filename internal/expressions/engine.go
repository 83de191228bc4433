package expressions

import (
	"context"

	"github.com/loomhq/loom/pkg/schema"
)

// Engine evaluates boolean/path expressions against a run scope.
// Two implementations: Expr (default) and CEL (opt-in per condition step).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates an expression and coerces the result to a boolean.
// Nil results are false; non-boolean results are an error so a condition
// step never silently routes on a malformed expression.
func EvaluateBool(ctx context.Context, eng Engine, expression string, data map[string]any) (bool, error) {
	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeTemplate,
			"expression %q produced %T, expected boolean", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
}
