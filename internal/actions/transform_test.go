package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformReshapesData(t *testing.T) {
	ctx := context.Background()
	a := NewTransformAction()

	out, err := a.Execute(ctx, Input{Params: map[string]any{
		"input": []any{
			map[string]any{"plan": "pro", "mrr": float64(50)},
			map[string]any{"plan": "free", "mrr": float64(0)},
			map[string]any{"plan": "pro", "mrr": float64(80)},
		},
		"query": `map(select(.plan == "pro") | .mrr) | add`,
	}})
	require.NoError(t, err)
	assert.Equal(t, float64(130), out.Data.(map[string]any)["result"])
}

func TestTransformMultipleOutputsCollect(t *testing.T) {
	ctx := context.Background()
	a := NewTransformAction()

	out, err := a.Execute(ctx, Input{Params: map[string]any{
		"input": []any{float64(1), float64(2), float64(3)},
		"query": ".[]",
	}})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, out.Data.(map[string]any)["result"])
}

func TestTransformValidateCatchesBadQuery(t *testing.T) {
	a := NewTransformAction()

	assert.Error(t, a.Validate(map[string]any{"query": ".foo | ("}))
	assert.Error(t, a.Validate(map[string]any{}))
	assert.NoError(t, a.Validate(map[string]any{"query": ".foo"}))
}

func TestTransformRuntimeErrorIsCoded(t *testing.T) {
	ctx := context.Background()
	a := NewTransformAction()

	_, err := a.Execute(ctx, Input{Params: map[string]any{
		"input": "not an array",
		"query": ".[] | .name",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jq evaluation failed")
}

func TestTransformNormalizesIntegers(t *testing.T) {
	ctx := context.Background()
	a := NewTransformAction()

	out, err := a.Execute(ctx, Input{Params: map[string]any{
		"input": map[string]any{"count": 3},
		"query": ".count * 2",
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 6, out.Data.(map[string]any)["result"])
}
