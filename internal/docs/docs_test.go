package docs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoriesSortedAndComplete(t *testing.T) {
	cats := Categories()
	assert.Equal(t, []string{
		"action", "common_patterns", "condition", "llm",
		"loop", "quick_start", "start", "variables",
	}, cats)
}

func TestSyntaxLookup(t *testing.T) {
	doc, ok := Syntax("loop")
	require.True(t, ok)
	assert.Contains(t, doc, "maxIterations")
	assert.Contains(t, doc, "continueOnError")

	_, ok = Syntax("nonsense")
	assert.False(t, ok)
}

func TestEveryCategoryHasContent(t *testing.T) {
	for _, cat := range Categories() {
		doc, ok := Syntax(cat)
		require.True(t, ok, cat)
		assert.NotEmpty(t, doc, cat)
	}
}
