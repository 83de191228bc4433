package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/store"
)

func TestResolveRefs(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "org-1", "API_KEY", []byte("sk-999")))

	params := map[string]any{
		"url":    "https://api.example.com",
		"apiKey": "${{secrets.API_KEY}}",
		"headers": map[string]any{
			"Authorization": "Bearer ${{secrets.API_KEY}}",
		},
		"tags":  []any{"a", "${{secrets.API_KEY}}"},
		"limit": 5,
	}

	out, err := ResolveRefs(ctx, v, "org-1", params)
	require.NoError(t, err)
	assert.Equal(t, "sk-999", out["apiKey"])
	assert.Equal(t, "Bearer sk-999", out["headers"].(map[string]any)["Authorization"])
	assert.Equal(t, "sk-999", out["tags"].([]any)[1])
	assert.Equal(t, 5, out["limit"])

	// The input map is untouched.
	assert.Equal(t, "${{secrets.API_KEY}}", params["apiKey"])
}

func TestResolveRefsMissingSecret(t *testing.T) {
	v, _ := newTestVault(t)

	_, err := ResolveRefs(context.Background(), v, "org-1", map[string]any{
		"apiKey": "${{secrets.NOPE}}",
	})
	require.Error(t, err)
}

func TestResolveRefsNilVault(t *testing.T) {
	ctx := context.Background()

	// No references: nil vault is fine.
	out, err := ResolveRefs(ctx, nil, "org-1", map[string]any{"plan": "pro"})
	require.NoError(t, err)
	assert.Equal(t, "pro", out["plan"])

	// A reference without a vault is an error.
	_, err = ResolveRefs(ctx, nil, "org-1", map[string]any{"key": "${{secrets.X}}"})
	require.Error(t, err)
}

func TestHasRefs(t *testing.T) {
	assert.True(t, HasRefs("${{secrets.API_KEY}}"))
	assert.True(t, HasRefs("Bearer ${{ secrets.TOKEN }}"))
	assert.False(t, HasRefs("{{steps.fetch.output.key}}"))
	assert.False(t, HasRefs("plain"))
}

func TestVaultStoreInterface(t *testing.T) {
	// store.Store satisfies SecretStore.
	var _ SecretStore = store.NewMemoryStore()
}
