package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/store"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewTransformAction()))

	a, err := r.Get("data", "transform")
	require.NoError(t, err)
	assert.Equal(t, ModeRead, a.Mode())

	_, err = r.Get("data", "missing")
	assert.Error(t, err)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewTransformAction()))
	assert.Error(t, r.Register(NewTransformAction()))
}

func TestRegistryHas(t *testing.T) {
	r := NewRegistry()
	st := store.NewMemoryStore()
	require.NoError(t, r.RegisterAll(NewEntityActions(st)...))

	assert.True(t, r.Has("customers", "update"))
	assert.True(t, r.Has("conversations", "list"))
	assert.False(t, r.Has("customers", "merge"))
	assert.False(t, r.Has("invoices", "create"))
}

func TestRegistryCatalogSortedAndComplete(t *testing.T) {
	r := NewRegistry()
	st := store.NewMemoryStore()
	require.NoError(t, r.RegisterAll(NewEntityActions(st)...))
	require.NoError(t, r.RegisterAll(NewKnowledgeActions(st)...))
	require.NoError(t, r.Register(NewTransformAction()))

	catalog := r.Catalog()
	require.Len(t, catalog, r.Count())
	for i := 1; i < len(catalog); i++ {
		prev, cur := catalog[i-1], catalog[i]
		ordered := prev.Type < cur.Type || (prev.Type == cur.Type && prev.Operation < cur.Operation)
		assert.True(t, ordered, "catalog out of order at %d: %s.%s after %s.%s",
			i, cur.Type, cur.Operation, prev.Type, prev.Operation)
	}
	for _, spec := range catalog {
		assert.NotEmpty(t, spec.Description, "%s.%s has no description", spec.Type, spec.Operation)
		assert.NotEmpty(t, spec.Example, "%s.%s has no example", spec.Type, spec.Operation)
	}
}

func TestWriteOperationsAreClassified(t *testing.T) {
	st := store.NewMemoryStore()
	writes := map[string]bool{"create": true, "update": true, "delete": true}
	for _, a := range NewEntityActions(st) {
		want := ModeRead
		if writes[a.Operation()] {
			want = ModeWrite
		}
		assert.Equal(t, want, a.Mode(), "%s.%s", a.Type(), a.Operation())
	}
}

func TestEntityActionsCoverAllTables(t *testing.T) {
	st := store.NewMemoryStore()
	acts := NewEntityActions(st)
	require.Len(t, acts, len(RecordTables)*5)

	for _, a := range acts {
		_, ok := store.EntityTables[a.Type()]
		assert.True(t, ok, "action table %q not in allowlist", a.Type())
	}
}
