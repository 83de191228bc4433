package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/store"
)

func entityAction(t *testing.T, st store.Store, table, op string) Action {
	t.Helper()
	for _, a := range NewEntityActions(st) {
		if a.Type() == table && a.Operation() == op {
			return a
		}
	}
	t.Fatalf("no %s.%s action", table, op)
	return nil
}

func TestEntityCreateAndGet(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	create := entityAction(t, st, "customers", "create")
	out, err := create.Execute(ctx, Input{
		OrgID:  "org_1",
		Params: map[string]any{"fields": map[string]any{"name": "Ada", "plan": "pro"}},
	})
	require.NoError(t, err)
	created := out.Data.(map[string]any)
	id := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "Ada", created["name"])

	get := entityAction(t, st, "customers", "get")
	out, err = get.Execute(ctx, Input{OrgID: "org_1", Params: map[string]any{"id": id}})
	require.NoError(t, err)
	assert.Equal(t, "pro", out.Data.(map[string]any)["plan"])
}

func TestEntityGetScopedToOrganization(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	create := entityAction(t, st, "customers", "create")
	out, err := create.Execute(ctx, Input{
		OrgID:  "org_1",
		Params: map[string]any{"fields": map[string]any{"name": "Ada"}},
	})
	require.NoError(t, err)
	id := out.Data.(map[string]any)["id"].(string)

	get := entityAction(t, st, "customers", "get")
	_, err = get.Execute(ctx, Input{OrgID: "org_2", Params: map[string]any{"id": id}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestEntityUpdateMergesFields(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	create := entityAction(t, st, "products", "create")
	out, err := create.Execute(ctx, Input{
		OrgID:  "org_1",
		Params: map[string]any{"fields": map[string]any{"sku": "W-1", "price": float64(10)}},
	})
	require.NoError(t, err)
	id := out.Data.(map[string]any)["id"].(string)

	update := entityAction(t, st, "products", "update")
	out, err = update.Execute(ctx, Input{
		OrgID:  "org_1",
		Params: map[string]any{"id": id, "fields": map[string]any{"price": float64(12)}},
	})
	require.NoError(t, err)
	data := out.Data.(map[string]any)
	assert.Equal(t, float64(12), data["price"])
	assert.Equal(t, "W-1", data["sku"])
}

func TestEntityListAndDelete(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	create := entityAction(t, st, "conversations", "create")
	for _, subject := range []string{"refund", "upgrade"} {
		_, err := create.Execute(ctx, Input{
			OrgID:  "org_1",
			Params: map[string]any{"fields": map[string]any{"subject": subject}},
		})
		require.NoError(t, err)
	}

	list := entityAction(t, st, "conversations", "list")
	out, err := list.Execute(ctx, Input{OrgID: "org_1", Params: map[string]any{}})
	require.NoError(t, err)
	data := out.Data.(map[string]any)
	require.Equal(t, 2, data["count"])

	records := data["records"].([]any)
	id := records[0].(map[string]any)["id"].(string)

	del := entityAction(t, st, "conversations", "delete")
	out, err = del.Execute(ctx, Input{OrgID: "org_1", Params: map[string]any{"id": id}})
	require.NoError(t, err)
	assert.Equal(t, true, out.Data.(map[string]any)["deleted"])

	out, err = list.Execute(ctx, Input{OrgID: "org_1", Params: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Data.(map[string]any)["count"])
}

func TestEntityListPaginates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	create := entityAction(t, st, "customers", "create")
	for _, name := range []string{"Ada", "Grace", "Edsger", "Barbara", "Donald"} {
		_, err := create.Execute(ctx, Input{
			OrgID:  "org_1",
			Params: map[string]any{"fields": map[string]any{"name": name}},
		})
		require.NoError(t, err)
	}

	list := entityAction(t, st, "customers", "list")
	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		params := map[string]any{"limit": float64(2)}
		if cursor != "" {
			params["cursor"] = cursor
		}
		out, err := list.Execute(ctx, Input{OrgID: "org_1", Params: params})
		require.NoError(t, err)
		data := out.Data.(map[string]any)
		pages++

		for _, rec := range data["records"].([]any) {
			id := rec.(map[string]any)["id"].(string)
			assert.False(t, seen[id], "record %s returned twice", id)
			seen[id] = true
		}
		if data["isDone"].(bool) {
			assert.Equal(t, "", data["continueCursor"])
			break
		}
		cursor = data["continueCursor"].(string)
		require.NotEmpty(t, cursor)
	}

	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 5)

	// A cursor whose record vanished ends the walk with an empty page.
	out, err := list.Execute(ctx, Input{
		OrgID:  "org_1",
		Params: map[string]any{"cursor": "cus_gone"},
	})
	require.NoError(t, err)
	data := out.Data.(map[string]any)
	assert.Equal(t, 0, data["count"])
	assert.Equal(t, true, data["isDone"])
}

func TestEntityValidateMissingParams(t *testing.T) {
	st := store.NewMemoryStore()

	assert.Error(t, entityAction(t, st, "customers", "create").Validate(map[string]any{}))
	assert.Error(t, entityAction(t, st, "customers", "get").Validate(map[string]any{}))
	assert.Error(t, entityAction(t, st, "customers", "update").Validate(map[string]any{"id": "x"}))
	assert.NoError(t, entityAction(t, st, "customers", "list").Validate(map[string]any{}))
}

func TestKnowledgeSaveAndSearch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	acts := NewKnowledgeActions(st)
	save, search := acts[1], acts[0]

	_, err := save.Execute(ctx, Input{
		OrgID: "org_1",
		Params: map[string]any{
			"title":   "Refund policy",
			"content": "Refunds are allowed within 30 days.",
			"tags":    []any{"billing"},
		},
	})
	require.NoError(t, err)
	_, err = save.Execute(ctx, Input{
		OrgID: "org_1",
		Params: map[string]any{
			"title":   "Onboarding checklist",
			"content": "Steps for new customers.",
		},
	})
	require.NoError(t, err)

	out, err := search.Execute(ctx, Input{
		OrgID:  "org_1",
		Params: map[string]any{"query": "refund billing"},
	})
	require.NoError(t, err)
	data := out.Data.(map[string]any)
	require.Equal(t, 1, data["count"])
	article := data["articles"].([]any)[0].(map[string]any)
	assert.Equal(t, "Refund policy", article["title"])

	// Other organizations never see the articles.
	out, err = search.Execute(ctx, Input{
		OrgID:  "org_2",
		Params: map[string]any{"query": "refund"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Data.(map[string]any)["count"])
}
