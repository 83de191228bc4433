package actions

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// NewKnowledgeActions builds the knowledge base action pair. Articles
// live in the knowledge entity table with title, content and tags fields.
func NewKnowledgeActions(st store.Store) []Action {
	return []Action{
		&knowledgeSearchAction{store: st},
		&knowledgeSaveAction{store: st},
	}
}

const knowledgeTable = "knowledge"

// knowledgeSearchAction implements knowledge.search: case-insensitive
// term matching over article titles, content and tags, ranked by hit
// count. Good enough for the corpus sizes a single organization has.
type knowledgeSearchAction struct {
	store store.Store
}

func (a *knowledgeSearchAction) Type() string      { return "knowledge" }
func (a *knowledgeSearchAction) Operation() string { return "search" }
func (a *knowledgeSearchAction) Mode() Mode        { return ModeRead }

func (a *knowledgeSearchAction) Spec() Spec {
	return Spec{
		Type:        "knowledge",
		Operation:   "search",
		Mode:        ModeRead,
		Description: "Search the organization's knowledge base articles.",
		Required: []ParamSpec{
			param("query", "string", "search terms"),
		},
		Optional: []ParamSpec{
			param("limit", "number", "maximum articles to return (default 5)"),
		},
		Example: map[string]any{"query": "refund policy"},
	}
}

func (a *knowledgeSearchAction) Validate(params map[string]any) error {
	_, err := requireString(params, "query")
	return err
}

func (a *knowledgeSearchAction) Execute(ctx context.Context, input Input) (*Output, error) {
	query, err := requireString(input.Params, "query")
	if err != nil {
		return nil, err
	}
	limit := intParam(input.Params, "limit", 5)

	ents, err := a.store.ListEntities(ctx, knowledgeTable, store.EntityFilter{OrgID: input.OrgID})
	if err != nil {
		return nil, err
	}

	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		ent   *store.Entity
		score int
	}
	var matches []scored
	for _, ent := range ents {
		haystack := strings.ToLower(
			stringParam(ent.Fields, "title", "") + " " +
				stringParam(ent.Fields, "content", "") + " " +
				strings.Join(stringSliceParam(ent.Fields, "tags"), " "))
		score := 0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{ent: ent, score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > limit {
		matches = matches[:limit]
	}

	articles := make([]any, 0, len(matches))
	for _, m := range matches {
		articles = append(articles, entityData(m.ent))
	}
	return &Output{Data: map[string]any{
		"articles": articles,
		"count":    len(articles),
	}}, nil
}

// knowledgeSaveAction implements knowledge.save, a gated write.
type knowledgeSaveAction struct {
	store store.Store
}

func (a *knowledgeSaveAction) Type() string      { return "knowledge" }
func (a *knowledgeSaveAction) Operation() string { return "save" }
func (a *knowledgeSaveAction) Mode() Mode        { return ModeWrite }

func (a *knowledgeSaveAction) Spec() Spec {
	return Spec{
		Type:        "knowledge",
		Operation:   "save",
		Mode:        ModeWrite,
		Description: "Save an article to the organization's knowledge base.",
		Required: []ParamSpec{
			param("title", "string", "article title"),
			param("content", "string", "article body"),
		},
		Optional: []ParamSpec{
			param("tags", "array", "tags for retrieval"),
		},
		Example: map[string]any{
			"title":   "Win-back playbook",
			"content": "Steps for re-engaging churned pro customers...",
			"tags":    []any{"churn", "playbook"},
		},
	}
}

func (a *knowledgeSaveAction) Validate(params map[string]any) error {
	if _, err := requireString(params, "title"); err != nil {
		return err
	}
	_, err := requireString(params, "content")
	return err
}

func (a *knowledgeSaveAction) Execute(ctx context.Context, input Input) (*Output, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	if input.OrgID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "organization id is required")
	}

	fields := map[string]any{
		"title":   stringParam(input.Params, "title", ""),
		"content": stringParam(input.Params, "content", ""),
	}
	if tags := stringSliceParam(input.Params, "tags"); len(tags) > 0 {
		fields["tags"] = tags
	}

	ent := &store.Entity{
		ID:     uuid.NewString(),
		OrgID:  input.OrgID,
		Table:  knowledgeTable,
		Fields: fields,
	}
	if err := a.store.CreateEntity(ctx, knowledgeTable, ent); err != nil {
		return nil, err
	}
	return &Output{Data: entityData(ent)}, nil
}
