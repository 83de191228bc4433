package actions

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// entityOp is one CRUD operation over a record table. Create, update
// and delete are writes and go through the approval gate.
type entityOp struct {
	store store.Store
	table string
	op    string
}

// RecordTables are the tables exposed as workflow actions. The
// knowledge table has its own action surface.
var RecordTables = []string{"customers", "products", "conversations"}

// NewEntityActions builds the CRUD action set for every record table.
func NewEntityActions(st store.Store) []Action {
	ops := []string{"create", "get", "update", "list", "delete"}
	var acts []Action
	for _, table := range RecordTables {
		for _, op := range ops {
			acts = append(acts, &entityOp{store: st, table: table, op: op})
		}
	}
	return acts
}

func (a *entityOp) Type() string      { return a.table }
func (a *entityOp) Operation() string { return a.op }

func (a *entityOp) Mode() Mode {
	switch a.op {
	case "create", "update", "delete":
		return ModeWrite
	default:
		return ModeRead
	}
}

func (a *entityOp) Spec() Spec {
	spec := Spec{
		Type:      a.table,
		Operation: a.op,
		Mode:      a.Mode(),
	}
	switch a.op {
	case "create":
		spec.Description = fmt.Sprintf("Create a %s record.", singular(a.table))
		spec.Required = []ParamSpec{param("fields", "object", "field values for the new record")}
		spec.Example = map[string]any{"fields": map[string]any{"name": "Ada Lovelace"}}
	case "get":
		spec.Description = fmt.Sprintf("Fetch a %s record by id.", singular(a.table))
		spec.Required = []ParamSpec{param("id", "string", "record id")}
		spec.Example = map[string]any{"id": "{{steps.find.output.records[0].id}}"}
	case "update":
		spec.Description = fmt.Sprintf("Update fields on a %s record.", singular(a.table))
		spec.Required = []ParamSpec{
			param("id", "string", "record id"),
			param("fields", "object", "fields to merge into the record"),
		}
		spec.Example = map[string]any{"id": "cus_123", "fields": map[string]any{"plan": "pro"}}
	case "list":
		spec.Description = fmt.Sprintf("List %s records for the organization. "+
			"Paginated: pass the returned continueCursor back as cursor until isDone is true.", a.table)
		spec.Optional = []ParamSpec{
			param("limit", "number", "maximum records per page"),
			param("cursor", "string", "continueCursor from the previous page"),
		}
		spec.Example = map[string]any{"limit": 50}
	case "delete":
		spec.Description = fmt.Sprintf("Delete a %s record.", singular(a.table))
		spec.Required = []ParamSpec{param("id", "string", "record id")}
		spec.Example = map[string]any{"id": "cus_123"}
	}
	return spec
}

func (a *entityOp) Validate(params map[string]any) error {
	switch a.op {
	case "create":
		if mapParam(params, "fields") == nil {
			return schema.NewError(schema.ErrCodeValidation, `parameter "fields" is required`)
		}
	case "get", "delete":
		if _, err := requireString(params, "id"); err != nil {
			return err
		}
	case "update":
		if _, err := requireString(params, "id"); err != nil {
			return err
		}
		if mapParam(params, "fields") == nil {
			return schema.NewError(schema.ErrCodeValidation, `parameter "fields" is required`)
		}
	}
	return nil
}

func (a *entityOp) Execute(ctx context.Context, input Input) (*Output, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}

	switch a.op {
	case "create":
		ent := &store.Entity{
			ID:     uuid.NewString(),
			OrgID:  input.OrgID,
			Table:  a.table,
			Fields: mapParam(input.Params, "fields"),
		}
		if err := a.store.CreateEntity(ctx, a.table, ent); err != nil {
			return nil, err
		}
		return &Output{Data: entityData(ent)}, nil

	case "get":
		ent, err := a.fetch(ctx, input)
		if err != nil {
			return nil, err
		}
		return &Output{Data: entityData(ent)}, nil

	case "update":
		id := stringParam(input.Params, "id", "")
		if _, err := a.fetch(ctx, input); err != nil {
			return nil, err
		}
		if err := a.store.UpdateEntityFields(ctx, a.table, id, mapParam(input.Params, "fields")); err != nil {
			return nil, err
		}
		ent, err := a.store.GetEntity(ctx, a.table, id)
		if err != nil {
			return nil, err
		}
		return &Output{Data: entityData(ent)}, nil

	case "list":
		limit := intParam(input.Params, "limit", 100)
		if limit <= 0 {
			limit = 100
		}
		// One extra row tells us whether another page exists.
		ents, err := a.store.ListEntities(ctx, a.table, store.EntityFilter{
			OrgID:  input.OrgID,
			Limit:  limit + 1,
			Cursor: stringParam(input.Params, "cursor", ""),
		})
		if err != nil {
			return nil, err
		}
		isDone := true
		continueCursor := ""
		if len(ents) > limit {
			ents = ents[:limit]
			isDone = false
			continueCursor = ents[len(ents)-1].ID
		}
		records := make([]any, 0, len(ents))
		for _, ent := range ents {
			records = append(records, entityData(ent))
		}
		return &Output{Data: map[string]any{
			"records":        records,
			"count":          len(records),
			"isDone":         isDone,
			"continueCursor": continueCursor,
		}}, nil

	case "delete":
		id := stringParam(input.Params, "id", "")
		if _, err := a.fetch(ctx, input); err != nil {
			return nil, err
		}
		if err := a.store.DeleteEntity(ctx, a.table, id); err != nil {
			return nil, err
		}
		return &Output{Data: map[string]any{"deleted": true, "id": id}}, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeAction, "unknown entity operation %q", a.op)
}

// fetch loads the record and enforces organization scoping: a record
// from another organization is reported as not found.
func (a *entityOp) fetch(ctx context.Context, input Input) (*store.Entity, error) {
	id := stringParam(input.Params, "id", "")
	ent, err := a.store.GetEntity(ctx, a.table, id)
	if err != nil {
		return nil, err
	}
	if input.OrgID != "" && ent.OrgID != input.OrgID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", singular(a.table), id)
	}
	return ent, nil
}

// entityData is the record shape steps see: id plus fields, flattened.
func entityData(ent *store.Entity) map[string]any {
	data := make(map[string]any, len(ent.Fields)+2)
	for k, v := range ent.Fields {
		data[k] = v
	}
	data["id"] = ent.ID
	data["createdAt"] = ent.CreatedAt
	return data
}

func singular(table string) string {
	if len(table) > 1 && table[len(table)-1] == 's' {
		return table[:len(table)-1]
	}
	return table
}
