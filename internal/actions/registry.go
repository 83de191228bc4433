package actions

import (
	"sort"
	"sync"

	"github.com/loomhq/loom/pkg/schema"
)

// Registry is the thread-safe action lookup keyed by type.operation.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

func actionKey(actionType, operation string) string {
	if operation == "" {
		return actionType
	}
	return actionType + "." + operation
}

// Register adds an action. Returns an error on duplicate registration.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	if action.Type() == "" {
		return schema.NewError(schema.ErrCodeValidation, "action type is empty")
	}
	key := actionKey(action.Type(), action.Operation())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", key)
	}
	r.actions[key] = action
	return nil
}

// RegisterAll registers a batch, stopping at the first failure.
func (r *Registry) RegisterAll(acts ...Action) error {
	for _, a := range acts {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves an action by type and operation.
func (r *Registry) Get(actionType, operation string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[actionKey(actionType, operation)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"action %q not registered", actionKey(actionType, operation))
	}
	return action, nil
}

// Has reports whether an action is registered. Satisfies the
// validation.ActionLookup contract.
func (r *Registry) Has(actionType, operation string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[actionKey(actionType, operation)]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// Catalog returns the specs of all registered actions, sorted by
// type then operation.
func (r *Registry) Catalog() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.actions))
	for _, a := range r.actions {
		specs = append(specs, a.Spec())
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Type != specs[j].Type {
			return specs[i].Type < specs[j].Type
		}
		return specs[i].Operation < specs[j].Operation
	})
	return specs
}
