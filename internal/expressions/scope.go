package expressions

import (
	"encoding/json"
	"sync"
)

// Scope holds all data visible to templates and expressions during a run:
// step outputs under steps.<slug>.output, workflow-level variables, and
// the innermost active loop's bindings. Step outputs are frozen on
// insert (deep-copied); loop bindings are replaced each iteration.
type Scope struct {
	mu    sync.RWMutex
	steps map[string]any // slug -> {"output": ...}
	vars  map[string]any // workflow-level variables
	loop  map[string]any // innermost loop's bindings, nil outside a loop
}

// NewScope creates a Scope seeded with the workflow's initial variables.
// The variables map is deep-copied to prevent external mutation.
func NewScope(initialVars map[string]any) *Scope {
	return &Scope{
		steps: make(map[string]any),
		vars:  deepCopyMap(initialVars),
	}
}

// SetStepOutput records a completed step's output under its slug.
// Re-running a step (loop re-entry, retry after error edge) overwrites
// the previous output; later steps always see the latest run.
func (s *Scope) SetStepOutput(slug string, output any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[slug] = map[string]any{"output": deepCopyAny(output)}
}

// SetVar sets a workflow-level variable.
func (s *Scope) SetVar(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vars == nil {
		s.vars = make(map[string]any)
	}
	s.vars[key] = deepCopyAny(value)
}

// DeleteVar removes a workflow-level variable.
func (s *Scope) DeleteVar(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars, key)
}

// Var reads a workflow-level variable.
func (s *Scope) Var(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[key]
	return v, ok
}

// SetLoop installs the innermost loop's iteration bindings, exposed to
// expressions under the "loop" namespace and flattened to top level.
// Each iteration replaces the previous bindings wholesale; when a nested
// loop closes, its parent reinstalls its own.
func (s *Scope) SetLoop(bindings map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop = deepCopyMap(bindings)
}

// ClearLoop removes the loop bindings after the last active loop closes.
func (s *Scope) ClearLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop = nil
}

// Data builds the flat evaluation environment. Step outputs are exposed
// under "steps"; workflow variables and loop bindings are flattened to
// top level (loop bindings win on collision) and also grouped under
// "workflow" and "loop" for engines with declared namespaces.
func (s *Scope) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := make(map[string]any, len(s.vars)+len(s.loop)+3)
	for k, v := range s.vars {
		data[k] = v
	}
	for k, v := range s.loop {
		data[k] = v
	}
	data["steps"] = deepCopyMap(s.steps)
	data["workflow"] = deepCopyMap(s.vars)
	if s.loop != nil {
		data["loop"] = deepCopyMap(s.loop)
	}
	return data
}

// scopeSnapshot is the persisted form of a Scope, written to the run
// record when a run suspends on an approval.
type scopeSnapshot struct {
	Steps map[string]any `json:"steps"`
	Vars  map[string]any `json:"vars,omitempty"`
	Loop  map[string]any `json:"loop,omitempty"`
}

// Snapshot serializes the scope for suspend/resume.
func (s *Scope) Snapshot() (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(scopeSnapshot{Steps: s.steps, Vars: s.vars, Loop: s.loop})
}

// RestoreScope rebuilds a Scope from a snapshot taken by Snapshot.
func RestoreScope(raw json.RawMessage) (*Scope, error) {
	var snap scopeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	sc := &Scope{
		steps: snap.Steps,
		vars:  snap.Vars,
		loop:  snap.Loop,
	}
	if sc.steps == nil {
		sc.steps = make(map[string]any)
	}
	return sc, nil
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Primitives are value types and pass through unchanged.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
