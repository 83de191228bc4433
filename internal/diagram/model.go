// Package diagram renders workflow definitions as Mermaid flowcharts,
// optionally overlaid with a run's per-step state.
package diagram

// NodeKind classifies a diagram node by its step type.
type NodeKind string

const (
	NodeKindStart     NodeKind = "start"
	NodeKindLLM       NodeKind = "llm"
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
)

// Model is the intermediate representation handed to the renderer.
type Model struct {
	Title string
	Nodes []Node
	Edges []Edge
}

// Node is a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status string // completed, failed, running, suspended; empty when no overlay
}

// Edge is an outcome-labeled transition between two steps.
type Edge struct {
	From  string
	To    string
	Label string
}
