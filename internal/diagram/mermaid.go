package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart string.
func RenderMermaid(m *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if m.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", m.Title))
	}

	for _, node := range m.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", nodeDef(node)))
	}

	for _, edge := range m.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			safeID(edge.From), label, safeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef suspended fill:#b7791a,stroke:#8a5c14,color:#fff\n")

	for _, node := range m.Nodes {
		if cls := statusClass(node.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", safeID(node.ID), cls))
		}
	}

	return b.String()
}

// nodeDef returns a Mermaid node definition with a shape per kind:
// circle for start, diamond for condition, double bracket for loop,
// hexagon for llm, rectangle for action.
func nodeDef(node Node) string {
	id := safeID(node.ID)
	label := firstLineJoin(node.Label)

	switch node.Kind {
	case NodeKindStart:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindLLM:
		return fmt.Sprintf("%s{{%q}}", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// safeID converts a step slug to a Mermaid-safe identifier.
func safeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// firstLineJoin collapses a multi-line label into "slug: hint".
func firstLineJoin(label string) string {
	parts := strings.SplitN(label, "\n", 2)
	if len(parts) == 2 {
		return parts[0] + ": " + parts[1]
	}
	return label
}

func statusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "suspended":
		return status
	default:
		return ""
	}
}
