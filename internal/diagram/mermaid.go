package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/cdflow/pkg/schema"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
		for _, sg := range node.Children {
			fmt.Fprintf(&b, "    subgraph %s[\"%s: %s\"]\n", mermaidSafeID(node.ID+"_"+sg.Label), node.ID, sg.Label)
			for _, sub := range sg.Nodes {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(sub))
			}
			b.WriteString("    end\n")
			fmt.Fprintf(&b, "    %s -.-> %s\n", mermaidSafeID(node.ID), mermaidSafeID(node.ID+"_"+sg.Label))
		}
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Style == EdgeDashed {
			arrow = "-.->"
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		writeClass(&b, node)
		for _, sg := range node.Children {
			for _, sub := range sg.Nodes {
				writeClass(&b, sub)
			}
		}
	}
	return b.String()
}

func writeClass(b *strings.Builder, node *Node) {
	if node.Status == nil {
		return
	}
	if cls := statusClass(node.Status.Status); cls != "" {
		fmt.Fprintf(b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
	}
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindGate:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindPause:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindFanOut:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindRollback:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid does not accept in ids.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "_")
	return r.Replace(id)
}

// statusClass maps an execution status to a style class. Both renderers
// share it.
func statusClass(status string) string {
	switch schema.ExecutionStatus(status) {
	case schema.StatusSuccess:
		return "success"
	case schema.StatusFailed, schema.StatusError, schema.StatusRejected, schema.StatusExpired, schema.StatusAborted:
		return "failed"
	case schema.StatusRunning, schema.StatusStarting:
		return "running"
	case schema.StatusWaiting, schema.StatusPaused:
		return "waiting"
	case schema.StatusNew, schema.StatusQueued:
		return "pending"
	case schema.StatusSkipped:
		return "skipped"
	default:
		return ""
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
