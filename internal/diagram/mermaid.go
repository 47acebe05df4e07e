package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a model as a Mermaid flowchart. Composite nodes
// become subgraphs; sequence children are chained with arrows and branch
// arms get edges labeled with their conditions.
func RenderMermaid(m *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if m.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", m.Title))
	}

	var edges []edge
	writeMermaidNode(&b, m.Root, 1, &edges)

	for _, e := range edges {
		label := ""
		if e.label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscape(e.label))
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n", e.from, label, e.to))
	}

	b.WriteString("\n")
	b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef suspended fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef canceled fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")

	writeMermaidClasses(&b, m.Root)

	return b.String()
}

type edge struct {
	from, to, label string
}

func writeMermaidNode(b *strings.Builder, n *Node, depth int, edges *[]edge) {
	indent := strings.Repeat("    ", depth)
	id := mermaidSafeID(n.Path)

	switch n.Kind {
	case KindSequence, KindParallel, KindLoop, KindForeach:
		b.WriteString(fmt.Sprintf("%ssubgraph %s[\"%s\"]\n", indent, id, mermaidEscape(n.Label)))
		for _, child := range n.Children {
			writeMermaidNode(b, child, depth+1, edges)
		}
		b.WriteString(indent + "end\n")
		if n.Kind == KindSequence {
			for i := 0; i+1 < len(n.Children); i++ {
				*edges = append(*edges, edge{
					from: mermaidSafeID(n.Children[i].Path),
					to:   mermaidSafeID(n.Children[i+1].Path),
				})
			}
		}
	case KindBranch:
		b.WriteString(fmt.Sprintf("%s%s{\"%s\"}\n", indent, id, mermaidEscape(n.Label)))
		for i, child := range n.Children {
			writeMermaidNode(b, child, depth, edges)
			label := ""
			if i < len(n.ArmLabels) {
				label = n.ArmLabels[i]
			}
			*edges = append(*edges, edge{from: id, to: mermaidSafeID(child.Path), label: label})
		}
	case KindSleep, KindWait:
		b.WriteString(fmt.Sprintf("%s%s([\"%s\"])\n", indent, id, mermaidEscape(n.Label)))
	case KindMap:
		b.WriteString(fmt.Sprintf("%s%s[/\"%s\"/]\n", indent, id, mermaidEscape(n.Label)))
	default:
		b.WriteString(fmt.Sprintf("%s%s[\"%s\"]\n", indent, id, mermaidEscape(n.Label)))
	}
}

func writeMermaidClasses(b *strings.Builder, n *Node) {
	if n.Status != "" {
		b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(n.Path), mermaidStatusClass(n.Status)))
	}
	for _, child := range n.Children {
		writeMermaidClasses(b, child)
	}
}

// mermaidSafeID converts a node path to a Mermaid-safe identifier.
func mermaidSafeID(path string) string {
	r := strings.NewReplacer(".", "_", "-", "_", "[", "_", "]", "_", " ", "_")
	return r.Replace(path)
}

func mermaidEscape(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}

func mermaidStatusClass(status string) string {
	switch status {
	case "success":
		return "success"
	case "failed":
		return "failed"
	case "running":
		return "running"
	case "suspended", "waiting":
		return "suspended"
	case "skipped":
		return "skipped"
	case "canceled":
		return "canceled"
	default:
		return "running"
	}
}
