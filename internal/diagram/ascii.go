package diagram

import (
	"fmt"
	"strings"
)

// RenderASCII renders a model as an indented tree with box-drawing
// connectors and short status tags.
func RenderASCII(m *Model) string {
	var b strings.Builder
	if m.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n", m.Title))
	}
	writeASCIINode(&b, m.Root, "", "", "")
	return b.String()
}

func writeASCIINode(b *strings.Builder, n *Node, prefix, connector, childPrefix string) {
	b.WriteString(prefix + connector + asciiLine(n) + "\n")
	for i, child := range n.Children {
		last := i == len(n.Children)-1
		conn, next := "├─ ", childPrefix+"│  "
		if last {
			conn, next = "└─ ", childPrefix+"   "
		}
		if n.Kind == KindBranch && i < len(n.ArmLabels) {
			b.WriteString(childPrefix + conn + "when " + n.ArmLabels[i] + ":\n")
			writeASCIINode(b, child, next, "└─ ", next+"   ")
			continue
		}
		writeASCIINode(b, child, childPrefix, conn, next)
	}
}

func asciiLine(n *Node) string {
	line := n.Label
	if tag := statusTag(n.Status); tag != "" {
		line += " " + tag
	}
	return line
}

// statusTag returns a short ASCII indicator for a step status.
func statusTag(status string) string {
	switch status {
	case "success":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "suspended":
		return "[SUSP]"
	case "waiting":
		return "[WAIT]"
	case "skipped":
		return "[SKIP]"
	case "canceled":
		return "[CANC]"
	default:
		return ""
	}
}
