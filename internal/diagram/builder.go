package diagram

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Build turns a workflow definition into a render model. When snap is
// non-nil, per-step status from the snapshot is overlaid onto matching
// nodes. Loop and foreach bodies execute under iteration paths; their
// status resolves to the most recent iteration.
func Build(def *graph.Definition, snap *store.RunSnapshot) *Model {
	var statuses map[string]*store.StepResult
	if snap != nil {
		statuses = indexSteps(snap.Steps)
	}
	root := def.Root()
	return &Model{
		Title: def.ID(),
		Root:  buildNode(&root, root.ID, statuses),
	}
}

func buildNode(n *schema.Node, path string, statuses map[string]*store.StepResult) *Node {
	dn := &Node{
		Path:  path,
		Label: nodeLabel(n),
		Kind:  nodeKind(n.Kind),
	}
	if res, ok := statuses[path]; ok {
		dn.Status = string(res.Status)
	}

	switch n.Kind {
	case schema.NodeSequence, schema.NodeParallel:
		for i := range n.Children {
			child := &n.Children[i]
			dn.Children = append(dn.Children, buildNode(child, graph.ChildPath(path, child.ID), statuses))
		}
	case schema.NodeBranch:
		for i := range n.Branches {
			arm := &n.Branches[i]
			dn.Children = append(dn.Children, buildNode(&arm.Node, graph.ChildPath(path, arm.Node.ID), statuses))
			dn.ArmLabels = append(dn.ArmLabels, truncate(arm.When, 40))
		}
	case schema.NodeDoWhile, schema.NodeDoUntil, schema.NodeForeach:
		if n.Body != nil {
			dn.Children = append(dn.Children, buildNode(n.Body, graph.ChildPath(path, n.Body.ID), statuses))
		}
	}
	return dn
}

func nodeKind(k schema.NodeKind) Kind {
	switch k {
	case schema.NodeSequence:
		return KindSequence
	case schema.NodeBranch:
		return KindBranch
	case schema.NodeParallel:
		return KindParallel
	case schema.NodeDoWhile, schema.NodeDoUntil:
		return KindLoop
	case schema.NodeForeach:
		return KindForeach
	case schema.NodeMap:
		return KindMap
	case schema.NodeSleep:
		return KindSleep
	case schema.NodeWaitForEvent:
		return KindWait
	default:
		return KindStep
	}
}

func nodeLabel(n *schema.Node) string {
	switch n.Kind {
	case schema.NodeStep:
		if n.Executor != "" {
			return fmt.Sprintf("%s (%s)", n.ID, n.Executor)
		}
		return n.ID
	case schema.NodeDoWhile:
		return fmt.Sprintf("%s while %s", n.ID, truncate(n.Condition, 40))
	case schema.NodeDoUntil:
		return fmt.Sprintf("%s until %s", n.ID, truncate(n.Condition, 40))
	case schema.NodeForeach:
		if n.Concurrency > 1 {
			return fmt.Sprintf("%s foreach x%d", n.ID, n.Concurrency)
		}
		return n.ID + " foreach"
	case schema.NodeMap:
		return fmt.Sprintf("%s map %s", n.ID, truncate(n.Transform, 40))
	case schema.NodeSleep:
		if n.Until != nil {
			return fmt.Sprintf("%s until %s", n.ID, n.Until.Format(time.RFC3339))
		}
		return fmt.Sprintf("%s %s", n.ID, time.Duration(n.Duration))
	case schema.NodeWaitForEvent:
		if n.Timeout > 0 {
			return fmt.Sprintf("%s event %q (%s)", n.ID, n.Event, time.Duration(n.Timeout))
		}
		return fmt.Sprintf("%s event %q", n.ID, n.Event)
	default:
		return n.ID
	}
}

// indexSteps keys step results by their path with iteration indexes removed,
// keeping the most recently started result when iterations collide.
func indexSteps(steps map[string]*store.StepResult) map[string]*store.StepResult {
	idx := make(map[string]*store.StepResult, len(steps))
	for path, res := range steps {
		key := stripIters(path)
		prev, ok := idx[key]
		if !ok || startedAfter(res, prev) {
			idx[key] = res
		}
	}
	return idx
}

func startedAfter(a, b *store.StepResult) bool {
	if a.StartedAt == nil {
		return false
	}
	if b.StartedAt == nil {
		return true
	}
	return a.StartedAt.After(*b.StartedAt)
}

// stripIters removes "[n]" iteration segments from a node path, so
// "pipeline.retry[2].fetch" collapses to "pipeline.retry.fetch".
func stripIters(path string) string {
	if !strings.ContainsRune(path, '[') {
		return path
	}
	var b strings.Builder
	b.Grow(len(path))
	depth := 0
	for _, r := range path {
		switch {
		case r == '[':
			depth++
		case r == ']':
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
