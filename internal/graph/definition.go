// Package graph builds and validates workflow step graphs. A graph is a tree
// of declarative nodes (steps, control flow, timers, event waits) that the
// engine walks; because nodes reference executors by name and carry
// expressions as strings, a definition round-trips through JSON and a
// restarted process rebuilds the identical graph.
package graph

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// Definition is a validated, immutable workflow graph. Obtain one through
// Builder.Commit or Parse; never mutate the returned nodes.
type Definition struct {
	id   string
	root schema.Node
}

// ID returns the workflow identifier.
func (d *Definition) ID() string {
	return d.id
}

// Root returns the root node of the graph.
func (d *Definition) Root() schema.Node {
	return d.root
}

// MarshalJSON serializes the definition for storage.
func (d *Definition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID   string      `json:"id"`
		Root schema.Node `json:"root"`
	}{ID: d.id, Root: d.root})
}

// Parse decodes and validates a stored definition.
func Parse(data []byte) (*Definition, error) {
	var raw struct {
		ID   string      `json:"id"`
		Root schema.Node `json:"root"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeGraphValidation,
			"malformed workflow definition: %s", err.Error()).WithCause(err)
	}
	return newDefinition(raw.ID, raw.Root)
}

// newDefinition validates the tree and freezes it into a Definition.
func newDefinition(id string, root schema.Node) (*Definition, error) {
	if id == "" {
		return nil, schema.NewError(schema.ErrCodeGraphValidation, "workflow has empty ID")
	}

	seen := make(map[string]bool)
	if err := validateNode(&root, seen); err != nil {
		return nil, err
	}

	return &Definition{id: id, root: root}, nil
}

// validateNode checks one node and recurses into its children. IDs must be
// unique across the whole tree because node paths key snapshot entries.
func validateNode(n *schema.Node, seen map[string]bool) error {
	if n.ID == "" {
		return schema.NewErrorf(schema.ErrCodeGraphValidation, "%s node has empty ID", n.Kind)
	}
	if seen[n.ID] {
		return schema.NewErrorf(schema.ErrCodeGraphValidation, "duplicate node ID: %s", n.ID)
	}
	seen[n.ID] = true

	switch n.Kind {
	case schema.NodeStep:
		if n.Executor == "" {
			return invalid(n, "step references no executor")
		}
		if len(n.ResumeSchema) > 0 && !json.Valid(n.ResumeSchema) {
			return invalid(n, "resume schema is not valid JSON")
		}

	case schema.NodeSequence, schema.NodeParallel:
		if len(n.Children) == 0 {
			return invalid(n, fmt.Sprintf("%s has no children", n.Kind))
		}
		for i := range n.Children {
			if err := validateNode(&n.Children[i], seen); err != nil {
				return err
			}
		}

	case schema.NodeBranch:
		if len(n.Branches) == 0 {
			return invalid(n, "branch has no arms")
		}
		for i := range n.Branches {
			arm := &n.Branches[i]
			if arm.When == "" {
				return invalid(n, fmt.Sprintf("branch arm %d has empty condition", i))
			}
			if err := validateNode(&arm.Node, seen); err != nil {
				return err
			}
		}

	case schema.NodeDoWhile, schema.NodeDoUntil:
		if n.Body == nil {
			return invalid(n, fmt.Sprintf("%s has no body", n.Kind))
		}
		if n.Condition == "" {
			return invalid(n, fmt.Sprintf("%s has empty condition", n.Kind))
		}
		if err := validateNode(n.Body, seen); err != nil {
			return err
		}

	case schema.NodeForeach:
		if n.Body == nil {
			return invalid(n, "foreach has no body")
		}
		if n.Concurrency < 0 {
			return invalid(n, "foreach concurrency must be >= 0")
		}
		if err := validateNode(n.Body, seen); err != nil {
			return err
		}

	case schema.NodeMap:
		if n.Transform == "" {
			return invalid(n, "map has empty transform")
		}

	case schema.NodeSleep:
		if n.Duration <= 0 && n.Until == nil {
			return invalid(n, "sleep needs a duration or an until time")
		}
		if n.Duration > 0 && n.Until != nil {
			return invalid(n, "sleep cannot have both a duration and an until time")
		}

	case schema.NodeWaitForEvent:
		if n.Event == "" {
			return invalid(n, "waitForEvent has empty event name")
		}
		if n.Timeout < 0 {
			return invalid(n, "waitForEvent timeout must be >= 0")
		}

	default:
		return invalid(n, fmt.Sprintf("unknown node kind: %s", n.Kind))
	}

	return nil
}

func invalid(n *schema.Node, msg string) error {
	return schema.NewError(schema.ErrCodeGraphValidation, msg).WithPath(n.ID)
}
