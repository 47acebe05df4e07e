package schema

import (
	"encoding/json"
	"time"
)

// NodeKind enumerates the step-node variants of a workflow graph.
type NodeKind string

const (
	NodeStep         NodeKind = "step"
	NodeSequence     NodeKind = "sequence"
	NodeBranch       NodeKind = "branch"
	NodeParallel     NodeKind = "parallel"
	NodeDoWhile      NodeKind = "dowhile"
	NodeDoUntil      NodeKind = "dountil"
	NodeForeach      NodeKind = "foreach"
	NodeMap          NodeKind = "map"
	NodeSleep        NodeKind = "sleep"
	NodeWaitForEvent NodeKind = "wait-for-event"
)

// Node is the tagged variant describing one node of a workflow step graph.
// Only the fields relevant to its Kind are populated. Nodes are declarative
// and JSON-serializable: step bodies reference executors by name and
// conditions/transforms are expressions, so a restarted process can rebuild
// the identical graph from the stored definition.
type Node struct {
	Kind NodeKind `json:"kind"`
	ID   string   `json:"id"`

	// NodeStep
	Executor     string          `json:"executor,omitempty"`      // executor registry name
	ResumeSchema json.RawMessage `json:"resume_schema,omitempty"` // JSON Schema for resume payloads

	// NodeSequence, NodeParallel
	Children []Node `json:"children,omitempty"`

	// NodeBranch
	Branches []BranchArm `json:"branches,omitempty"`

	// NodeDoWhile, NodeDoUntil, NodeForeach
	Body      *Node  `json:"body,omitempty"`
	Condition string `json:"condition,omitempty"` // CEL by default; "expr:" prefix selects expr-lang

	// NodeForeach
	Concurrency int `json:"concurrency,omitempty"` // 0 = sequential

	// NodeMap
	Transform string `json:"transform,omitempty"` // jq expression over the node input

	// NodeSleep
	Duration Duration   `json:"duration,omitempty"`
	Until    *time.Time `json:"until,omitempty"`

	// NodeWaitForEvent
	Event   string   `json:"event,omitempty"`
	Timeout Duration `json:"timeout,omitempty"`
}

// BranchArm pairs a condition expression with the node executed when the
// condition is the first to evaluate true.
type BranchArm struct {
	When string `json:"when"`
	Node Node   `json:"node"`
}

// Duration is a time.Duration that marshals as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
