package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Builder assembles a workflow graph fluently. Each call appends one node to
// the top-level sequence; control-flow helpers take sub-nodes built with the
// package-level node constructors (Step, Seq, Arm, ...). Errors are deferred
// to Commit so chains stay unbroken.
type Builder struct {
	id    string
	nodes []schema.Node
}

// New starts a workflow graph with the given ID.
func New(id string) *Builder {
	return &Builder{id: id}
}

// Then appends any node to the top-level sequence.
func (b *Builder) Then(n schema.Node) *Builder {
	b.nodes = append(b.nodes, n)
	return b
}

// Step appends an executor step.
func (b *Builder) Step(id, executor string) *Builder {
	return b.Then(Step(id, executor))
}

// Branch appends a first-match conditional.
func (b *Builder) Branch(id string, arms ...schema.BranchArm) *Builder {
	return b.Then(schema.Node{Kind: schema.NodeBranch, ID: id, Branches: arms})
}

// Parallel appends concurrent children.
func (b *Builder) Parallel(id string, children ...schema.Node) *Builder {
	return b.Then(schema.Node{Kind: schema.NodeParallel, ID: id, Children: children})
}

// DoWhile appends a loop that repeats its body while condition is true.
// The body always runs at least once.
func (b *Builder) DoWhile(id string, body schema.Node, condition string) *Builder {
	return b.Then(schema.Node{Kind: schema.NodeDoWhile, ID: id, Body: &body, Condition: condition})
}

// DoUntil appends a loop that repeats its body until condition is true.
// The body always runs at least once.
func (b *Builder) DoUntil(id string, body schema.Node, condition string) *Builder {
	return b.Then(schema.Node{Kind: schema.NodeDoUntil, ID: id, Body: &body, Condition: condition})
}

// Foreach appends a fan-out over the node's array input. concurrency 0 or 1
// runs items sequentially.
func (b *Builder) Foreach(id string, body schema.Node, concurrency int) *Builder {
	return b.Then(schema.Node{Kind: schema.NodeForeach, ID: id, Body: &body, Concurrency: concurrency})
}

// Map appends a jq transform over the node input.
func (b *Builder) Map(id, transform string) *Builder {
	return b.Then(schema.Node{Kind: schema.NodeMap, ID: id, Transform: transform})
}

// Sleep appends a durable pause for d.
func (b *Builder) Sleep(id string, d time.Duration) *Builder {
	return b.Then(schema.Node{Kind: schema.NodeSleep, ID: id, Duration: schema.Duration(d)})
}

// SleepUntil appends a durable pause until t.
func (b *Builder) SleepUntil(id string, t time.Time) *Builder {
	return b.Then(schema.Node{Kind: schema.NodeSleep, ID: id, Until: &t})
}

// WaitForEvent appends a durable wait for a named event. timeout 0 waits
// forever.
func (b *Builder) WaitForEvent(id, event string, timeout time.Duration) *Builder {
	return b.Then(schema.Node{Kind: schema.NodeWaitForEvent, ID: id, Event: event, Timeout: schema.Duration(timeout)})
}

// Commit validates the graph and returns an immutable Definition.
func (b *Builder) Commit() (*Definition, error) {
	switch len(b.nodes) {
	case 0:
		return nil, schema.NewError(schema.ErrCodeGraphValidation, "workflow has no nodes")
	case 1:
		return newDefinition(b.id, b.nodes[0])
	default:
		root := schema.Node{
			Kind:     schema.NodeSequence,
			ID:       fmt.Sprintf("%s.seq", b.id),
			Children: b.nodes,
		}
		return newDefinition(b.id, root)
	}
}

// --- Node constructors for sub-trees ---

// Step builds an executor step node.
func Step(id, executor string) schema.Node {
	return schema.Node{Kind: schema.NodeStep, ID: id, Executor: executor}
}

// StepWithResumeSchema builds an executor step whose resume payloads are
// validated against the given JSON Schema.
func StepWithResumeSchema(id, executor string, resumeSchema json.RawMessage) schema.Node {
	return schema.Node{Kind: schema.NodeStep, ID: id, Executor: executor, ResumeSchema: resumeSchema}
}

// Seq builds a sequence of children.
func Seq(id string, children ...schema.Node) schema.Node {
	return schema.Node{Kind: schema.NodeSequence, ID: id, Children: children}
}

// Arm pairs a condition with the node it guards inside a branch.
func Arm(when string, node schema.Node) schema.BranchArm {
	return schema.BranchArm{When: when, Node: node}
}
