// Package diagram renders workflow step graphs as Mermaid flowcharts or
// ASCII trees, optionally overlaying per-step status from a run snapshot.
package diagram

// Kind classifies a diagram node by the step-node variant it was built from.
type Kind string

const (
	KindStep     Kind = "step"
	KindSequence Kind = "sequence"
	KindBranch   Kind = "branch"
	KindParallel Kind = "parallel"
	KindLoop     Kind = "loop"
	KindForeach  Kind = "foreach"
	KindMap      Kind = "map"
	KindSleep    Kind = "sleep"
	KindWait     Kind = "wait"
)

// Model is the intermediate tree built from a graph definition. It mirrors
// the definition's node nesting, with one diagram node per graph node.
type Model struct {
	Title string
	Root  *Node
}

// Node is one rendered node. Path matches the node path used in snapshots,
// so status overlays key directly into RunSnapshot.Steps.
type Node struct {
	Path     string
	Label    string
	Kind     Kind
	Status   string // step status, empty when the node has not been touched
	Children []*Node
	// ArmLabels holds the branch condition per child; only set for KindBranch.
	ArmLabels []string
}
